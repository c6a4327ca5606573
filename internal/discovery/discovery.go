// Package discovery builds the live inventory of sites on the remote
// host. One pass lists the site directories, reads each compose
// manifest and .env file, joins the declared services with running
// containers and reverse-proxy routes, and produces a snapshot whose
// ordering is stable across passes.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/compose"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// Both commands enumerate stopped containers too, so a downed site is
// still correlated with what it owns.
const (
	listContainersCommand  = `docker ps -a --format '{{json .}}'`
	listProxyLabelsCommand = `docker ps -a --format '{{.Names}}|{{.Label "caddy"}}|{{.Label "caddy.reverse_proxy"}}'`
)

// Executor is the slice of the remote executor the pipeline needs.
type Executor interface {
	Run(ctx context.Context, command string) (remote.Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListDirs(ctx context.Context, root string) ([]string, error)
}

// Pipeline discovers sites over a remote executor.
type Pipeline struct {
	exec   Executor
	remote config.RemoteConfig
	sem    chan struct{}
}

// New creates a pipeline that builds at most workers sites concurrently.
func New(exec Executor, cfg config.RemoteConfig, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{exec: exec, remote: cfg, sem: make(chan struct{}, workers)}
}

// Collect runs one full discovery pass. A failure scoped to a single
// site is recorded on that site; only host-level failures fail the pass.
func (p *Pipeline) Collect(ctx context.Context) (model.SitesSnapshot, error) {
	started := time.Now()

	dirs, err := p.exec.ListDirs(ctx, p.remote.SitesRoot)
	if err != nil {
		return model.SitesSnapshot{}, model.WrapErr(model.KindOf(err), err, "listing %s", p.remote.SitesRoot)
	}

	denied := make(map[string]bool, len(p.remote.DeniedDirs))
	for _, d := range p.remote.DeniedDirs {
		denied[d] = true
	}
	var names []string
	for _, d := range dirs {
		if !denied[d] {
			names = append(names, d)
		}
	}

	live, err := p.liveContainers(ctx)
	if err != nil {
		return model.SitesSnapshot{}, err
	}
	proxied, err := p.proxyLabels(ctx)
	if err != nil {
		return model.SitesSnapshot{}, err
	}
	p.augmentFromCaddyfile(ctx, proxied)

	sites := make([]model.Site, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		if err := p.submit(ctx, func() {
			defer wg.Done()
			sites[i] = p.buildSite(ctx, name, live, proxied)
		}); err != nil {
			wg.Done()
			break
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		kind := model.KindTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = model.KindTimeout
		}
		return model.SitesSnapshot{}, model.WrapErr(kind, err, "discovery interrupted")
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	slog.Debug("discovery pass complete",
		"sites", len(sites),
		"containers", len(live),
		"duration_ms", time.Since(started).Milliseconds())
	return model.SitesSnapshot{
		Sites:     sites,
		Gateway:   gatewayStatus(p.remote.CaddyContainer, live),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func gatewayStatus(name string, live map[string]model.Container) model.GatewayStatus {
	gs := model.GatewayStatus{Container: name, Status: model.SiteUnknown}
	if c, ok := live[name]; ok {
		if containerUp(c) {
			gs.Status = model.SiteRunning
		} else {
			gs.Status = model.SiteStopped
		}
	}
	return gs
}

// submit runs fn in the pool, blocking if all workers are busy.
func (p *Pipeline) submit(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
		go func() {
			defer func() { <-p.sem }()
			fn()
		}()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// psLine matches the field names docker emits for {{json .}}.
type psLine struct {
	Names  string `json:"Names"`
	Status string `json:"Status"`
	State  string `json:"State"`
	Image  string `json:"Image"`
	Ports  string `json:"Ports"`
}

func (p *Pipeline) liveContainers(ctx context.Context) (map[string]model.Container, error) {
	res, err := p.exec.Run(ctx, listContainersCommand)
	if err != nil {
		return nil, model.WrapErr(model.KindOf(err), err, "listing containers")
	}
	live := map[string]model.Container{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row psLine
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			slog.Warn("skipping unparseable container line", "error", err)
			continue
		}
		if row.Names == "" {
			continue
		}
		live[row.Names] = model.Container{
			Name:   row.Names,
			Status: row.Status,
			State:  row.State,
			Image:  row.Image,
			Ports:  parseEnginePorts(row.Ports),
		}
	}
	return live, nil
}

// parseEnginePorts normalizes the Ports column of docker ps, e.g.
// "0.0.0.0:8080->80/tcp, :::8080->80/tcp". Bindings that differ only
// by bind address collapse into one mapping.
func parseEnginePorts(raw string) []model.PortMapping {
	seen := map[model.PortMapping]bool{}
	var ports []model.PortMapping
	for _, seg := range strings.Split(raw, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		pm := model.PortMapping{Protocol: "tcp"}
		private := seg
		if host, rest, ok := strings.Cut(seg, "->"); ok {
			private = rest
			host = strings.TrimSpace(host)
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[i+1:]
			}
			if pub, err := strconv.Atoi(host); err == nil {
				pm.Public = pub
			}
		}
		if i := strings.LastIndex(private, "/"); i >= 0 {
			pm.Protocol = private[i+1:]
			private = private[:i]
		}
		priv, err := strconv.Atoi(strings.TrimSpace(private))
		if err != nil {
			continue
		}
		pm.Private = priv
		if seen[pm] {
			continue
		}
		seen[pm] = true
		ports = append(ports, pm)
	}
	sort.Slice(ports, func(i, j int) bool {
		a, b := ports[i], ports[j]
		if a.Private != b.Private {
			return a.Private < b.Private
		}
		if a.Public != b.Public {
			return a.Public < b.Public
		}
		return a.Protocol < b.Protocol
	})
	return ports
}

// proxyEntry accumulates the domains and upstream targets the gateway
// routes to one container.
type proxyEntry struct {
	domains map[string]bool
	targets map[string]bool
}

func newProxyEntry() *proxyEntry {
	return &proxyEntry{domains: map[string]bool{}, targets: map[string]bool{}}
}

// proxyLabels reads caddy-docker-proxy style labels off every
// container. Containers without a caddy label are skipped.
func (p *Pipeline) proxyLabels(ctx context.Context) (map[string]*proxyEntry, error) {
	res, err := p.exec.Run(ctx, listProxyLabelsCommand)
	if err != nil {
		return nil, model.WrapErr(model.KindOf(err), err, "listing proxy labels")
	}
	entries := map[string]*proxyEntry{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		name := parts[0]
		domain := stripScheme(parts[1])
		target := strings.TrimSpace(parts[2])
		if name == "" || domain == "" {
			continue
		}
		e := entries[name]
		if e == nil {
			e = newProxyEntry()
			entries[name] = e
		}
		e.domains[domain] = true
		if target != "" {
			e.targets[target] = true
		}
	}
	return entries, nil
}

// augmentFromCaddyfile folds statically configured routes into the
// label map, keyed by the upstream container name. A missing Caddyfile
// is fine; other read failures degrade to label-only routing.
func (p *Pipeline) augmentFromCaddyfile(ctx context.Context, entries map[string]*proxyEntry) {
	data, err := p.exec.ReadFile(ctx, p.remote.Caddyfile)
	if err != nil {
		if !model.IsKind(err, model.KindNotFound) {
			slog.Warn("reading caddyfile", "path", p.remote.Caddyfile, "error", err)
		}
		return
	}
	for _, route := range caddy.Routes(string(data)) {
		if !containerNameOK(route.Container) {
			continue
		}
		domain := stripScheme(route.Domain)
		if domain == "" {
			continue
		}
		e := entries[route.Container]
		if e == nil {
			e = newProxyEntry()
			entries[route.Container] = e
		}
		e.domains[domain] = true
		target, _, _ := strings.Cut(route.Target, "/")
		if target != "" {
			e.targets[target] = true
		}
	}
}

// buildSite assembles one site from its manifest plus the shared
// container and proxy maps. It never fails: anything that keeps the
// manifest from being read or parsed leaves the site in unknown state
// with the error recorded.
func (p *Pipeline) buildSite(ctx context.Context, name string, live map[string]model.Container, proxied map[string]*proxyEntry) model.Site {
	site := model.Site{
		Name:       name,
		Path:       path.Join(p.remote.SitesRoot, name),
		Services:   []model.Service{},
		Containers: []model.Container{},
		Domains:    []string{},
		Targets:    []string{},
		Status:     model.SiteUnknown,
	}

	proj, composeFile, err := p.loadCompose(ctx, site.Path)
	if err != nil {
		site.Error = err.Error()
		return site
	}
	if proj == nil {
		return site
	}
	site.ComposeFile = composeFile

	env := p.loadEnvFile(ctx, site.Path)

	domains := map[string]bool{}
	targets := map[string]bool{}
	matchedSet := map[string]bool{}

	for _, svcName := range sortedKeys(proj.Services) {
		svc := proj.Services[svcName]
		containerName := svc.ContainerName
		if containerName == "" {
			containerName = name + "-" + svcName
		}
		service := model.Service{
			Name:          svcName,
			ContainerName: containerName,
			Image:         svc.Image,
			Ports:         []model.PortMapping{},
			Labels:        map[string]string{},
			Environment:   map[string]string{},
		}
		for k, v := range svc.Labels {
			service.Labels[k] = compose.Expand(v, env)
		}
		for k, v := range svc.Environment {
			service.Environment[k] = compose.Expand(v, env)
		}
		for _, spec := range svc.Ports {
			pm, err := compose.ParsePort(compose.Expand(spec, env))
			if err != nil {
				slog.Debug("skipping malformed port", "site", name, "service", svcName, "port", spec)
				continue
			}
			service.Ports = append(service.Ports, pm)
		}
		site.Services = append(site.Services, service)

		matched := ""
		for _, cand := range correlationCandidates(name, svcName, svc.ContainerName) {
			if _, ok := live[cand]; ok {
				matched = cand
				break
			}
		}
		if matched != "" && !matchedSet[matched] {
			matchedSet[matched] = true
			site.Containers = append(site.Containers, live[matched])
		}

		if d := stripScheme(service.Labels["caddy"]); d != "" && !strings.HasPrefix(d, "$") {
			domains[d] = true
		}
		if t := strings.TrimSpace(service.Labels["caddy.reverse_proxy"]); t != "" {
			targets[t] = true
		}
		for _, alias := range proxyAliases(name, svcName, containerName, matched) {
			e := proxied[alias]
			if e == nil {
				continue
			}
			for d := range e.domains {
				domains[d] = true
			}
			for t := range e.targets {
				targets[t] = true
			}
		}
	}

	sort.Slice(site.Containers, func(i, j int) bool {
		return site.Containers[i].Name < site.Containers[j].Name
	})
	site.Domains = sortedSet(domains)
	site.Targets = sortedSet(targets)
	site.Status = DeriveStatus(site.Containers)
	return site
}

// loadCompose probes the candidate manifest names in order and parses
// the first one present. No manifest at all is not an error.
func (p *Pipeline) loadCompose(ctx context.Context, sitePath string) (*compose.Project, string, error) {
	for _, candidate := range compose.Candidates {
		data, err := p.exec.ReadFile(ctx, path.Join(sitePath, candidate))
		if model.IsKind(err, model.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		proj, err := compose.Parse(data)
		if err != nil {
			return nil, "", err
		}
		return proj, candidate, nil
	}
	return nil, "", nil
}

func (p *Pipeline) loadEnvFile(ctx context.Context, sitePath string) map[string]string {
	data, err := p.exec.ReadFile(ctx, path.Join(sitePath, ".env"))
	if err != nil {
		if !model.IsKind(err, model.KindNotFound) {
			slog.Debug("reading site env file", "site", sitePath, "error", err)
		}
		return map[string]string{}
	}
	return compose.ParseEnvFile(data)
}

// correlationCandidates lists the container names a service may run
// under, most specific first: the explicit container_name, then the
// compose project conventions, then the bare service name.
func correlationCandidates(site, service, explicit string) []string {
	cands := make([]string, 0, 4)
	if explicit != "" {
		cands = append(cands, explicit)
	}
	cands = append(cands, site+"-"+service, site+"_"+service, service)
	return dedupe(cands)
}

// proxyAliases lists every name the gateway might know a service by,
// including the site directory itself and the matched container.
func proxyAliases(site, service, containerName, matched string) []string {
	aliases := []string{containerName, site + "-" + service, site + "_" + service, service, site}
	if matched != "" {
		aliases = append(aliases, matched)
	}
	return dedupe(aliases)
}

// DeriveStatus maps container states onto a site status: all up means
// running, none up means stopped, a mix means degraded, and a site
// with no containers is unknown.
func DeriveStatus(containers []model.Container) string {
	if len(containers) == 0 {
		return model.SiteUnknown
	}
	up := 0
	for _, c := range containers {
		if containerUp(c) {
			up++
		}
	}
	switch up {
	case len(containers):
		return model.SiteRunning
	case 0:
		return model.SiteStopped
	default:
		return model.SiteDegraded
	}
}

func containerUp(c model.Container) bool {
	return c.State == "running" || strings.Contains(c.Status, "Up")
}

func stripScheme(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	return s
}

// containerNameOK reports whether s looks like a container name rather
// than an address, placeholder, or snippet reference.
func containerNameOK(s string) bool {
	alnum := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			alnum = true
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return alnum
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]compose.Service) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
