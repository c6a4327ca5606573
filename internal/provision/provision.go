// Package provision creates and tears down managed sites. Create is
// transactional: each step that changes remote or external state pushes a
// compensation onto a stack, and a failure at any later step unwinds the
// stack in reverse so no half-provisioned site, orphan DNS record, tunnel
// hostname, or uptime monitor is left behind. The audit entry for a failed
// create lists the compensations that ran.
package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/actions"
	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/format"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
	"github.com/siteflow/siteflow/internal/store"
)

const (
	composeTimeout  = 120 * time.Second
	reloadTimeout   = 30 * time.Second
	cloneTimeout    = 60 * time.Second
	rollbackTimeout = 30 * time.Second

	defaultUpWait = 60 * time.Second
	defaultUpPoll = 2 * time.Second

	// Tunnel traffic terminates at the gateway; Cloudflare handles TLS at
	// the edge, so hostnames route to plain HTTP on the host.
	tunnelService = "http://localhost:80"

	proxyNetwork = "web_proxy"
)

// DNS is the slice of the Cloudflare client the provisioner uses.
type DNS interface {
	Enabled() bool
	Domain(site string) string
	AddRecord(ctx context.Context, domain string) error
	RemoveRecord(ctx context.Context, domain string) error
	AddTunnelHostname(ctx context.Context, hostname, service string) error
	RemoveTunnelHostname(ctx context.Context, hostname string) error
}

// Health is the slice of the uptime adapter the provisioner uses.
type Health interface {
	Enabled() bool
	CreateMonitor(ctx context.Context, name, url string) (int64, error)
	DeleteMonitor(ctx context.Context, name string) error
}

// Provisioner materializes site templates on the managed host and wires
// up the proxy route, DNS, tunnel hostname, and uptime monitor for them.
type Provisioner struct {
	exec      actions.Executor
	engine    *actions.Engine
	store     *store.Store
	dns       DNS
	health    Health
	cache     actions.Cache
	broadcast actions.Broadcaster

	sitesRoot      string
	caddyfile      string
	caddyContainer string
	deniedDirs     map[string]bool
	maxOutput      int

	// Poll cadence for waiting on the first container; tests shrink these.
	upWait time.Duration
	upPoll time.Duration
}

// New builds a Provisioner. The dns and health clients may be nil or
// disabled; external steps are skipped when they are.
func New(exec actions.Executor, engine *actions.Engine, st *store.Store, d DNS, h Health, remoteCfg config.RemoteConfig, auditCfg config.AuditConfig, cache actions.Cache, broadcast actions.Broadcaster) *Provisioner {
	denied := make(map[string]bool, len(remoteCfg.DeniedDirs))
	for _, dir := range remoteCfg.DeniedDirs {
		denied[dir] = true
	}
	maxOutput := auditCfg.MaxOutputLength
	if maxOutput <= 0 {
		maxOutput = 10000
	}
	return &Provisioner{
		exec:           exec,
		engine:         engine,
		store:          st,
		dns:            d,
		health:         h,
		cache:          cache,
		broadcast:      broadcast,
		sitesRoot:      strings.TrimRight(remoteCfg.SitesRoot, "/"),
		caddyfile:      remoteCfg.Caddyfile,
		caddyContainer: remoteCfg.CaddyContainer,
		deniedDirs:     denied,
		maxOutput:      maxOutput,
		upWait:         defaultUpWait,
		upPoll:         defaultUpPoll,
	}
}

// DeploySource requests an immediate git deployment after provisioning.
type DeploySource struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
}

// CreateRequest names the site, template, and optional domain and deploy
// source for a new site.
type CreateRequest struct {
	Name     string
	Template string
	Domain   string
	Deploy   *DeploySource
}

// CreateResult reports a successful provisioning.
type CreateResult struct {
	Name     string `json:"name"`
	Template string `json:"template"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Path     string `json:"path"`
	Domain   string `json:"domain"`
}

// DeprovisionRequest names the site to tear down and what to delete with it.
type DeprovisionRequest struct {
	Name          string
	RemoveVolumes bool
	RemoveFiles   bool
}

// DeprovisionResult reports a completed teardown.
type DeprovisionResult struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	VolumesRemoved bool   `json:"volumes_removed"`
	FilesRemoved   bool   `json:"files_removed"`
}

// compensation is one undo step pushed after a create step succeeds.
type compensation struct {
	name string
	fn   func(context.Context)
}

// Create provisions a new site: skeleton and compose manifest, proxy route,
// external registrations, container start, and a gateway reload. On failure
// every compensation accumulated so far runs in reverse order.
func (p *Provisioner) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := actions.ValidateSiteName(req.Name); err != nil {
		return CreateResult{}, err
	}
	if len(req.Name) < 2 {
		return CreateResult{}, model.Errorf(model.KindValidation, "site name must be at least 2 characters")
	}
	if p.deniedDirs[req.Name] {
		return CreateResult{}, model.Errorf(model.KindValidation, "directory %q is reserved and cannot be provisioned", req.Name)
	}
	tmpl, ok := templateByID(req.Template)
	if !ok {
		return CreateResult{}, model.Errorf(model.KindValidation, "unknown template %q", req.Template)
	}

	rawDomain := req.Domain
	if rawDomain == "" && p.dnsEnabled() {
		rawDomain = p.dns.Domain(req.Name)
	}
	if rawDomain == "" {
		return CreateResult{}, model.Errorf(model.KindValidation, "no domain given and no base domain configured")
	}
	domain, err := actions.NormalizeDomain(rawDomain)
	if err != nil {
		return CreateResult{}, err
	}

	path := p.sitesRoot + "/" + req.Name
	start := time.Now()
	id := p.beginAudit(model.ActionSiteProvision, req.Name, map[string]string{
		"template": tmpl.ID,
		"domain":   domain,
	})

	var undo []compensation
	lines, err := p.create(ctx, req, tmpl, domain, path, &undo)
	if err != nil {
		performed := p.rollback(undo)
		if len(performed) > 0 {
			lines = append(lines, "compensations performed: "+strings.Join(performed, ", "))
		}
		p.finishAudit(id, model.AuditFailure, strings.Join(lines, "\n"), err, start)
		return CreateResult{}, err
	}
	p.finishAudit(id, model.AuditSuccess, strings.Join(lines, "\n"), nil, start)
	p.mutated()

	return CreateResult{
		Name:     req.Name,
		Template: tmpl.ID,
		Status:   "success",
		Message:  fmt.Sprintf("site %q provisioned at %s", req.Name, domain),
		Path:     path,
		Domain:   domain,
	}, nil
}

func (p *Provisioner) create(ctx context.Context, req CreateRequest, tmpl Template, domain, path string, undo *[]compensation) ([]string, error) {
	var lines []string
	say := func(f string, args ...any) { lines = append(lines, fmt.Sprintf(f, args...)) }
	push := func(name string, fn func(context.Context)) {
		*undo = append(*undo, compensation{name: name, fn: fn})
	}

	if err := p.ensureProxyNetwork(ctx); err != nil {
		return lines, err
	}

	exists, err := p.exec.FileExists(ctx, path)
	if err != nil {
		return lines, err
	}
	if exists {
		return lines, model.Errorf(model.KindConflict, "site %q already exists", req.Name)
	}

	if _, err := p.exec.RunTarget(ctx, req.Name, "mkdir -p "+remote.QuoteArg(path)); err != nil {
		return lines, err
	}
	push("removed site directory", func(ctx context.Context) {
		if _, err := p.exec.RunTarget(ctx, req.Name, "rm -rf "+remote.QuoteArg(path)); err != nil {
			slog.Warn("rollback: removing site directory", "site", req.Name, "error", err)
		}
	})
	say("created %s", path)

	secret, err := newSecret()
	if err != nil {
		return lines, err
	}
	manifest, err := renderCompose(tmpl.ID, composeParams{Name: req.Name, Secret: secret})
	if err != nil {
		return lines, err
	}
	if err := p.exec.Upload(ctx, path+"/docker-compose.yml", strings.NewReader(manifest)); err != nil {
		return lines, err
	}
	if err := p.exec.Upload(ctx, path+"/.env", strings.NewReader("DOMAIN="+domain+"\n")); err != nil {
		return lines, err
	}
	if err := p.writeSkeleton(ctx, req.Name, tmpl.ID, path); err != nil {
		return lines, err
	}
	say("materialized %s template", tmpl.ID)

	if err := p.addRoute(ctx, domain, req.Name, tmpl.Port); err != nil {
		return lines, err
	}
	push("removed proxy route", func(ctx context.Context) {
		if err := p.removeRoute(ctx, domain); err != nil && !model.IsKind(err, model.KindNotFound) {
			slog.Warn("rollback: removing proxy route", "domain", domain, "error", err)
		}
		if err := p.reloadGateway(ctx); err != nil {
			slog.Warn("rollback: reloading gateway", "error", err)
		}
	})
	say("route %s -> %s:%d", domain, req.Name, tmpl.Port)

	// External registrations are best-effort on the way in: a provider
	// outage should not fail the create, but anything registered must be
	// unwound on rollback.
	if p.dnsEnabled() {
		if err := p.dns.AddTunnelHostname(ctx, domain, tunnelService); err != nil {
			slog.Warn("adding tunnel hostname", "domain", domain, "error", err)
			say("warning: tunnel hostname not added: %v", err)
		} else {
			push("removed tunnel hostname", func(ctx context.Context) {
				if err := p.dns.RemoveTunnelHostname(ctx, domain); err != nil {
					slog.Warn("rollback: removing tunnel hostname", "domain", domain, "error", err)
				}
			})
			say("tunnel hostname %s registered", domain)
		}
		if err := p.dns.AddRecord(ctx, domain); err != nil {
			slog.Warn("adding dns record", "domain", domain, "error", err)
			say("warning: dns record not created: %v", err)
		} else {
			push("removed dns record", func(ctx context.Context) {
				if err := p.dns.RemoveRecord(ctx, domain); err != nil {
					slog.Warn("rollback: removing dns record", "domain", domain, "error", err)
				}
			})
			say("dns record %s created", domain)
		}
	}
	if p.healthEnabled() {
		if _, err := p.health.CreateMonitor(ctx, req.Name, "https://"+domain); err != nil {
			slog.Warn("creating uptime monitor", "site", req.Name, "error", err)
			say("warning: uptime monitor not created: %v", err)
		} else {
			push("deleted uptime monitor", func(ctx context.Context) {
				if err := p.health.DeleteMonitor(ctx, req.Name); err != nil {
					slog.Warn("rollback: deleting uptime monitor", "site", req.Name, "error", err)
				}
			})
			say("uptime monitor created")
		}
	}

	upCtx, cancel := context.WithTimeout(ctx, composeTimeout)
	_, err = p.exec.RunTarget(upCtx, req.Name, fmt.Sprintf("cd %s && docker compose up -d 2>&1", remote.QuoteArg(path)))
	cancel()
	if err != nil {
		return lines, err
	}
	push("stopped containers", func(ctx context.Context) {
		down := fmt.Sprintf("cd %s && docker compose down -v 2>&1", remote.QuoteArg(path))
		if _, err := p.exec.RunTarget(ctx, req.Name, down); err != nil {
			slog.Warn("rollback: stopping containers", "site", req.Name, "error", err)
		}
	})
	if err := p.waitForUp(ctx, req.Name); err != nil {
		return lines, err
	}
	say("container %s is up", req.Name)

	if err := p.reloadGateway(ctx); err != nil {
		return lines, err
	}
	say("gateway reloaded")

	if req.Deploy != nil && req.Deploy.RepoURL != "" {
		if _, err := p.engine.DeployGit(ctx, req.Name, req.Deploy.RepoURL, req.Deploy.Branch); err != nil {
			slog.Error("immediate deploy after provision", "site", req.Name, "error", err)
			say("warning: provisioned ok, deployment failed: %v", err)
		} else {
			say("deployed %s", req.Deploy.RepoURL)
		}
	}

	return lines, nil
}

// rollback unwinds compensations newest-first and reports which ran. The
// request context may already be cancelled, so each step gets a fresh one.
func (p *Provisioner) rollback(undo []compensation) []string {
	performed := make([]string, 0, len(undo))
	for i := len(undo) - 1; i >= 0; i-- {
		c := undo[i]
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		c.fn(ctx)
		cancel()
		slog.Warn("provision rolled back a step", "step", c.name)
		performed = append(performed, c.name)
	}
	return performed
}

// Deprovision tears a site down: stack stopped, proxy route removed,
// monitor and DNS unregistered, and optionally volumes and files deleted.
// Missing external resources are warnings, not errors.
func (p *Provisioner) Deprovision(ctx context.Context, req DeprovisionRequest) (DeprovisionResult, error) {
	if err := actions.ValidateSiteName(req.Name); err != nil {
		return DeprovisionResult{}, err
	}
	if p.deniedDirs[req.Name] {
		return DeprovisionResult{}, model.Errorf(model.KindValidation, "directory %q is reserved and cannot be deprovisioned", req.Name)
	}

	path := p.sitesRoot + "/" + req.Name
	start := time.Now()
	id := p.beginAudit(model.ActionSiteDeprovision, req.Name, map[string]string{
		"remove_volumes": strconv.FormatBool(req.RemoveVolumes),
		"remove_files":   strconv.FormatBool(req.RemoveFiles),
	})

	lines, err := p.deprovision(ctx, req, path)
	if err != nil {
		p.finishAudit(id, model.AuditFailure, strings.Join(lines, "\n"), err, start)
		return DeprovisionResult{}, err
	}
	p.finishAudit(id, model.AuditSuccess, strings.Join(lines, "\n"), nil, start)
	p.mutated()

	return DeprovisionResult{
		Name:           req.Name,
		Status:         "success",
		Message:        fmt.Sprintf("site %q deprovisioned", req.Name),
		VolumesRemoved: req.RemoveVolumes,
		FilesRemoved:   req.RemoveFiles,
	}, nil
}

func (p *Provisioner) deprovision(ctx context.Context, req DeprovisionRequest, path string) ([]string, error) {
	var lines []string
	say := func(f string, args ...any) { lines = append(lines, fmt.Sprintf(f, args...)) }

	exists, err := p.exec.FileExists(ctx, path)
	if err != nil {
		return lines, err
	}
	if !exists {
		return lines, model.Errorf(model.KindNotFound, "site %q not found under %s", req.Name, p.sitesRoot)
	}

	domain := p.readDomain(ctx, path)

	downFlag := ""
	if req.RemoveVolumes {
		downFlag = " -v"
	}
	downCtx, cancel := context.WithTimeout(ctx, composeTimeout)
	_, err = p.exec.RunTarget(downCtx, req.Name, fmt.Sprintf("cd %s && docker compose down%s 2>&1", remote.QuoteArg(path), downFlag))
	cancel()
	if err != nil {
		slog.Warn("compose down during deprovision", "site", req.Name, "error", err)
		say("warning: compose down failed: %v", err)
	} else {
		say("containers stopped")
	}

	if domain != "" {
		switch err := p.removeRoute(ctx, domain); {
		case err == nil:
			say("route %s removed", domain)
			if err := p.reloadGateway(ctx); err != nil {
				slog.Warn("gateway reload during deprovision", "error", err)
				say("warning: gateway reload failed: %v", err)
			}
		case model.IsKind(err, model.KindNotFound):
			say("route %s already absent", domain)
		default:
			slog.Warn("removing proxy route", "domain", domain, "error", err)
			say("warning: route not removed: %v", err)
		}
	}

	if p.healthEnabled() {
		if err := p.health.DeleteMonitor(ctx, req.Name); err != nil {
			slog.Warn("deleting uptime monitor", "site", req.Name, "error", err)
			say("warning: uptime monitor not removed: %v", err)
		} else {
			say("uptime monitor removed")
		}
	}

	if p.dnsEnabled() && domain != "" {
		if err := p.dns.RemoveTunnelHostname(ctx, domain); err != nil {
			slog.Warn("removing tunnel hostname", "domain", domain, "error", err)
			say("warning: tunnel hostname not removed: %v", err)
		} else {
			say("tunnel hostname removed")
		}
		if err := p.dns.RemoveRecord(ctx, domain); err != nil {
			slog.Warn("removing dns record", "domain", domain, "error", err)
			say("warning: dns record not removed: %v", err)
		} else {
			say("dns record removed")
		}
	}

	if req.RemoveFiles {
		if _, err := p.exec.RunTarget(ctx, req.Name, "rm -rf "+remote.QuoteArg(path)); err != nil {
			return lines, err
		}
		say("site directory removed")
	}

	return lines, nil
}

// readDomain pulls DOMAIN= out of the site's .env; empty when unreadable.
func (p *Provisioner) readDomain(ctx context.Context, path string) string {
	raw, err := p.exec.ReadFile(ctx, path+"/.env")
	if err != nil {
		if !model.IsKind(err, model.KindNotFound) {
			slog.Warn("reading site .env", "path", path, "error", err)
		}
		return ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if after, ok := strings.CutPrefix(line, "DOMAIN="); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

func (p *Provisioner) writeSkeleton(ctx context.Context, name, templateID, path string) error {
	landing, err := renderPage(landingPage, name)
	if err != nil {
		return err
	}
	maint, err := renderPage(maintenancePage, name)
	if err != nil {
		return err
	}

	type file struct {
		rel     string
		content string
	}
	var dirs []string
	var files []file
	switch templateID {
	case "static":
		dirs = []string{"public", "admin"}
		files = []file{{"public/index.html", landing}, {"public/maintenance.html", maint}}
	case "node":
		dirs = []string{"app", "public"}
		files = []file{{"public/index.html", landing}, {"public/maintenance.html", maint}}
	case "python":
		dirs = []string{"app", "static"}
		files = []file{{"static/index.html", landing}, {"static/maintenance.html", maint}}
	case "wordpress":
		dirs = []string{"maintenance"}
		files = []file{{"maintenance/index.html", maint}}
	}

	for _, d := range dirs {
		if _, err := p.exec.Run(ctx, "mkdir -p "+remote.QuoteArg(path+"/"+d)); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := p.exec.Upload(ctx, path+"/"+f.rel, strings.NewReader(f.content)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) ensureProxyNetwork(ctx context.Context) error {
	res, err := p.exec.Run(ctx, fmt.Sprintf("docker network ls --filter name=%s --format '{{.Name}}'", proxyNetwork))
	if err != nil {
		return err
	}
	if strings.Contains(res.Stdout, proxyNetwork) {
		return nil
	}
	slog.Info("creating proxy network", "network", proxyNetwork)
	_, err = p.exec.Run(ctx, "docker network create "+proxyNetwork)
	return err
}

// waitForUp polls docker ps until a container matching the site name
// reports Up, or the wait budget runs out.
func (p *Provisioner) waitForUp(ctx context.Context, name string) error {
	cmd := fmt.Sprintf("docker ps --filter name=%s --format '{{.Status}}'", remote.QuoteArg(name))
	deadline := time.Now().Add(p.upWait)
	for {
		res, err := p.exec.Run(ctx, cmd)
		if err == nil && strings.Contains(res.Stdout, "Up") {
			return nil
		}
		if time.Now().After(deadline) {
			return model.Errorf(model.KindTimeout, "no container for %q reported Up within %s", name, p.upWait)
		}
		select {
		case <-ctx.Done():
			return model.WrapErr(model.KindTimeout, ctx.Err(), "waiting for %q to come up", name)
		case <-time.After(p.upPoll):
		}
	}
}

func (p *Provisioner) addRoute(ctx context.Context, domain, container string, port int) error {
	raw, err := p.readCaddyfile(ctx)
	if err != nil {
		return err
	}
	updated, err := caddy.AddRoute(raw, domain, fmt.Sprintf("%s:%d", container, port))
	if err != nil {
		return err
	}
	return p.writeCaddyfile(ctx, updated)
}

func (p *Provisioner) removeRoute(ctx context.Context, domain string) error {
	raw, err := p.readCaddyfile(ctx)
	if err != nil {
		return err
	}
	updated, err := caddy.RemoveRoute(raw, domain)
	if err != nil {
		return err
	}
	return p.writeCaddyfile(ctx, updated)
}

func (p *Provisioner) readCaddyfile(ctx context.Context) (string, error) {
	raw, err := p.exec.ReadFile(ctx, p.caddyfile)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

func (p *Provisioner) writeCaddyfile(ctx context.Context, content string) error {
	tmp := p.caddyfile + ".tmp"
	if err := p.exec.Upload(ctx, tmp, strings.NewReader(content)); err != nil {
		return err
	}
	_, err := p.exec.Run(ctx, fmt.Sprintf("mv %s %s", remote.QuoteArg(tmp), remote.QuoteArg(p.caddyfile)))
	return err
}

func (p *Provisioner) reloadGateway(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	cmd := fmt.Sprintf("docker exec %s caddy reload --config /etc/caddy/Caddyfile 2>&1", remote.QuoteArg(p.caddyContainer))
	_, err := p.exec.Run(ctx, cmd)
	return err
}

func (p *Provisioner) dnsEnabled() bool    { return p.dns != nil && p.dns.Enabled() }
func (p *Provisioner) healthEnabled() bool { return p.health != nil && p.health.Enabled() }

func (p *Provisioner) mutated() {
	if p.cache != nil {
		p.cache.Invalidate()
	}
	if p.broadcast != nil {
		p.broadcast.ForceBroadcast()
	}
}

func (p *Provisioner) beginAudit(actionType, targetName string, metadata map[string]string) int64 {
	id, err := p.store.AppendAudit(model.AuditEntry{
		ActionType: actionType,
		TargetType: model.TargetSite,
		TargetName: targetName,
		Status:     model.AuditPending,
		Metadata:   metadata,
	})
	if err != nil {
		slog.Error("appending audit entry", "action", actionType, "target", targetName, "error", err)
		return 0
	}
	return id
}

func (p *Provisioner) finishAudit(id int64, status, output string, actionErr error, start time.Time) {
	if id == 0 {
		return
	}
	errMsg := ""
	if actionErr != nil {
		errMsg = actionErr.Error()
	}
	if err := p.store.FinalizeAudit(id, status, format.Truncate(output, p.maxOutput), errMsg, time.Since(start).Milliseconds()); err != nil {
		slog.Error("finalizing audit entry", "id", id, "error", err)
	}
}

// newSecret returns a URL-safe random secret for generated manifests.
func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", model.WrapErr(model.KindFatal, err, "generating secret")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
