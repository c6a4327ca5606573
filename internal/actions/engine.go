// Package actions executes control operations against the managed host:
// container lifecycle, compose-driven site control, gateway reloads and
// Caddyfile route edits. Every mutating entry point runs inside an audit
// envelope (pending row appended up front, finalized with status, truncated
// output and duration), and invalidates the discovery cache on success so
// the next snapshot reflects the change.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/format"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
	"github.com/siteflow/siteflow/internal/store"
)

const (
	containerTimeout = 30 * time.Second
	composeTimeout   = 120 * time.Second
	reloadTimeout    = 30 * time.Second

	logTailLines = 200

	// Caddy sees its config at the mount point, not the host path.
	containerCaddyfile = "/etc/caddy/Caddyfile"
)

var (
	containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	siteNamePattern      = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	domainPattern        = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)
)

// Executor is the slice of the SSH layer the engine needs. Satisfied by
// *remote.Executor.
type Executor interface {
	Run(ctx context.Context, cmd string) (remote.Result, error)
	RunTarget(ctx context.Context, target, cmd string) (remote.Result, error)
	Upload(ctx context.Context, path string, r io.Reader) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	FileExists(ctx context.Context, path string) (bool, error)
}

// Cache is invalidated after mutating actions so the next read rebuilds.
type Cache interface {
	Invalidate()
}

// Broadcaster pushes fresh state to subscribers after a mutation.
type Broadcaster interface {
	ForceBroadcast()
}

// Engine runs host actions. Per-site serialization comes from the
// executor's target locks; the engine itself is stateless and safe for
// concurrent use.
type Engine struct {
	exec      Executor
	store     *store.Store
	cache     Cache
	broadcast Broadcaster

	sitesRoot      string
	caddyfile      string
	caddyContainer string
	deniedDirs     map[string]bool
	maxOutput      int
}

func NewEngine(exec Executor, st *store.Store, remoteCfg config.RemoteConfig, auditCfg config.AuditConfig, cache Cache, broadcast Broadcaster) *Engine {
	denied := make(map[string]bool, len(remoteCfg.DeniedDirs))
	for _, d := range remoteCfg.DeniedDirs {
		denied[d] = true
	}
	maxOutput := auditCfg.MaxOutputLength
	if maxOutput < 1 {
		maxOutput = 10000
	}
	return &Engine{
		exec:           exec,
		store:          st,
		cache:          cache,
		broadcast:      broadcast,
		sitesRoot:      strings.TrimRight(remoteCfg.SitesRoot, "/"),
		caddyfile:      remoteCfg.Caddyfile,
		caddyContainer: remoteCfg.CaddyContainer,
		deniedDirs:     denied,
		maxOutput:      maxOutput,
	}
}

// Container runs start|stop|restart|logs against a single container.
// Implements the hub's ActionRunner.
func (e *Engine) Container(ctx context.Context, container, action string) (string, error) {
	if err := ValidateContainerName(container); err != nil {
		return "", err
	}
	var actionType string
	switch action {
	case "start":
		actionType = model.ActionContainerStart
	case "stop":
		actionType = model.ActionContainerStop
	case "restart":
		actionType = model.ActionContainerRestart
	case "logs":
		actionType = model.ActionContainerLogs
	default:
		return "", model.Errorf(model.KindValidation, "unsupported container action %q", action)
	}

	return e.audited(ctx, actionType, model.TargetContainer, container, nil, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, containerTimeout)
		defer cancel()

		cmd := fmt.Sprintf("docker %s %s", action, remote.QuoteArg(container))
		if action == "logs" {
			cmd = fmt.Sprintf("docker logs --tail %d %s 2>&1", logTailLines, remote.QuoteArg(container))
		}
		res, err := e.exec.Run(ctx, cmd)
		if err != nil {
			return "", err
		}
		if action != "logs" {
			e.mutated()
		}
		out := combinedOutput(res)
		if out == "" {
			out = fmt.Sprintf("container %s: %s completed", container, action)
		}
		return out, nil
	})
}

// Site runs start|stop|restart via docker compose in the site directory.
func (e *Engine) Site(ctx context.Context, site, action string) (string, error) {
	path, err := e.sitePath(site)
	if err != nil {
		return "", err
	}

	var actionType, script string
	switch action {
	case "start":
		actionType = model.ActionSiteStart
		script = fmt.Sprintf("cd %s && docker compose up -d 2>&1", remote.QuoteArg(path))
	case "stop":
		actionType = model.ActionSiteStop
		script = fmt.Sprintf("cd %s && docker compose down 2>&1", remote.QuoteArg(path))
	case "restart":
		actionType = model.ActionSiteRestart
		script = fmt.Sprintf("cd %s && docker compose down && docker compose up -d 2>&1", remote.QuoteArg(path))
	default:
		return "", model.Errorf(model.KindValidation, "unsupported site action %q", action)
	}

	return e.audited(ctx, actionType, model.TargetSite, site, nil, func(ctx context.Context) (string, error) {
		exists, err := e.exec.FileExists(ctx, path)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", model.Errorf(model.KindNotFound, "site %q not found under %s", site, e.sitesRoot)
		}

		ctx, cancel := context.WithTimeout(ctx, composeTimeout)
		defer cancel()

		res, err := e.exec.RunTarget(ctx, site, script)
		if err != nil {
			return "", err
		}
		e.mutated()
		out := combinedOutput(res)
		if out == "" {
			out = fmt.Sprintf("site %s: %s completed", site, action)
		}
		return out, nil
	})
}

// ReloadCaddy validates the gateway config and reloads it in place.
func (e *Engine) ReloadCaddy(ctx context.Context) (string, error) {
	return e.audited(ctx, model.ActionCaddyReload, model.TargetCaddy, e.caddyContainer, nil, func(ctx context.Context) (string, error) {
		out, err := e.reloadGateway(ctx)
		if err != nil {
			return "", err
		}
		e.mutated()
		return out, nil
	})
}

// Routes parses the current Caddyfile into domain→target edges. A missing
// Caddyfile is an empty route table, not an error.
func (e *Engine) Routes(ctx context.Context) ([]model.Route, error) {
	raw, err := e.exec.ReadFile(ctx, e.caddyfile)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return []model.Route{}, nil
		}
		return nil, err
	}
	routes := caddy.Routes(string(raw))
	if routes == nil {
		routes = []model.Route{}
	}
	return routes, nil
}

// AddRoute appends a reverse-proxy block for domain and reloads the
// gateway. On reload failure the previous Caddyfile is restored and
// reloaded before the error is returned.
func (e *Engine) AddRoute(ctx context.Context, domain, container string, port int) (string, error) {
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	if err := ValidateContainerName(container); err != nil {
		return "", err
	}
	if port < 1 || port > 65535 {
		return "", model.Errorf(model.KindValidation, "port %d out of range", port)
	}

	target := fmt.Sprintf("%s:%d", container, port)
	meta := map[string]string{"target": target}

	return e.audited(ctx, model.ActionRouteAdd, model.TargetRoute, domain, meta, func(ctx context.Context) (string, error) {
		previous, err := e.readCaddyfile(ctx)
		if err != nil {
			return "", err
		}
		updated, err := caddy.AddRoute(previous, domain, target)
		if err != nil {
			return "", err
		}
		if err := e.applyCaddyfile(ctx, updated, previous); err != nil {
			return "", err
		}
		e.mutated()
		return fmt.Sprintf("route added: %s -> %s", domain, target), nil
	})
}

// RemoveRoute drops the block serving domain and reloads the gateway,
// with the same restore-on-failure behavior as AddRoute.
func (e *Engine) RemoveRoute(ctx context.Context, domain string) (string, error) {
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}

	return e.audited(ctx, model.ActionRouteRemove, model.TargetRoute, domain, nil, func(ctx context.Context) (string, error) {
		previous, err := e.readCaddyfile(ctx)
		if err != nil {
			return "", err
		}
		updated, err := caddy.RemoveRoute(previous, domain)
		if err != nil {
			return "", err
		}
		if err := e.applyCaddyfile(ctx, updated, previous); err != nil {
			return "", err
		}
		e.mutated()
		return fmt.Sprintf("route removed: %s", domain), nil
	})
}

func (e *Engine) readCaddyfile(ctx context.Context) (string, error) {
	raw, err := e.exec.ReadFile(ctx, e.caddyfile)
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

// applyCaddyfile writes the new config and reloads the gateway. If the
// reload rejects it, the previous content is written back and reloaded so
// the gateway never keeps serving an unvalidated file.
func (e *Engine) applyCaddyfile(ctx context.Context, content, previous string) error {
	if err := e.writeCaddyfile(ctx, content); err != nil {
		return err
	}
	if _, err := e.reloadGateway(ctx); err != nil {
		if restoreErr := e.writeCaddyfile(ctx, previous); restoreErr != nil {
			slog.Error("restoring previous Caddyfile", "path", e.caddyfile, "error", restoreErr)
		} else if _, reloadErr := e.reloadGateway(ctx); reloadErr != nil {
			slog.Error("reloading restored Caddyfile", "error", reloadErr)
		}
		return err
	}
	return nil
}

// writeCaddyfile stages the content next to the target and moves it into
// place so a dropped connection cannot leave a half-written config.
func (e *Engine) writeCaddyfile(ctx context.Context, content string) error {
	tmp := e.caddyfile + ".tmp"
	if err := e.exec.Upload(ctx, tmp, strings.NewReader(content)); err != nil {
		return err
	}
	_, err := e.exec.Run(ctx, fmt.Sprintf("mv %s %s", remote.QuoteArg(tmp), remote.QuoteArg(e.caddyfile)))
	return err
}

// reloadGateway validates inside the gateway container first so a broken
// config surfaces as a validation error rather than a failed reload.
func (e *Engine) reloadGateway(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	validate := fmt.Sprintf("docker exec %s caddy validate --config %s 2>&1",
		remote.QuoteArg(e.caddyContainer), containerCaddyfile)
	if _, err := e.exec.Run(ctx, validate); err != nil {
		var classified *model.Error
		if errors.As(err, &classified) && classified.Kind == model.KindCommandFailure {
			return "", &model.Error{
				Kind:    model.KindValidation,
				Message: "Caddyfile validation failed",
				Output:  classified.Output,
				Err:     err,
			}
		}
		return "", err
	}

	reload := fmt.Sprintf("docker exec %s caddy reload --config %s 2>&1",
		remote.QuoteArg(e.caddyContainer), containerCaddyfile)
	res, err := e.exec.Run(ctx, reload)
	if err != nil {
		return "", err
	}
	out := combinedOutput(res)
	if out == "" {
		out = "caddy reloaded"
	}
	return out, nil
}

// audited wraps fn in a pending→finalized audit envelope. Audit write
// failures are logged and never propagated: losing a log line must not
// fail the action itself.
func (e *Engine) audited(ctx context.Context, actionType, targetType, targetName string, metadata map[string]string, fn func(context.Context) (string, error)) (string, error) {
	id, auditErr := e.store.AppendAudit(model.AuditEntry{
		ActionType: actionType,
		TargetType: targetType,
		TargetName: targetName,
		Status:     model.AuditPending,
		Metadata:   metadata,
	})
	if auditErr != nil {
		slog.Error("appending audit entry", "action", actionType, "target", targetName, "error", auditErr)
		id = 0
	}

	start := time.Now()
	output, err := fn(ctx)

	if id != 0 {
		status := model.AuditSuccess
		errMsg := ""
		auditOutput := output
		if err != nil {
			status = model.AuditFailure
			errMsg = err.Error()
			var classified *model.Error
			if errors.As(err, &classified) && classified.Output != "" {
				auditOutput = classified.Output
			}
		}
		if finErr := e.store.FinalizeAudit(id, status, format.Truncate(auditOutput, e.maxOutput), errMsg, time.Since(start).Milliseconds()); finErr != nil {
			slog.Error("finalizing audit entry", "action", actionType, "target", targetName, "error", finErr)
		}
	}
	return output, err
}

// mutated refreshes downstream consumers after a successful change.
func (e *Engine) mutated() {
	if e.cache != nil {
		e.cache.Invalidate()
	}
	if e.broadcast != nil {
		e.broadcast.ForceBroadcast()
	}
}

// sitePath validates the name and resolves it under the sites root.
func (e *Engine) sitePath(site string) (string, error) {
	if err := ValidateSiteName(site); err != nil {
		return "", err
	}
	if e.deniedDirs[site] {
		return "", model.Errorf(model.KindValidation, "directory %q is not a managed site", site)
	}
	return e.sitesRoot + "/" + site, nil
}

// ValidateSiteName enforces the directory naming rules shared by the
// action engine and the provisioner: lowercase alphanumerics and single
// hyphens, 63 chars max, no leading/trailing hyphen.
func ValidateSiteName(name string) error {
	if name == "" {
		return model.Errorf(model.KindValidation, "site name cannot be empty")
	}
	if len(name) > 63 {
		return model.Errorf(model.KindValidation, "site name must be 63 characters or less")
	}
	if !siteNamePattern.MatchString(name) {
		return model.Errorf(model.KindValidation, "site name %q must be lowercase alphanumeric with optional hyphens", name)
	}
	if strings.Contains(name, "--") {
		return model.Errorf(model.KindValidation, "site name %q cannot contain consecutive hyphens", name)
	}
	return nil
}

// ValidateContainerName enforces Docker's container naming rules.
func ValidateContainerName(name string) error {
	if name == "" {
		return model.Errorf(model.KindValidation, "container name cannot be empty")
	}
	if !containerNamePattern.MatchString(name) {
		return model.Errorf(model.KindValidation, "container name %q must be alphanumeric with optional hyphens, underscores and dots", name)
	}
	return nil
}

// NormalizeDomain lowercases, strips any scheme or path, and validates
// hostname shape (at least two labels, each ≤63 chars, no edge hyphens).
func NormalizeDomain(domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain, _, _ = strings.Cut(domain, "/")

	if domain == "" {
		return "", model.Errorf(model.KindValidation, "domain cannot be empty")
	}
	if !domainPattern.MatchString(domain) {
		return "", model.Errorf(model.KindValidation, "invalid domain format %q", domain)
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return "", model.Errorf(model.KindValidation, "domain %q must have at least two labels", domain)
	}
	for _, label := range labels {
		if label == "" {
			return "", model.Errorf(model.KindValidation, "domain %q has an empty label", domain)
		}
		if len(label) > 63 {
			return "", model.Errorf(model.KindValidation, "domain label %q exceeds 63 characters", label)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "", model.Errorf(model.KindValidation, "domain label %q cannot start or end with a hyphen", label)
		}
	}
	return domain, nil
}

// combinedOutput joins stdout and stderr the way an interactive shell
// would show them.
func combinedOutput(res remote.Result) string {
	out := strings.TrimSpace(res.Stdout)
	errOut := strings.TrimSpace(res.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}
