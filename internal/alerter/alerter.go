// Package alerter evaluates alert rules against cached state.
package alerter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/siteflow/siteflow/internal/backups"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/notify"
	"github.com/siteflow/siteflow/internal/store"
)

// StateSource yields the newest discovery snapshot without forcing a
// refresh; the alerter must never block on SSH.
type StateSource interface {
	Snapshot() (model.SitesSnapshot, bool)
}

// BackupSource reports per-site backup freshness.
type BackupSource interface {
	Summary() (backups.Summary, error)
}

// DefaultConfig enables every rule with conservative thresholds.
func DefaultConfig() config.AlertsConfig {
	return config.AlertsConfig{
		SiteDown: &config.AlertSiteDown{
			GracePeriod: config.Duration{Duration: 2 * time.Minute},
			Severity:    "critical",
			Cooldown:    config.Duration{Duration: 30 * time.Minute},
		},
		BackupStale: &config.AlertBackupStale{
			Severity: "warning",
			Cooldown: config.Duration{Duration: 6 * time.Hour},
		},
		GatewayDown: &config.AlertGatewayDown{
			GracePeriod: config.Duration{Duration: 1 * time.Minute},
			Severity:    "critical",
			Cooldown:    config.Duration{Duration: 15 * time.Minute},
		},
	}
}

// Alerter evaluates rules and sends notifications. A nil rule in the
// config disables that rule.
type Alerter struct {
	state     StateSource
	backups   BackupSource
	store     *store.Store
	providers []notify.Provider
	cfg       config.AlertsConfig
	interval  time.Duration

	// Deduplication: maps alert key → last fired time
	lastFired map[string]time.Time

	// Track sustained conditions: maps alert key → first observed time
	sustained map[string]time.Time
}

// New creates an alerter over the given state and backup sources.
func New(state StateSource, b BackupSource, s *store.Store, providers []notify.Provider, cfg config.AlertsConfig) *Alerter {
	return &Alerter{
		state:     state,
		backups:   b,
		store:     s,
		providers: providers,
		cfg:       cfg,
		interval:  30 * time.Second,
		lastFired: make(map[string]time.Time),
		sustained: make(map[string]time.Time),
	}
}

// Run starts the alerter evaluation loop.
func (a *Alerter) Run(ctx context.Context) error {
	slog.Info("alerter started", "interval", a.interval)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("alerter stopped")
			return ctx.Err()
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

func (a *Alerter) cleanup(now time.Time) {
	const maxAge = 6 * time.Hour
	for key, t := range a.lastFired {
		if now.Sub(t) > maxAge {
			delete(a.lastFired, key)
		}
	}
	for key, t := range a.sustained {
		if now.Sub(t) > maxAge {
			delete(a.sustained, key)
		}
	}
}

func (a *Alerter) evaluate(ctx context.Context) {
	now := time.Now()
	a.cleanup(now)

	if snap, ok := a.state.Snapshot(); ok {
		a.checkSites(ctx, now, snap)
		a.checkGateway(ctx, now, snap)
	}
	a.checkBackups(ctx, now)
}

// checkSites fires site_down for sites stopped or degraded past the
// grace period. Recovery clears the tracker and closes any fired alert.
func (a *Alerter) checkSites(ctx context.Context, now time.Time, snap model.SitesSnapshot) {
	rule := a.cfg.SiteDown
	if rule == nil {
		return
	}
	for _, site := range snap.Sites {
		key := "site_down:" + site.Name
		down := site.Status == model.SiteStopped || site.Status == model.SiteDegraded
		if !down {
			delete(a.sustained, key)
			a.resolve(ctx, now, key, model.Notification{
				AlertType: "site_down",
				Title:     "Site Recovered: " + site.Name,
				Message:   fmt.Sprintf("site %s is running again", site.Name),
				Target:    site.Name,
				Metadata:  map[string]string{"status": site.Status},
			})
			continue
		}
		first, seen := a.sustained[key]
		if !seen {
			a.sustained[key] = now
			continue
		}
		if now.Sub(first) < rule.GracePeriod.Duration {
			continue
		}
		a.fire(ctx, now, key, rule.Cooldown.Duration, model.Notification{
			AlertType: "site_down",
			Severity:  rule.Severity,
			Title:     "Site Down: " + site.Name,
			Message:   fmt.Sprintf("site %s is %s", site.Name, site.Status),
			Target:    site.Name,
			Timestamp: now,
			Metadata:  map[string]string{"status": site.Status},
		})
	}
}

func (a *Alerter) checkGateway(ctx context.Context, now time.Time, snap model.SitesSnapshot) {
	rule := a.cfg.GatewayDown
	if rule == nil || snap.Gateway.Container == "" {
		return
	}
	key := "gateway_down:" + snap.Gateway.Container
	if snap.Gateway.Status == model.SiteRunning {
		delete(a.sustained, key)
		a.resolve(ctx, now, key, model.Notification{
			AlertType: "gateway_down",
			Title:     "Gateway Recovered: " + snap.Gateway.Container,
			Message:   fmt.Sprintf("reverse proxy %s is running again", snap.Gateway.Container),
			Target:    snap.Gateway.Container,
		})
		return
	}
	first, seen := a.sustained[key]
	if !seen {
		a.sustained[key] = now
		return
	}
	if now.Sub(first) < rule.GracePeriod.Duration {
		return
	}
	a.fire(ctx, now, key, rule.Cooldown.Duration, model.Notification{
		AlertType: "gateway_down",
		Severity:  rule.Severity,
		Title:     "Gateway Down: " + snap.Gateway.Container,
		Message:   fmt.Sprintf("reverse proxy %s is %s; all sites may be unreachable", snap.Gateway.Container, snap.Gateway.Status),
		Target:    snap.Gateway.Container,
		Timestamp: now,
		Metadata:  map[string]string{"status": snap.Gateway.Status},
	})
}

// checkBackups fires backup_stale for sites whose freshness grading is
// no longer ok. Staleness is already time-based, so there is no grace
// tracker; the cooldown alone keeps it from repeating.
func (a *Alerter) checkBackups(ctx context.Context, now time.Time) {
	rule := a.cfg.BackupStale
	if rule == nil || a.backups == nil {
		return
	}
	summary, err := a.backups.Summary()
	if err != nil {
		slog.Error("alerter reading backup summary", "error", err)
		return
	}
	for _, site := range summary.Sites {
		if site.OverallStatus == model.BackupOK {
			a.resolve(ctx, now, "backup_stale:"+site.Site, model.Notification{
				AlertType: "backup_stale",
				Title:     "Backups Healthy: " + site.Site,
				Message:   fmt.Sprintf("backups for %s are fresh again", site.Site),
				Target:    site.Site,
			})
			continue
		}
		severity := rule.Severity
		if site.OverallStatus == model.BackupFail {
			severity = "critical"
		}
		key := "backup_stale:" + site.Site
		a.fire(ctx, now, key, rule.Cooldown.Duration, model.Notification{
			AlertType: "backup_stale",
			Severity:  severity,
			Title:     "Backup Stale: " + site.Site,
			Message:   backupMessage(site),
			Target:    site.Site,
			Timestamp: now,
			Metadata:  map[string]string{"status": site.OverallStatus},
		})
	}
}

func backupMessage(s model.SiteBackupStatus) string {
	msg := fmt.Sprintf("backups for %s are %s", s.Site, s.OverallStatus)
	if s.RPOSecondsDB != nil {
		msg += fmt.Sprintf(", db RPO %.0fh", float64(*s.RPOSecondsDB)/3600)
	}
	if s.RPOSecondsUp != nil {
		msg += fmt.Sprintf(", uploads RPO %.0fh", float64(*s.RPOSecondsUp)/3600)
	}
	return msg
}

func (a *Alerter) fire(ctx context.Context, now time.Time, key string, cooldown time.Duration, n model.Notification) {
	if last, ok := a.lastFired[key]; ok && now.Sub(last) < cooldown {
		return // still in cooldown
	}
	a.lastFired[key] = now

	if err := a.store.InsertAlert(now.Unix(), n.AlertType, n.Target, n.Title, n.Message, n.Severity); err != nil {
		slog.Error("storing alert", "type", n.AlertType, "error", err)
	}

	for _, p := range a.providers {
		if err := p.Send(ctx, n); err != nil {
			slog.Error("sending notification", "provider", p.Name(), "alert", n.AlertType, "error", err)
		}
	}

	slog.Warn("alert fired",
		"type", n.AlertType,
		"severity", n.Severity,
		"target", n.Target,
		"title", n.Title,
	)
}

// resolve closes a fired alert with an info notice. Quiet when the key
// never fired. Dropping the key also resets the cooldown, so the next
// incident alerts immediately after its grace period.
func (a *Alerter) resolve(ctx context.Context, now time.Time, key string, n model.Notification) {
	if _, fired := a.lastFired[key]; !fired {
		return
	}
	delete(a.lastFired, key)

	n.Severity = "info"
	n.Resolved = true
	n.Timestamp = now

	if err := a.store.InsertAlert(now.Unix(), n.AlertType, n.Target, n.Title, n.Message, n.Severity); err != nil {
		slog.Error("storing alert resolution", "type", n.AlertType, "error", err)
	}

	for _, p := range a.providers {
		if err := p.Send(ctx, n); err != nil {
			slog.Error("sending notification", "provider", p.Name(), "alert", n.AlertType, "error", err)
		}
	}

	slog.Info("alert resolved", "type", n.AlertType, "target", n.Target)
}
