package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siteflow/siteflow/internal/actions"
	"github.com/siteflow/siteflow/internal/alerter"
	"github.com/siteflow/siteflow/internal/api"
	"github.com/siteflow/siteflow/internal/backups"
	"github.com/siteflow/siteflow/internal/cache"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/dns"
	"github.com/siteflow/siteflow/internal/graph"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/hub"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/monitor"
	"github.com/siteflow/siteflow/internal/notify"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/remote"
	"github.com/siteflow/siteflow/internal/store"
)

// @title SiteFlow API
// @version 1.0
// @description Control plane for Docker-based websites behind a Caddy gateway
// @host localhost:8800
// @BasePath /

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// buildInfo returns version, commit, build time, and VCS details from the
// embedded Go build info. ldflags-injected values take priority; VCS info
// from debug.ReadBuildInfo fills in anything left as default.
func buildInfo() (ver, sha, built, dirty string) {
	ver = version
	sha = commit
	built = buildTime
	dirty = "clean"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if sha == "none" {
				sha = s.Value
			}
		case "vcs.time":
			if built == "unknown" {
				built = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "dirty"
			}
		}
	}

	return
}

func main() {
	configPath := flag.String("config", "", "path to siteflow.yml config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	ver, sha, built, dirty := buildInfo()

	if *showVersion {
		fmt.Printf("siteflow %s\n  commit:    %s (%s)\n  built:     %s\n  go:        %s\n  platform:  %s/%s\n",
			ver, sha, dirty, built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			fmt.Fprintf(os.Stderr, "error: %s\n\n", err)
			fmt.Fprintf(os.Stderr, "Copy the example config to get started:\n")
			fmt.Fprintf(os.Stderr, "  cp siteflow.example.yml %s\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "error: loading config (%s): %s\n", *configPath, err)
		}
		os.Exit(1)
	}

	// Configure logging
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting siteflow",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
		"host", cfg.SSH.Addr(),
	)

	// Initialize store
	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Initialize SSH executor
	exec, err := remote.New(cfg.SSH)
	if err != nil {
		slog.Error("configuring ssh executor", "error", err)
		os.Exit(1)
	}
	defer exec.Close()

	// Discovery pipeline feeding the snapshot cache
	pipeline := discovery.New(exec, cfg.Remote, cfg.SSH.PoolSize)
	c := cache.New(pipeline.Collect, cfg.Cache.TTL.Duration)

	// Integrations; both stay inert until configured
	d := dns.New(cfg.Cloudflare)
	ha := health.New(cfg.Uptime)

	bk := backups.NewService(st, cfg.Backups)
	met := metrics.NewService(exec)
	gb := graph.NewBuilder(cfg.Remote.GatewayRoot)

	// The hub is constructed before the engine so the monitor can publish
	// through it; the engine is injected afterwards for ws-driven actions.
	h := hub.New(cfg.Hub, nil)
	mon := monitor.New(h, c, gb, met, d, bk, cfg.Monitor.Interval.Duration)
	engine := actions.NewEngine(exec, st, cfg.Remote, cfg.Audit, c, mon)
	h.SetActions(engine)

	prov := provision.New(exec, engine, st, d, ha, cfg.Remote, cfg.Audit, c, mon)

	var runner *backups.Runner
	if cfg.Backups.ResticRepo != "" {
		runner = backups.NewRunner(exec, bk, st, cfg.Backups, cfg.Remote, cfg.Audit.MaxOutputLength)
	}

	// Setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return h.Run(ctx) })
	g.Go(func() error { return ha.Run(ctx) })

	// Start pruner
	retention := store.DefaultRetention()
	retention.AuditLogs = time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
	pruner := store.NewPruner(st, retention)
	g.Go(func() error { return pruner.Run(ctx) })

	// Build notification providers
	var providers []notify.Provider
	for _, ncfg := range cfg.Notifications {
		switch ncfg.Type {
		case "ntfy":
			providers = append(providers, notify.NewNtfy(ncfg.URL, ncfg.Topic))
		case "webhook":
			method := ncfg.Method
			if method == "" {
				method = "POST"
			}
			providers = append(providers, notify.NewWebhook(ncfg.URL, method, ncfg.Headers))
		}
	}

	// Start alerter. An empty alerts section enables every rule with
	// defaults; naming any rule makes the config authoritative.
	alertCfg := cfg.Alerts
	if alertCfg == (config.AlertsConfig{}) {
		alertCfg = alerter.DefaultConfig()
	}
	a := alerter.New(c, bk, st, providers, alertCfg)
	g.Go(func() error { return a.Run(ctx) })

	// Start HTTP server
	server := api.NewServer(cfg.Listen, api.Deps{
		Cache:       c,
		Store:       st,
		Engine:      engine,
		Provisioner: prov,
		Backups:     bk,
		Runner:      runner,
		Health:      ha,
		Monitor:     mon,
		Hub:         h,
	})
	g.Go(func() error { return server.Run(ctx) })

	slog.Info("all components started",
		"notifications", len(providers),
		"restic", runner != nil,
		"cloudflare", cfg.Cloudflare.Enabled(),
		"uptime", cfg.Uptime.Enabled(),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "error", err)
	}

	slog.Info("siteflow stopped gracefully")
}
