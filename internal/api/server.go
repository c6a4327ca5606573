// Package api exposes the daemon's REST and WebSocket surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/siteflow/siteflow/docs/swagger" // registers the generated OpenAPI spec

	"github.com/siteflow/siteflow/internal/actions"
	"github.com/siteflow/siteflow/internal/backups"
	"github.com/siteflow/siteflow/internal/cache"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/hub"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/monitor"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/store"
)

// Deps collects the components the HTTP surface fronts. Runner may be nil
// when no restic repository is configured; Health and Hub tolerate being
// disabled but are always constructed.
type Deps struct {
	Cache       *cache.Cache
	Store       *store.Store
	Engine      *actions.Engine
	Provisioner *provision.Provisioner
	Backups     *backups.Service
	Runner      *backups.Runner
	Health      *health.Adapter
	Monitor     *monitor.Monitor
	Hub         *hub.Hub
}

// Server is the HTTP server for the SiteFlow daemon.
type Server struct {
	cache    *cache.Cache
	store    *store.Store
	engine   *actions.Engine
	prov     *provision.Provisioner
	backups  *backups.Service
	runner   *backups.Runner
	health   *health.Adapter
	monitor  *monitor.Monitor
	hub      *hub.Hub
	validate *validator.Validate
	mux      *http.ServeMux
	server   *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	srv := &Server{
		cache:    deps.Cache,
		store:    deps.Store,
		engine:   deps.Engine,
		prov:     deps.Provisioner,
		backups:  deps.Backups,
		runner:   deps.Runner,
		health:   deps.Health,
		monitor:  deps.Monitor,
		hub:      deps.Hub,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(MetricsMiddleware(LoggingMiddleware(srv.mux)))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Minute, // deploys and site backups run inside the request
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	// Sites and actions
	s.mux.HandleFunc("GET /api/sites/{$}", s.handleSites)
	s.mux.HandleFunc("POST /api/sites/{site}/{action}", s.handleSiteAction)
	s.mux.HandleFunc("POST /api/sites/containers/{name}/{action}", s.handleContainerAction)
	s.mux.HandleFunc("POST /api/sites/caddy/reload", s.handleCaddyReload)

	// Topology
	s.mux.HandleFunc("GET /api/graph/{$}", s.handleGraph)

	// Proxy routes
	s.mux.HandleFunc("GET /api/routes/{$}", s.handleRoutesList)
	s.mux.HandleFunc("POST /api/routes/{$}", s.handleRouteAdd)
	s.mux.HandleFunc("DELETE /api/routes/{$}", s.handleRouteRemove)

	// Provisioning
	s.mux.HandleFunc("GET /api/provision/templates", s.handleTemplates)
	s.mux.HandleFunc("POST /api/provision/detect", s.handleDetect)
	s.mux.HandleFunc("POST /api/provision/{$}", s.handleProvision)
	s.mux.HandleFunc("DELETE /api/provision/{$}", s.handleDeprovision)

	// Deploys
	s.mux.HandleFunc("POST /api/deploy/github", s.handleDeployGit)
	s.mux.HandleFunc("POST /api/deploy/pull", s.handleDeployPull)
	s.mux.HandleFunc("POST /api/deploy/upload", s.handleDeployUpload)
	s.mux.HandleFunc("POST /api/deploy/folder", s.handleDeployFolder)
	s.mux.HandleFunc("GET /api/deploy/{site}/status", s.handleDeployStatus)

	// Uptime monitors
	s.mux.HandleFunc("GET /api/health/{$}", s.handleHealth)
	s.mux.HandleFunc("POST /api/health/monitors", s.handleMonitorCreate)
	s.mux.HandleFunc("DELETE /api/health/monitors/{site}", s.handleMonitorDelete)

	// Audit log
	s.mux.HandleFunc("GET /api/audit/logs", s.handleAuditLogs)
	s.mux.HandleFunc("POST /api/audit/cleanup", s.handleAuditCleanup)

	// Backups
	s.mux.HandleFunc("POST /api/backups/runs", s.handleBackupIngest)
	s.mux.HandleFunc("GET /api/backups/runs", s.handleBackupRuns)
	s.mux.HandleFunc("GET /api/backups/summary", s.handleBackupSummary)
	s.mux.HandleFunc("GET /api/backups/snapshots", s.handleBackupSnapshots)
	s.mux.HandleFunc("GET /api/backups/config", s.handleBackupConfig)
	s.mux.HandleFunc("POST /api/backups/site/{site}/backup", s.handleBackupSite)
	s.mux.HandleFunc("POST /api/backups/site/{site}/restore", s.handleRestoreSite)

	// Streaming
	s.mux.HandleFunc("GET /ws", s.hub.ServeWS)

	// Operational
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}

// actionResponse is the uniform body for imperative endpoints.
type actionResponse struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

// errorResponse is the uniform error body: HTTP status plus message.
type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// writeError maps a classified error to its REST status and body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := model.StatusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	body, merr := json.Marshal(errorResponse{Status: status, Message: err.Error()})
	if merr != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// decode unmarshals the request body into v and runs validator tags.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.WrapErr(model.KindValidation, err, "invalid JSON body")
	}
	if err := s.validate.Struct(v); err != nil {
		return model.WrapErr(model.KindValidation, err, "invalid request")
	}
	return nil
}
