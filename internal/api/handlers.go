package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/siteflow/siteflow/internal/model"
)

// @Summary Aggregated sites
// @Description Returns all managed sites with containers, domains and derived status
// @Produce json
// @Param refresh query bool false "Force a discovery re-poll instead of serving cache"
// @Success 200 {object} model.SitesSnapshot
// @Failure 502 {object} errorResponse "SSH transport failure"
// @Router /api/sites/ [get]
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	snap, err := s.cache.Get(r.Context(), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, snap)
}

// @Summary Site action
// @Description Starts, stops or restarts all containers of a site via docker compose
// @Produce json
// @Param site path string true "Site name"
// @Param action path string true "One of start, stop, restart"
// @Success 200 {object} actionResponse
// @Failure 400 {object} errorResponse
// @Failure 404 {object} errorResponse
// @Router /api/sites/{site}/{action} [post]
func (s *Server) handleSiteAction(w http.ResponseWriter, r *http.Request) {
	output, err := s.engine.Site(r.Context(), r.PathValue("site"), r.PathValue("action"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Container action
// @Description Starts, stops, restarts a container or fetches its recent logs
// @Produce json
// @Param name path string true "Container name"
// @Param action path string true "One of start, stop, restart, logs"
// @Success 200 {object} actionResponse
// @Failure 400 {object} errorResponse
// @Router /api/sites/containers/{name}/{action} [post]
func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	output, err := s.engine.Container(r.Context(), r.PathValue("name"), r.PathValue("action"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Reload reverse proxy
// @Description Validates the Caddyfile inside the gateway container, then reloads it
// @Produce json
// @Success 200 {object} actionResponse
// @Failure 400 {object} errorResponse "Caddyfile failed validation"
// @Router /api/sites/caddy/reload [post]
func (s *Server) handleCaddyReload(w http.ResponseWriter, r *http.Request) {
	output, err := s.engine.ReloadCaddy(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Topology graph
// @Description Returns the infrastructure graph: tunnel, domains, gateway, containers, sites
// @Produce json
// @Param refresh query bool false "Force a discovery re-poll first"
// @Success 200 {object} model.Graph
// @Router /api/graph/ [get]
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	g, err := s.monitor.Graph(r.Context(), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, g)
}

// @Summary List proxy routes
// @Description Parses the Caddyfile into domain → upstream mappings
// @Produce json
// @Success 200 {object} map[string][]model.Route
// @Router /api/routes/ [get]
func (s *Server) handleRoutesList(w http.ResponseWriter, r *http.Request) {
	routes, err := s.engine.Routes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, map[string][]model.Route{"routes": routes})
}

type routeRequest struct {
	Domain    string `json:"domain" validate:"required,hostname_rfc1123"`
	Container string `json:"container" validate:"required"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
}

// @Summary Add proxy route
// @Description Appends a reverse-proxy site block to the Caddyfile and reloads
// @Accept json
// @Produce json
// @Param route body routeRequest true "Route to add"
// @Success 200 {object} actionResponse
// @Failure 409 {object} errorResponse "Domain already routed"
// @Router /api/routes/ [post]
func (s *Server) handleRouteAdd(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	output, err := s.engine.AddRoute(r.Context(), req.Domain, req.Container, req.Port)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Remove proxy route
// @Description Removes the site block for a domain from the Caddyfile and reloads
// @Produce json
// @Param domain query string true "Domain to remove"
// @Success 200 {object} actionResponse
// @Failure 404 {object} errorResponse "Domain not routed"
// @Router /api/routes/ [delete]
func (s *Server) handleRouteRemove(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		writeError(w, r, model.Errorf(model.KindValidation, "domain query parameter is required"))
		return
	}
	output, err := s.engine.RemoveRoute(r.Context(), domain)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success", Output: output})
}

// @Summary Uptime monitors
// @Description Returns per-monitor status from the uptime service; empty while disconnected
// @Produce json
// @Success 200 {object} map[string]map[string]model.MonitorStatus
// @Router /api/health/ [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	monitors := map[string]model.MonitorStatus{}
	if s.health != nil {
		monitors = s.health.ListMonitors()
	}
	writeJSON(w, r, map[string]map[string]model.MonitorStatus{"monitors": monitors})
}

type monitorRequest struct {
	Name string `json:"name" validate:"required"`
	URL  string `json:"url" validate:"required,url"`
}

// @Summary Create uptime monitor
// @Description Registers an HTTP monitor with the uptime service
// @Accept json
// @Produce json
// @Param monitor body monitorRequest true "Monitor to create"
// @Success 200 {object} map[string]any
// @Failure 502 {object} errorResponse "Uptime service not connected"
// @Router /api/health/monitors [post]
func (s *Server) handleMonitorCreate(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if s.health == nil {
		writeError(w, r, model.Errorf(model.KindValidation, "uptime monitoring is not configured"))
		return
	}
	id, err := s.health.CreateMonitor(r.Context(), req.Name, req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]any{"id": id, "name": req.Name})
}

// @Summary Delete uptime monitor
// @Description Removes the monitor registered under the given site name
// @Produce json
// @Param site path string true "Monitor name"
// @Success 200 {object} actionResponse
// @Failure 404 {object} errorResponse "Monitor not found"
// @Router /api/health/monitors/{site} [delete]
func (s *Server) handleMonitorDelete(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, r, model.Errorf(model.KindValidation, "uptime monitoring is not configured"))
		return
	}
	if err := s.health.DeleteMonitor(r.Context(), r.PathValue("site")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, actionResponse{Status: "success"})
}

// @Summary Audit log
// @Description Paginated action history, newest first
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Entries per page (max 200)" default(50)
// @Param action_type query string false "Filter by action type"
// @Param target_type query string false "Filter by target type"
// @Param target_name query string false "Substring match on target name"
// @Param status query string false "Filter by status"
// @Param start_date query string false "RFC-3339 lower bound"
// @Param end_date query string false "RFC-3339 upper bound"
// @Success 200 {object} model.AuditPage
// @Router /api/audit/logs [get]
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{
		ActionType: q.Get("action_type"),
		TargetType: q.Get("target_type"),
		TargetName: q.Get("target_name"),
		Status:     q.Get("status"),
	}
	for name, dst := range map[string]*time.Time{"start_date": &filter.StartDate, "end_date": &filter.EndDate} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, r, model.Errorf(model.KindValidation, "%s must be RFC-3339: %v", name, err))
				return
			}
			*dst = t
		}
	}

	page := intQuery(q.Get("page"), 1)
	pageSize := intQuery(q.Get("page_size"), 50)
	if pageSize > 200 {
		pageSize = 200
	}

	result, err := s.store.QueryAudit(filter, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, result)
}

type cleanupRequest struct {
	Days int `json:"days" validate:"omitempty,min=1"`
}

// @Summary Prune audit log
// @Description Deletes audit entries older than the given age
// @Accept json
// @Produce json
// @Param body body cleanupRequest false "Retention in days (default 90)"
// @Success 200 {object} map[string]int64
// @Router /api/audit/cleanup [post]
func (s *Server) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{Days: 90}
	if r.ContentLength > 0 {
		if err := s.decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Days == 0 {
			req.Days = 90
		}
	}
	deleted, err := s.store.CleanupAudit(time.Now().AddDate(0, 0, -req.Days))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]int64{"deleted": deleted})
}

// @Summary Health check
// @Description Returns daemon liveness: snapshot age and connected WS clients
// @Produce json
// @Success 200 {object} map[string]interface{} "Health status"
// @Router /healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.cache.Snapshot()

	status := "ok"
	if !ok {
		status = "no_data"
	}

	resp := map[string]any{
		"status":    status,
		"timestamp": time.Now().Unix(),
	}
	if ok {
		resp["snapshot_age_seconds"] = int(time.Since(snap.UpdatedAt).Seconds())
		resp["sites"] = len(snap.Sites)
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.ClientCount()
	}
	writeJSON(w, r, resp)
}

// intQuery parses a positive integer query value, falling back on def.
func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
