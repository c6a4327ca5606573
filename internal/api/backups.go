package api

import (
	"net/http"
	"strconv"

	"github.com/siteflow/siteflow/internal/model"
)

// @Summary Ingest backup run
// @Description Records one backup job run; duplicate (site, job_type, started_at) is a no-op
// @Accept json
// @Produce json
// @Param run body model.BackupRun true "Run record, RFC-3339 times"
// @Success 200 {object} model.BackupRun
// @Failure 400 {object} errorResponse "Unknown job type or ended_at before started_at"
// @Router /api/backups/runs [post]
func (s *Server) handleBackupIngest(w http.ResponseWriter, r *http.Request) {
	var run model.BackupRun
	if err := s.decode(r, &run); err != nil {
		writeError(w, r, err)
		return
	}
	stored, err := s.backups.Ingest(run)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, stored)
}

// @Summary Backup run history
// @Description Paginated backup runs, newest first
// @Produce json
// @Param site query string false "Filter by site"
// @Param job_type query string false "Filter by job type"
// @Param limit query int false "Max rows (≤ 200)" default(50)
// @Param offset query int false "Rows to skip" default(0)
// @Success 200 {object} map[string]any
// @Router /api/backups/runs [get]
func (s *Server) handleBackupRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intQuery(q.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	offset := 0
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		offset = v
	}

	runs, total, err := s.backups.Runs(q.Get("site"), q.Get("job_type"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]any{"runs": runs, "total": total})
}

// @Summary Backup summary
// @Description Per-site RPO and freshness grading against the configured thresholds
// @Produce json
// @Success 200 {object} backups.Summary
// @Router /api/backups/summary [get]
func (s *Server) handleBackupSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.backups.Summary()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, summary)
}

// @Summary Restore points
// @Description Successful snapshot runs for a site, newest first
// @Produce json
// @Param site query string true "Site name"
// @Param limit query int false "Max rows" default(20)
// @Success 200 {object} map[string][]model.RestorePoint
// @Router /api/backups/snapshots [get]
func (s *Server) handleBackupSnapshots(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if site == "" {
		writeError(w, r, model.Errorf(model.KindValidation, "site query parameter is required"))
		return
	}
	points, err := s.backups.RestorePoints(site, intQuery(r.URL.Query().Get("limit"), 20))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, map[string][]model.RestorePoint{"snapshots": points})
}

// @Summary Backup configuration
// @Description Freshness thresholds and the restic repository path
// @Produce json
// @Success 200 {object} backups.RepoConfig
// @Router /api/backups/config [get]
func (s *Server) handleBackupConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.backups.Config())
}

// @Summary Back up site
// @Description Runs restic against the site directory, with a database dump when one is configured
// @Produce json
// @Param site path string true "Site name"
// @Success 200 {object} backups.ActionResult
// @Failure 400 {object} errorResponse "Restic repository not configured"
// @Router /api/backups/site/{site}/backup [post]
func (s *Server) handleBackupSite(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil || !s.runner.Enabled() {
		writeError(w, r, model.Errorf(model.KindValidation, "restic repository not configured"))
		return
	}
	result, err := s.runner.BackupSite(r.Context(), r.PathValue("site"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, result)
}

type restoreRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required"`
	Confirm    bool   `json:"confirm"`
}

// @Summary Restore site
// @Description Restores a site directory from a restic snapshot; destructive, requires confirm
// @Accept json
// @Produce json
// @Param site path string true "Site name"
// @Param body body restoreRequest true "Snapshot to restore"
// @Success 200 {object} backups.ActionResult
// @Failure 400 {object} errorResponse "Missing confirm flag"
// @Router /api/backups/site/{site}/restore [post]
func (s *Server) handleRestoreSite(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil || !s.runner.Enabled() {
		writeError(w, r, model.Errorf(model.KindValidation, "restic repository not configured"))
		return
	}
	var req restoreRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Confirm {
		writeError(w, r, model.Errorf(model.KindValidation, "restore overwrites the site directory; set confirm to true"))
		return
	}
	result, err := s.runner.RestoreSite(r.Context(), r.PathValue("site"), req.SnapshotID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, result)
}
