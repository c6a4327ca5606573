// Package backups ingests run records from the external backup
// scripts, grades per-site freshness against configured thresholds,
// and drives the restic runner for on-demand backups and restores.
package backups

import (
	"log/slog"
	"time"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
)

// Thresholds is the wire shape of the freshness windows.
type Thresholds struct {
	DBFreshHours      int `json:"db_fresh_hours"`
	UploadsFreshHours int `json:"uploads_fresh_hours"`
	VerifyFreshDays   int `json:"verify_fresh_days"`
	SnapshotFreshDays int `json:"snapshot_fresh_days"`
}

// Summary aggregates the latest backup posture across all sites.
type Summary struct {
	Sites      []model.SiteBackupStatus `json:"sites"`
	Thresholds Thresholds               `json:"thresholds"`
}

// RepoConfig describes the backup configuration exposed over REST.
type RepoConfig struct {
	Thresholds Thresholds `json:"thresholds"`
	ResticRepo string     `json:"restic_repo,omitempty"`
}

// Service validates and persists backup runs and computes RPO on read.
type Service struct {
	store      *store.Store
	thresholds model.BackupThresholds
	repo       string

	// now is swappable for tests.
	now func() time.Time
}

// NewService returns a service grading runs against the configured
// thresholds.
func NewService(st *store.Store, cfg config.BackupsConfig) *Service {
	return &Service{
		store: st,
		thresholds: model.BackupThresholds{
			DBFresh:       cfg.Thresholds.DBFresh.Duration,
			UploadsFresh:  cfg.Thresholds.UploadsFresh.Duration,
			VerifyFresh:   cfg.Thresholds.VerifyFresh.Duration,
			SnapshotFresh: cfg.Thresholds.SnapshotFresh.Duration,
		},
		repo: cfg.ResticRepo,
		now:  time.Now,
	}
}

var validJobTypes = map[string]bool{
	model.JobDB:       true,
	model.JobUploads:  true,
	model.JobVerify:   true,
	model.JobSnapshot: true,
	model.JobSite:     true,
	model.JobSystem:   true,
}

var validStatuses = map[string]bool{
	model.BackupOK:   true,
	model.BackupWarn: true,
	model.BackupFail: true,
}

// Ingest validates and stores one run record. Duplicate reports for the
// same (site, job_type, started_at) return the originally stored row.
func (s *Service) Ingest(run model.BackupRun) (model.BackupRun, error) {
	if run.Site == "" {
		return model.BackupRun{}, model.Errorf(model.KindValidation, "site is required")
	}
	if !validJobTypes[run.JobType] {
		return model.BackupRun{}, model.Errorf(model.KindValidation, "unknown job type %q", run.JobType)
	}
	if !validStatuses[run.Status] {
		return model.BackupRun{}, model.Errorf(model.KindValidation, "unknown status %q", run.Status)
	}
	if run.StartedAt.IsZero() || run.EndedAt.IsZero() {
		return model.BackupRun{}, model.Errorf(model.KindValidation, "started_at and ended_at are required")
	}
	if run.EndedAt.Before(run.StartedAt) {
		return model.BackupRun{}, model.Errorf(model.KindValidation, "ended_at precedes started_at")
	}

	stored, err := s.store.InsertBackupRun(run)
	if err != nil {
		return model.BackupRun{}, err
	}
	slog.Info("backup run ingested", "site", run.Site, "job", run.JobType, "status", run.Status)
	return stored, nil
}

// Runs returns one page of run history, newest first.
func (s *Service) Runs(site, jobType string, limit, offset int) ([]model.BackupRun, int, error) {
	return s.store.ListBackupRuns(site, jobType, limit, offset)
}

// Summary grades every site with at least one recorded run.
func (s *Service) Summary() (Summary, error) {
	sites, err := s.store.BackupSites()
	if err != nil {
		return Summary{}, err
	}

	out := Summary{Sites: []model.SiteBackupStatus{}, Thresholds: s.wireThresholds()}
	for _, site := range sites {
		status, err := s.SiteStatus(site)
		if err != nil {
			return Summary{}, err
		}
		out.Sites = append(out.Sites, status)
	}
	return out, nil
}

// SiteStatus grades one site. The whole-directory site job stands in
// for db and uploads runs when those jobs never ran.
func (s *Service) SiteStatus(site string) (model.SiteBackupStatus, error) {
	now := s.now()

	lastSite, err := s.store.LastBackupRun(site, model.JobSite, "")
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	lastDB, err := s.store.LastBackupRun(site, model.JobDB, "")
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	lastUploads, err := s.store.LastBackupRun(site, model.JobUploads, "")
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	lastVerify, err := s.store.LastBackupRun(site, model.JobVerify, "")
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	lastSnapshot, err := s.store.LastBackupRun(site, model.JobSnapshot, "")
	if err != nil {
		return model.SiteBackupStatus{}, err
	}

	effectiveDB := lastDB
	if effectiveDB == nil {
		effectiveDB = lastSite
	}
	effectiveUploads := lastUploads
	if effectiveUploads == nil {
		effectiveUploads = lastSite
	}

	// RPO derives from the last successful run, never stored.
	lastSiteOK, err := s.store.LastBackupRun(site, model.JobSite, model.BackupOK)
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	lastDBOK, err := s.store.LastBackupRun(site, model.JobDB, model.BackupOK)
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	lastUploadsOK, err := s.store.LastBackupRun(site, model.JobUploads, model.BackupOK)
	if err != nil {
		return model.SiteBackupStatus{}, err
	}
	if lastDBOK == nil {
		lastDBOK = lastSiteOK
	}
	if lastUploadsOK == nil {
		lastUploadsOK = lastSiteOK
	}

	status := model.SiteBackupStatus{
		Site:            site,
		LastDBRun:       effectiveDB,
		LastUploadsRun:  effectiveUploads,
		LastVerifyRun:   lastVerify,
		LastSnapshotRun: lastSnapshot,
	}
	if lastDBOK != nil {
		rpo := int64(now.Sub(lastDBOK.EndedAt).Seconds())
		status.RPOSecondsDB = &rpo
	}
	if lastUploadsOK != nil {
		rpo := int64(now.Sub(lastUploadsOK.EndedAt).Seconds())
		status.RPOSecondsUp = &rpo
	}
	status.OverallStatus = s.overallStatus(effectiveDB, effectiveUploads, lastVerify, lastSnapshot, now)
	return status, nil
}

// overallStatus applies the grading rules: a site fails when a critical
// job is missing or its last run failed, warns when any job is stale or
// a secondary job failed.
func (s *Service) overallStatus(db, uploads, verify, snapshot *model.BackupRun, now time.Time) string {
	fail := false
	warn := false

	grade := func(run *model.BackupRun, fresh time.Duration, critical bool) {
		switch {
		case run == nil:
			if critical {
				fail = true
			}
		case run.Status == model.BackupFail:
			if critical {
				fail = true
			} else {
				warn = true
			}
		case now.Sub(run.EndedAt) > fresh:
			warn = true
		}
	}

	grade(db, s.thresholds.DBFresh, true)
	grade(uploads, s.thresholds.UploadsFresh, true)
	grade(verify, s.thresholds.VerifyFresh, false)
	grade(snapshot, s.thresholds.SnapshotFresh, false)

	switch {
	case fail:
		return model.BackupFail
	case warn:
		return model.BackupWarn
	default:
		return model.BackupOK
	}
}

// RestorePoints returns the successful runs usable to seed a restore.
func (s *Service) RestorePoints(site string, limit int) ([]model.RestorePoint, error) {
	if limit > 100 {
		limit = 100
	}
	return s.store.RestorePoints(site, limit)
}

// Config returns the thresholds and repository exposed over REST.
func (s *Service) Config() RepoConfig {
	return RepoConfig{Thresholds: s.wireThresholds(), ResticRepo: s.repo}
}

// Overlay projects backup health onto graph nodes: one entry per site
// plus the aggregate for the backup-target node.
func (s *Service) Overlay() (map[string]model.NodeBackup, model.NodeBackup, error) {
	summary, err := s.Summary()
	if err != nil {
		return nil, model.NodeBackup{}, err
	}

	perSite := make(map[string]model.NodeBackup, len(summary.Sites))
	aggregate := model.NodeBackup{Status: model.BackupOK}
	if len(summary.Sites) == 0 {
		aggregate.Status = ""
	}

	for _, site := range summary.Sites {
		node := model.NodeBackup{Status: site.OverallStatus, RPOSeconds: site.RPOSecondsDB}
		if node.RPOSeconds == nil {
			node.RPOSeconds = site.RPOSecondsUp
		}
		if run := site.LastDBRun; run != nil {
			t := run.EndedAt
			node.LastRun = &t
		}
		perSite[site.Site] = node

		if rank(site.OverallStatus) > rank(aggregate.Status) {
			aggregate.Status = site.OverallStatus
		}
		if node.LastRun != nil && (aggregate.LastRun == nil || node.LastRun.After(*aggregate.LastRun)) {
			aggregate.LastRun = node.LastRun
		}
	}
	return perSite, aggregate, nil
}

func rank(status string) int {
	switch status {
	case model.BackupFail:
		return 2
	case model.BackupWarn:
		return 1
	default:
		return 0
	}
}

func (s *Service) wireThresholds() Thresholds {
	return Thresholds{
		DBFreshHours:      int(s.thresholds.DBFresh.Hours()),
		UploadsFreshHours: int(s.thresholds.UploadsFresh.Hours()),
		VerifyFreshDays:   int(s.thresholds.VerifyFresh.Hours() / 24),
		SnapshotFreshDays: int(s.thresholds.SnapshotFresh.Hours() / 24),
	}
}
