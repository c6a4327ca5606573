package backups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/format"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
	"github.com/siteflow/siteflow/internal/store"
)

// Runner deadlines. Whole-host runs get the long budget.
const (
	siteBackupTimeout  = 600 * time.Second
	allBackupTimeout   = 1800 * time.Second
	restoreTimeout     = 600 * time.Second
	dumpTimeout        = 300 * time.Second
	listSnapshotsLimit = 60 * time.Second
)

// Executor is the slice of the remote executor the runner needs.
type Executor interface {
	Run(ctx context.Context, command string) (remote.Result, error)
	RunTarget(ctx context.Context, target, command string) (remote.Result, error)
}

// ActionResult is the outcome of an on-demand backup or restore.
type ActionResult struct {
	Status     string `json:"status"`
	Output     string `json:"output"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Runner shells restic on the docker host. Runs are recorded through
// the ingest path and audited like any other action.
type Runner struct {
	exec      Executor
	service   *Service
	store     *store.Store
	cfg       config.BackupsConfig
	sitesRoot string
	gateway   string
	maxOutput int
}

// NewRunner wires the restic runner. maxOutput caps audit output capture.
func NewRunner(exec Executor, service *Service, st *store.Store, cfg config.BackupsConfig, remoteCfg config.RemoteConfig, maxOutput int) *Runner {
	return &Runner{
		exec:      exec,
		service:   service,
		store:     st,
		cfg:       cfg,
		sitesRoot: remoteCfg.SitesRoot,
		gateway:   remoteCfg.GatewayRoot,
		maxOutput: maxOutput,
	}
}

// Enabled reports whether a restic repository is configured.
func (r *Runner) Enabled() bool {
	return r.cfg.ResticRepo != ""
}

func (r *Runner) resticEnv() string {
	return fmt.Sprintf("RESTIC_REPOSITORY=%s RESTIC_PASSWORD_FILE=%s",
		remote.QuoteArg(r.cfg.ResticRepo), remote.QuoteArg(r.cfg.PasswordFile))
}

// BackupSite backs up one site directory, dumping its database first
// when a db container is found. The run is recorded as a site job.
func (r *Runner) BackupSite(ctx context.Context, site string) (ActionResult, error) {
	if !r.Enabled() {
		return ActionResult{}, model.Errorf(model.KindValidation, "restic repository not configured")
	}

	start := time.Now()
	auditID := r.beginAudit(model.ActionBackupRun, site)

	result, err := r.backupSite(ctx, site, start)
	r.finishAudit(auditID, result, err, start)
	return result, err
}

func (r *Runner) backupSite(ctx context.Context, site string, start time.Time) (ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, siteBackupTimeout)
	defer cancel()

	sitePath := path.Join(r.sitesRoot, site)
	var log []string
	say := func(f string, args ...any) {
		log = append(log, fmt.Sprintf("[%s] ", site)+fmt.Sprintf(f, args...))
	}

	res, err := r.exec.Run(ctx, fmt.Sprintf("test -d %s && echo exists || echo missing", remote.QuoteArg(sitePath)))
	if err != nil {
		return ActionResult{}, err
	}
	if strings.Contains(res.Stdout, "missing") {
		return ActionResult{}, model.Errorf(model.KindNotFound, "site directory %s not found", sitePath)
	}

	say("Starting backup of %s", sitePath)
	say("Repository: %s", r.cfg.ResticRepo)

	dumpPath, dumpLog := r.dumpDatabase(ctx, site, sitePath)
	log = append(log, dumpLog...)

	cmd := fmt.Sprintf("%s restic backup %s --tag site:%s --tag job:site --json",
		r.resticEnv(), remote.QuoteArg(sitePath), site)
	res, err = r.exec.RunTarget(ctx, site, cmd)

	if dumpPath != "" {
		// The dump only exists to land in the snapshot.
		r.exec.Run(ctx, "rm -f "+remote.QuoteArg(dumpPath))
	}

	if err != nil {
		say("FAILED: %s", firstLine(res.Stderr, res.Stdout))
		r.recordRun(site, model.JobSite, model.BackupFail, start, backupSummary{}, firstLine(res.Stderr, res.Stdout))
		return ActionResult{}, model.CommandError(
			fmt.Sprintf("restic backup failed for %s", site), strings.Join(log, "\n"))
	}

	stats := parseBackupSummary(res.Stdout)
	say("Backup completed")
	say("Snapshot ID: %s", orUnknown(stats.SnapshotID))
	say("Files: %d new, %d changed, %d unmodified", stats.FilesNew, stats.FilesChanged, stats.FilesUnmodified)
	say("Data added to repo: %s", format.Bytes(stats.DataAdded))

	r.recordRun(site, model.JobSite, model.BackupOK, start, stats, "")

	return ActionResult{
		Status:     "success",
		Output:     strings.Join(log, "\n"),
		SnapshotID: stats.SnapshotID,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// BackupAll backs up every site directory sequentially. Individual
// failures are reported in the output without aborting the sweep.
func (r *Runner) BackupAll(ctx context.Context) (ActionResult, error) {
	if !r.Enabled() {
		return ActionResult{}, model.Errorf(model.KindValidation, "restic repository not configured")
	}

	start := time.Now()
	auditID := r.beginAudit(model.ActionBackupRun, "all-sites")

	ctx, cancel := context.WithTimeout(ctx, allBackupTimeout)
	defer cancel()

	res, err := r.exec.Run(ctx, "ls -1 "+remote.QuoteArg(r.sitesRoot))
	if err != nil {
		r.finishAudit(auditID, ActionResult{}, err, start)
		return ActionResult{}, model.WrapErr(model.KindCommandFailure, err, "listing sites in %s", r.sitesRoot)
	}

	var sites []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			sites = append(sites, s)
		}
	}

	var log []string
	log = append(log, fmt.Sprintf("Found %d sites to back up", len(sites)))

	succeeded, failed := 0, 0
	for _, site := range sites {
		log = append(log, fmt.Sprintf("--- Backing up %s ---", site))
		result, err := r.backupSite(ctx, site, time.Now())
		if err != nil {
			failed++
			log = append(log, err.Error())
			continue
		}
		succeeded++
		log = append(log, result.Output)
	}
	log = append(log, fmt.Sprintf("=== Summary: %d succeeded, %d failed ===", succeeded, failed))

	result := ActionResult{
		Status:     "success",
		Output:     strings.Join(log, "\n"),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if failed > 0 {
		result.Status = "error"
	}
	r.finishAudit(auditID, result, nil, start)
	return result, nil
}

// BackupSystem snapshots the whole managed tree (sites and gateway) for
// catastrophic recovery.
func (r *Runner) BackupSystem(ctx context.Context) (ActionResult, error) {
	if !r.Enabled() {
		return ActionResult{}, model.Errorf(model.KindValidation, "restic repository not configured")
	}

	start := time.Now()
	auditID := r.beginAudit(model.ActionBackupRun, "system")

	ctx, cancel := context.WithTimeout(ctx, allBackupTimeout)
	defer cancel()

	var log []string
	log = append(log, fmt.Sprintf("[system] Backing up %s and %s", r.sitesRoot, r.gateway))
	log = append(log, fmt.Sprintf("[system] Repository: %s", r.cfg.ResticRepo))

	cmd := fmt.Sprintf("%s restic backup %s %s --tag type:system --tag scope:full --json",
		r.resticEnv(), remote.QuoteArg(r.sitesRoot), remote.QuoteArg(r.gateway))
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		r.recordRun("system", model.JobSystem, model.BackupFail, start, backupSummary{}, firstLine(res.Stderr, res.Stdout))
		failErr := model.CommandError("system backup failed", strings.Join(log, "\n"))
		r.finishAudit(auditID, ActionResult{}, failErr, start)
		return ActionResult{}, failErr
	}

	stats := parseBackupSummary(res.Stdout)
	log = append(log, fmt.Sprintf("[system] Snapshot ID: %s", orUnknown(stats.SnapshotID)))
	log = append(log, fmt.Sprintf("[system] Data added to repo: %s", format.Bytes(stats.DataAdded)))

	r.recordRun("system", model.JobSystem, model.BackupOK, start, stats, "")

	result := ActionResult{
		Status:     "success",
		Output:     strings.Join(log, "\n"),
		SnapshotID: stats.SnapshotID,
		DurationMS: time.Since(start).Milliseconds(),
	}
	r.finishAudit(auditID, result, nil, start)
	return result, nil
}

// RestoreSite stops the site, restores its directory from the snapshot,
// and starts it again. An empty snapshotID restores the latest snapshot
// tagged for the site.
func (r *Runner) RestoreSite(ctx context.Context, site, snapshotID string) (ActionResult, error) {
	if !r.Enabled() {
		return ActionResult{}, model.Errorf(model.KindValidation, "restic repository not configured")
	}

	start := time.Now()

	if snapshotID == "" {
		snaps, err := r.Snapshots(ctx, site)
		if err != nil {
			return ActionResult{}, err
		}
		if len(snaps) == 0 {
			return ActionResult{}, model.Errorf(model.KindNotFound, "no snapshots found for site %s", site)
		}
		snapshotID = snaps[len(snaps)-1].ID
	}

	auditID := r.beginAudit(model.ActionSiteRestore, site)
	result, err := r.restoreSite(ctx, site, snapshotID, start)
	r.finishAudit(auditID, result, err, start)
	return result, err
}

func (r *Runner) restoreSite(ctx context.Context, site, snapshotID string, start time.Time) (ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	sitePath := path.Join(r.sitesRoot, site)
	var log []string
	log = append(log, fmt.Sprintf("Restoring site %s from snapshot %s", site, snapshotID))

	log = append(log, "Stopping site containers...")
	r.exec.RunTarget(ctx, site, fmt.Sprintf("cd %s && docker compose down 2>/dev/null || true", remote.QuoteArg(sitePath)))

	log = append(log, "Restoring files from backup...")
	cmd := fmt.Sprintf("%s restic restore %s --target / --include %s",
		r.resticEnv(), remote.QuoteArg(snapshotID), remote.QuoteArg(sitePath))
	res, err := r.exec.RunTarget(ctx, site, cmd)
	if err != nil {
		log = append(log, "Restore failed: "+firstLine(res.Stderr, res.Stdout))
		return ActionResult{}, model.CommandError(
			fmt.Sprintf("restic restore failed for %s", site), strings.Join(log, "\n"))
	}

	log = append(log, "Starting site containers...")
	upRes, err := r.exec.RunTarget(ctx, site, fmt.Sprintf("cd %s && docker compose up -d 2>&1", remote.QuoteArg(sitePath)))
	if err != nil {
		log = append(log, "WARNING: containers failed to start: "+firstLine(upRes.Stderr, upRes.Stdout))
	}

	log = append(log, fmt.Sprintf("Site %s restored", site))
	return ActionResult{
		Status:     "success",
		Output:     strings.Join(log, "\n"),
		SnapshotID: snapshotID,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// Snapshots lists restic snapshots, optionally restricted to one site's
// tag, oldest first as restic reports them.
func (r *Runner) Snapshots(ctx context.Context, site string) ([]model.Snapshot, error) {
	if !r.Enabled() {
		return []model.Snapshot{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, listSnapshotsLimit)
	defer cancel()

	cmd := r.resticEnv() + " restic snapshots --json"
	if site != "" {
		cmd += " --tag site:" + site
	}
	res, err := r.exec.Run(ctx, cmd)
	if err != nil {
		return nil, model.WrapErr(model.KindCommandFailure, err, "listing snapshots")
	}

	var raw []struct {
		ID       string    `json:"id"`
		ShortID  string    `json:"short_id"`
		Time     time.Time `json:"time"`
		Hostname string    `json:"hostname"`
		Tags     []string  `json:"tags"`
		Paths    []string  `json:"paths"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &raw); err != nil {
		return nil, model.WrapErr(model.KindIntegrity, err, "parsing snapshot list")
	}

	snapshots := make([]model.Snapshot, 0, len(raw))
	for _, s := range raw {
		snapshots = append(snapshots, model.Snapshot{
			ID:       s.ID,
			ShortID:  s.ShortID,
			Time:     s.Time,
			Hostname: s.Hostname,
			Tags:     s.Tags,
			Paths:    s.Paths,
		})
	}
	return snapshots, nil
}

// dumpDatabase writes a mysqldump beside the site files when a database
// container exists, so the dump lands inside the snapshot. Failures
// never abort the backup.
func (r *Runner) dumpDatabase(ctx context.Context, site, sitePath string) (string, []string) {
	var log []string
	say := func(f string, args ...any) {
		log = append(log, fmt.Sprintf("[%s] ", site)+fmt.Sprintf(f, args...))
	}

	findCmd := fmt.Sprintf(`docker ps --format '{{.Names}}' | grep -E '^%s[-_](db|mysql|mariadb)' | head -1`, site)
	res, _ := r.exec.Run(ctx, findCmd)
	container := strings.TrimSpace(res.Stdout)
	if container == "" {
		say("No database container found, skipping DB dump")
		return "", log
	}
	say("Found database container: %s", container)

	passCmd := fmt.Sprintf("docker exec %s printenv MYSQL_PASSWORD 2>/dev/null || docker exec %s printenv MYSQL_ROOT_PASSWORD 2>/dev/null", container, container)
	res, _ = r.exec.Run(ctx, passCmd)
	password := strings.TrimSpace(res.Stdout)
	if password == "" {
		say("WARNING: no database password found, skipping DB dump")
		return "", log
	}

	res, _ = r.exec.Run(ctx, fmt.Sprintf("docker exec %s printenv MYSQL_USER 2>/dev/null || echo root", container))
	user := strings.TrimSpace(res.Stdout)
	if user == "" {
		user = "root"
	}

	dumpPath := sitePath + "/.db-backup.sql"
	say("Dumping database...")

	dumpCtx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()
	dumpCmd := fmt.Sprintf("docker exec %s mysqldump -u%s -p%s --single-transaction --quick --all-databases > %s 2>/dev/null",
		container, user, remote.QuoteArg(password), remote.QuoteArg(dumpPath))
	if _, err := r.exec.Run(dumpCtx, dumpCmd); err != nil {
		say("WARNING: database dump failed, continuing without DB")
		r.exec.Run(ctx, "rm -f "+remote.QuoteArg(dumpPath))
		return "", log
	}

	if res, err := r.exec.Run(ctx, fmt.Sprintf("stat -c%%s %s 2>/dev/null", remote.QuoteArg(dumpPath))); err == nil {
		if size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64); err == nil {
			say("Database dump created: %s", format.Bytes(size))
		}
	}
	return dumpPath, log
}

// backupSummary is the terminal summary line of restic --json output.
type backupSummary struct {
	SnapshotID      string
	FilesNew        int64
	FilesChanged    int64
	FilesUnmodified int64
	DataAdded       int64
	TotalFiles      int64
	TotalBytes      int64
}

// parseBackupSummary scans line-delimited restic JSON for the summary
// record. Unparseable lines are skipped.
func parseBackupSummary(output string) backupSummary {
	var stats backupSummary
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record struct {
			MessageType     string `json:"message_type"`
			SnapshotID      string `json:"snapshot_id"`
			FilesNew        int64  `json:"files_new"`
			FilesChanged    int64  `json:"files_changed"`
			FilesUnmodified int64  `json:"files_unmodified"`
			DataAdded       int64  `json:"data_added"`
			TotalFiles      int64  `json:"total_files_processed"`
			TotalBytes      int64  `json:"total_bytes_processed"`
		}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if record.MessageType == "summary" {
			stats = backupSummary{
				SnapshotID:      record.SnapshotID,
				FilesNew:        record.FilesNew,
				FilesChanged:    record.FilesChanged,
				FilesUnmodified: record.FilesUnmodified,
				DataAdded:       record.DataAdded,
				TotalFiles:      record.TotalFiles,
				TotalBytes:      record.TotalBytes,
			}
		}
	}
	return stats
}

// recordRun feeds a runner outcome through the ingest path. Recording
// failures are logged, never propagated.
func (r *Runner) recordRun(site, jobType, status string, start time.Time, stats backupSummary, errMsg string) {
	run := model.BackupRun{
		Site:      site,
		JobType:   jobType,
		Status:    status,
		StartedAt: start.UTC(),
		EndedAt:   time.Now().UTC(),
		BackupID:  stats.SnapshotID,
		Repo:      r.cfg.ResticRepo,
		Error:     errMsg,
	}
	if status == model.BackupOK {
		bytes := stats.DataAdded
		run.BytesWritten = &bytes
	}
	if _, err := r.service.Ingest(run); err != nil {
		slog.Error("recording backup run", "site", site, "job", jobType, "error", err)
	}
}

// beginAudit opens a pending audit entry; 0 means the write failed and
// finalization is skipped.
func (r *Runner) beginAudit(action, target string) int64 {
	id, err := r.store.AppendAudit(model.AuditEntry{
		ActionType: action,
		TargetType: model.TargetSite,
		TargetName: target,
		Status:     model.AuditPending,
	})
	if err != nil {
		slog.Error("appending audit entry", "action", action, "target", target, "error", err)
		return 0
	}
	return id
}

func (r *Runner) finishAudit(id int64, result ActionResult, actionErr error, start time.Time) {
	if id == 0 {
		return
	}
	status := model.AuditSuccess
	output := result.Output
	errMsg := ""
	if actionErr != nil {
		status = model.AuditFailure
		errMsg = actionErr.Error()
		var classified *model.Error
		if errors.As(actionErr, &classified) && classified.Output != "" {
			output = classified.Output
		}
	} else if result.Status == "error" {
		status = model.AuditFailure
	}
	if err := r.store.FinalizeAudit(id, status, format.Truncate(output, r.maxOutput), errMsg, time.Since(start).Milliseconds()); err != nil {
		slog.Error("finalizing audit entry", "id", id, "error", err)
	}
}

func firstLine(candidates ...string) string {
	for _, c := range candidates {
		if s := strings.TrimSpace(c); s != "" {
			if i := strings.IndexByte(s, '\n'); i > 0 {
				return s[:i]
			}
			return s
		}
	}
	return "unknown error"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
