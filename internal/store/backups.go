package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/siteflow/siteflow/internal/model"
)

// InsertBackupRun records a run reported by the external backup scripts
// and returns the stored row. Re-posting the same (site, job_type,
// started_at) is a no-op that returns the existing row.
func (s *Store) InsertBackupRun(run model.BackupRun) (model.BackupRun, error) {
	createdAt := time.Now().UTC()

	var bytesWritten any
	if run.BytesWritten != nil {
		bytesWritten = *run.BytesWritten
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO backup_runs (site, job_type, status, started_at, ended_at, bytes_written, backup_id, repo, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Site, run.JobType, run.Status, run.StartedAt.Unix(), run.EndedAt.Unix(),
		bytesWritten, run.BackupID, run.Repo, run.Error, createdAt.Unix(),
	)
	if err != nil {
		return model.BackupRun{}, fmt.Errorf("inserting backup run: %w", err)
	}

	row := s.db.QueryRow(`
		SELECT id, site, job_type, status, started_at, ended_at, bytes_written, backup_id, repo, error, created_at
		FROM backup_runs
		WHERE site = ? AND job_type = ? AND started_at = ?`,
		run.Site, run.JobType, run.StartedAt.Unix(),
	)
	stored, err := scanBackupRun(row)
	if err != nil {
		return model.BackupRun{}, fmt.Errorf("reading back backup run: %w", err)
	}
	return stored, nil
}

// ListBackupRuns returns one page of runs ordered newest first with the
// total match count. Empty site/jobType match everything.
func (s *Store) ListBackupRuns(site, jobType string, limit, offset int) ([]model.BackupRun, int, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	clause := "1=1"
	var args []any
	if site != "" {
		clause += " AND site = ?"
		args = append(args, site)
	}
	if jobType != "" {
		clause += " AND job_type = ?"
		args = append(args, jobType)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM backup_runs WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting backup runs: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, site, job_type, status, started_at, ended_at, bytes_written, backup_id, repo, error, created_at
		FROM backup_runs
		WHERE `+clause+`
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying backup runs: %w", err)
	}
	defer rows.Close()

	runs := []model.BackupRun{}
	for rows.Next() {
		run, err := scanBackupRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// LastBackupRun returns the most recent run for a site and job type, or
// nil when none exists. A non-empty status restricts the search.
func (s *Store) LastBackupRun(site, jobType, status string) (*model.BackupRun, error) {
	query := `
		SELECT id, site, job_type, status, started_at, ended_at, bytes_written, backup_id, repo, error, created_at
		FROM backup_runs
		WHERE site = ? AND job_type = ?`
	args := []any{site, jobType}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT 1"

	run, err := scanBackupRun(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last backup run: %w", err)
	}
	return &run, nil
}

// BackupSites returns the distinct site names with at least one run.
func (s *Store) BackupSites() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT site FROM backup_runs ORDER BY site")
	if err != nil {
		return nil, fmt.Errorf("listing backup sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scanning backup site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// RestorePoints returns successful runs with a snapshot id that can
// seed a restore, newest first.
func (s *Store) RestorePoints(site string, limit int) ([]model.RestorePoint, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT site, job_type, started_at, backup_id, repo
		FROM backup_runs
		WHERE site = ? AND status = ? AND backup_id != '' AND job_type IN (?, ?, ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ?`,
		site, model.BackupOK, model.JobDB, model.JobUploads, model.JobSite, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying restore points: %w", err)
	}
	defer rows.Close()

	points := []model.RestorePoint{}
	for rows.Next() {
		var (
			p  model.RestorePoint
			ts int64
		)
		if err := rows.Scan(&p.Site, &p.JobType, &ts, &p.BackupID, &p.Repo); err != nil {
			return nil, fmt.Errorf("scanning restore point: %w", err)
		}
		p.Timestamp = time.Unix(ts, 0).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// CleanupBackupRuns deletes run records recorded before the cutoff and
// returns how many were removed.
func (s *Store) CleanupBackupRuns(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM backup_runs WHERE created_at < ?", olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleaning up backup runs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleaning up backup runs: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackupRun(row rowScanner) (model.BackupRun, error) {
	var (
		run          model.BackupRun
		startedAt    int64
		endedAt      int64
		createdAt    int64
		bytesWritten sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Site, &run.JobType, &run.Status, &startedAt, &endedAt,
		&bytesWritten, &run.BackupID, &run.Repo, &run.Error, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return run, err
		}
		return run, fmt.Errorf("scanning backup run: %w", err)
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.EndedAt = time.Unix(endedAt, 0).UTC()
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	if bytesWritten.Valid {
		run.BytesWritten = &bytesWritten.Int64
	}
	return run, nil
}
