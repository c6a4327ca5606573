// Package store provides SQLite persistence for SiteFlow: the audit
// log, ingested backup runs, and fired alerts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/siteflow/siteflow/internal/model"
)

// Store wraps a SQLite database. Writes serialize on the connection;
// readers run concurrently under WAL.
type Store struct {
	db *sql.DB
}

// New opens or creates a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendAudit inserts a new audit entry and returns its id. A zero
// Timestamp is filled with the current time.
func (s *Store) AppendAudit(e model.AuditEntry) (int64, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var metadata any
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshaling audit metadata: %w", err)
		}
		metadata = string(raw)
	}

	res, err := s.db.Exec(`
		INSERT INTO audit_logs (ts, action_type, target_type, target_name, status, output, error_message, metadata_json, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Unix(), e.ActionType, e.TargetType, e.TargetName, e.Status,
		e.Output, e.ErrorMessage, metadata, e.DurationMS,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading audit entry id: %w", err)
	}
	return id, nil
}

// FinalizeAudit moves a pending entry to its terminal status and fills
// in the outcome fields.
func (s *Store) FinalizeAudit(id int64, status, output, errorMessage string, durationMS int64) error {
	res, err := s.db.Exec(`
		UPDATE audit_logs
		SET status = ?, output = ?, error_message = ?, duration_ms = ?
		WHERE id = ?`,
		status, output, errorMessage, durationMS, id,
	)
	if err != nil {
		return fmt.Errorf("finalizing audit entry %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalizing audit entry %d: %w", id, err)
	}
	if rows == 0 {
		return model.Errorf(model.KindNotFound, "audit entry %d not found", id)
	}
	return nil
}

// QueryAudit returns one page of entries ordered newest first
// (timestamp desc, id desc). Zero filter fields match everything.
func (s *Store) QueryAudit(f model.AuditFilter, page, pageSize int) (model.AuditPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}

	var where []string
	var args []any
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if f.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.TargetName != "" {
		where = append(where, "target_name LIKE ?")
		args = append(args, "%"+f.TargetName+"%")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.StartDate.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.StartDate.Unix())
	}
	if !f.EndDate.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.EndDate.Unix())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	out := model.AuditPage{Logs: []model.AuditEntry{}, Page: page, PageSize: pageSize}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM audit_logs"+clause, args...).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("counting audit entries: %w", err)
	}
	out.TotalPages = (out.Total + pageSize - 1) / pageSize

	query := `
		SELECT id, ts, action_type, target_type, target_name, status, output, error_message, metadata_json, duration_ms
		FROM audit_logs` + clause + `
		ORDER BY ts DESC, id DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return out, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return out, err
		}
		out.Logs = append(out.Logs, entry)
	}
	return out, rows.Err()
}

// CleanupAudit deletes entries older than the cutoff and returns how
// many were removed.
func (s *Store) CleanupAudit(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM audit_logs WHERE ts < ?", olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleaning up audit entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleaning up audit entries: %w", err)
	}
	return deleted, nil
}

// InsertAlert logs a fired alert.
func (s *Store) InsertAlert(ts int64, alertType, target, title, message, severity string) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_log (ts, alert_type, target, title, message, severity)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ts, alertType, target, title, message, severity,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

func scanAuditEntry(rows *sql.Rows) (model.AuditEntry, error) {
	var (
		e        model.AuditEntry
		ts       int64
		metadata sql.NullString
		duration sql.NullInt64
	)
	if err := rows.Scan(&e.ID, &ts, &e.ActionType, &e.TargetType, &e.TargetName,
		&e.Status, &e.Output, &e.ErrorMessage, &metadata, &duration); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Timestamp = time.Unix(ts, 0).UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("unmarshaling audit metadata: %w", err)
		}
	}
	if duration.Valid {
		e.DurationMS = &duration.Int64
	}
	return e, nil
}
