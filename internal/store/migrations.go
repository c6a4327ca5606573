package store

const schema = `
-- Durable action log, one row per control-plane operation
CREATE TABLE IF NOT EXISTS audit_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    ts            INTEGER NOT NULL,
    action_type   TEXT    NOT NULL,
    target_type   TEXT    NOT NULL,
    target_name   TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    output        TEXT    NOT NULL DEFAULT '',
    error_message TEXT    NOT NULL DEFAULT '',
    metadata_json TEXT,
    duration_ms   INTEGER
);

-- Backup runs reported by the external restic scripts
CREATE TABLE IF NOT EXISTS backup_runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    site          TEXT    NOT NULL,
    job_type      TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    started_at    INTEGER NOT NULL,
    ended_at      INTEGER NOT NULL,
    bytes_written INTEGER,
    backup_id     TEXT    NOT NULL DEFAULT '',
    repo          TEXT    NOT NULL DEFAULT '',
    error         TEXT    NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    UNIQUE (site, job_type, started_at)
);

-- Fired alerts (30d retention)
CREATE TABLE IF NOT EXISTS alert_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          INTEGER NOT NULL,
    alert_type  TEXT    NOT NULL,
    target      TEXT    NOT NULL,
    title       TEXT    NOT NULL,
    message     TEXT    NOT NULL,
    severity    TEXT    NOT NULL
);

-- Secondary indexes
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_logs(ts);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action_type);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_logs(target_type, target_name);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_logs(status);
CREATE INDEX IF NOT EXISTS idx_backup_site ON backup_runs(site, job_type, ended_at);
CREATE INDEX IF NOT EXISTS idx_backup_created ON backup_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_alert_ts ON alert_log(ts);
`
