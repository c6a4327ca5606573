// Package model defines all shared domain types for SiteFlow.
package model

import (
	"encoding/json"
	"time"
)

// Site statuses derived from live container state.
const (
	SiteRunning  = "running"
	SiteStopped  = "stopped"
	SiteDegraded = "degraded"
	SiteUnknown  = "unknown"
)

// PortMapping is a normalized container port binding. Public is zero
// for ports exposed but not published.
type PortMapping struct {
	Private  int    `json:"private"`
	Public   int    `json:"public,omitempty"`
	Protocol string `json:"protocol"`
}

// Service is a service declared in a site's compose file.
type Service struct {
	Name          string            `json:"name"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Ports         []PortMapping     `json:"ports"`
	Labels        map[string]string `json:"labels"`
	Environment   map[string]string `json:"environment"`
}

// Container is a live container as reported by the engine.
type Container struct {
	Name   string        `json:"name"`
	Status string        `json:"status"` // begins with "Up" when healthy
	State  string        `json:"state,omitempty"`
	Image  string        `json:"image,omitempty"`
	Ports  []PortMapping `json:"ports"`
}

// Site aggregates a discovered site: declared services, live containers,
// and the reverse-proxy domains routed to it.
type Site struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	ComposeFile string      `json:"compose_file"`
	Services    []Service   `json:"services"`
	Containers  []Container `json:"containers"`
	Domains     []string    `json:"domains"`
	Targets     []string    `json:"targets"`
	Status      string      `json:"status"`
	Error       string      `json:"error,omitempty"`
}

// GatewayStatus is the live state of the reverse-proxy container.
type GatewayStatus struct {
	Container string `json:"container"`
	Status    string `json:"status"`
}

// SitesSnapshot is one complete discovery pass.
type SitesSnapshot struct {
	Sites     []Site        `json:"sites"`
	Gateway   GatewayStatus `json:"gateway"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Route is one reverse-proxy binding from a domain to a container target.
type Route struct {
	Domain    string `json:"domain"`
	Target    string `json:"target"`
	Container string `json:"container,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// Graph node types, in topology rank order.
const (
	NodeTunnel    = "tunnel"
	NodeDomain    = "domain"
	NodeGateway   = "gateway"
	NodeContainer = "container"
	NodeSite      = "site"
	NodeNAS       = "nas"
)

// NodeMetrics is the live resource overlay for a container node.
type NodeMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
}

// NodeBackup is the backup-health overlay for site and nas nodes.
type NodeBackup struct {
	Status     string     `json:"status"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RPOSeconds *int64     `json:"rpo_seconds,omitempty"`
}

// GraphNode is one vertex of the topology projection.
type GraphNode struct {
	ID      string            `json:"id"`
	Label   string            `json:"label"`
	Type    string            `json:"type"`
	Status  string            `json:"status,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	Metrics *NodeMetrics      `json:"metrics,omitempty"`
	Backup  *NodeBackup       `json:"backup,omitempty"`
}

// GraphEdge is one directed edge of the topology projection.
type GraphEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Graph is the full topology response.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ContainerMetrics holds one container's stats sample.
type ContainerMetrics struct {
	ContainerName string  `json:"container_name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkRxMB   float64 `json:"network_rx_mb"`
	NetworkTxMB   float64 `json:"network_tx_mb"`
	BlockReadMB   float64 `json:"block_read_mb"`
	BlockWriteMB  float64 `json:"block_write_mb"`
}

// SiteMetrics aggregates container samples for one site.
type SiteMetrics struct {
	SiteName        string             `json:"site_name"`
	Containers      []ContainerMetrics `json:"containers"`
	TotalCPUPercent float64            `json:"total_cpu_percent"`
	TotalMemoryMB   float64            `json:"total_memory_mb"`
}

// Backup job types accepted by the ingest endpoint. JobSite is the
// whole-directory runner job; JobSystem covers full-host runs.
const (
	JobDB       = "db"
	JobUploads  = "uploads"
	JobVerify   = "verify"
	JobSnapshot = "snapshot"
	JobSite     = "site"
	JobSystem   = "system"
)

// Backup run statuses.
const (
	BackupOK   = "ok"
	BackupWarn = "warn"
	BackupFail = "fail"
)

// BackupRun is one recorded run of an external backup job.
type BackupRun struct {
	ID           int64     `json:"id"`
	Site         string    `json:"site"`
	JobType      string    `json:"job_type"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	BytesWritten *int64    `json:"bytes_written,omitempty"`
	BackupID     string    `json:"backup_id,omitempty"`
	Repo         string    `json:"repo,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BackupThresholds are the freshness windows used to grade a site.
type BackupThresholds struct {
	DBFresh       time.Duration `json:"-"`
	UploadsFresh  time.Duration `json:"-"`
	VerifyFresh   time.Duration `json:"-"`
	SnapshotFresh time.Duration `json:"-"`
}

// SiteBackupStatus aggregates the latest run per job type for one site.
type SiteBackupStatus struct {
	Site            string     `json:"site"`
	LastDBRun       *BackupRun `json:"last_db_run,omitempty"`
	LastUploadsRun  *BackupRun `json:"last_uploads_run,omitempty"`
	LastVerifyRun   *BackupRun `json:"last_verify_run,omitempty"`
	LastSnapshotRun *BackupRun `json:"last_snapshot_run,omitempty"`
	RPOSecondsDB    *int64     `json:"rpo_seconds_db,omitempty"`
	RPOSecondsUp    *int64     `json:"rpo_seconds_uploads,omitempty"`
	OverallStatus   string     `json:"overall_status"`
}

// RestorePoint is a successful run that can seed a restore.
type RestorePoint struct {
	Site      string    `json:"site"`
	JobType   string    `json:"job_type"`
	Timestamp time.Time `json:"timestamp"`
	BackupID  string    `json:"backup_id"`
	Repo      string    `json:"repo,omitempty"`
}

// Snapshot is one restic snapshot as listed by the runner.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Tags     []string  `json:"tags,omitempty"`
	Paths    []string  `json:"paths,omitempty"`
}

// Audit action types.
const (
	ActionContainerStart   = "container_start"
	ActionContainerStop    = "container_stop"
	ActionContainerRestart = "container_restart"
	ActionContainerLogs    = "container_logs"
	ActionCaddyReload      = "caddy_reload"
	ActionSiteStart        = "site_start"
	ActionSiteStop         = "site_stop"
	ActionSiteRestart      = "site_restart"
	ActionSiteProvision    = "site_provision"
	ActionSiteDeprovision  = "site_deprovision"
	ActionSiteConfig       = "site_config"
	ActionRouteAdd         = "route_add"
	ActionRouteRemove      = "route_remove"
	ActionBackupRun        = "backup_run"
	ActionSiteRestore      = "site_restore"
)

// Audit target types.
const (
	TargetContainer = "container"
	TargetSite      = "site"
	TargetCaddy     = "caddy"
	TargetSystem    = "system"
	TargetRoute     = "route"
)

// Audit entry statuses. Pending entries are finalized before the wrapped
// action handler returns.
const (
	AuditPending = "pending"
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditEntry is one row of the durable action log.
type AuditEntry struct {
	ID           int64             `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	ActionType   string            `json:"action_type"`
	TargetType   string            `json:"target_type"`
	TargetName   string            `json:"target_name"`
	Status       string            `json:"status"`
	Output       string            `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DurationMS   *int64            `json:"duration_ms,omitempty"`
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	ActionType string
	TargetType string
	TargetName string // substring match
	Status     string
	StartDate  time.Time
	EndDate    time.Time
}

// AuditPage is one page of audit entries ordered timestamp desc, id desc.
type AuditPage struct {
	Logs       []AuditEntry `json:"logs"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
}

// Heartbeat status values reported by the uptime monitor.
const (
	HeartbeatDown    = 0
	HeartbeatUp      = 1
	HeartbeatPending = 2
)

// Heartbeat is one uptime probe sample.
type Heartbeat struct {
	Status int    `json:"status"`
	Time   string `json:"time"`
	Ping   *int   `json:"ping,omitempty"`
}

// MonitorStatus is the projected health of one uptime monitor.
type MonitorStatus struct {
	Up         bool        `json:"up"`
	Ping       *int        `json:"ping,omitempty"`
	Uptime     float64     `json:"uptime"`
	Heartbeats []Heartbeat `json:"heartbeats"`
}

// Hub subscription topics.
const (
	TopicSites   = "sites"
	TopicGraph   = "graph"
	TopicActions = "actions"
)

// WebSocket envelope types, server to client.
const (
	MsgSitesUpdate  = "sites.update"
	MsgGraphUpdate  = "graph.update"
	MsgActionOutput = "action.output"
	MsgError        = "error"
	MsgPong         = "pong"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
)

// WebSocket message types, client to server.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgActionStart = "action.start"
	MsgPing        = "ping"
)

// Envelope frames every outbound WebSocket message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ClientMessage frames every inbound WebSocket message; Data is decoded
// per Type by the hub.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TopicData is the payload of subscribe/unsubscribe messages and their acks.
type TopicData struct {
	Topic string `json:"topic"`
}

// Action output statuses streamed over the hub.
const (
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// ActionStartData is the payload of an action.start message.
type ActionStartData struct {
	Container string `json:"container"`
	Action    string `json:"action"`
}

// ActionOutputData is the payload of an action.output envelope.
type ActionOutputData struct {
	Container  string `json:"container"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Message string `json:"message"`
}

// Notification is an alert dispatched to notify providers. Resolved
// marks the closing notice of a previously fired alert.
type Notification struct {
	AlertType string            `json:"alert_type"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Target    string            `json:"target"`
	Timestamp time.Time         `json:"timestamp"`
	Resolved  bool              `json:"resolved"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
