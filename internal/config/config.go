// Package config handles loading and validating SiteFlow configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level SiteFlow configuration.
type Config struct {
	Listen        string               `yaml:"listen"`
	DBPath        string               `yaml:"db_path"`
	LogLevel      string               `yaml:"log_level"`
	LogFormat     string               `yaml:"log_format"`
	SSH           SSHConfig            `yaml:"ssh"`
	Remote        RemoteConfig         `yaml:"remote"`
	Cache         CacheConfig          `yaml:"cache"`
	Monitor       MonitorConfig        `yaml:"monitor"`
	Hub           HubConfig            `yaml:"hub"`
	Audit         AuditConfig          `yaml:"audit"`
	Backups       BackupsConfig        `yaml:"backups"`
	Cloudflare    CloudflareConfig     `yaml:"cloudflare"`
	Uptime        UptimeConfig         `yaml:"uptime"`
	Notifications []NotificationConfig `yaml:"notifications"`
	Alerts        AlertsConfig         `yaml:"alerts"`
}

// SSHConfig describes the managed Docker host and the session pool that
// talks to it.
type SSHConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	User           string   `yaml:"user"`
	KeyPath        string   `yaml:"key_path"`
	KnownHosts     string   `yaml:"known_hosts,omitempty"` // empty disables host key checking
	PoolSize       int      `yaml:"pool_size"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// Addr returns the host:port dial address for the SSH target.
func (s SSHConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RemoteConfig describes the filesystem layout on the managed host.
type RemoteConfig struct {
	SitesRoot      string   `yaml:"sites_root"`
	GatewayRoot    string   `yaml:"gateway_root"`
	Caddyfile      string   `yaml:"caddyfile"`
	CaddyContainer string   `yaml:"caddy_container"`
	DeniedDirs     []string `yaml:"denied_dirs"`
}

// CacheConfig controls the discovery snapshot cache.
type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

// MonitorConfig controls the background refresh loop.
type MonitorConfig struct {
	Interval Duration `yaml:"interval"`
}

// HubConfig controls WebSocket client queues.
type HubConfig struct {
	QueueSize   int      `yaml:"queue_size"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// AuditConfig controls audit log retention and output capture.
type AuditConfig struct {
	RetentionDays   int `yaml:"retention_days"`
	MaxOutputLength int `yaml:"max_output_length"`
}

// BackupsConfig describes the restic repository and freshness thresholds.
type BackupsConfig struct {
	ResticRepo   string           `yaml:"restic_repo,omitempty"`
	PasswordFile string           `yaml:"password_file,omitempty"`
	Thresholds   ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig holds the per-job maximum age before a backup counts as stale.
type ThresholdsConfig struct {
	DBFresh       Duration `yaml:"db_fresh"`
	UploadsFresh  Duration `yaml:"uploads_fresh"`
	VerifyFresh   Duration `yaml:"verify_fresh"`
	SnapshotFresh Duration `yaml:"snapshot_fresh"`
}

// CloudflareConfig describes DNS and tunnel management. All fields empty
// leaves the client inert.
type CloudflareConfig struct {
	AccountID  string `yaml:"account_id,omitempty"`
	APIToken   string `yaml:"api_token,omitempty"`
	ZoneID     string `yaml:"zone_id,omitempty"`
	TunnelID   string `yaml:"tunnel_id,omitempty"`
	BaseDomain string `yaml:"base_domain,omitempty"`
}

// Enabled reports whether the Cloudflare integration is configured.
func (c CloudflareConfig) Enabled() bool {
	return c.APIToken != ""
}

// UptimeConfig describes the Uptime Kuma socket endpoint. Empty URL leaves
// the adapter inert.
type UptimeConfig struct {
	URL             string `yaml:"url,omitempty"`
	Username        string `yaml:"username,omitempty"`
	Password        string `yaml:"password,omitempty"`
	HeartbeatWindow int    `yaml:"heartbeat_window"`
}

// Enabled reports whether the uptime integration is configured.
func (u UptimeConfig) Enabled() bool {
	return u.URL != ""
}

// NotificationConfig describes a notification target.
type NotificationConfig struct {
	Type    string            `yaml:"type"` // "ntfy" or "webhook"
	URL     string            `yaml:"url"`
	Topic   string            `yaml:"topic,omitempty"`   // ntfy only
	Method  string            `yaml:"method,omitempty"`  // webhook only
	Headers map[string]string `yaml:"headers,omitempty"` // webhook only
}

// AlertsConfig holds thresholds for each alert type.
type AlertsConfig struct {
	SiteDown    *AlertSiteDown    `yaml:"site_down,omitempty"`
	BackupStale *AlertBackupStale `yaml:"backup_stale,omitempty"`
	GatewayDown *AlertGatewayDown `yaml:"gateway_down,omitempty"`
}

type AlertSiteDown struct {
	GracePeriod Duration `yaml:"grace_period"`
	Severity    string   `yaml:"severity"`
	Cooldown    Duration `yaml:"cooldown"`
}

type AlertBackupStale struct {
	Severity string   `yaml:"severity"`
	Cooldown Duration `yaml:"cooldown"`
}

type AlertGatewayDown struct {
	GracePeriod Duration `yaml:"grace_period"`
	Severity    string   `yaml:"severity"`
	Cooldown    Duration `yaml:"cooldown"`
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file. If no path is given, it falls
// back to environment variables for single-host setup. If a path is given
// and the file does not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SSH.Host == "" {
		return fmt.Errorf("ssh: host is required")
	}
	if c.SSH.User == "" {
		return fmt.Errorf("ssh: user is required")
	}
	if c.SSH.KeyPath == "" {
		return fmt.Errorf("ssh: key_path is required")
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh: port must be between 1 and 65535")
	}
	if c.SSH.PoolSize < 1 {
		return fmt.Errorf("ssh: pool_size must be >= 1")
	}
	if c.SSH.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("ssh: idle_timeout must be > 0")
	}
	if c.SSH.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("ssh: connect_timeout must be > 0")
	}

	if c.Remote.SitesRoot == "" {
		return fmt.Errorf("remote: sites_root is required")
	}
	if c.Remote.Caddyfile == "" {
		return fmt.Errorf("remote: caddyfile is required")
	}
	if c.Remote.CaddyContainer == "" {
		return fmt.Errorf("remote: caddy_container is required")
	}

	if c.Cache.TTL.Duration <= 0 {
		return fmt.Errorf("cache: ttl must be > 0")
	}
	if c.Monitor.Interval.Duration <= 0 {
		return fmt.Errorf("monitor: interval must be > 0")
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("hub: queue_size must be >= 1")
	}
	if c.Hub.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("hub: idle_timeout must be > 0")
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit: retention_days must be >= 1")
	}
	if c.Audit.MaxOutputLength < 1 {
		return fmt.Errorf("audit: max_output_length must be >= 1")
	}

	if c.Backups.ResticRepo != "" && c.Backups.PasswordFile == "" {
		return fmt.Errorf("backups: password_file is required when restic_repo is set")
	}
	for _, th := range []struct {
		name string
		d    Duration
	}{
		{"db_fresh", c.Backups.Thresholds.DBFresh},
		{"uploads_fresh", c.Backups.Thresholds.UploadsFresh},
		{"verify_fresh", c.Backups.Thresholds.VerifyFresh},
		{"snapshot_fresh", c.Backups.Thresholds.SnapshotFresh},
	} {
		if th.d.Duration <= 0 {
			return fmt.Errorf("backups.thresholds: %s must be > 0", th.name)
		}
	}

	if c.Cloudflare.Enabled() {
		if c.Cloudflare.ZoneID == "" {
			return fmt.Errorf("cloudflare: zone_id is required when api_token is set")
		}
		if c.Cloudflare.BaseDomain == "" {
			return fmt.Errorf("cloudflare: base_domain is required when api_token is set")
		}
		if c.Cloudflare.TunnelID != "" && c.Cloudflare.AccountID == "" {
			return fmt.Errorf("cloudflare: account_id is required when tunnel_id is set")
		}
	}

	if c.Uptime.Enabled() {
		if c.Uptime.Username == "" || c.Uptime.Password == "" {
			return fmt.Errorf("uptime: username and password are required when url is set")
		}
		if c.Uptime.HeartbeatWindow < 1 {
			return fmt.Errorf("uptime: heartbeat_window must be >= 1")
		}
	}

	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}

	if a := c.Alerts.SiteDown; a != nil {
		if a.GracePeriod.Duration <= 0 {
			return fmt.Errorf("alerts.site_down: grace_period must be > 0")
		}
	}
	if a := c.Alerts.GatewayDown; a != nil {
		if a.GracePeriod.Duration <= 0 {
			return fmt.Errorf("alerts.gateway_down: grace_period must be > 0")
		}
	}

	return nil
}

func defaults() *Config {
	return &Config{
		Listen:    ":8800",
		DBPath:    "/data/siteflow.db",
		LogLevel:  "info",
		LogFormat: "text",
		SSH: SSHConfig{
			Port:           22,
			User:           "root",
			PoolSize:       4,
			IdleTimeout:    Duration{90 * time.Second},
			ConnectTimeout: Duration{10 * time.Second},
		},
		Remote: RemoteConfig{
			SitesRoot:      "/opt/sites",
			GatewayRoot:    "/opt/gateway",
			Caddyfile:      "/opt/gateway/Caddyfile",
			CaddyContainer: "caddy",
			DeniedDirs:     []string{"gateway", "siteflow"},
		},
		Cache:   CacheConfig{TTL: Duration{20 * time.Second}},
		Monitor: MonitorConfig{Interval: Duration{10 * time.Second}},
		Hub: HubConfig{
			QueueSize:   64,
			IdleTimeout: Duration{90 * time.Second},
		},
		Audit: AuditConfig{
			RetentionDays:   90,
			MaxOutputLength: 10000,
		},
		Backups: BackupsConfig{
			Thresholds: ThresholdsConfig{
				DBFresh:       Duration{26 * time.Hour},
				UploadsFresh:  Duration{30 * time.Hour},
				VerifyFresh:   Duration{168 * time.Hour},
				SnapshotFresh: Duration{192 * time.Hour},
			},
		},
		Uptime: UptimeConfig{HeartbeatWindow: 30},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SITEFLOW_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SITEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SITEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SITEFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// Single-host SSH target from env vars (only if no YAML host configured).
	if cfg.SSH.Host == "" {
		if host := os.Getenv("SITEFLOW_SSH_HOST"); host != "" {
			cfg.SSH.Host = host
			if v := os.Getenv("SITEFLOW_SSH_USER"); v != "" {
				cfg.SSH.User = v
			}
			if v := os.Getenv("SITEFLOW_SSH_KEY_PATH"); v != "" {
				cfg.SSH.KeyPath = v
			}
			if v := os.Getenv("SITEFLOW_SSH_PORT"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					cfg.SSH.Port = n
				}
			}
		}
	}

	// Single ntfy target from env vars (only if no YAML notifications configured).
	if len(cfg.Notifications) == 0 {
		if ntfyURL := os.Getenv("SITEFLOW_NTFY_URL"); ntfyURL != "" {
			topic := os.Getenv("SITEFLOW_NTFY_TOPIC")
			if topic == "" {
				topic = "siteflow-alerts"
			}
			cfg.Notifications = append(cfg.Notifications, NotificationConfig{
				Type:  "ntfy",
				URL:   ntfyURL,
				Topic: topic,
			})
		}
	}

	if v := os.Getenv("SITEFLOW_SSH_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SSH.PoolSize = n
		}
	}
	if v := os.Getenv("SITEFLOW_CF_API_TOKEN"); v != "" {
		cfg.Cloudflare.APIToken = v
	}
	if v := os.Getenv("SITEFLOW_RESTIC_REPO"); v != "" {
		cfg.Backups.ResticRepo = v
	}
}
