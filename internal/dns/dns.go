// Package dns manages the Cloudflare DNS records and tunnel public
// hostnames that expose provisioned sites, and reports tunnel health
// for the topology graph.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// statusTTL is the minimum age before a cached tunnel status is refetched.
const statusTTL = 30 * time.Second

// Tunnel is the projected state of the Cloudflare tunnel.
type Tunnel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      string      `json:"status"`
	Connections []Connector `json:"connections"`
	Hostnames   []Hostname  `json:"hostnames"`
}

// Connector is one live tunnel connection.
type Connector struct {
	ID       string `json:"id"`
	Version  string `json:"version,omitempty"`
	Location string `json:"location,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Hostname is one public hostname routed through the tunnel.
type Hostname struct {
	Hostname string `json:"hostname"`
	Service  string `json:"service,omitempty"`
}

// Status is the tunnel overview consumed by the graph overlay. A nil
// Tunnel means the integration is unconfigured or the fetch failed.
type Status struct {
	Tunnel *Tunnel `json:"tunnel"`
}

// Client talks to the Cloudflare v4 API. An unconfigured client is
// inert: mutations no-op with a warning and Status reports no tunnel,
// so provisioning works on hosts without Cloudflare credentials.
type Client struct {
	cfg     config.CloudflareConfig
	http    *http.Client
	baseURL string

	mu       sync.Mutex
	cached   Status
	cachedAt time.Time
}

// New returns a client for the given credentials.
func New(cfg config.CloudflareConfig) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: defaultBaseURL,
	}
}

// Enabled reports whether the client has credentials to act with.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled() && c.cfg.AccountID != "" && c.cfg.TunnelID != ""
}

// Domain returns the default public domain for a site name, or empty
// when no base domain is configured.
func (c *Client) Domain(site string) string {
	if c.cfg.BaseDomain == "" {
		return ""
	}
	return site + "." + c.cfg.BaseDomain
}

// Status returns the tunnel, its connections, and its public hostnames.
// Results are cached; fetch failures degrade to an empty status.
func (c *Client) Status(ctx context.Context, force bool) Status {
	if !c.Enabled() {
		return Status{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && c.cached.Tunnel != nil && time.Since(c.cachedAt) < statusTTL {
		return c.cached
	}

	tunnel, err := c.fetchTunnel(ctx)
	if err != nil {
		slog.Warn("fetching tunnel status", "error", err)
		return c.cached
	}
	if conns, err := c.fetchConnections(ctx); err != nil {
		slog.Warn("fetching tunnel connections", "error", err)
	} else {
		tunnel.Connections = conns
	}
	if hostnames, err := c.fetchHostnames(ctx); err != nil {
		slog.Warn("fetching tunnel hostnames", "error", err)
	} else {
		tunnel.Hostnames = hostnames
	}

	c.cached = Status{Tunnel: tunnel}
	c.cachedAt = time.Now()
	return c.cached
}

// AddRecord creates a proxied CNAME pointing the domain at the tunnel.
func (c *Client) AddRecord(ctx context.Context, domain string) error {
	if !c.Enabled() || c.cfg.ZoneID == "" {
		slog.Warn("dns not configured, skipping record creation", "domain", domain)
		return nil
	}

	body := map[string]any{
		"type":    "CNAME",
		"name":    domain,
		"content": c.cfg.TunnelID + ".cfargotunnel.com",
		"proxied": true,
		"comment": "managed by siteflow",
	}
	var created struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/zones/"+c.cfg.ZoneID+"/dns_records", body, &created)
	if err != nil {
		// An existing identical record is fine: creation is idempotent.
		if strings.Contains(err.Error(), "already exists") {
			slog.Debug("dns record already exists", "domain", domain)
			return nil
		}
		return model.WrapErr(model.KindTransport, err, "creating DNS record for %s", domain)
	}
	slog.Info("dns record created", "domain", domain, "id", created.ID)
	return nil
}

// RemoveRecord deletes the CNAME for the domain. A missing record is
// not an error.
func (c *Client) RemoveRecord(ctx context.Context, domain string) error {
	if !c.Enabled() || c.cfg.ZoneID == "" {
		slog.Warn("dns not configured, skipping record removal", "domain", domain)
		return nil
	}

	var records []struct {
		ID string `json:"id"`
	}
	path := "/zones/" + c.cfg.ZoneID + "/dns_records?type=CNAME&name=" + url.QueryEscape(domain)
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return model.WrapErr(model.KindTransport, err, "looking up DNS record for %s", domain)
	}
	if len(records) == 0 {
		slog.Debug("dns record not found, nothing to remove", "domain", domain)
		return nil
	}

	for _, rec := range records {
		if err := c.do(ctx, http.MethodDelete, "/zones/"+c.cfg.ZoneID+"/dns_records/"+rec.ID, nil, nil); err != nil {
			return model.WrapErr(model.KindTransport, err, "deleting DNS record for %s", domain)
		}
	}
	slog.Info("dns record removed", "domain", domain, "count", len(records))
	return nil
}

// AddTunnelHostname routes a public hostname through the tunnel to the
// given origin service, e.g. http://localhost:80.
func (c *Client) AddTunnelHostname(ctx context.Context, hostname, service string) error {
	if !c.Enabled() {
		slog.Warn("tunnel not configured, skipping hostname creation", "hostname", hostname)
		return nil
	}

	cfg, err := c.fetchTunnelConfig(ctx)
	if err != nil {
		return model.WrapErr(model.KindTransport, err, "reading tunnel config for %s", hostname)
	}

	ingress := make([]ingressRule, 0, len(cfg.Ingress)+1)
	for _, rule := range cfg.Ingress {
		if rule.Hostname == hostname {
			slog.Debug("tunnel hostname already routed", "hostname", hostname)
			return nil
		}
		ingress = append(ingress, rule)
	}

	// The catch-all rule (no hostname) must stay last.
	newRule := ingressRule{Hostname: hostname, Service: service}
	if n := len(ingress); n > 0 && ingress[n-1].Hostname == "" {
		ingress = append(ingress[:n-1], newRule, ingress[n-1])
	} else {
		ingress = append(ingress, newRule, ingressRule{Service: "http_status:404"})
	}

	if err := c.putTunnelConfig(ctx, tunnelConfig{Ingress: ingress}); err != nil {
		return model.WrapErr(model.KindTransport, err, "adding tunnel hostname %s", hostname)
	}
	slog.Info("tunnel hostname added", "hostname", hostname, "service", service)
	return nil
}

// RemoveTunnelHostname removes a public hostname from the tunnel
// ingress. A missing hostname is not an error.
func (c *Client) RemoveTunnelHostname(ctx context.Context, hostname string) error {
	if !c.Enabled() {
		slog.Warn("tunnel not configured, skipping hostname removal", "hostname", hostname)
		return nil
	}

	cfg, err := c.fetchTunnelConfig(ctx)
	if err != nil {
		return model.WrapErr(model.KindTransport, err, "reading tunnel config for %s", hostname)
	}

	ingress := make([]ingressRule, 0, len(cfg.Ingress))
	found := false
	for _, rule := range cfg.Ingress {
		if rule.Hostname == hostname {
			found = true
			continue
		}
		ingress = append(ingress, rule)
	}
	if !found {
		slog.Debug("tunnel hostname not found, nothing to remove", "hostname", hostname)
		return nil
	}

	if err := c.putTunnelConfig(ctx, tunnelConfig{Ingress: ingress}); err != nil {
		return model.WrapErr(model.KindTransport, err, "removing tunnel hostname %s", hostname)
	}
	slog.Info("tunnel hostname removed", "hostname", hostname)
	return nil
}

func (c *Client) fetchTunnel(ctx context.Context) (*Tunnel, error) {
	var raw struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	path := "/accounts/" + c.cfg.AccountID + "/cfd_tunnel/" + c.cfg.TunnelID
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return &Tunnel{ID: raw.ID, Name: raw.Name, Status: raw.Status}, nil
}

func (c *Client) fetchConnections(ctx context.Context) ([]Connector, error) {
	var raw []struct {
		ID            string `json:"id"`
		ClientVersion string `json:"client_version"`
		DataCenter    string `json:"data_center"`
		Status        string `json:"status"`
	}
	path := "/accounts/" + c.cfg.AccountID + "/cfd_tunnel/" + c.cfg.TunnelID + "/connections"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	conns := make([]Connector, 0, len(raw))
	for _, item := range raw {
		conns = append(conns, Connector{
			ID:       item.ID,
			Version:  item.ClientVersion,
			Location: item.DataCenter,
			Status:   item.Status,
		})
	}
	return conns, nil
}

func (c *Client) fetchHostnames(ctx context.Context) ([]Hostname, error) {
	var raw []struct {
		Hostname string `json:"hostname"`
		Service  string `json:"service"`
	}
	path := "/accounts/" + c.cfg.AccountID + "/cfd_tunnel/" + c.cfg.TunnelID + "/hostnames"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	hostnames := make([]Hostname, 0, len(raw))
	for _, item := range raw {
		hostnames = append(hostnames, Hostname{Hostname: item.Hostname, Service: item.Service})
	}
	return hostnames, nil
}

type ingressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

type tunnelConfig struct {
	Ingress []ingressRule `json:"ingress"`
}

func (c *Client) fetchTunnelConfig(ctx context.Context) (tunnelConfig, error) {
	var raw struct {
		Config tunnelConfig `json:"config"`
	}
	path := "/accounts/" + c.cfg.AccountID + "/cfd_tunnel/" + c.cfg.TunnelID + "/configurations"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return tunnelConfig{}, err
	}
	return raw.Config, nil
}

func (c *Client) putTunnelConfig(ctx context.Context, cfg tunnelConfig) error {
	path := "/accounts/" + c.cfg.AccountID + "/cfd_tunnel/" + c.cfg.TunnelID + "/configurations"
	return c.do(ctx, http.MethodPut, path, map[string]any{"config": cfg}, nil)
}

// do performs one API call and decodes the enveloped result into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	var envelope struct {
		Success bool `json:"success"`
		Errors  []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing response from %s (HTTP %d): %w", path, resp.StatusCode, err)
	}
	if !envelope.Success {
		msg := "unknown error"
		if len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Message
		}
		return fmt.Errorf("cloudflare %s %s: %s (HTTP %d)", method, path, msg, resp.StatusCode)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("parsing result from %s: %w", path, err)
		}
	}
	return nil
}
