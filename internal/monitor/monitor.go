// Package monitor drives the refresh cadence: poll discovery through
// the cache, rebuild the topology graph, and publish updates to hub
// subscribers when the content actually changed.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/siteflow/siteflow/internal/backups"
	"github.com/siteflow/siteflow/internal/cache"
	"github.com/siteflow/siteflow/internal/dns"
	"github.com/siteflow/siteflow/internal/graph"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/model"
)

// Hub is the publish side of the subscription hub.
type Hub interface {
	Publish(topic string, env model.Envelope)
	HasSubscribers(topic string) bool
}

// Monitor polls the docker host on a fixed cadence. Updates go out only
// when the fingerprint of the payload changes, so idle hosts stay
// silent on the wire.
type Monitor struct {
	cache    *cache.Cache
	builder  *graph.Builder
	metrics  *metrics.Service
	dns      *dns.Client
	backups  *backups.Service
	hub      Hub
	interval time.Duration
	repo     string

	mu        sync.Mutex
	sitesHash string
	graphHash string
}

// New wires the monitor loop over its data sources.
func New(hub Hub, c *cache.Cache, b *graph.Builder, met *metrics.Service, d *dns.Client, bk *backups.Service, interval time.Duration) *Monitor {
	return &Monitor{
		cache:    c,
		builder:  b,
		metrics:  met,
		dns:      d,
		backups:  bk,
		hub:      hub,
		interval: interval,
		repo:     bk.Config().ResticRepo,
	}
}

// Run cycles until ctx is cancelled. A failed cycle logs once and waits
// for the next tick; the cadence itself paces retries.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("monitor loop started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor loop stopped")
			return ctx.Err()
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// ForceBroadcast clears both fingerprints so the next cycle republishes
// even when nothing changed. Mutating actions call this so dashboards
// converge without waiting out the fingerprint.
func (m *Monitor) ForceBroadcast() {
	m.mu.Lock()
	m.sitesHash, m.graphHash = "", ""
	m.mu.Unlock()
}

// Graph builds the current topology with all overlays attached. REST
// reads share this with the loop.
func (m *Monitor) Graph(ctx context.Context, force bool) (model.Graph, error) {
	snap, err := m.cache.Get(ctx, force)
	if err != nil {
		return model.Graph{}, err
	}
	return m.buildGraph(ctx, snap), nil
}

// cycle refreshes and publishes. With nobody subscribed the host is
// left alone; REST reads refresh the cache on their own terms.
func (m *Monitor) cycle(ctx context.Context) {
	wantSites := m.hub.HasSubscribers(model.TopicSites)
	wantGraph := m.hub.HasSubscribers(model.TopicGraph)
	if !wantSites && !wantGraph {
		return
	}

	snap, err := m.cache.Get(ctx, true)
	if err != nil {
		slog.Error("monitor refresh failed", "error", err)
		return
	}

	if wantSites {
		// UpdatedAt is stamped per pass; hash the content only.
		hashable := snap
		hashable.UpdatedAt = time.Time{}
		m.publishIfChanged(model.TopicSites, model.MsgSitesUpdate, &m.sitesHash, snap, hashable)
	}
	if wantGraph {
		g := m.buildGraph(ctx, snap)
		m.publishIfChanged(model.TopicGraph, model.MsgGraphUpdate, &m.graphHash, g, g)
	}
}

// publishIfChanged hashes canon and publishes payload when the hash
// differs from the previous one for the topic.
func (m *Monitor) publishIfChanged(topic, msgType string, prev *string, payload, canon any) {
	sum, err := fingerprint(canon)
	if err != nil {
		slog.Error("fingerprinting payload", "topic", topic, "error", err)
		return
	}

	m.mu.Lock()
	changed := sum != *prev
	if changed {
		*prev = sum
	}
	m.mu.Unlock()

	if changed {
		m.hub.Publish(topic, model.Envelope{Type: msgType, Data: payload})
	}
}

// buildGraph assembles the overlays best-effort: a source that is down
// leaves its nodes bare rather than failing the build.
func (m *Monitor) buildGraph(ctx context.Context, snap model.SitesSnapshot) model.Graph {
	var ov graph.Overlay

	if mets, err := m.metrics.Containers(ctx, false); err != nil {
		slog.Warn("metrics overlay unavailable", "error", err)
	} else {
		ov.Metrics = mets
	}

	if m.dns.Enabled() {
		if st := m.dns.Status(ctx, false); st.Tunnel != nil {
			ov.Tunnel = &graph.TunnelInfo{
				Name:        st.Tunnel.Name,
				Connections: len(st.Tunnel.Connections),
				Healthy:     st.Tunnel.Status == "healthy",
			}
		}
	}

	perSite, aggregate, err := m.backups.Overlay()
	if err != nil {
		slog.Warn("backup overlay unavailable", "error", err)
	} else {
		ov.SiteBackup = perSite
		if m.repo != "" {
			ov.NAS = &graph.NASInfo{
				Repo:   m.repo,
				Sites:  len(perSite),
				Status: aggregate.Status,
				Backup: &aggregate,
			}
		}
	}

	return m.builder.Build(snap, ov)
}

// fingerprint hashes the canonical JSON encoding. The pipeline sorts
// everything it emits, so equal states hash equal.
func fingerprint(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
