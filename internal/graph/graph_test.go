package graph

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/model"
)

func testSnapshot() model.SitesSnapshot {
	return model.SitesSnapshot{
		Sites: []model.Site{
			{
				Name:   "blog",
				Path:   "/opt/sites/blog",
				Status: model.SiteDegraded,
				Services: []model.Service{
					{Name: "db"}, {Name: "web"},
				},
				Containers: []model.Container{
					{Name: "blog-db", Status: "Exited (0) 2 days ago", State: "exited", Image: "postgres:16-alpine"},
					{Name: "blog-web", Status: "Up 3 hours", State: "running", Image: "nginx:alpine",
						Ports: []model.PortMapping{{Private: 80, Public: 8080, Protocol: "tcp"}}},
				},
				Domains: []string{"blog.example.com"},
				Targets: []string{"blog-web:80"},
			},
			{
				Name:   "shop",
				Path:   "/opt/sites/shop",
				Status: model.SiteRunning,
				Containers: []model.Container{
					{Name: "shop-web", Status: "Up 10 minutes", State: "running", Image: "shop:latest"},
				},
				Domains: []string{"shop.example.com"},
				Targets: []string{"shop-web:8000"},
			},
		},
		Gateway: model.GatewayStatus{Container: "caddy", Status: model.SiteRunning},
	}
}

func testOverlay() Overlay {
	return Overlay{
		Tunnel: &TunnelInfo{Name: "prod", Connections: 4, Healthy: true},
		NAS:    &NASInfo{Repo: "/mnt/nas/restic", Sites: 2, Status: model.SiteRunning},
		Metrics: map[string]model.ContainerMetrics{
			"blog-web": {ContainerName: "blog-web", CPUPercent: 12.5, MemoryUsageMB: 100, MemoryLimitMB: 1024, MemoryPercent: 9.8},
		},
		SiteBackup: map[string]model.NodeBackup{
			"blog": {Status: model.BackupOK},
		},
	}
}

func nodeByID(t *testing.T, g model.Graph, id string) model.GraphNode {
	t.Helper()
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not in graph", id)
	return model.GraphNode{}
}

func TestBuild_NodesAndEdges(t *testing.T) {
	b := NewBuilder("/opt/gateway")
	g := b.Build(testSnapshot(), testOverlay())

	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{
		"tunnel",
		"domain-blog.example.com",
		"domain-shop.example.com",
		"gateway",
		"container-blog-db",
		"container-blog-web",
		"container-shop-web",
		"site-blog",
		"site-shop",
		"nas",
	}, ids)

	type key struct{ Source, Target, Label string }
	gotEdges := make([]key, 0, len(g.Edges))
	for _, e := range g.Edges {
		gotEdges = append(gotEdges, key{e.Source, e.Target, e.Label})
	}
	assert.Equal(t, []key{
		{"container-blog-db", "site-blog", "deployed as"},
		{"container-blog-web", "site-blog", "deployed as"},
		{"container-shop-web", "site-shop", "deployed as"},
		{"domain-blog.example.com", "gateway", "reverse proxy"},
		{"domain-shop.example.com", "gateway", "reverse proxy"},
		{"gateway", "container-blog-web", "reverse proxy"},
		{"gateway", "container-shop-web", "reverse proxy"},
		{"site-blog", "nas", "backup"},
		{"tunnel", "domain-blog.example.com", "proxy"},
		{"tunnel", "domain-shop.example.com", "proxy"},
	}, gotEdges)

	for i, e := range g.Edges {
		assert.Equal(t, "edge-"+strconv.Itoa(i+1), e.ID)
	}
}

func TestBuild_NodeDetails(t *testing.T) {
	b := NewBuilder("/opt/gateway")
	g := b.Build(testSnapshot(), testOverlay())

	gw := nodeByID(t, g, "gateway")
	assert.Equal(t, model.SiteRunning, gw.Status)
	assert.Equal(t, "/opt/gateway", gw.Meta["remote_path"])
	assert.Equal(t, "caddy", gw.Meta["container"])

	tunnel := nodeByID(t, g, "tunnel")
	assert.Equal(t, model.SiteRunning, tunnel.Status)
	assert.Equal(t, "prod", tunnel.Meta["tunnel"])
	assert.Equal(t, "4", tunnel.Meta["connections"])

	web := nodeByID(t, g, "container-blog-web")
	assert.Equal(t, model.SiteRunning, web.Status)
	assert.Equal(t, "nginx:alpine", web.Meta["image"])
	assert.Equal(t, "8080->80", web.Meta["ports"])
	require.NotNil(t, web.Metrics)
	assert.InDelta(t, 12.5, web.Metrics.CPUPercent, 0.001)

	db := nodeByID(t, g, "container-blog-db")
	assert.Equal(t, model.SiteStopped, db.Status)
	assert.Nil(t, db.Metrics)

	site := nodeByID(t, g, "site-blog")
	assert.Equal(t, model.SiteDegraded, site.Status)
	assert.Equal(t, "2", site.Meta["services"])
	require.NotNil(t, site.Backup)
	assert.Equal(t, model.BackupOK, site.Backup.Status)

	domain := nodeByID(t, g, "domain-blog.example.com")
	assert.Equal(t, "blog.example.com", domain.Label)
	assert.Equal(t, "blog-web:80", domain.Meta["targets"])
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder("/opt/gateway")

	first, err := json.Marshal(b.Build(testSnapshot(), testOverlay()))
	require.NoError(t, err)
	second, err := json.Marshal(b.Build(testSnapshot(), testOverlay()))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestBuild_WithoutTunnelAndNAS(t *testing.T) {
	b := NewBuilder("/opt/gateway")
	g := b.Build(testSnapshot(), Overlay{})

	for _, n := range g.Nodes {
		assert.NotEqual(t, model.NodeTunnel, n.Type)
		assert.NotEqual(t, model.NodeNAS, n.Type)
	}
	for _, e := range g.Edges {
		assert.NotEqual(t, "tunnel", e.Source)
		assert.NotEqual(t, "nas", e.Target)
	}
}

func TestBuild_UnhealthyTunnelDegraded(t *testing.T) {
	b := NewBuilder("/opt/gateway")
	ov := testOverlay()
	ov.Tunnel.Healthy = false

	g := b.Build(testSnapshot(), ov)
	assert.Equal(t, model.SiteDegraded, nodeByID(t, g, "tunnel").Status)
}

func TestBuild_SharedDomainSingleNode(t *testing.T) {
	snap := testSnapshot()
	snap.Sites[1].Domains = []string{"blog.example.com"}

	b := NewBuilder("/opt/gateway")
	g := b.Build(snap, Overlay{})

	count := 0
	for _, n := range g.Nodes {
		if n.Type == model.NodeDomain {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuild_SiteErrorSurfacedInMeta(t *testing.T) {
	snap := testSnapshot()
	snap.Sites[0].Error = "transport: ssh: broken pipe"

	b := NewBuilder("/opt/gateway")
	g := b.Build(snap, Overlay{})
	assert.Equal(t, "transport: ssh: broken pipe", nodeByID(t, g, "site-blog").Meta["error"])
}

func TestBuild_EmptySnapshot(t *testing.T) {
	b := NewBuilder("/opt/gateway")
	g := b.Build(model.SitesSnapshot{}, Overlay{})

	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "gateway", g.Nodes[0].ID)
	assert.Equal(t, model.SiteUnknown, g.Nodes[0].Status)
	assert.NotNil(t, g.Edges)
	assert.Empty(t, g.Edges)
}

func TestContainerStatus(t *testing.T) {
	tests := []struct {
		name string
		c    model.Container
		want string
	}{
		{"up", model.Container{Status: "Up 3 hours", State: "running"}, model.SiteRunning},
		{"exited", model.Container{Status: "Exited (1) 5m ago", State: "exited"}, model.SiteStopped},
		{"restarting", model.Container{Status: "Restarting (1) 2s ago", State: "restarting"}, model.SiteDegraded},
		{"empty", model.Container{}, model.SiteUnknown},
		{"state only", model.Container{State: "running"}, model.SiteRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, containerStatus(tt.c))
		})
	}
}

func TestTargetContainer(t *testing.T) {
	assert.Equal(t, "blog-web", targetContainer("blog-web:80"))
	assert.Equal(t, "shop-api", targetContainer("shop-api:3000/api"))
	assert.Equal(t, "plain", targetContainer("plain"))
	assert.Equal(t, "", targetContainer(""))
}

func TestFormatPorts(t *testing.T) {
	assert.Equal(t, "", formatPorts(nil))
	assert.Equal(t, "8080->80, 3000", formatPorts([]model.PortMapping{
		{Private: 80, Public: 8080, Protocol: "tcp"},
		{Private: 3000, Protocol: "tcp"},
	}))
}
