package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

type fakeExecutor struct {
	mu        sync.Mutex
	dirs      []string
	dirsErr   error
	files     map[string]string
	readErr   map[string]error
	commands  map[string]string
	readDelay time.Duration
	reads     *gauge
}

func (f *fakeExecutor) Run(_ context.Context, command string) (remote.Result, error) {
	f.mu.Lock()
	out, ok := f.commands[command]
	f.mu.Unlock()
	if !ok {
		return remote.Result{}, model.Errorf(model.KindTransport, "unexpected command %q", command)
	}
	return remote.Result{Stdout: out}, nil
}

func (f *fakeExecutor) ReadFile(_ context.Context, path string) ([]byte, error) {
	if f.reads != nil {
		f.reads.enter()
		defer f.reads.exit()
	}
	if f.readDelay > 0 {
		time.Sleep(f.readDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.readErr[path]; ok {
		return nil, err
	}
	if data, ok := f.files[path]; ok {
		return []byte(data), nil
	}
	return nil, model.Errorf(model.KindNotFound, "remote file %s not found", path)
}

func (f *fakeExecutor) ListDirs(_ context.Context, _ string) ([]string, error) {
	if f.dirsErr != nil {
		return nil, f.dirsErr
	}
	return f.dirs, nil
}

type gauge struct {
	mu       sync.Mutex
	cur, max int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.max {
		g.max = g.cur
	}
	g.mu.Unlock()
}

func (g *gauge) exit() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *gauge) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max
}

const blogCompose = `services:
  web:
    image: nginx:alpine
    container_name: blog-web
    ports:
      - "8080:80"
    labels:
      caddy: https://${DOMAIN}
      caddy.reverse_proxy: blog-web:80
  db:
    image: postgres:16-alpine
    environment:
      POSTGRES_PASSWORD: ${DB_PASSWORD:-changeme}
`

const shopCompose = `services:
  web:
    image: shop:latest
  worker:
    image: shop:latest
  api:
    image: api:1
`

const psFixture = `{"Names":"blog-web","Status":"Up 3 hours","State":"running","Image":"nginx:alpine","Ports":"0.0.0.0:8080->80/tcp, :::8080->80/tcp"}
{"Names":"blog-db","Status":"Exited (0) 2 days ago","State":"exited","Image":"postgres:16-alpine","Ports":""}
{"Names":"shop-web","Status":"Up 10 minutes","State":"running","Image":"shop:latest","Ports":""}
{"Names":"shop_worker","Status":"Up 10 minutes","State":"running","Image":"shop:latest","Ports":""}
{"Names":"api","Status":"Up 2 days","State":"running","Image":"api:1","Ports":"3000/tcp"}
{"Names":"caddy","Status":"Up 5 days","State":"running","Image":"caddy:2","Ports":"0.0.0.0:443->443/tcp"}
not json at all
{"Names":"","Status":"Up 1 hour"}
`

const labelsFixture = `caddy||
blog-db||
shop-web|https://shop.example.com|shop-web:8000
api|http://api.example.com|{{upstreams 3000}}
`

const caddyfileFixture = `www.blog.example.com {
    reverse_proxy blog-web:80
}
`

func testRemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{
		SitesRoot:      "/opt/sites",
		GatewayRoot:    "/opt/gateway",
		Caddyfile:      "/opt/gateway/Caddyfile",
		CaddyContainer: "caddy",
		DeniedDirs:     []string{"gateway", "siteflow"},
	}
}

func newTestFixture() *fakeExecutor {
	return &fakeExecutor{
		dirs: []string{"blog", "gateway", "legacy", "shop", "siteflow"},
		files: map[string]string{
			"/opt/sites/blog/docker-compose.yml": blogCompose,
			"/opt/sites/blog/.env":               "DOMAIN=blog.example.com\n",
			"/opt/sites/shop/compose.yaml":       shopCompose,
			"/opt/gateway/Caddyfile":             caddyfileFixture,
		},
		readErr: map[string]error{},
		commands: map[string]string{
			listContainersCommand:  psFixture,
			listProxyLabelsCommand: labelsFixture,
		},
	}
}

func siteByName(t *testing.T, snap model.SitesSnapshot, name string) model.Site {
	t.Helper()
	for _, s := range snap.Sites {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("site %s not in snapshot", name)
	return model.Site{}
}

func TestCollect_FullTopology(t *testing.T) {
	p := New(newTestFixture(), testRemoteConfig(), 4)

	snap, err := p.Collect(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(snap.Sites))
	for _, s := range snap.Sites {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"blog", "legacy", "shop"}, names)
	assert.Equal(t, model.GatewayStatus{Container: "caddy", Status: model.SiteRunning}, snap.Gateway)

	blog := siteByName(t, snap, "blog")
	assert.Equal(t, "/opt/sites/blog", blog.Path)
	assert.Equal(t, "docker-compose.yml", blog.ComposeFile)
	assert.Empty(t, blog.Error)

	require.Len(t, blog.Services, 2)
	assert.Equal(t, "db", blog.Services[0].Name)
	assert.Equal(t, "web", blog.Services[1].Name)
	assert.Equal(t, "blog-db", blog.Services[0].ContainerName)
	assert.Equal(t, "blog-web", blog.Services[1].ContainerName)
	assert.Equal(t, "changeme", blog.Services[0].Environment["POSTGRES_PASSWORD"])
	assert.Equal(t, "https://blog.example.com", blog.Services[1].Labels["caddy"])
	require.Len(t, blog.Services[1].Ports, 1)
	assert.Equal(t, model.PortMapping{Private: 80, Public: 8080, Protocol: "tcp"}, blog.Services[1].Ports[0])

	require.Len(t, blog.Containers, 2)
	assert.Equal(t, "blog-db", blog.Containers[0].Name)
	assert.Equal(t, "blog-web", blog.Containers[1].Name)
	assert.Equal(t, model.SiteDegraded, blog.Status)

	assert.Equal(t, []string{"blog.example.com", "www.blog.example.com"}, blog.Domains)
	assert.Equal(t, []string{"blog-web:80"}, blog.Targets)

	shop := siteByName(t, snap, "shop")
	assert.Equal(t, "compose.yaml", shop.ComposeFile)
	assert.Equal(t, model.SiteRunning, shop.Status)

	containerNames := make([]string, 0, len(shop.Containers))
	for _, c := range shop.Containers {
		containerNames = append(containerNames, c.Name)
	}
	assert.Equal(t, []string{"api", "shop-web", "shop_worker"}, containerNames)

	assert.Equal(t, []string{"api.example.com", "shop.example.com"}, shop.Domains)
	assert.Equal(t, []string{"shop-web:8000", "{{upstreams 3000}}"}, shop.Targets)

	legacy := siteByName(t, snap, "legacy")
	assert.Equal(t, model.SiteUnknown, legacy.Status)
	assert.Empty(t, legacy.Error)
	assert.Empty(t, legacy.ComposeFile)
	assert.Empty(t, legacy.Services)
	assert.Empty(t, legacy.Containers)
	assert.Empty(t, legacy.Domains)
}

func TestCollect_DeterministicAcrossRuns(t *testing.T) {
	p := New(newTestFixture(), testRemoteConfig(), 4)

	first, err := p.Collect(context.Background())
	require.NoError(t, err)
	second, err := p.Collect(context.Background())
	require.NoError(t, err)

	a, err := json.Marshal(first.Sites)
	require.NoError(t, err)
	b, err := json.Marshal(second.Sites)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCollect_SiteFailureIsolated(t *testing.T) {
	fake := newTestFixture()
	fake.readErr["/opt/sites/shop/docker-compose.yml"] = model.Errorf(model.KindTransport, "ssh: broken pipe")
	p := New(fake, testRemoteConfig(), 4)

	snap, err := p.Collect(context.Background())
	require.NoError(t, err)

	shop := siteByName(t, snap, "shop")
	assert.Equal(t, model.SiteUnknown, shop.Status)
	assert.Contains(t, shop.Error, "broken pipe")
	assert.Empty(t, shop.Services)

	blog := siteByName(t, snap, "blog")
	assert.Equal(t, model.SiteDegraded, blog.Status)
	assert.Empty(t, blog.Error)
}

func TestCollect_InvalidManifestIsolated(t *testing.T) {
	fake := newTestFixture()
	fake.files["/opt/sites/legacy/compose.yml"] = "services: ["
	p := New(fake, testRemoteConfig(), 4)

	snap, err := p.Collect(context.Background())
	require.NoError(t, err)

	legacy := siteByName(t, snap, "legacy")
	assert.Equal(t, model.SiteUnknown, legacy.Status)
	assert.NotEmpty(t, legacy.Error)
}

func TestCollect_ListDirsFailure(t *testing.T) {
	fake := newTestFixture()
	fake.dirsErr = model.Errorf(model.KindTransport, "dial tcp: connection refused")
	p := New(fake, testRemoteConfig(), 4)

	_, err := p.Collect(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindTransport))
}

func TestCollect_MissingCaddyfileIgnored(t *testing.T) {
	fake := newTestFixture()
	delete(fake.files, "/opt/gateway/Caddyfile")
	p := New(fake, testRemoteConfig(), 4)

	snap, err := p.Collect(context.Background())
	require.NoError(t, err)

	blog := siteByName(t, snap, "blog")
	assert.Equal(t, []string{"blog.example.com"}, blog.Domains)
}

func TestCollect_BoundsConcurrency(t *testing.T) {
	fake := newTestFixture()
	fake.dirs = []string{"a", "b", "c", "d", "e", "f"}
	fake.readDelay = 10 * time.Millisecond
	fake.reads = &gauge{}
	p := New(fake, testRemoteConfig(), 2)

	_, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, fake.reads.peak(), 2)
}

func TestDeriveStatus(t *testing.T) {
	up := model.Container{Status: "Up 3 hours", State: "running"}
	down := model.Container{Status: "Exited (1) 5 minutes ago", State: "exited"}

	tests := []struct {
		name       string
		containers []model.Container
		want       string
	}{
		{"all up", []model.Container{up, up}, model.SiteRunning},
		{"none up", []model.Container{down, down}, model.SiteStopped},
		{"mixed", []model.Container{up, down}, model.SiteDegraded},
		{"empty", nil, model.SiteUnknown},
		{"state only", []model.Container{{State: "running"}}, model.SiteRunning},
		{"status only", []model.Container{{Status: "Up 2 days (healthy)"}}, model.SiteRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.containers))
		})
	}
}

func TestParseEnginePorts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []model.PortMapping
	}{
		{"empty", "", nil},
		{
			"dual stack collapses",
			"0.0.0.0:8080->80/tcp, :::8080->80/tcp",
			[]model.PortMapping{{Private: 80, Public: 8080, Protocol: "tcp"}},
		},
		{
			"exposed only",
			"3000/tcp",
			[]model.PortMapping{{Private: 3000, Protocol: "tcp"}},
		},
		{
			"udp and tcp",
			"0.0.0.0:53->53/udp, 0.0.0.0:53->53/tcp",
			[]model.PortMapping{
				{Private: 53, Public: 53, Protocol: "tcp"},
				{Private: 53, Public: 53, Protocol: "udp"},
			},
		},
		{
			"bracketed ipv6 host",
			"[::]:9000->9000/tcp",
			[]model.PortMapping{{Private: 9000, Public: 9000, Protocol: "tcp"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseEnginePorts(tt.raw))
		})
	}
}

func TestCorrelationCandidates(t *testing.T) {
	got := correlationCandidates("blog", "web", "custom-name")
	assert.Equal(t, []string{"custom-name", "blog-web", "blog_web", "web"}, got)

	got = correlationCandidates("blog", "web", "")
	assert.Equal(t, []string{"blog-web", "blog_web", "web"}, got)

	got = correlationCandidates("blog", "web", "blog-web")
	assert.Equal(t, []string{"blog-web", "blog_web", "web"}, got)
}

func TestContainerNameOK(t *testing.T) {
	assert.True(t, containerNameOK("blog-web"))
	assert.True(t, containerNameOK("shop_worker.1"))
	assert.True(t, containerNameOK("10.0.0.5"))
	assert.False(t, containerNameOK(""))
	assert.False(t, containerNameOK("..."))
	assert.False(t, containerNameOK("{{upstreams 80}}"))
	assert.False(t, containerNameOK("$UPSTREAM"))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "blog.example.com", stripScheme("https://blog.example.com"))
	assert.Equal(t, "blog.example.com", stripScheme("http://blog.example.com"))
	assert.Equal(t, "blog.example.com", stripScheme("  blog.example.com "))
}
