package alerter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/backups"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/notify"
	"github.com/siteflow/siteflow/internal/store"
)

// testProvider records notifications for assertions.
type testProvider struct {
	sent []model.Notification
	err  error
}

func (p *testProvider) Name() string { return "test" }
func (p *testProvider) Send(_ context.Context, n model.Notification) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, n)
	return nil
}

// Compile-time check that testProvider satisfies notify.Provider.
var _ notify.Provider = (*testProvider)(nil)

type fakeState struct {
	snap model.SitesSnapshot
	ok   bool
}

func (f *fakeState) Snapshot() (model.SitesSnapshot, bool) { return f.snap, f.ok }

type fakeBackups struct {
	summary backups.Summary
	err     error
}

func (f *fakeBackups) Summary() (backups.Summary, error) { return f.summary, f.err }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAlerter(t *testing.T, state StateSource, b BackupSource, cfg config.AlertsConfig) (*Alerter, *testProvider) {
	t.Helper()
	p := &testProvider{}
	a := New(state, b, newTestStore(t), []notify.Provider{p}, cfg)
	return a, p
}

// zeroGrace returns the default config with grace periods collapsed so
// the seed-then-fire pattern fires on the second evaluate.
func zeroGrace() config.AlertsConfig {
	cfg := DefaultConfig()
	cfg.SiteDown.GracePeriod = config.Duration{}
	cfg.GatewayDown.GracePeriod = config.Duration{}
	return cfg
}

func snapWith(sites ...model.Site) model.SitesSnapshot {
	return model.SitesSnapshot{
		Sites:     sites,
		Gateway:   model.GatewayStatus{Container: "caddy", Status: model.SiteRunning},
		UpdatedAt: time.Now(),
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NotNil(t, cfg.SiteDown)
	require.NotNil(t, cfg.BackupStale)
	require.NotNil(t, cfg.GatewayDown)

	assert.Equal(t, 2*time.Minute, cfg.SiteDown.GracePeriod.Duration)
	assert.Equal(t, "critical", cfg.SiteDown.Severity)
	assert.Equal(t, 30*time.Minute, cfg.SiteDown.Cooldown.Duration)
	assert.Equal(t, "warning", cfg.BackupStale.Severity)
	assert.Equal(t, 6*time.Hour, cfg.BackupStale.Cooldown.Duration)
	assert.Equal(t, 1*time.Minute, cfg.GatewayDown.GracePeriod.Duration)
}

func TestNew(t *testing.T) {
	state := &fakeState{}
	b := &fakeBackups{}
	s := newTestStore(t)
	p := &testProvider{}

	a := New(state, b, s, []notify.Provider{p}, DefaultConfig())

	assert.NotNil(t, a)
	assert.Equal(t, 30*time.Second, a.interval)
	assert.NotNil(t, a.lastFired)
	assert.NotNil(t, a.sustained)
	assert.Len(t, a.providers, 1)
}

func TestEvaluate_SiteDown(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	// First evaluate seeds the sustained tracker, no alert yet.
	a.evaluate(context.Background())
	assert.Empty(t, p.sent, "first call should only seed sustained tracker")

	// Second evaluate fires: grace is zero and the site is still down.
	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "site_down", p.sent[0].AlertType)
	assert.Equal(t, "critical", p.sent[0].Severity)
	assert.Equal(t, "blog", p.sent[0].Target)
	assert.Contains(t, p.sent[0].Message, "blog")
	assert.Contains(t, p.sent[0].Message, "stopped")
}

func TestEvaluate_DegradedSiteFires(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "shop", Status: model.SiteDegraded}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "degraded", p.sent[0].Metadata["status"])
}

func TestEvaluate_RunningSiteQuiet(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteRunning}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	assert.Empty(t, p.sent)
}

func TestEvaluate_RecoveryClearsSustained(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background()) // seed

	// Site recovers before the second evaluation.
	state.snap = snapWith(model.Site{Name: "blog", Status: model.SiteRunning})
	a.evaluate(context.Background())

	// Down again: the tracker must re-seed before firing.
	state.snap = snapWith(model.Site{Name: "blog", Status: model.SiteStopped})
	a.evaluate(context.Background())
	assert.Empty(t, p.sent, "sustained tracker should have been cleared; re-seeding required")
}

func TestEvaluate_GracePeriodHolds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SiteDown.GracePeriod = config.Duration{Duration: time.Hour}
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, cfg)

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	assert.Empty(t, p.sent, "grace period has not elapsed")
}

func TestEvaluate_Cooldown(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background()) // seed
	a.evaluate(context.Background()) // fire
	a.evaluate(context.Background()) // cooldown suppresses
	require.Len(t, p.sent, 1)

	// Expire the cooldown and the alert repeats.
	a.lastFired["site_down:blog"] = time.Now().Add(-time.Hour)
	a.evaluate(context.Background())
	assert.Len(t, p.sent, 2)
}

func TestEvaluate_SiteRecoveryNotice(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background()) // seed
	a.evaluate(context.Background()) // fire
	require.Len(t, p.sent, 1)

	state.snap = snapWith(model.Site{Name: "blog", Status: model.SiteRunning})
	a.evaluate(context.Background())
	require.Len(t, p.sent, 2)

	resolved := p.sent[1]
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "site_down", resolved.AlertType)
	assert.Equal(t, "info", resolved.Severity)
	assert.Equal(t, "blog", resolved.Target)
	assert.Contains(t, resolved.Title, "Recovered")
	assert.Contains(t, resolved.Message, "running again")

	// Resolution resets the cooldown: a fresh incident alerts again.
	state.snap = snapWith(model.Site{Name: "blog", Status: model.SiteStopped})
	a.evaluate(context.Background()) // seed
	a.evaluate(context.Background()) // fire
	require.Len(t, p.sent, 3)
	assert.False(t, p.sent[2].Resolved)
}

func TestEvaluate_RecoveryNoticeOnlyOnce(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)

	// The site stays up: exactly one resolution notice, then silence.
	state.snap = snapWith(model.Site{Name: "blog", Status: model.SiteRunning})
	a.evaluate(context.Background())
	a.evaluate(context.Background())
	a.evaluate(context.Background())
	assert.Len(t, p.sent, 2)
}

func TestEvaluate_GatewayRecoveryNotice(t *testing.T) {
	snap := snapWith()
	snap.Gateway = model.GatewayStatus{Container: "caddy", Status: model.SiteStopped}
	state := &fakeState{snap: snap, ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)

	recovered := snapWith()
	state.snap = recovered
	a.evaluate(context.Background())
	require.Len(t, p.sent, 2)
	assert.True(t, p.sent[1].Resolved)
	assert.Equal(t, "gateway_down", p.sent[1].AlertType)
	assert.Contains(t, p.sent[1].Message, "running again")
}

func TestEvaluate_GatewayDown(t *testing.T) {
	snap := snapWith()
	snap.Gateway = model.GatewayStatus{Container: "caddy", Status: model.SiteStopped}
	state := &fakeState{snap: snap, ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "gateway_down", p.sent[0].AlertType)
	assert.Equal(t, "caddy", p.sent[0].Target)
	assert.Contains(t, p.sent[0].Message, "all sites may be unreachable")
}

func TestEvaluate_NoGatewayConfigured(t *testing.T) {
	snap := snapWith()
	snap.Gateway = model.GatewayStatus{}
	state := &fakeState{snap: snap, ok: true}
	a, p := newTestAlerter(t, state, &fakeBackups{}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	assert.Empty(t, p.sent)
}

func TestEvaluate_BackupStale(t *testing.T) {
	rpo := int64(48 * 3600)
	b := &fakeBackups{summary: backups.Summary{Sites: []model.SiteBackupStatus{
		{Site: "blog", OverallStatus: model.BackupWarn, RPOSecondsDB: &rpo},
		{Site: "shop", OverallStatus: model.BackupOK},
	}}}
	a, p := newTestAlerter(t, &fakeState{}, b, DefaultConfig())

	// Staleness is already time-based: fires on the first evaluation.
	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "backup_stale", p.sent[0].AlertType)
	assert.Equal(t, "warning", p.sent[0].Severity)
	assert.Equal(t, "blog", p.sent[0].Target)
	assert.Contains(t, p.sent[0].Message, "db RPO 48h")
}

func TestEvaluate_BackupFailEscalates(t *testing.T) {
	b := &fakeBackups{summary: backups.Summary{Sites: []model.SiteBackupStatus{
		{Site: "blog", OverallStatus: model.BackupFail},
	}}}
	a, p := newTestAlerter(t, &fakeState{}, b, DefaultConfig())

	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "critical", p.sent[0].Severity)
}

func TestEvaluate_BackupRecoveryNotice(t *testing.T) {
	b := &fakeBackups{summary: backups.Summary{Sites: []model.SiteBackupStatus{
		{Site: "blog", OverallStatus: model.BackupWarn},
	}}}
	a, p := newTestAlerter(t, &fakeState{}, b, DefaultConfig())

	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)

	b.summary = backups.Summary{Sites: []model.SiteBackupStatus{
		{Site: "blog", OverallStatus: model.BackupOK},
	}}
	a.evaluate(context.Background())
	require.Len(t, p.sent, 2)
	assert.True(t, p.sent[1].Resolved)
	assert.Equal(t, "backup_stale", p.sent[1].AlertType)
	assert.Contains(t, p.sent[1].Title, "Healthy")
}

func TestEvaluate_BackupSummaryError(t *testing.T) {
	b := &fakeBackups{err: errors.New("database locked")}
	a, p := newTestAlerter(t, &fakeState{}, b, DefaultConfig())

	a.evaluate(context.Background())
	assert.Empty(t, p.sent)
}

func TestEvaluate_NoSnapshotSkipsStateRules(t *testing.T) {
	// Cache is cold: ok=false. Site and gateway rules stay silent, but
	// backup staleness still evaluates.
	b := &fakeBackups{summary: backups.Summary{Sites: []model.SiteBackupStatus{
		{Site: "blog", OverallStatus: model.BackupWarn},
	}}}
	state := &fakeState{ok: false}
	a, p := newTestAlerter(t, state, b, zeroGrace())

	a.evaluate(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "backup_stale", p.sent[0].AlertType)
}

func TestEvaluate_NilRulesDisabled(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	b := &fakeBackups{summary: backups.Summary{Sites: []model.SiteBackupStatus{
		{Site: "blog", OverallStatus: model.BackupFail},
	}}}
	a, p := newTestAlerter(t, state, b, config.AlertsConfig{})

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	assert.Empty(t, p.sent)
}

func TestFire_ProviderErrorDoesNotBlockOthers(t *testing.T) {
	state := &fakeState{snap: snapWith(model.Site{Name: "blog", Status: model.SiteStopped}), ok: true}
	failing := &testProvider{err: errors.New("ntfy unreachable")}
	working := &testProvider{}
	a := New(state, &fakeBackups{}, newTestStore(t), []notify.Provider{failing, working}, zeroGrace())

	a.evaluate(context.Background())
	a.evaluate(context.Background())
	require.Len(t, working.sent, 1)
	assert.Empty(t, failing.sent)
}

func TestCleanup_ExpiresOldEntries(t *testing.T) {
	a, _ := newTestAlerter(t, &fakeState{}, &fakeBackups{}, DefaultConfig())

	a.lastFired["site_down:old"] = time.Now().Add(-7 * time.Hour)
	a.lastFired["site_down:new"] = time.Now()
	a.sustained["site_down:old"] = time.Now().Add(-7 * time.Hour)

	a.cleanup(time.Now())

	assert.NotContains(t, a.lastFired, "site_down:old")
	assert.Contains(t, a.lastFired, "site_down:new")
	assert.Empty(t, a.sustained)
}
