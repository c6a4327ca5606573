package backups

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testBackupsConfig() config.BackupsConfig {
	return config.BackupsConfig{
		ResticRepo:   "/mnt/nas/restic",
		PasswordFile: "/etc/restic/pass",
		Thresholds: config.ThresholdsConfig{
			DBFresh:       config.Duration{Duration: 26 * time.Hour},
			UploadsFresh:  config.Duration{Duration: 30 * time.Hour},
			VerifyFresh:   config.Duration{Duration: 168 * time.Hour},
			SnapshotFresh: config.Duration{Duration: 192 * time.Hour},
		},
	}
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, testBackupsConfig())
	svc.now = func() time.Time { return testNow }
	return svc, st
}

// testRun builds a run that ended age before the fixed test clock.
func testRun(site, jobType, status string, age time.Duration) model.BackupRun {
	ended := testNow.Add(-age)
	return model.BackupRun{
		Site:      site,
		JobType:   jobType,
		Status:    status,
		StartedAt: ended.Add(-5 * time.Minute),
		EndedAt:   ended,
	}
}

func mustIngest(t *testing.T, svc *Service, run model.BackupRun) {
	t.Helper()
	_, err := svc.Ingest(run)
	require.NoError(t, err)
}

func TestIngest_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		run  model.BackupRun
	}{
		{"missing site", testRun("", model.JobDB, model.BackupOK, time.Hour)},
		{"unknown job type", testRun("blog", "tarball", model.BackupOK, time.Hour)},
		{"unknown status", testRun("blog", model.JobDB, "done", time.Hour)},
		{"zero times", model.BackupRun{Site: "blog", JobType: model.JobDB, Status: model.BackupOK}},
		{"ended before started", model.BackupRun{
			Site: "blog", JobType: model.JobDB, Status: model.BackupOK,
			StartedAt: testNow, EndedAt: testNow.Add(-time.Minute),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(tt.run)
			require.Error(t, err)
			assert.True(t, model.IsKind(err, model.KindValidation), "want validation error, got %v", err)
		})
	}
}

func TestIngest_Persists(t *testing.T) {
	svc, _ := newTestService(t)

	stored, err := svc.Ingest(testRun("blog", model.JobDB, model.BackupOK, time.Hour))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	runs, total, err := svc.Runs("blog", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, model.JobDB, runs[0].JobType)
}

func TestSiteStatus_AllFresh(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, 2*time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, 3*time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobVerify, model.BackupOK, 24*time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobSnapshot, model.BackupOK, 24*time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)

	assert.Equal(t, model.BackupOK, status.OverallStatus)
	require.NotNil(t, status.RPOSecondsDB)
	assert.Equal(t, int64((2 * time.Hour).Seconds()), *status.RPOSecondsDB)
	require.NotNil(t, status.RPOSecondsUp)
	assert.Equal(t, int64((3 * time.Hour).Seconds()), *status.RPOSecondsUp)
	require.NotNil(t, status.LastVerifyRun)
	require.NotNil(t, status.LastSnapshotRun)
}

func TestSiteStatus_StaleUploadsWarns(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, 2*time.Hour))
	// Uploads threshold is 30h; a 31h-old run is stale but not failed.
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, 31*time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)
	assert.Equal(t, model.BackupWarn, status.OverallStatus)
}

func TestSiteStatus_FailedCriticalJobFails(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupFail, time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)
	assert.Equal(t, model.BackupFail, status.OverallStatus)
}

func TestSiteStatus_MissingCriticalJobFails(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobVerify, model.BackupOK, time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)
	assert.Equal(t, model.BackupFail, status.OverallStatus)
	assert.Nil(t, status.LastDBRun)
	assert.Nil(t, status.RPOSecondsDB)
}

func TestSiteStatus_SiteJobCoversCriticalJobs(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobSite, model.BackupOK, 4*time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)

	assert.Equal(t, model.BackupOK, status.OverallStatus)
	require.NotNil(t, status.LastDBRun)
	assert.Equal(t, model.JobSite, status.LastDBRun.JobType)
	require.NotNil(t, status.RPOSecondsDB)
	assert.Equal(t, int64((4 * time.Hour).Seconds()), *status.RPOSecondsDB)
	require.NotNil(t, status.RPOSecondsUp)
}

func TestSiteStatus_DedicatedRunsBeatSiteFallback(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobSite, model.BackupOK, 40*time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)
	assert.Equal(t, model.BackupOK, status.OverallStatus)
	assert.Equal(t, model.JobDB, status.LastDBRun.JobType)
	assert.Equal(t, int64((time.Hour).Seconds()), *status.RPOSecondsDB)
}

func TestSiteStatus_SecondaryFailureWarns(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobVerify, model.BackupFail, time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)
	assert.Equal(t, model.BackupWarn, status.OverallStatus)
}

func TestSiteStatus_RPOFromLastSuccess(t *testing.T) {
	svc, _ := newTestService(t)
	// Latest db run failed; RPO must still reflect the older success.
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, 20*time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupFail, time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, time.Hour))

	status, err := svc.SiteStatus("blog")
	require.NoError(t, err)
	assert.Equal(t, model.BackupFail, status.OverallStatus)
	assert.Equal(t, model.BackupFail, status.LastDBRun.Status)
	require.NotNil(t, status.RPOSecondsDB)
	assert.Equal(t, int64((20 * time.Hour).Seconds()), *status.RPOSecondsDB)
}

func TestSummary(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, time.Hour))
	mustIngest(t, svc, testRun("shop", model.JobSite, model.BackupFail, time.Hour))

	summary, err := svc.Summary()
	require.NoError(t, err)

	require.Len(t, summary.Sites, 2)
	assert.Equal(t, "blog", summary.Sites[0].Site)
	assert.Equal(t, model.BackupOK, summary.Sites[0].OverallStatus)
	assert.Equal(t, "shop", summary.Sites[1].Site)
	assert.Equal(t, model.BackupFail, summary.Sites[1].OverallStatus)

	assert.Equal(t, 26, summary.Thresholds.DBFreshHours)
	assert.Equal(t, 30, summary.Thresholds.UploadsFreshHours)
	assert.Equal(t, 7, summary.Thresholds.VerifyFreshDays)
	assert.Equal(t, 8, summary.Thresholds.SnapshotFreshDays)
}

func TestSummary_Empty(t *testing.T) {
	svc, _ := newTestService(t)

	summary, err := svc.Summary()
	require.NoError(t, err)
	assert.Empty(t, summary.Sites)
	assert.NotNil(t, summary.Sites)
}

func TestRestorePoints(t *testing.T) {
	svc, _ := newTestService(t)
	withID := testRun("blog", model.JobDB, model.BackupOK, 2*time.Hour)
	withID.BackupID = "snap-abc"
	mustIngest(t, svc, withID)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, time.Hour)) // no backup id

	points, err := svc.RestorePoints("blog", 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "snap-abc", points[0].BackupID)
}

func TestConfig(t *testing.T) {
	svc, _ := newTestService(t)

	cfg := svc.Config()
	assert.Equal(t, "/mnt/nas/restic", cfg.ResticRepo)
	assert.Equal(t, 26, cfg.Thresholds.DBFreshHours)
}

func TestOverlay(t *testing.T) {
	svc, _ := newTestService(t)
	mustIngest(t, svc, testRun("blog", model.JobDB, model.BackupOK, 2*time.Hour))
	mustIngest(t, svc, testRun("blog", model.JobUploads, model.BackupOK, time.Hour))
	mustIngest(t, svc, testRun("shop", model.JobSite, model.BackupOK, 40*time.Hour))

	perSite, aggregate, err := svc.Overlay()
	require.NoError(t, err)

	require.Contains(t, perSite, "blog")
	assert.Equal(t, model.BackupOK, perSite["blog"].Status)
	require.NotNil(t, perSite["blog"].RPOSeconds)
	assert.Equal(t, int64((2 * time.Hour).Seconds()), *perSite["blog"].RPOSeconds)
	require.NotNil(t, perSite["blog"].LastRun)

	// A stale site run degrades shop and therefore the aggregate.
	assert.Equal(t, model.BackupWarn, perSite["shop"].Status)
	assert.Equal(t, model.BackupWarn, aggregate.Status)
	require.NotNil(t, aggregate.LastRun)
	assert.Equal(t, testNow.Add(-2*time.Hour), aggregate.LastRun.UTC())
}

func TestOverlay_Empty(t *testing.T) {
	svc, _ := newTestService(t)

	perSite, aggregate, err := svc.Overlay()
	require.NoError(t, err)
	assert.Empty(t, perSite)
	assert.Empty(t, aggregate.Status)
	assert.Nil(t, aggregate.LastRun)
}
