package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/model"
)

func newTestStore(t testing.TB) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew(t *testing.T) {
	s := newTestStore(t)
	assert.NotNil(t, s)
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestAppendAudit(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AppendAudit(model.AuditEntry{
		ActionType: model.ActionContainerRestart,
		TargetType: model.TargetContainer,
		TargetName: "blog-web-1",
		Status:     model.AuditPending,
		Metadata:   map[string]string{"requested_by": "ws"},
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	page, err := s.QueryAudit(model.AuditFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, model.ActionContainerRestart, page.Logs[0].ActionType)
	assert.Equal(t, model.AuditPending, page.Logs[0].Status)
	assert.Equal(t, "ws", page.Logs[0].Metadata["requested_by"])
	assert.False(t, page.Logs[0].Timestamp.IsZero())
}

func TestFinalizeAudit(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AppendAudit(model.AuditEntry{
		ActionType: model.ActionSiteStop,
		TargetType: model.TargetSite,
		TargetName: "blog",
		Status:     model.AuditPending,
	})
	require.NoError(t, err)

	err = s.FinalizeAudit(id, model.AuditSuccess, "stopped", "", 1234)
	require.NoError(t, err)

	page, err := s.QueryAudit(model.AuditFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, model.AuditSuccess, page.Logs[0].Status)
	assert.Equal(t, "stopped", page.Logs[0].Output)
	require.NotNil(t, page.Logs[0].DurationMS)
	assert.Equal(t, int64(1234), *page.Logs[0].DurationMS)
}

func TestFinalizeAudit_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.FinalizeAudit(9999, model.AuditSuccess, "", "", 0)
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestQueryAudit_Filters(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	entries := []model.AuditEntry{
		{Timestamp: now.Add(-3 * time.Hour), ActionType: model.ActionSiteStart, TargetType: model.TargetSite, TargetName: "blog", Status: model.AuditSuccess},
		{Timestamp: now.Add(-2 * time.Hour), ActionType: model.ActionSiteStop, TargetType: model.TargetSite, TargetName: "shop", Status: model.AuditFailure},
		{Timestamp: now.Add(-1 * time.Hour), ActionType: model.ActionCaddyReload, TargetType: model.TargetCaddy, TargetName: "caddy", Status: model.AuditSuccess},
	}
	for _, e := range entries {
		_, err := s.AppendAudit(e)
		require.NoError(t, err)
	}

	page, err := s.QueryAudit(model.AuditFilter{ActionType: model.ActionSiteStop}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "shop", page.Logs[0].TargetName)

	page, err = s.QueryAudit(model.AuditFilter{Status: model.AuditSuccess}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, page.Logs, 2)

	// Substring match on target name.
	page, err = s.QueryAudit(model.AuditFilter{TargetName: "lo"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "blog", page.Logs[0].TargetName)

	page, err = s.QueryAudit(model.AuditFilter{StartDate: now.Add(-90 * time.Minute)}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, model.ActionCaddyReload, page.Logs[0].ActionType)
}

func TestQueryAudit_OrderAndPagination(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i := range 5 {
		_, err := s.AppendAudit(model.AuditEntry{
			Timestamp:  now.Add(time.Duration(i) * time.Minute),
			ActionType: model.ActionContainerStart,
			TargetType: model.TargetContainer,
			TargetName: "c",
			Status:     model.AuditSuccess,
		})
		require.NoError(t, err)
	}

	page, err := s.QueryAudit(model.AuditFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Logs, 2)
	// Newest first.
	assert.True(t, page.Logs[0].Timestamp.After(page.Logs[1].Timestamp))

	page3, err := s.QueryAudit(model.AuditFilter{}, 3, 2)
	require.NoError(t, err)
	assert.Len(t, page3.Logs, 1)
}

func TestQueryAudit_SameTimestampOrderedByID(t *testing.T) {
	s := newTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)

	var ids []int64
	for range 3 {
		id, err := s.AppendAudit(model.AuditEntry{
			Timestamp:  ts,
			ActionType: model.ActionRouteAdd,
			TargetType: model.TargetRoute,
			TargetName: "example.com",
			Status:     model.AuditSuccess,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	page, err := s.QueryAudit(model.AuditFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 3)
	assert.Equal(t, ids[2], page.Logs[0].ID)
	assert.Equal(t, ids[0], page.Logs[2].ID)
}

func TestCleanupAudit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	_, err := s.AppendAudit(model.AuditEntry{
		Timestamp: now.Add(-100 * 24 * time.Hour), ActionType: model.ActionSiteStart,
		TargetType: model.TargetSite, TargetName: "old", Status: model.AuditSuccess,
	})
	require.NoError(t, err)
	_, err = s.AppendAudit(model.AuditEntry{
		Timestamp: now, ActionType: model.ActionSiteStart,
		TargetType: model.TargetSite, TargetName: "new", Status: model.AuditSuccess,
	})
	require.NoError(t, err)

	deleted, err := s.CleanupAudit(now.Add(-90 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	page, err := s.QueryAudit(model.AuditFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, "new", page.Logs[0].TargetName)
}

func TestInsertBackupRun(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	bytes := int64(123456)

	stored, err := s.InsertBackupRun(model.BackupRun{
		Site:         "blog",
		JobType:      model.JobDB,
		Status:       model.BackupOK,
		StartedAt:    started,
		EndedAt:      started.Add(2 * time.Minute),
		BytesWritten: &bytes,
		BackupID:     "abc123",
		Repo:         "restic:/mnt/nas",
	})
	require.NoError(t, err)
	assert.Greater(t, stored.ID, int64(0))
	assert.Equal(t, "blog", stored.Site)
	require.NotNil(t, stored.BytesWritten)
	assert.Equal(t, bytes, *stored.BytesWritten)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestInsertBackupRun_DuplicateIgnored(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().UTC().Truncate(time.Second)

	run := model.BackupRun{
		Site: "blog", JobType: model.JobDB, Status: model.BackupOK,
		StartedAt: started, EndedAt: started.Add(time.Minute), BackupID: "first",
	}
	first, err := s.InsertBackupRun(run)
	require.NoError(t, err)

	// Same key, different payload: original row wins.
	run.BackupID = "second"
	second, err := s.InsertBackupRun(run)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "first", second.BackupID)

	_, total, err := s.ListBackupRuns("", "", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestListBackupRuns(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for i, jt := range []string{model.JobDB, model.JobUploads, model.JobDB} {
		_, err := s.InsertBackupRun(model.BackupRun{
			Site: "blog", JobType: jt, Status: model.BackupOK,
			StartedAt: now.Add(time.Duration(i) * time.Hour),
			EndedAt:   now.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.InsertBackupRun(model.BackupRun{
		Site: "shop", JobType: model.JobDB, Status: model.BackupFail,
		StartedAt: now, EndedAt: now,
	})
	require.NoError(t, err)

	runs, total, err := s.ListBackupRuns("", "", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, runs, 4)
	// Newest started_at first.
	assert.Equal(t, now.Add(2*time.Hour), runs[0].StartedAt)

	runs, total, err = s.ListBackupRuns("blog", model.JobDB, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 2)

	runs, total, err = s.ListBackupRuns("", "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, runs, 2)
}

func TestLastBackupRun(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.InsertBackupRun(model.BackupRun{
		Site: "blog", JobType: model.JobDB, Status: model.BackupOK,
		StartedAt: now.Add(-2 * time.Hour), EndedAt: now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	_, err = s.InsertBackupRun(model.BackupRun{
		Site: "blog", JobType: model.JobDB, Status: model.BackupFail,
		StartedAt: now.Add(-1 * time.Hour), EndedAt: now.Add(-1 * time.Hour),
	})
	require.NoError(t, err)

	last, err := s.LastBackupRun("blog", model.JobDB, "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, model.BackupFail, last.Status)

	lastOK, err := s.LastBackupRun("blog", model.JobDB, model.BackupOK)
	require.NoError(t, err)
	require.NotNil(t, lastOK)
	assert.Equal(t, now.Add(-2*time.Hour), lastOK.StartedAt)

	none, err := s.LastBackupRun("blog", model.JobVerify, "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBackupSites(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for _, site := range []string{"shop", "blog", "shop"} {
		_, err := s.InsertBackupRun(model.BackupRun{
			Site: site, JobType: model.JobDB, Status: model.BackupOK,
			StartedAt: now.Add(time.Duration(len(site)) * time.Minute), EndedAt: now.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	sites, err := s.BackupSites()
	require.NoError(t, err)
	assert.Equal(t, []string{"blog", "shop"}, sites)
}

func TestRestorePoints(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	insert := func(jobType, status, backupID string, offset time.Duration) {
		t.Helper()
		_, err := s.InsertBackupRun(model.BackupRun{
			Site: "blog", JobType: jobType, Status: status,
			StartedAt: now.Add(offset), EndedAt: now.Add(offset),
			BackupID: backupID, Repo: "restic:/mnt/nas",
		})
		require.NoError(t, err)
	}

	insert(model.JobDB, model.BackupOK, "db1", -4*time.Hour)
	insert(model.JobUploads, model.BackupOK, "up1", -3*time.Hour)
	insert(model.JobSite, model.BackupOK, "site1", -2*time.Hour)
	insert(model.JobDB, model.BackupFail, "bad", -1*time.Hour) // failed: excluded
	insert(model.JobVerify, model.BackupOK, "ver", -30*time.Minute)
	insert(model.JobDB, model.BackupOK, "", -10*time.Minute) // no snapshot id: excluded

	points, err := s.RestorePoints("blog", 20)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, "site1", points[0].BackupID)
	assert.Equal(t, "up1", points[1].BackupID)
	assert.Equal(t, "db1", points[2].BackupID)
}

func TestCleanupBackupRuns(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.InsertBackupRun(model.BackupRun{
		Site: "blog", JobType: model.JobDB, Status: model.BackupOK,
		StartedAt: now, EndedAt: now,
	})
	require.NoError(t, err)

	// Nothing older than the cutoff yet.
	deleted, err := s.CleanupBackupRuns(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	deleted, err = s.CleanupBackupRuns(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestInsertAlert(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertAlert(time.Now().Unix(), "site_down", "blog", "Site down", "blog has been down for 5m", "critical")
	assert.NoError(t, err)
}
