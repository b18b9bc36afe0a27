package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connmock "github.com/dydact/omni/pkg/connector/mock"
	"github.com/dydact/omni/pkg/models"
)

func TestSchedulerTriggersDueSource(t *testing.T) {
	conn := connmock.New(connmock.Options{Objects: []connmock.Object{
		{ID: "1", Type: "pages", Title: "A", Body: "body", UpdatedAt: "2026-08-20T10:00:00Z"},
	}})
	db, m := setupManager(t, conn)

	lastSynced := time.Now().UTC().Add(-2 * time.Hour)
	source := &models.Source{
		Name:                "scheduled portal",
		SourceType:          "hubspot",
		Enabled:             true,
		SyncIntervalSeconds: 3600,
		LastSyncedAt:        &lastSynced,
	}
	require.NoError(t, source.Create(db))

	s := NewScheduler(db, m, time.Minute, time.Hour, nil)
	require.NoError(t, s.tick(context.Background()))
	m.Wait()

	var runs models.SyncRuns
	require.NoError(t, db.Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SyncTypeIncremental, runs[0].SyncType)
	assert.Equal(t, models.SyncRunStatusCompleted, runs[0].Status)
}

func TestSchedulerSkipsSourceNotYetDue(t *testing.T) {
	conn := connmock.New(connmock.Options{})
	db, m := setupManager(t, conn)

	lastSynced := time.Now().UTC().Add(-time.Minute)
	source := &models.Source{
		Name:                "fresh portal",
		SourceType:          "hubspot",
		Enabled:             true,
		SyncIntervalSeconds: 3600,
		LastSyncedAt:        &lastSynced,
	}
	require.NoError(t, source.Create(db))

	s := NewScheduler(db, m, time.Minute, time.Hour, nil)
	require.NoError(t, s.tick(context.Background()))
	m.Wait()

	var n int64
	require.NoError(t, db.Model(&models.SyncRun{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSchedulerSkipsUnscheduledSource(t *testing.T) {
	conn := connmock.New(connmock.Options{})
	db, m := setupManager(t, conn)

	// Interval zero means manual syncs only.
	source := &models.Source{
		Name:       "manual portal",
		SourceType: "hubspot",
		Enabled:    true,
	}
	require.NoError(t, source.Create(db))

	s := NewScheduler(db, m, time.Minute, time.Hour, nil)
	require.NoError(t, s.tick(context.Background()))
	m.Wait()

	var n int64
	require.NoError(t, db.Model(&models.SyncRun{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestSchedulerFailsStaleRuns(t *testing.T) {
	conn := connmock.New(connmock.Options{})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	stale := &models.SyncRun{
		SourceID:  source.ID,
		SyncType:  models.SyncTypeFull,
		Status:    models.SyncRunStatusRunning,
		StartedAt: time.Now().UTC().Add(-8 * time.Hour),
	}
	require.NoError(t, stale.Create(db))

	s := NewScheduler(db, m, time.Minute, 6*time.Hour, nil)
	require.NoError(t, s.tick(context.Background()))

	require.NoError(t, stale.Get(db))
	assert.Equal(t, models.SyncRunStatusFailed, stale.Status)
	assert.Equal(t, "sync run abandoned", stale.ErrorMessage)
	require.NotNil(t, stale.CompletedAt)
}

func TestSchedulerLeavesLiveRunsAlone(t *testing.T) {
	conn := connmock.New(connmock.Options{
		Objects: []connmock.Object{
			{ID: "1", Type: "pages", Title: "A", Body: "body", UpdatedAt: "2026-08-20T10:00:00Z"},
		},
		EmitDelay: 200 * time.Millisecond,
	})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)

	// With the clock pushed forward every running row looks stale, but this
	// one has a live runtime and must survive.
	s := NewScheduler(db, m, time.Minute, 6*time.Hour, nil)
	s.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	require.NoError(t, s.failStaleRuns(s.now()))

	var current models.SyncRun
	require.NoError(t, db.First(&current, "id = ?", run.ID).Error)
	assert.Equal(t, models.SyncRunStatusRunning, current.Status)

	final := waitForRun(t, db, run.ID)
	assert.Equal(t, models.SyncRunStatusCompleted, final.Status)
}
