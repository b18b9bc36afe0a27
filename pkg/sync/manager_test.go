package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dydact/omni/pkg/connector"
	connmock "github.com/dydact/omni/pkg/connector/mock"
	"github.com/dydact/omni/pkg/content"
	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/queue"
)

func setupManager(t *testing.T, conn connector.Connector) (*gorm.DB, *Manager) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// One shared connection keeps the in-memory database visible across the
	// sync goroutines.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	contents, err := content.New(db, models.StorageBackendRelational, nil, nil)
	require.NoError(t, err)
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register("hubspot", conn))

	return db, NewManager(db, contents, queue.New(db, nil), registry, nil)
}

func createSource(t *testing.T, db *gorm.DB) *models.Source {
	t.Helper()
	source := &models.Source{
		Name:       "acme portal",
		SourceType: "hubspot",
		Enabled:    true,
	}
	require.NoError(t, source.Create(db))
	return source
}

// waitForRun polls a fresh copy of the row; the live run struct is owned by
// the sync goroutine until it finishes.
func waitForRun(t *testing.T, db *gorm.DB, runID uuid.UUID) models.SyncRun {
	t.Helper()
	var current models.SyncRun
	require.Eventually(t, func() bool {
		if err := db.First(&current, "id = ?", runID).Error; err != nil {
			return false
		}
		return current.Status != models.SyncRunStatusRunning
	}, 30*time.Second, 5*time.Millisecond)
	return current
}

func TestFullSyncHappyPath(t *testing.T) {
	conn := connmock.New(connmock.Options{Objects: []connmock.Object{
		{ID: "1", Type: "contacts", Title: "A", Body: "alpha body", UpdatedAt: "2026-08-20T10:00:00Z"},
		{ID: "2", Type: "contacts", Title: "B", Body: "beta body", UpdatedAt: "2026-08-20T11:00:00Z"},
		{ID: "3", Type: "companies", Title: "C", Body: "gamma body", UpdatedAt: "2026-08-20T12:00:00Z"},
		{ID: "4", Type: "deals", Title: "D", Body: "delta body", UpdatedAt: "2026-08-20T13:00:00Z"},
	}})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)
	final := waitForRun(t, db, run.ID)

	assert.Equal(t, models.SyncRunStatusCompleted, final.Status)
	assert.GreaterOrEqual(t, final.DocumentsScanned, int64(4))
	assert.EqualValues(t, 4, final.DocumentsEmitted)

	n, err := models.CountDocumentsBySource(db, source.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	// Every emitted document has a pending work ticket.
	var items int64
	require.NoError(t, db.Model(&models.EmbeddingQueueItem{}).
		Where("status = ?", models.QueueItemStatusPending).Count(&items).Error)
	assert.EqualValues(t, 4, items)
}

func TestSecondSyncRejectedWhileRunning(t *testing.T) {
	conn := connmock.New(connmock.Options{
		Objects: []connmock.Object{
			{ID: "1", Type: "contacts", Title: "A", Body: "a", UpdatedAt: "2026-08-20T10:00:00Z"},
		},
		EmitDelay: 100 * time.Millisecond,
	})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)

	_, err = m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)

	waitForRun(t, db, run.ID)
	// After completion a new sync is allowed again.
	run2, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeIncremental)
	require.NoError(t, err)
	waitForRun(t, db, run2.ID)
}

func TestAuthFailureFailsRun(t *testing.T) {
	conn := connmock.New(connmock.Options{AuthFailed: true})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)
	final := waitForRun(t, db, run.ID)

	assert.Equal(t, models.SyncRunStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "Authentication")
}

func TestIncrementalSecondSyncEmitsNothing(t *testing.T) {
	conn := connmock.New(connmock.Options{Objects: []connmock.Object{
		{ID: "1", Type: "pages", Title: "A", Body: "a", UpdatedAt: "2026-08-20T10:00:00Z"},
		{ID: "2", Type: "pages", Title: "B", Body: "b", UpdatedAt: "2026-08-21T10:00:00Z"},
		{ID: "3", Type: "pages", Title: "C", Body: "c", UpdatedAt: "2026-08-22T10:00:00Z"},
	}})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)
	first := waitForRun(t, db, run.ID)
	require.Equal(t, models.SyncRunStatusCompleted, first.Status)
	require.EqualValues(t, 3, first.DocumentsEmitted)

	run2, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeIncremental)
	require.NoError(t, err)
	second := waitForRun(t, db, run2.ID)

	assert.Equal(t, models.SyncRunStatusCompleted, second.Status)
	assert.EqualValues(t, 0, second.DocumentsEmitted)
}

func TestCancellationStopsEmission(t *testing.T) {
	objects := make([]connmock.Object, 100)
	for i := range objects {
		objects[i] = connmock.Object{
			ID:        time.Date(2026, 8, 1, 0, i, 0, 0, time.UTC).Format("150405") + "-" + string(rune('a'+i%26)),
			Type:      "pages",
			Title:     "P",
			Body:      "body",
			UpdatedAt: time.Date(2026, 8, 1, 0, i, 0, 0, time.UTC).Format(time.RFC3339),
		}
	}
	conn := connmock.New(connmock.Options{Objects: objects, EmitDelay: 2 * time.Millisecond})
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var current models.SyncRun
		if err := db.First(&current, "id = ?", run.ID).Error; err != nil {
			return false
		}
		return current.DocumentsEmitted >= 10
	}, 10*time.Second, time.Millisecond)
	require.NoError(t, m.Cancel(run.ID))

	final := waitForRun(t, db, run.ID)
	assert.Equal(t, models.SyncRunStatusFailed, final.Status)
	assert.Equal(t, "Cancelled", final.ErrorMessage)
	assert.Less(t, final.DocumentsEmitted, int64(100))
}

// contextAwareConnector aborts between emissions once its context dies, the
// way a remote connector's HTTP calls do. The in-process mock never looks at
// the context, so it cannot catch a sync run on the wrong one.
type contextAwareConnector struct {
	objects int
	delay   time.Duration
}

func (c *contextAwareConnector) Name() string    { return "ctx-aware" }
func (c *contextAwareConnector) Version() string { return "1.0.0" }
func (c *contextAwareConnector) SyncModes() []models.SyncType {
	return []models.SyncType{models.SyncTypeFull, models.SyncTypeIncremental}
}

func (c *contextAwareConnector) Sync(ctx context.Context, config, credentials, state map[string]interface{}, sc connector.SyncContext) error {
	for i := 0; i < c.objects; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
		if err := sc.IncrementScanned(); err != nil {
			return err
		}
		err := sc.Emit(ctx, connector.Document{
			ExternalID: fmt.Sprintf("ctx:pages:%d", i),
			Title:      "P",
			MimeType:   "text/plain",
		})
		if err != nil {
			return err
		}
	}
	return sc.Complete(nil)
}

func TestSyncOutlivesTriggerContext(t *testing.T) {
	conn := &contextAwareConnector{objects: 5, delay: 5 * time.Millisecond}
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := m.TriggerSync(ctx, source.ID, models.SyncTypeFull)
	require.NoError(t, err)
	// An HTTP trigger context dies the moment the response is written; the
	// sync must keep going regardless.
	cancel()

	final := waitForRun(t, db, run.ID)
	assert.Equal(t, models.SyncRunStatusCompleted, final.Status)
	assert.EqualValues(t, 5, final.DocumentsEmitted)
}

func TestStopCancelsRunningSyncs(t *testing.T) {
	conn := &contextAwareConnector{objects: 1000, delay: 5 * time.Millisecond}
	db, m := setupManager(t, conn)
	source := createSource(t, db)

	run, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var current models.SyncRun
		if err := db.First(&current, "id = ?", run.ID).Error; err != nil {
			return false
		}
		return current.DocumentsEmitted >= 2
	}, 10*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	final := waitForRun(t, db, run.ID)
	assert.Equal(t, models.SyncRunStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "context canceled")
	assert.Less(t, final.DocumentsEmitted, int64(1000))
}

func TestDisabledSourceRejected(t *testing.T) {
	conn := connmock.New(connmock.Options{})
	db, m := setupManager(t, conn)
	source := createSource(t, db)
	require.NoError(t, db.Model(source).Update("enabled", false).Error)

	_, err := m.TriggerSync(context.Background(), source.ID, models.SyncTypeFull)
	assert.ErrorIs(t, err, ErrSourceDisabled)
}
