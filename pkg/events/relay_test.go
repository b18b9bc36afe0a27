package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dydact/omni/pkg/models"
)

type fakePublisher struct {
	published []publishedRecord
	failFor   map[string]error // keyed on idempotent_key header
	closed    bool
}

type publishedRecord struct {
	key     string
	value   []byte
	headers map[string]string
}

func (p *fakePublisher) Publish(_ context.Context, key string, value []byte, headers map[string]string) error {
	if err := p.failFor[headers["idempotent_key"]]; err != nil {
		return err
	}
	p.published = append(p.published, publishedRecord{key: key, value: value, headers: headers})
	return nil
}

func (p *fakePublisher) Close() { p.closed = true }

func setupTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func addOutboxEntry(t *testing.T, db *gorm.DB, externalID, eventType string) *models.DocumentEventOutbox {
	t.Helper()
	doc := &models.Document{
		ID:         uuid.New(),
		SourceID:   uuid.New(),
		ExternalID: externalID,
		Title:      "Doc " + externalID,
		ContentID:  uuid.NewString(),
	}
	entry, err := models.NewDocumentEvent(doc, eventType)
	require.NoError(t, err)
	require.NoError(t, entry.CreateIfAbsent(db))
	return entry
}

func newTestRelay(t *testing.T, db *gorm.DB, pub Publisher) *Relay {
	t.Helper()
	r, err := NewWithPublisher(Config{DB: db, Topic: "document-events"}, pub)
	require.NoError(t, err)
	return r
}

func TestDrainPublishesPendingEntries(t *testing.T) {
	db := setupTestDB(t)
	pub := &fakePublisher{}
	r := newTestRelay(t, db, pub)

	e1 := addOutboxEntry(t, db, "hubspot:contacts:1", models.DocumentEventCreated)
	e2 := addOutboxEntry(t, db, "hubspot:contacts:2", models.DocumentEventUpdated)

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.published, 2)

	rec := pub.published[0]
	assert.Equal(t, e1.DocumentID.String(), rec.key)
	assert.Equal(t, models.DocumentEventCreated, rec.headers["event_type"])
	assert.Equal(t, e1.IdempotentKey, rec.headers["idempotent_key"])
	assert.Contains(t, string(rec.value), "hubspot:contacts:1")

	require.NoError(t, db.First(e1, "id = ?", e1.ID).Error)
	require.NoError(t, db.First(e2, "id = ?", e2.ID).Error)
	assert.Equal(t, models.OutboxStatusPublished, e1.Status)
	assert.Equal(t, models.OutboxStatusPublished, e2.Status)
	assert.NotNil(t, e1.PublishedAt)
}

func TestDrainIsEmptyNoOp(t *testing.T) {
	db := setupTestDB(t)
	pub := &fakePublisher{}
	r := newTestRelay(t, db, pub)

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.published)
}

func TestDrainMarksFailedAndContinues(t *testing.T) {
	db := setupTestDB(t)

	bad := addOutboxEntry(t, db, "hubspot:contacts:bad", models.DocumentEventCreated)
	good := addOutboxEntry(t, db, "hubspot:contacts:good", models.DocumentEventCreated)

	pub := &fakePublisher{failFor: map[string]error{
		bad.IdempotentKey: errors.New("broker unavailable"),
	}}
	r := newTestRelay(t, db, pub)

	n, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.First(bad, "id = ?", bad.ID).Error)
	require.NoError(t, db.First(good, "id = ?", good.ID).Error)
	assert.Equal(t, models.OutboxStatusFailed, bad.Status)
	assert.Contains(t, bad.ErrorMessage, "broker unavailable")
	assert.Equal(t, models.OutboxStatusPublished, good.Status)

	// A second drain finds nothing pending.
	n, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	db := setupTestDB(t)
	pub := &fakePublisher{}
	r, err := NewWithPublisher(Config{DB: db, Topic: "document-events", PollInterval: time.Millisecond}, pub)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	addOutboxEntry(t, db, "hubspot:contacts:1", models.DocumentEventCreated)
	require.Eventually(t, func() bool {
		var e models.DocumentEventOutbox
		if err := db.First(&e).Error; err != nil {
			return false
		}
		return e.Status == models.OutboxStatusPublished
	}, 5*time.Second, time.Millisecond)

	cancel()
	<-done
	assert.True(t, pub.closed)
}
