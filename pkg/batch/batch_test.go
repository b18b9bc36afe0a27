package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dydact/omni/pkg/chunk"
	"github.com/dydact/omni/pkg/content"
	"github.com/dydact/omni/pkg/embedding"
	"github.com/dydact/omni/pkg/embedding/mock"
	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/queue"
	"github.com/dydact/omni/pkg/storage"
)

type fixture struct {
	db       *gorm.DB
	queue    *queue.Queue
	contents *content.Store
	objects  *storage.LocalStore
	provider *mock.Provider
	orch     *Orchestrator
	clock    time.Time
}

func setup(t *testing.T, cfg Config) *fixture {
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

	objects := storage.NewMemStore()
	contents, err := content.New(db, models.StorageBackendRelational, nil, nil)
	require.NoError(t, err)
	q := queue.New(db, nil)
	provider := mock.New(objects, 8)
	cache := embedding.NewCache(time.Hour, func() (embedding.Provider, error) {
		return provider, nil
	})

	f := &fixture{
		db:       db,
		queue:    q,
		contents: contents,
		objects:  objects,
		provider: provider,
		clock:    time.Now(),
	}
	f.orch = New(db, q, contents, objects, cache, chunk.Fixed(10), cfg, nil)
	f.orch.now = func() time.Time { return f.clock }
	return f
}

// addDocument saves content, creates a document pointing at it and enqueues
// it for embedding.
func (f *fixture) addDocument(t *testing.T, externalID, text string) *models.Document {
	t.Helper()
	ctx := context.Background()
	contentID := ""
	if text != "" {
		var err error
		contentID, err = f.contents.Save(ctx, []byte(text), "text/plain")
		require.NoError(t, err)
	}
	doc := &models.Document{
		ExternalID:      externalID,
		SourceID:        uuid.New(),
		Title:           externalID,
		ContentID:       contentID,
		EmbeddingStatus: models.EmbeddingStatusPending,
	}
	require.NoError(t, f.db.Create(doc).Error)
	require.NoError(t, f.queue.Enqueue(doc.ID))
	return doc
}

// accumulate ticks the accumulation loop twice with the clock advancing so
// the idle-timeout criterion can fire, then waits for submissions.
func (f *fixture) accumulate(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, f.orch.accumulateOnce(ctx))
	f.clock = f.clock.Add(time.Second)
	require.NoError(t, f.orch.accumulateOnce(ctx))
	f.orch.submits.Wait()
}

func (f *fixture) runBatchToCompletion(t *testing.T, ctx context.Context) *models.BatchJob {
	t.Helper()
	f.accumulate(t, ctx)
	require.NoError(t, f.orch.monitorOnce(ctx))

	var jobs models.BatchJobs
	require.NoError(t, f.db.Order("created_at ASC").Find(&jobs).Error)
	require.NotEmpty(t, jobs)
	return &jobs[len(jobs)-1]
}

func TestAccumulationWaitsForMinimum(t *testing.T) {
	f := setup(t, Config{MinDocuments: 3, MaxDocuments: 5, AccumulationTimeout: 10 * time.Second})
	ctx := context.Background()

	f.addDocument(t, "src:doc:1", "some text")
	f.addDocument(t, "src:doc:2", "more text")

	require.NoError(t, f.orch.accumulateOnce(ctx))
	f.clock = f.clock.Add(time.Hour)
	require.NoError(t, f.orch.accumulateOnce(ctx))

	var n int64
	require.NoError(t, f.db.Model(&models.BatchJob{}).Count(&n).Error)
	assert.Zero(t, n, "no batch below the minimum")
}

func TestAccumulationBoundary(t *testing.T) {
	// Under-full batch submits only after the idle timeout; a full batch
	// submits immediately and leaves the overflow pending.
	f := setup(t, Config{MinDocuments: 3, MaxDocuments: 5, AccumulationTimeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.addDocument(t, "src:a:"+string(rune('0'+i)), strings.Repeat("text ", 5))
	}

	require.NoError(t, f.orch.accumulateOnce(ctx))
	var n int64
	require.NoError(t, f.db.Model(&models.BatchJob{}).Count(&n).Error)
	assert.Zero(t, n, "4 of 5 and not idle yet")

	f.clock = f.clock.Add(10 * time.Second)
	require.NoError(t, f.orch.accumulateOnce(ctx))
	f.orch.submits.Wait()

	var jobs models.BatchJobs
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, 4, jobs[0].DocumentCount)

	// Six more: a full batch of five goes out immediately.
	for i := 0; i < 6; i++ {
		f.addDocument(t, "src:b:"+string(rune('0'+i)), strings.Repeat("text ", 5))
	}
	require.NoError(t, f.orch.accumulateOnce(ctx))
	f.orch.submits.Wait()

	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 2)

	pending, err := f.queue.ClaimPending(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "overflow item stays pending")
}

func TestBatchHappyPath(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	ctx := context.Background()

	text := strings.Repeat("abcdefghij", 3) // 3 chunks of 10
	docs := []*models.Document{
		f.addDocument(t, "hubspot:contact:1", text),
		f.addDocument(t, "hubspot:contact:2", text),
		f.addDocument(t, "hubspot:company:1", text),
	}

	job := f.runBatchToCompletion(t, ctx)
	assert.Equal(t, models.BatchJobStatusCompleted, job.Status)
	require.NotNil(t, job.SubmittedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.SubmittedAt))

	for _, doc := range docs {
		var got models.Document
		require.NoError(t, f.db.First(&got, "id = ?", doc.ID).Error)
		assert.Equal(t, models.EmbeddingStatusCompleted, got.EmbeddingStatus)

		var embeds models.Embeddings
		require.NoError(t, embeds.FindByDocument(f.db, doc.ID))
		require.Len(t, embeds, 3)
		for i, e := range embeds {
			assert.Equal(t, i, e.ChunkIndex)
			assert.Equal(t, i*10, e.ChunkStartOffset)
			assert.Equal(t, (i+1)*10, e.ChunkEndOffset)
			assert.Equal(t, "mock-embed-v1", e.ModelName)
			assert.Len(t, e.Embedding, 8)
		}
	}

	// No queue rows for the batch remain non-terminal.
	var items models.EmbeddingQueueItems
	require.NoError(t, items.FindByBatch(f.db, job.ID))
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, models.QueueItemStatusCompleted, item.Status)
	}
}

func TestQueueCountMatchesBatchUntilTerminal(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	f.provider.StatusSequence = []embedding.JobStatus{
		embedding.JobStatusSubmitted,
		embedding.JobStatusProcessing,
		embedding.JobStatusCompleted,
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.addDocument(t, "n:p:"+string(rune('0'+i)), "Some sentences here.")
	}

	f.accumulate(t, ctx)

	var jobs models.BatchJobs
	require.NoError(t, f.db.Find(&jobs).Error)
	job := &jobs[0]

	countLive := func() int64 {
		var n int64
		require.NoError(t, f.db.Model(&models.EmbeddingQueueItem{}).
			Where("batch_job_id = ? AND status IN ?", job.ID, []models.QueueItemStatus{
				models.QueueItemStatusBatched,
				models.QueueItemStatusProcessing,
			}).Count(&n).Error)
		return n
	}

	// submitted then processing: all rows still live.
	require.NoError(t, f.orch.monitorOnce(ctx))
	assert.EqualValues(t, job.DocumentCount, countLive())
	require.NoError(t, f.orch.monitorOnce(ctx))
	assert.EqualValues(t, job.DocumentCount, countLive())

	// completed: everything terminal.
	require.NoError(t, f.orch.monitorOnce(ctx))
	assert.Zero(t, countLive())
}

func TestProviderFailureMarksEverythingFailed(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	f.provider.FailJobs = "model access revoked"
	ctx := context.Background()

	doc := f.addDocument(t, "src:doc:1", "content body here")
	job := f.runBatchToCompletion(t, ctx)

	assert.Equal(t, models.BatchJobStatusFailed, job.Status)
	assert.Equal(t, "model access revoked", job.ErrorMessage)

	var items models.EmbeddingQueueItems
	require.NoError(t, items.FindByBatch(f.db, job.ID))
	for _, item := range items {
		assert.Equal(t, models.QueueItemStatusFailed, item.Status)
		assert.Equal(t, "model access revoked", item.ErrorMessage)
	}

	var got models.Document
	require.NoError(t, f.db.First(&got, "id = ?", doc.ID).Error)
	assert.Equal(t, models.EmbeddingStatusFailed, got.EmbeddingStatus)
}

func TestSubmitFailureFailsBatch(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	f.provider.FailSubmit = true
	ctx := context.Background()

	f.addDocument(t, "src:doc:1", "content body here")
	f.accumulate(t, ctx)

	var jobs models.BatchJobs
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.BatchJobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "submit")
}

func TestBatchWithOnlyEmptyContentFails(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	ctx := context.Background()

	f.addDocument(t, "src:doc:empty", "")
	f.accumulate(t, ctx)

	var jobs models.BatchJobs
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.BatchJobStatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "no embeddable content")
}

func TestErrorLinesAreSkipped(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	ctx := context.Background()

	text := strings.Repeat("abcdefghij", 2) // chunks (0,10) and (10,20)
	doc := f.addDocument(t, "src:doc:1", text)
	f.provider.ErrorRecords = map[string]string{
		doc.ID.String() + ":1:10:20": "throttled",
	}

	job := f.runBatchToCompletion(t, ctx)
	assert.Equal(t, models.BatchJobStatusCompleted, job.Status)

	var embeds models.Embeddings
	require.NoError(t, embeds.FindByDocument(f.db, doc.ID))
	require.Len(t, embeds, 1)
	assert.Equal(t, 0, embeds[0].ChunkIndex)
}

func TestAtomicReEmbedding(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	ctx := context.Background()

	doc := f.addDocument(t, "src:doc:1", strings.Repeat("abcdefghij", 3))
	f.runBatchToCompletion(t, ctx)

	var embeds models.Embeddings
	require.NoError(t, embeds.FindByDocument(f.db, doc.ID))
	require.Len(t, embeds, 3)

	// New content version: 5 chunks. Re-enqueue and run again.
	newContentID, err := f.contents.Save(ctx, []byte(strings.Repeat("0123456789", 5)), "text/plain")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(doc).Updates(map[string]interface{}{
		"content_id":       newContentID,
		"embedding_status": models.EmbeddingStatusPending,
	}).Error)
	require.NoError(t, f.queue.Enqueue(doc.ID))

	f.runBatchToCompletion(t, ctx)

	require.NoError(t, embeds.FindByDocument(f.db, doc.ID))
	require.Len(t, embeds, 5)
	for i, e := range embeds {
		assert.Equal(t, i, e.ChunkIndex)
	}
}

func TestReingestionIsIdempotent(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	ctx := context.Background()

	doc := f.addDocument(t, "src:doc:1", strings.Repeat("abcdefghij", 3))
	job := f.runBatchToCompletion(t, ctx)
	require.Equal(t, models.BatchJobStatusCompleted, job.Status)

	var before models.Embeddings
	require.NoError(t, before.FindByDocument(f.db, doc.ID))

	// Ingesting the same output again replaces the set with an equal one.
	require.NoError(t, f.orch.ingestResults(ctx, job))

	var after models.Embeddings
	require.NoError(t, after.FindByDocument(f.db, doc.ID))
	require.Len(t, after, len(before))
	for i := range after {
		assert.Equal(t, before[i].ChunkIndex, after[i].ChunkIndex)
		assert.Equal(t, before[i].ChunkStartOffset, after[i].ChunkStartOffset)
		assert.Equal(t, before[i].ChunkEndOffset, after[i].ChunkEndOffset)
		assert.Equal(t, before[i].Embedding, after[i].Embedding)
	}
}

func TestMissingDocumentIsSkipped(t *testing.T) {
	f := setup(t, Config{MinDocuments: 1, MaxDocuments: 10, AccumulationTimeout: time.Nanosecond})
	ctx := context.Background()

	good := f.addDocument(t, "src:doc:good", strings.Repeat("abcdefghij", 2))
	// A queue row whose document vanished.
	require.NoError(t, f.queue.Enqueue(uuid.New()))

	job := f.runBatchToCompletion(t, ctx)
	assert.Equal(t, models.BatchJobStatusCompleted, job.Status)

	var embeds models.Embeddings
	require.NoError(t, embeds.FindByDocument(f.db, good.ID))
	assert.Len(t, embeds, 2)
}
