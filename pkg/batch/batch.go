// Package batch runs the embedding batch state machine: accumulate pending
// queue items into cost-efficient batches, prepare and submit JSONL
// manifests to the provider, monitor running jobs, and ingest the resulting
// vectors. Two cooperative loops run for the process lifetime; neither ever
// crashes on an error, it logs and retries next tick.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/chunk"
	"github.com/dydact/omni/pkg/content"
	"github.com/dydact/omni/pkg/embedding"
	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/queue"
	"github.com/dydact/omni/pkg/recordid"
	"github.com/dydact/omni/pkg/storage"
)

// Config tunes the orchestrator.
type Config struct {
	// MinDocuments is the smallest batch worth submitting.
	MinDocuments int
	// MaxDocuments caps a batch; reaching it submits immediately.
	MaxDocuments int
	// AccumulationTimeout submits an under-filled batch once the pending
	// set has been stable this long.
	AccumulationTimeout time.Duration
	// AccumulationPoll is the accumulation loop tick.
	AccumulationPoll time.Duration
	// MonitorPoll is the monitoring loop tick.
	MonitorPoll time.Duration
}

func (c *Config) setDefaults() {
	if c.MinDocuments <= 0 {
		c.MinDocuments = 10
	}
	if c.MaxDocuments < c.MinDocuments {
		c.MaxDocuments = 100
	}
	if c.AccumulationTimeout == 0 {
		c.AccumulationTimeout = 5 * time.Minute
	}
	if c.AccumulationPoll == 0 {
		c.AccumulationPoll = 30 * time.Second
	}
	if c.MonitorPoll == 0 {
		c.MonitorPoll = time.Minute
	}
}

// Orchestrator drives batches from accumulation through ingestion.
type Orchestrator struct {
	db       *gorm.DB
	queue    *queue.Queue
	contents *content.Store
	objects  storage.ObjectStore
	provider *embedding.Cache
	chunker  chunk.Chunker
	cfg      Config
	logger   hclog.Logger

	// Accumulation tracker: when the pending count last changed.
	lastSeenCount  int
	lastChangeTime time.Time
	now            func() time.Time

	submits sync.WaitGroup
}

// New creates an orchestrator.
func New(db *gorm.DB, q *queue.Queue, contents *content.Store, objects storage.ObjectStore,
	provider *embedding.Cache, chunker chunk.Chunker, cfg Config, logger hclog.Logger) *Orchestrator {
	cfg.setDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Orchestrator{
		db:       db,
		queue:    q,
		contents: contents,
		objects:  objects,
		provider: provider,
		chunker:  chunker,
		cfg:      cfg,
		logger:   logger.Named("batch"),
		now:      time.Now,
	}
}

// Run executes both loops until the context is cancelled, then waits for
// in-flight submissions to finish.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.loop(ctx, o.cfg.AccumulationPoll, "accumulation", o.accumulateOnce)
	}()
	go func() {
		defer wg.Done()
		o.loop(ctx, o.cfg.MonitorPoll, "monitoring", o.monitorOnce)
	}()
	wg.Wait()
	o.submits.Wait()
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("loop stopped", "loop", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("loop tick failed", "loop", name, "error", err)
			}
		}
	}
}

// accumulateOnce is one tick of the accumulation loop.
func (o *Orchestrator) accumulateOnce(ctx context.Context) error {
	items, err := o.queue.ClaimPending(o.cfg.MaxDocuments)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		o.lastSeenCount = 0
		return nil
	}

	now := o.now()
	if len(items) != o.lastSeenCount {
		o.lastSeenCount = len(items)
		o.lastChangeTime = now
	}

	if len(items) < o.cfg.MinDocuments {
		return nil
	}
	full := len(items) >= o.cfg.MaxDocuments
	idle := now.Sub(o.lastChangeTime) >= o.cfg.AccumulationTimeout
	if !full && !idle {
		return nil
	}

	return o.createBatch(ctx, items)
}

// createBatch inserts the job, binds the items and hands off to
// prepare-and-submit so the accumulation loop is never blocked by a slow
// upload.
func (o *Orchestrator) createBatch(ctx context.Context, items models.EmbeddingQueueItems) error {
	provider, err := o.provider.Get()
	if err != nil {
		return fmt.Errorf("no embedding provider available: %w", err)
	}

	job := &models.BatchJob{
		Status:        models.BatchJobStatusPending,
		Provider:      provider.Name(),
		DocumentCount: len(items),
	}
	if err := job.Create(o.db); err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	if err := o.queue.AssignToBatch(job.ID, items.IDs()); err != nil {
		return err
	}

	// Reset the tracker; the claimed items are no longer pending.
	o.lastSeenCount = 0
	o.logger.Info("created batch", "batch_id", job.ID, "documents", len(items))

	o.submits.Add(1)
	go func() {
		defer o.submits.Done()
		o.prepareAndSubmit(ctx, job, items)
	}()
	return nil
}

type modelInput struct {
	InputText string `json:"inputText"`
}

type inputRecord struct {
	RecordID   string     `json:"recordId"`
	ModelInput modelInput `json:"modelInput"`
}

type outputRecord struct {
	RecordID    string `json:"recordId"`
	ModelOutput *struct {
		Embedding []float32 `json:"embedding"`
	} `json:"modelOutput"`
	Error json.RawMessage `json:"error"`
}

// prepareAndSubmit builds the manifest and submits the job. Any failure
// marks the batch and all its items failed.
func (o *Orchestrator) prepareAndSubmit(ctx context.Context, job *models.BatchJob, items models.EmbeddingQueueItems) {
	if err := o.doPrepareAndSubmit(ctx, job, items); err != nil {
		o.logger.Error("batch preparation failed", "batch_id", job.ID, "error", err)
		o.failBatch(job, items, err.Error())
	}
}

func (o *Orchestrator) doPrepareAndSubmit(ctx context.Context, job *models.BatchJob, items models.EmbeddingQueueItems) error {
	if err := job.SetStatus(o.db, models.BatchJobStatusPreparing); err != nil {
		return err
	}

	records := make([]inputRecord, 0, len(items))
	embeddable := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		doc := &models.Document{ID: item.DocumentID}
		if err := doc.Get(o.db); err != nil {
			o.logger.Warn("skipping queue item: document not found",
				"batch_id", job.ID, "document_id", item.DocumentID, "error", err)
			continue
		}
		if doc.ContentID == "" {
			o.logger.Warn("skipping queue item: document has no content",
				"batch_id", job.ID, "document_id", doc.ID)
			continue
		}
		data, err := o.contents.Load(ctx, doc.ContentID)
		if err != nil {
			o.logger.Warn("skipping queue item: content load failed",
				"batch_id", job.ID, "document_id", doc.ID, "error", err)
			continue
		}
		text := string(data)
		spans := o.chunker.Chunk(text)
		if len(spans) == 0 {
			o.logger.Warn("skipping queue item: empty content",
				"batch_id", job.ID, "document_id", doc.ID)
			continue
		}
		for i, span := range spans {
			records = append(records, inputRecord{
				RecordID:   recordid.Format(doc.ID.String(), i, span.Start, span.End),
				ModelInput: modelInput{InputText: text[span.Start:span.End]},
			})
		}
		embeddable = append(embeddable, doc.ID)
	}

	if len(records) == 0 {
		return fmt.Errorf("batch has no embeddable content")
	}

	inputPath := fmt.Sprintf("input/%s.jsonl", job.ID)
	outputPath := fmt.Sprintf("output/%s", job.ID)
	if err := storage.UploadJSONL(ctx, o.objects, inputPath, records); err != nil {
		return fmt.Errorf("failed to upload input manifest: %w", err)
	}

	provider, err := o.provider.Get()
	if err != nil {
		return fmt.Errorf("no embedding provider available: %w", err)
	}
	externalJobID, err := provider.SubmitJob(ctx, inputPath, outputPath, "embed-"+job.ID.String())
	if err != nil {
		return fmt.Errorf("failed to submit batch job: %w", err)
	}

	if err := job.MarkSubmitted(o.db, externalJobID, inputPath, outputPath); err != nil {
		return err
	}
	if err := o.queue.MarkProcessing(job.ID); err != nil {
		return err
	}
	if err := models.UpdateDocumentsEmbeddingStatus(o.db, embeddable, models.EmbeddingStatusProcessing); err != nil {
		return err
	}

	o.logger.Info("submitted batch",
		"batch_id", job.ID,
		"external_job_id", externalJobID,
		"records", len(records),
	)
	return nil
}

func (o *Orchestrator) failBatch(job *models.BatchJob, items models.EmbeddingQueueItems, msg string) {
	if err := job.MarkFailed(o.db, msg); err != nil {
		o.logger.Error("failed to mark batch failed", "batch_id", job.ID, "error", err)
	}
	if err := o.queue.MarkFailed(items.IDs(), msg); err != nil {
		o.logger.Error("failed to mark items failed", "batch_id", job.ID, "error", err)
	}
	if err := models.UpdateDocumentsEmbeddingStatus(o.db, items.DocumentIDs(), models.EmbeddingStatusFailed); err != nil {
		o.logger.Error("failed to mark documents failed", "batch_id", job.ID, "error", err)
	}
}

// monitorOnce is one tick of the monitoring loop: poll every active job and
// handle terminal transitions.
func (o *Orchestrator) monitorOnce(ctx context.Context) error {
	var jobs models.BatchJobs
	if err := jobs.FindActive(o.db); err != nil {
		return fmt.Errorf("failed to find active batches: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	provider, err := o.provider.Get()
	if err != nil {
		return fmt.Errorf("no embedding provider available: %w", err)
	}

	var result *multierror.Error
	for i := range jobs {
		job := &jobs[i]
		if err := o.monitorJob(ctx, provider, job); err != nil {
			result = multierror.Append(result, fmt.Errorf("batch %s: %w", job.ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) monitorJob(ctx context.Context, provider embedding.Provider, job *models.BatchJob) error {
	status, errMsg, err := provider.GetJobStatus(ctx, job.ExternalJobID)
	if err != nil {
		return err
	}

	switch status {
	case embedding.JobStatusSubmitted:
		return nil
	case embedding.JobStatusProcessing:
		if job.Status != models.BatchJobStatusProcessing {
			return job.SetStatus(o.db, models.BatchJobStatusProcessing)
		}
		return nil
	case embedding.JobStatusCompleted:
		return o.ingestResults(ctx, job)
	case embedding.JobStatusFailed:
		if errMsg == "" {
			errMsg = "batch job failed"
		}
		o.logger.Warn("batch failed at provider", "batch_id", job.ID, "error", errMsg)
		var items models.EmbeddingQueueItems
		if err := items.FindByBatch(o.db, job.ID); err != nil {
			return err
		}
		o.failBatch(job, items, errMsg)
		return nil
	default:
		return fmt.Errorf("provider returned unknown status %q", status)
	}
}

// ingestResults downloads the output manifests, reconstructs chunk
// identities and atomically replaces each document's embedding set.
func (o *Orchestrator) ingestResults(ctx context.Context, job *models.BatchJob) error {
	keys, err := o.objects.List(ctx, job.OutputStoragePath)
	if err != nil {
		return fmt.Errorf("failed to list batch output: %w", err)
	}

	byDocument := make(map[uuid.UUID][]models.Embedding)
	var files int
	var fileErrs *multierror.Error
	for _, key := range keys {
		if !strings.HasSuffix(key, ".jsonl") && !strings.HasSuffix(key, ".out") {
			continue
		}
		files++
		lines, err := storage.DownloadJSONL(ctx, o.objects, key)
		if err != nil {
			fileErrs = multierror.Append(fileErrs, err)
			continue
		}
		o.collectRecords(job, key, lines, byDocument)
	}
	if files == 0 {
		return fmt.Errorf("no output files under %s", job.OutputStoragePath)
	}
	if err := fileErrs.ErrorOrNil(); err != nil {
		// Partial output would break the atomic-replace guarantee; retry
		// the whole ingestion next tick.
		return fmt.Errorf("failed to download batch output: %w", err)
	}

	docIDs := make([]uuid.UUID, 0, len(byDocument))
	rows := make(models.Embeddings, 0)
	for docID, embeds := range byDocument {
		sort.Slice(embeds, func(i, j int) bool {
			return embeds[i].ChunkIndex < embeds[j].ChunkIndex
		})
		docIDs = append(docIDs, docID)
		rows = append(rows, embeds...)
	}

	if err := models.ReplaceForDocuments(o.db, docIDs, rows); err != nil {
		return err
	}
	if err := models.UpdateDocumentsEmbeddingStatus(o.db, docIDs, models.EmbeddingStatusCompleted); err != nil {
		return err
	}

	var items models.EmbeddingQueueItems
	if err := items.FindByBatch(o.db, job.ID); err != nil {
		return err
	}
	if err := o.queue.MarkCompleted(items.IDs()); err != nil {
		return err
	}
	if err := job.SetStatus(o.db, models.BatchJobStatusCompleted); err != nil {
		return err
	}

	o.logger.Info("ingested batch results",
		"batch_id", job.ID,
		"documents", len(docIDs),
		"embeddings", len(rows),
	)
	return nil
}

// collectRecords parses one output file's lines into embedding rows. Poison
// lines are logged and skipped; they never fail the ingestion.
func (o *Orchestrator) collectRecords(job *models.BatchJob, key string, lines [][]byte, byDocument map[uuid.UUID][]models.Embedding) {
	provider, err := o.provider.Get()
	modelName := ""
	if err == nil {
		modelName = provider.ModelName()
	}

	for _, line := range lines {
		var rec outputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			o.logger.Warn("skipping malformed output line",
				"batch_id", job.ID, "file", key, "error", err)
			continue
		}
		if len(rec.Error) > 0 && string(rec.Error) != "null" {
			o.logger.Warn("provider reported record error",
				"batch_id", job.ID, "record_id", rec.RecordID, "error", string(rec.Error))
			continue
		}
		if rec.ModelOutput == nil || len(rec.ModelOutput.Embedding) == 0 {
			o.logger.Warn("skipping output line without embedding",
				"batch_id", job.ID, "record_id", rec.RecordID)
			continue
		}
		rid, err := recordid.Parse(rec.RecordID)
		if err != nil {
			o.logger.Warn("skipping unparseable record ID",
				"batch_id", job.ID, "record_id", rec.RecordID, "error", err)
			continue
		}
		docID, err := uuid.Parse(rid.DocumentID)
		if err != nil {
			o.logger.Warn("skipping record with non-UUID document ID",
				"batch_id", job.ID, "record_id", rec.RecordID)
			continue
		}
		byDocument[docID] = append(byDocument[docID], models.Embedding{
			DocumentID:       docID,
			ChunkIndex:       rid.ChunkIndex,
			ChunkStartOffset: rid.Start,
			ChunkEndOffset:   rid.End,
			Embedding:        rec.ModelOutput.Embedding,
			ModelName:        modelName,
		})
	}
}
