// Package openai adapts an OpenAI-compatible embeddings endpoint to the
// provider surface. The endpoint is synchronous, so batch jobs degenerate:
// SubmitJob reads the input manifest, embeds the texts over HTTP and writes
// the output manifest itself, then reports the job completed.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/dydact/omni/pkg/embedding"
	"github.com/dydact/omni/pkg/storage"
)

const (
	// maxBatchSize is the most texts sent in one embeddings call.
	maxBatchSize = 2048
	// maxAttempts bounds retries on HTTP 429.
	maxAttempts = 3
)

// Config holds configuration for the OpenAI-compatible provider.
type Config struct {
	// BaseURL of the API (default: https://api.openai.com/v1). Any
	// OpenAI-compatible server works.
	BaseURL string
	APIKey  string
	Model   string
	// Dimensions, when positive, is passed through to the API.
	Dimensions int
	// Timeout bounds each HTTP call (default 60s).
	Timeout time.Duration
	Logger  hclog.Logger
	// Jobs holds batch-job outcomes. Pass a shared registry when the
	// provider is rebuilt over its lifetime; nil gets a private one.
	Jobs *JobRegistry
}

type jobResult struct {
	status embedding.JobStatus
	errMsg string
}

// JobRegistry records the outcome of degenerate batch jobs. The provider is
// rebuilt when its cached configuration expires, so the registry is shared
// across rebuilds: a job submitted before a config refresh is still
// monitorable after it.
type JobRegistry struct {
	mu   sync.Mutex
	jobs map[string]jobResult
	seq  int
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]jobResult)}
}

func (r *JobRegistry) nextID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("openai-sync-%d", r.seq)
}

func (r *JobRegistry) set(id string, res jobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = res
}

func (r *JobRegistry) get(id string) (jobResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.jobs[id]
	return res, ok
}

// Provider calls an OpenAI-compatible embeddings endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
	store  storage.ObjectStore
	logger hclog.Logger
	jobs   *JobRegistry
}

// New creates the provider. The object store is needed for the degenerate
// batch path; pass nil when only Embed will be used.
func New(cfg Config, store storage.ObjectStore) (*Provider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Jobs == nil {
		cfg.Jobs = NewJobRegistry()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		store:  store,
		logger: cfg.Logger.Named("openai"),
		jobs:   cfg.Jobs,
	}, nil
}

func (p *Provider) Name() string      { return "openai" }
func (p *Provider) ModelName() string { return p.cfg.Model }

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed embeds the texts, splitting into API-sized batches. HTTP 429 is
// retried up to maxAttempts honoring Retry-After, falling back to
// exponential backoff.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, batch...)
	}
	return vecs, nil
}

func (p *Provider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{
		Model:      p.cfg.Model,
		Input:      texts,
		Dimensions: p.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embeddings request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vecs, retryAfter, err := p.doRequest(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if retryAfter < 0 {
			// Not a rate limit; no point retrying here.
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}
		delay := retryAfter
		if delay == 0 {
			delay = bo.NextBackOff()
		}
		p.logger.Warn("rate limited by embeddings API",
			"attempt", attempt,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("embeddings request failed after %d attempts: %w", maxAttempts, lastErr)
}

// doRequest performs one embeddings call. The second return is the retry
// delay for 429 responses (0 when the server gave no Retry-After) and -1 for
// non-retryable failures.
func (p *Provider) doRequest(ctx context.Context, body []byte, n int) ([][]float32, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, -1, fmt.Errorf("failed to build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, -1, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		io.Copy(io.Discard, resp.Body)
		return nil, retryAfter, fmt.Errorf("embeddings API rate limited (429)")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to read embeddings response: %w", err)
	}

	var parsed embeddingsResponse
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, -1, fmt.Errorf("embeddings API error: %s", msg)
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, -1, fmt.Errorf("failed to decode embeddings response: %w", err)
	}
	if len(parsed.Data) != n {
		return nil, -1, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(parsed.Data), n)
	}

	// The API may return data out of order; index is authoritative.
	vecs := make([][]float32, n)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= n {
			return nil, -1, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, 0, nil
}

type inputRecord struct {
	RecordID   string `json:"recordId"`
	ModelInput struct {
		InputText string `json:"inputText"`
	} `json:"modelInput"`
}

type outputRecord struct {
	RecordID    string `json:"recordId"`
	ModelOutput struct {
		Embedding []float32 `json:"embedding"`
	} `json:"modelOutput"`
}

// SubmitJob runs the degenerate batch: read the manifest, embed over HTTP,
// write the output manifest, report the job terminal immediately.
func (p *Provider) SubmitJob(ctx context.Context, inputPath, outputPath, jobName string) (string, error) {
	if p.store == nil {
		return "", embedding.ErrBatchUnsupported
	}

	jobID := p.jobs.nextID()

	lines, err := storage.DownloadJSONL(ctx, p.store, inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to read input manifest: %w", err)
	}

	records := make([]inputRecord, 0, len(lines))
	texts := make([]string, 0, len(lines))
	for _, line := range lines {
		var in inputRecord
		if err := json.Unmarshal(line, &in); err != nil {
			return "", fmt.Errorf("malformed input record: %w", err)
		}
		records = append(records, in)
		texts = append(texts, in.ModelInput.InputText)
	}

	vecs, err := p.Embed(ctx, texts)
	if err != nil {
		p.jobs.set(jobID, jobResult{status: embedding.JobStatusFailed, errMsg: err.Error()})
		return jobID, nil
	}

	outputs := make([]outputRecord, len(records))
	for i, rec := range records {
		outputs[i].RecordID = rec.RecordID
		outputs[i].ModelOutput.Embedding = vecs[i]
	}
	if err := storage.UploadJSONL(ctx, p.store, outputPath+"/result.jsonl", outputs); err != nil {
		p.jobs.set(jobID, jobResult{status: embedding.JobStatusFailed, errMsg: err.Error()})
		return jobID, nil
	}

	p.jobs.set(jobID, jobResult{status: embedding.JobStatusCompleted})
	p.logger.Info("embedded batch synchronously",
		"job_id", jobID,
		"records", len(records),
	)
	return jobID, nil
}

// GetJobStatus reports the outcome recorded by SubmitJob.
func (p *Provider) GetJobStatus(ctx context.Context, externalJobID string) (embedding.JobStatus, string, error) {
	r, ok := p.jobs.get(externalJobID)
	if !ok {
		// The process restarted since submission; the work was either
		// fully ingested or never uploaded. Report failure so the items
		// can be retried.
		return embedding.JobStatusFailed, "job state lost on restart", nil
	}
	return r.status, r.errMsg, nil
}
