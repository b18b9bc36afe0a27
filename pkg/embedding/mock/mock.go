// Package mock provides an in-memory embedding provider for tests. Batch
// jobs are served from the object store: SubmitJob reads the input manifest,
// computes deterministic vectors, and writes the output manifest where the
// orchestrator will look for it.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dydact/omni/pkg/embedding"
	"github.com/dydact/omni/pkg/storage"
)

type inputRecord struct {
	RecordID   string `json:"recordId"`
	ModelInput struct {
		InputText string `json:"inputText"`
	} `json:"modelInput"`
}

type outputRecord struct {
	RecordID    string `json:"recordId"`
	ModelOutput *struct {
		Embedding []float32 `json:"embedding"`
	} `json:"modelOutput,omitempty"`
	Error string `json:"error,omitempty"`
}

type job struct {
	statuses []embedding.JobStatus
	polls    int
	errMsg   string
}

// Provider is a scriptable in-memory provider.
type Provider struct {
	mu      sync.Mutex
	store   storage.ObjectStore
	dims    int
	jobs    map[string]*job
	jobSeq  int
	model   string

	// StatusSequence scripts the statuses returned by successive
	// GetJobStatus polls; the last entry repeats. Default is a single
	// "completed".
	StatusSequence []embedding.JobStatus

	// FailSubmit makes SubmitJob return an error.
	FailSubmit bool

	// FailJobs makes submitted jobs terminate failed with this message.
	FailJobs string

	// ErrorRecords injects error lines into the output for these record
	// IDs instead of vectors.
	ErrorRecords map[string]string
}

// New creates a mock provider writing batch output through the given store.
func New(store storage.ObjectStore, dims int) *Provider {
	if dims <= 0 {
		dims = 8
	}
	return &Provider{
		store: store,
		dims:  dims,
		jobs:  make(map[string]*job),
		model: "mock-embed-v1",
	}
}

func (p *Provider) Name() string      { return "mock" }
func (p *Provider) ModelName() string { return p.model }

// Vector returns the deterministic embedding for a text, so tests can
// assert on exact values.
func (p *Provider) Vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, p.dims)
	for i := range vec {
		bits := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		vec[i] = float32(bits%1000) / 1000.0
	}
	return vec
}

// SubmitJob reads the input manifest, writes the output manifest and
// registers a job whose status follows StatusSequence.
func (p *Provider) SubmitJob(ctx context.Context, inputPath, outputPath, jobName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailSubmit {
		return "", fmt.Errorf("mock submit failure")
	}

	lines, err := storage.DownloadJSONL(ctx, p.store, inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to read input manifest: %w", err)
	}

	outputs := make([]outputRecord, 0, len(lines))
	for _, line := range lines {
		var in inputRecord
		if err := json.Unmarshal(line, &in); err != nil {
			return "", fmt.Errorf("malformed input record: %w", err)
		}
		if msg, ok := p.ErrorRecords[in.RecordID]; ok {
			outputs = append(outputs, outputRecord{RecordID: in.RecordID, Error: msg})
			continue
		}
		out := outputRecord{RecordID: in.RecordID}
		out.ModelOutput = &struct {
			Embedding []float32 `json:"embedding"`
		}{Embedding: p.Vector(in.ModelInput.InputText)}
		outputs = append(outputs, out)
	}

	if p.FailJobs == "" {
		key := outputPath + "/part-0.jsonl.out"
		if err := storage.UploadJSONL(ctx, p.store, key, outputs); err != nil {
			return "", fmt.Errorf("failed to write output manifest: %w", err)
		}
	}

	p.jobSeq++
	jobID := fmt.Sprintf("mock-job-%d", p.jobSeq)
	statuses := p.StatusSequence
	if len(statuses) == 0 {
		statuses = []embedding.JobStatus{embedding.JobStatusCompleted}
	}
	j := &job{statuses: statuses}
	if p.FailJobs != "" {
		j.statuses = []embedding.JobStatus{embedding.JobStatusFailed}
		j.errMsg = p.FailJobs
	}
	p.jobs[jobID] = j
	return jobID, nil
}

// GetJobStatus steps through the scripted status sequence.
func (p *Provider) GetJobStatus(ctx context.Context, externalJobID string) (embedding.JobStatus, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[externalJobID]
	if !ok {
		return "", "", fmt.Errorf("unknown job %s", externalJobID)
	}
	idx := j.polls
	if idx >= len(j.statuses) {
		idx = len(j.statuses) - 1
	}
	j.polls++
	status := j.statuses[idx]
	if status == embedding.JobStatusFailed {
		return status, j.errMsg, nil
	}
	return status, "", nil
}

// Embed computes deterministic vectors synchronously.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = p.Vector(t)
	}
	return vecs, nil
}
