// Package embedding defines the narrow provider surface the batch
// orchestrator consumes, plus the process-wide provider cache. Concrete
// adapters live in the bedrock, openai and mock subpackages.
package embedding

import (
	"context"
	"errors"
)

// JobStatus is the internal view of a remote batch job's state. Adapters map
// their provider-specific states onto this enum.
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ErrBatchUnsupported is returned by SubmitJob on providers that only offer
// synchronous embedding.
var ErrBatchUnsupported = errors.New("provider does not support batch jobs")

// ErrSyncUnsupported is returned by Embed on batch-only providers.
var ErrSyncUnsupported = errors.New("provider does not support synchronous embedding")

// Provider is the inference adapter consumed by the orchestrator.
type Provider interface {
	// Name identifies the provider for BatchJob.provider.
	Name() string

	// ModelName is echoed into Embedding.model_name for traceability.
	ModelName() string

	// SubmitJob submits a batch job over an uploaded input manifest and
	// returns the provider-side job ID.
	SubmitJob(ctx context.Context, inputPath, outputPath, jobName string) (string, error)

	// GetJobStatus polls a submitted job. The second return is the
	// provider's error message when the job is failed.
	GetJobStatus(ctx context.Context, externalJobID string) (JobStatus, string, error)

	// Embed synchronously embeds the texts, for small or interactive use.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
