// Package bedrock adapts AWS Bedrock to the embedding provider surface.
// Batch jobs go through model invocation jobs over S3 manifests; the
// synchronous path invokes the Titan embedding model directly.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/hashicorp/go-hclog"

	"github.com/dydact/omni/pkg/embedding"
)

// batchAPI is the slice of the Bedrock control-plane API we use. Interface
// extraction allows mocking in tests.
type batchAPI interface {
	CreateModelInvocationJob(ctx context.Context, params *awsbedrock.CreateModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.CreateModelInvocationJobOutput, error)
	GetModelInvocationJob(ctx context.Context, params *awsbedrock.GetModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.GetModelInvocationJobOutput, error)
}

type runtimeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds configuration for the Bedrock provider.
type Config struct {
	Region string // AWS region (default: us-east-1)
	// ModelID is the embedding model (default: amazon.titan-embed-text-v2:0).
	ModelID string
	// RoleARN is the IAM role Bedrock assumes to read and write the S3
	// manifests. Required for batch jobs.
	RoleARN string
	// Bucket holds the batch input/output manifests; storage paths are
	// turned into s3:// URIs against it.
	Bucket string
	Logger hclog.Logger
}

// Provider submits Bedrock model invocation jobs and maps their states onto
// the internal status enum.
type Provider struct {
	batch   batchAPI
	runtime runtimeAPI
	cfg     Config
	logger  hclog.Logger
}

// New creates a Bedrock-backed provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "amazon.titan-embed-text-v2:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{
		batch:   awsbedrock.NewFromConfig(awsCfg),
		runtime: bedrockruntime.NewFromConfig(awsCfg),
		cfg:     cfg,
		logger:  cfg.Logger.Named("bedrock"),
	}, nil
}

func (p *Provider) Name() string      { return "bedrock" }
func (p *Provider) ModelName() string { return p.cfg.ModelID }

func (p *Provider) s3URI(storagePath string) string {
	return fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, storagePath)
}

// SubmitJob creates a model invocation job over the uploaded manifest and
// returns the job ARN.
func (p *Provider) SubmitJob(ctx context.Context, inputPath, outputPath, jobName string) (string, error) {
	if p.cfg.RoleARN == "" {
		return "", fmt.Errorf("bedrock batch jobs require a role ARN")
	}

	out, err := p.batch.CreateModelInvocationJob(ctx, &awsbedrock.CreateModelInvocationJobInput{
		JobName: aws.String(jobName),
		ModelId: aws.String(p.cfg.ModelID),
		RoleArn: aws.String(p.cfg.RoleARN),
		InputDataConfig: &types.ModelInvocationJobInputDataConfigMemberS3InputDataConfig{
			Value: types.ModelInvocationJobS3InputDataConfig{
				S3Uri: aws.String(p.s3URI(inputPath)),
			},
		},
		OutputDataConfig: &types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig{
			Value: types.ModelInvocationJobS3OutputDataConfig{
				S3Uri: aws.String(p.s3URI(outputPath) + "/"),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create model invocation job: %w", err)
	}
	if out.JobArn == nil {
		return "", fmt.Errorf("model invocation job created without an ARN")
	}

	p.logger.Info("submitted batch inference job",
		"job_arn", *out.JobArn,
		"model", p.cfg.ModelID,
		"input", inputPath,
	)
	return *out.JobArn, nil
}

// GetJobStatus polls the job and maps Bedrock's states onto the internal
// enum.
func (p *Provider) GetJobStatus(ctx context.Context, externalJobID string) (embedding.JobStatus, string, error) {
	out, err := p.batch.GetModelInvocationJob(ctx, &awsbedrock.GetModelInvocationJobInput{
		JobIdentifier: aws.String(externalJobID),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to get job %s: %w", externalJobID, err)
	}

	var message string
	if out.Message != nil {
		message = *out.Message
	}

	switch out.Status {
	case types.ModelInvocationJobStatusSubmitted,
		types.ModelInvocationJobStatusValidating,
		types.ModelInvocationJobStatusScheduled:
		return embedding.JobStatusSubmitted, "", nil
	case types.ModelInvocationJobStatusInProgress,
		types.ModelInvocationJobStatusStopping:
		return embedding.JobStatusProcessing, "", nil
	case types.ModelInvocationJobStatusCompleted:
		return embedding.JobStatusCompleted, "", nil
	default:
		// Failed, Stopped, PartiallyCompleted, Expired.
		if message == "" {
			message = fmt.Sprintf("job ended in state %s", out.Status)
		}
		return embedding.JobStatusFailed, message, nil
	}
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed invokes the model once per text. The batch path is the cost-efficient
// one; this is for small or interactive use.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(titanRequest{InputText: text})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request for text %d: %w", i, err)
		}
		out, err := p.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(p.cfg.ModelID),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to invoke model for text %d: %w", i, err)
		}
		var resp titanResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode response for text %d: %w", i, err)
		}
		vecs = append(vecs, resp.Embedding)
	}
	return vecs, nil
}
