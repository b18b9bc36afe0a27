package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dydact/omni/pkg/embedding"
)

type fakeBatchAPI struct {
	status  types.ModelInvocationJobStatus
	message *string
	created *awsbedrock.CreateModelInvocationJobInput
}

func (f *fakeBatchAPI) CreateModelInvocationJob(ctx context.Context, params *awsbedrock.CreateModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.CreateModelInvocationJobOutput, error) {
	f.created = params
	return &awsbedrock.CreateModelInvocationJobOutput{
		JobArn: aws.String("arn:aws:bedrock:us-east-1:123:model-invocation-job/abc"),
	}, nil
}

func (f *fakeBatchAPI) GetModelInvocationJob(ctx context.Context, params *awsbedrock.GetModelInvocationJobInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.GetModelInvocationJobOutput, error) {
	return &awsbedrock.GetModelInvocationJobOutput{
		Status:  f.status,
		Message: f.message,
	}, nil
}

type fakeRuntimeAPI struct{}

func (fakeRuntimeAPI) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	var req titanRequest
	if err := json.Unmarshal(params.Body, &req); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(titanResponse{Embedding: []float32{float32(len(req.InputText)), 1}})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func newTestProvider(batch batchAPI) *Provider {
	return &Provider{
		batch:   batch,
		runtime: fakeRuntimeAPI{},
		cfg: Config{
			ModelID: "amazon.titan-embed-text-v2:0",
			RoleARN: "arn:aws:iam::123:role/batch",
			Bucket:  "omni-batches",
		},
		logger: hclog.NewNullLogger(),
	}
}

func TestSubmitJobBuildsS3URIs(t *testing.T) {
	fake := &fakeBatchAPI{}
	p := newTestProvider(fake)

	jobID, err := p.SubmitJob(context.Background(), "input/b1.jsonl", "output/b1", "omni-b1")
	require.NoError(t, err)
	assert.Contains(t, jobID, "model-invocation-job")

	in := fake.created.InputDataConfig.(*types.ModelInvocationJobInputDataConfigMemberS3InputDataConfig)
	assert.Equal(t, "s3://omni-batches/input/b1.jsonl", *in.Value.S3Uri)
	out := fake.created.OutputDataConfig.(*types.ModelInvocationJobOutputDataConfigMemberS3OutputDataConfig)
	assert.Equal(t, "s3://omni-batches/output/b1/", *out.Value.S3Uri)
}

func TestGetJobStatusMapping(t *testing.T) {
	cases := []struct {
		provider types.ModelInvocationJobStatus
		want     embedding.JobStatus
	}{
		{types.ModelInvocationJobStatusSubmitted, embedding.JobStatusSubmitted},
		{types.ModelInvocationJobStatusValidating, embedding.JobStatusSubmitted},
		{types.ModelInvocationJobStatusScheduled, embedding.JobStatusSubmitted},
		{types.ModelInvocationJobStatusInProgress, embedding.JobStatusProcessing},
		{types.ModelInvocationJobStatusStopping, embedding.JobStatusProcessing},
		{types.ModelInvocationJobStatusCompleted, embedding.JobStatusCompleted},
		{types.ModelInvocationJobStatusFailed, embedding.JobStatusFailed},
		{types.ModelInvocationJobStatusStopped, embedding.JobStatusFailed},
	}
	for _, c := range cases {
		t.Run(string(c.provider), func(t *testing.T) {
			p := newTestProvider(&fakeBatchAPI{status: c.provider})
			got, _, err := p.GetJobStatus(context.Background(), "arn")
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestGetJobStatusCarriesFailureMessage(t *testing.T) {
	p := newTestProvider(&fakeBatchAPI{
		status:  types.ModelInvocationJobStatusFailed,
		message: aws.String("model access denied"),
	})
	status, msg, err := p.GetJobStatus(context.Background(), "arn")
	require.NoError(t, err)
	assert.Equal(t, embedding.JobStatusFailed, status)
	assert.Equal(t, "model access denied", msg)
}

func TestEmbedDecodesVectors(t *testing.T) {
	p := newTestProvider(&fakeBatchAPI{})
	vecs, err := p.Embed(context.Background(), []string{"abc", "defgh"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{3, 1}, vecs[0])
	assert.Equal(t, []float32{5, 1}, vecs[1])
}
