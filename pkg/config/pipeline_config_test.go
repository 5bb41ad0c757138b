package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type targetSet map[string]bool

func (s targetSet) HasWorker(id string) bool {
	return s[id]
}

var builtins = targetSet{"log": true, "http": true, "httppoll": true, "risk": true, "approval": true, "queue": true}

func TestParsePipelineFile_Defaults(t *testing.T) {
	t.Parallel()

	file, err := config.ParsePipelineFile([]byte(`
pipelines:
  - name: review
    execution_timeout: 2h
    stages:
      - id: ingest
        target: http
        retry_budget: 2
        retry_backoff: 500ms
        config:
          url: http://example.test
      - id: approve
        target: approval
        async: true
        timeout: 30s
        callback_ttl: 3h
`))
	require.NoError(t, err)

	require.Len(t, file.Pipelines, 1)
	assert.Equal(t, "review", file.DefaultPipeline)

	pipeline := file.Pipelines[0]
	assert.Equal(t, 2*time.Hour, pipeline.ExecutionTimeout)
	require.Len(t, pipeline.Stages, 2)

	assert.Equal(t, 0, pipeline.Stages[0].Position)
	assert.Equal(t, config.DefaultStageTimeout, pipeline.Stages[0].Timeout)
	assert.Equal(t, 500*time.Millisecond, pipeline.Stages[0].RetryBackoff)
	assert.Equal(t, 2, pipeline.Stages[0].RetryBudget)
	assert.Equal(t, "http://example.test", pipeline.Stages[0].Config["url"])

	assert.Equal(t, 1, pipeline.Stages[1].Position)
	assert.True(t, pipeline.Stages[1].Async)
	assert.Equal(t, 30*time.Second, pipeline.Stages[1].Timeout)
	assert.Equal(t, 3*time.Hour, pipeline.Stages[1].CallbackTTL)

	require.NoError(t, config.ValidatePipelineFile(file, builtins))
	assert.Contains(t, file.Index(), "review")
}

func TestValidatePipelineFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "no pipelines",
			yaml:    `pipelines: []`,
			wantErr: config.ErrNoPipelines,
		},
		{
			name: "duplicate stage id",
			yaml: `
pipelines:
  - name: p
    stages:
      - {id: a, target: log}
      - {id: a, target: log}
`,
			wantErr: config.ErrDuplicateStage,
		},
		{
			name: "duplicate pipeline",
			yaml: `
pipelines:
  - name: p
    stages: [{id: a, target: log}]
  - name: p
    stages: [{id: b, target: log}]
`,
			wantErr: config.ErrDuplicatePipeline,
		},
		{
			name: "unknown target",
			yaml: `
pipelines:
  - name: p
    stages: [{id: a, target: textract}]
`,
			wantErr: config.ErrUnknownTarget,
		},
		{
			name: "async and poll",
			yaml: `
pipelines:
  - name: p
    stages:
      - id: a
        target: httppoll
        async: true
        poll: {interval: 1s, max_attempts: 3}
`,
			wantErr: config.ErrAsyncPollExclusive,
		},
		{
			name: "callback ttl shorter than execution timeout",
			yaml: `
pipelines:
  - name: p
    execution_timeout: 168h
    token_ttl: 168h
    stages:
      - {id: risk, target: risk}
      - {id: approval, target: approval, async: true, timeout: 72h, callback_ttl: 72h}
`,
			wantErr: config.ErrCallbackTTLShort,
		},
		{
			name: "token ttl shorter than remaining stage timeouts",
			yaml: `
pipelines:
  - name: p
    token_ttl: 1h
    stages:
      - {id: approval, target: approval, async: true, timeout: 2h}
      - {id: notify, target: log, timeout: 5s}
`,
			wantErr: config.ErrCallbackTTLShort,
		},
		{
			name: "unknown default",
			yaml: `
default_pipeline: other
pipelines:
  - name: p
    stages: [{id: a, target: log}]
`,
			wantErr: config.ErrUnknownDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			file, err := config.ParsePipelineFile([]byte(tt.yaml))
			require.NoError(t, err)

			err = config.ValidatePipelineFile(file, builtins)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidatePipelineFile_StructTags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing pipeline name",
			yaml: `
pipelines:
  - stages: [{id: a, target: log}]
`,
		},
		{
			name: "missing stage target",
			yaml: `
pipelines:
  - name: p
    stages: [{id: a}]
`,
		},
		{
			name: "no stages",
			yaml: `
pipelines:
  - name: p
`,
		},
		{
			name: "negative retry budget",
			yaml: `
pipelines:
  - name: p
    stages: [{id: a, target: log, retry_budget: -1}]
`,
		},
		{
			name: "zero poll attempts",
			yaml: `
pipelines:
  - name: p
    stages:
      - id: a
        target: httppoll
        poll: {interval: 1s, max_attempts: 0}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			file, err := config.ParsePipelineFile([]byte(tt.yaml))
			require.NoError(t, err)

			require.Error(t, config.ValidatePipelineFile(file, nil))
		})
	}
}

func TestParsePipelineFile_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := config.ParsePipelineFile([]byte("pipelines: [unterminated"))
	require.Error(t, err)
}

func TestLoadPipelines(t *testing.T) {
	t.Parallel()

	file, err := config.LoadPipelines(filepath.Join("..", "..", "config", "pipelines.yaml"), builtins)
	require.NoError(t, err)

	assert.Equal(t, "contract-review", file.DefaultPipeline)

	review := file.Index()["contract-review"]
	require.NotNil(t, review)
	require.Len(t, review.Stages, 4)
	assert.Equal(t, "approval", review.Stages[2].ID)
	assert.True(t, review.Stages[2].Async)
	assert.Equal(t, 30*time.Second, review.Stages[2].CallTimeout())
	assert.GreaterOrEqual(t, review.CallbackTTL(review.Stages[2]), review.WaitHorizon(2))
	require.NotNil(t, review.Stages[0].Poll)
	assert.Equal(t, 60, review.Stages[0].Poll.MaxAttempts)
}

func TestLoadPipelines_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.LoadPipelines(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}
