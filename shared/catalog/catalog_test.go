package catalog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadColumn(t *testing.T) {
	tests := []struct {
		name     string
		csv      string
		column   string
		expected []string
		wantErr  bool
	}{
		{"Single column", "\"video_id\"\n\"a\"\n\"b\"\n", "video_id", []string{"a", "b"}, false},
		{"Picks named column", "x,channel_id\n1,UC1\n2,UC2\n", "channel_id", []string{"UC1", "UC2"}, false},
		{"Header only", "video_id\n", "video_id", nil, false},
		{"Case insensitive header", "VIDEO_ID\nq\n", "video_id", []string{"q"}, false},
		{"Missing column", "other\n1\n", "video_id", nil, true},
		{"Empty stream", "", "video_id", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := ReadColumn(strings.NewReader(tt.csv), tt.column)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, values)
		})
	}
}

type fakeAthena struct {
	queries  []string
	states   []types.QueryExecutionState
	polls    int
	reason   string
	startErr error
}

func (f *fakeAthena) StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.queries = append(f.queries, aws.ToString(params.QueryString))
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil
}

func (f *fakeAthena) GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	state := f.states[min(f.polls, len(f.states)-1)]
	f.polls++
	return &athena.GetQueryExecutionOutput{
		QueryExecution: &types.QueryExecution{
			QueryExecutionId: params.QueryExecutionId,
			Status: &types.QueryExecutionStatus{
				State:             state,
				StateChangeReason: aws.String(f.reason),
			},
			ResultConfiguration: &types.ResultConfiguration{
				OutputLocation: aws.String("s3://admin-bucket/athena/q-1.csv"),
			},
		},
	}, nil
}

type fakeResults struct {
	objects map[string]string
}

func (f *fakeResults) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeResults) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func newTestAthena(api *fakeAthena, results *fakeResults) *Athena {
	a := NewAthena(api, results, "harvest", "admin-bucket", "primary")
	a.pollInterval = time.Millisecond
	return a
}

func TestAthenaQueryWaitsForSuccess(t *testing.T) {
	api := &fakeAthena{states: []types.QueryExecutionState{
		types.QueryExecutionStateQueued,
		types.QueryExecutionStateRunning,
		types.QueryExecutionStateSucceeded,
	}}
	results := &fakeResults{objects: map[string]string{"admin-bucket/athena/q-1.csv": "\"video_id\"\n\"a\"\n"}}

	values, err := QueryColumn(context.Background(), newTestAthena(api, results), "SELECT 1", "video_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, values)
	assert.Equal(t, 3, api.polls)
	assert.Equal(t, "s3://admin-bucket/athena/", newTestAthena(api, results).outputPrefix)
}

func TestAthenaQueryFailure(t *testing.T) {
	api := &fakeAthena{
		states: []types.QueryExecutionState{types.QueryExecutionStateFailed},
		reason: "SYNTAX_ERROR: line 1:8",
	}

	err := newTestAthena(api, &fakeResults{}).Exec(context.Background(), "SELEC 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNTAX_ERROR")
}

func TestAthenaStartFailure(t *testing.T) {
	api := &fakeAthena{startErr: errors.New("throttled")}

	err := newTestAthena(api, &fakeResults{}).Exec(context.Background(), "SELECT 1")
	require.Error(t, err)
}

func TestAthenaCancelledWhilePolling(t *testing.T) {
	api := &fakeAthena{states: []types.QueryExecutionState{types.QueryExecutionStateRunning}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestAthena(api, &fakeResults{}).Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAthenaTableExists(t *testing.T) {
	api := &fakeAthena{states: []types.QueryExecutionState{types.QueryExecutionStateSucceeded}}

	t.Run("Present", func(t *testing.T) {
		results := &fakeResults{objects: map[string]string{"admin-bucket/athena/q-1.csv": "\"table_name\"\n\"youtube_video_snippet\"\n"}}
		exists, err := newTestAthena(api, results).TableExists(context.Background(), "youtube_video_snippet")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Contains(t, api.queries[len(api.queries)-1], "table_name = 'youtube_video_snippet'")
		assert.Contains(t, api.queries[len(api.queries)-1], "table_schema = 'harvest'")
	})

	t.Run("Absent", func(t *testing.T) {
		results := &fakeResults{objects: map[string]string{"admin-bucket/athena/q-1.csv": "\"table_name\"\n"}}
		exists, err := newTestAthena(api, results).TableExists(context.Background(), "youtube_video_snippet")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

type recordingEngine struct {
	statements []string
	failOn     string
}

func (r *recordingEngine) Exec(ctx context.Context, query string) error {
	r.statements = append(r.statements, query)
	if r.failOn != "" && strings.HasPrefix(query, r.failOn) {
		return errors.New("catalog unavailable")
	}
	return nil
}

func (r *recordingEngine) Query(ctx context.Context, query string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingEngine) TableExists(ctx context.Context, table string) (bool, error) {
	return false, nil
}

func s3Location(prefix string) string {
	return "s3://data-bucket/" + prefix
}

func TestRegistryUnpartitioned(t *testing.T) {
	engine := &recordingEngine{}
	registry := NewRegistry(engine, s3Location)

	err := registry.Register(context.Background(), Schema{
		Table: "youtube_video_snippet",
		DDL:   "CREATE EXTERNAL TABLE IF NOT EXISTS youtube_video_snippet (id string) LOCATION '{location}'",
	})
	require.NoError(t, err)
	require.Len(t, engine.statements, 1)
	assert.Equal(t, "CREATE EXTERNAL TABLE IF NOT EXISTS youtube_video_snippet (id string) LOCATION 's3://data-bucket/youtube_video_snippet/'", engine.statements[0])
}

func TestRegistryPartitioned(t *testing.T) {
	engine := &recordingEngine{}
	registry := NewRegistry(engine, s3Location)

	err := registry.Register(context.Background(), Schema{
		Table:       "youtube_channel_stats",
		DDL:         "CREATE EXTERNAL TABLE IF NOT EXISTS youtube_channel_stats (id string) LOCATION '{location}'",
		Partitioned: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"DROP TABLE IF EXISTS youtube_channel_stats",
		"CREATE EXTERNAL TABLE IF NOT EXISTS youtube_channel_stats (id string) LOCATION 's3://data-bucket/youtube_channel_stats/'",
		"MSCK REPAIR TABLE youtube_channel_stats",
	}, engine.statements)
}

func TestRegistryFailure(t *testing.T) {
	engine := &recordingEngine{failOn: "CREATE"}
	registry := NewRegistry(engine, s3Location)

	err := registry.Register(context.Background(), Schema{
		Table:       "youtube_channel_stats",
		DDL:         "CREATE EXTERNAL TABLE youtube_channel_stats (id string)",
		Partitioned: true,
	})
	require.ErrorIs(t, err, ErrSchemaRegistration)
	assert.Len(t, engine.statements, 2, "repair must not run after a failed create")
}
