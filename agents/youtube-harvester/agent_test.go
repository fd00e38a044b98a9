package youtubeharvester

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvest-stack/agents/youtube-harvester/youtube"
	"harvest-stack/internal/models"
	"harvest-stack/shared/batch"
	"harvest-stack/shared/config"
	"harvest-stack/shared/scheduler"
	"harvest-stack/shared/storage"
)

type recordedAlerts struct {
	reports []*models.RunReport
	err     error
}

func (r *recordedAlerts) SendFailureAlert(report *models.RunReport) error {
	r.reports = append(r.reports, report)
	return r.err
}

type recordedEvents struct {
	successes []string
	partial   []error
	critical  []error
}

func (r *recordedEvents) events() *scheduler.AgentEvents {
	return &scheduler.AgentEvents{
		OnSuccess: func(m scheduler.Metrics, _ time.Duration) {
			r.successes = append(r.successes, m.GetSummary())
		},
		OnPartialFailure: func(err error, _ time.Duration) {
			r.partial = append(r.partial, err)
		},
		OnCriticalFailure: func(err error, _ time.Duration) {
			r.critical = append(r.critical, err)
		},
	}
}

func newTestAgent(env *testEnv, alerts alerter) *HarvesterAgent {
	agent := NewHarvesterAgent(&config.Config{})
	agent.ingestor = env.ingestor
	agent.ledger = env.ledger
	agent.alerts = alerts
	agent.now = func() time.Time { return fixedNow }
	return agent
}

func harvestEngine() *fakeEngine {
	engine := newFakeEngine()
	engine.results["video_count"] = "video_count\n3\n"
	engine.results["video_id"] = "video_id\na\nb\nc\n"
	engine.results["channel_count"] = "channel_count\n2\n"
	engine.results["channel_id"] = "channel_id\nUC1\nUC2\n"
	return engine
}

func harvestFetcher() *fakeFetcher {
	return &fakeFetcher{items: map[string][]map[string]any{
		"a":   {videoItem("a", "UC1", "2021-05-01T12:00:00Z")},
		"b":   {videoItem("b", "UC2", "2021-05-01T13:00:00Z")},
		"UC1": {channelItem("UC1", "100")},
		"UC2": {channelItem("UC2", "200")},
	}}
}

func TestHarvesterAgentName(t *testing.T) {
	agent := NewHarvesterAgent(&config.Config{})
	expected := "YouTube Harvester"
	if name := agent.Name(); name != expected {
		t.Errorf("Agent.Name() = %s, want %s", name, expected)
	}
	if len(agent.flows) != 2 {
		t.Errorf("default agent has %d flows, want 2", len(agent.flows))
	}
}

func TestHarvestMetricsGetSummary(t *testing.T) {
	tests := []struct {
		name     string
		metrics  HarvestMetrics
		expected string
	}{
		{
			name:     "Nothing to do",
			metrics:  HarvestMetrics{Flows: 2},
			expected: "2 flows, fetched 0 of 0 identifiers (0 without data), committed 0 records in 0 batches",
		},
		{
			name:     "Both flows committed",
			metrics:  HarvestMetrics{Flows: 2, WorkSet: 5, Fetched: 5, Empty: 1, Records: 4, Batches: 2},
			expected: "2 flows, fetched 5 of 5 identifiers (1 without data), committed 4 records in 2 batches",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.metrics.GetSummary(); got != tt.expected {
				t.Errorf("GetSummary() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestHarvestMetricsAdd(t *testing.T) {
	var m HarvestMetrics
	m.add(&FlowResult{WorkSet: 3, Fetched: 3, Empty: 1, Records: 2, Commit: &batch.Commit{Count: 2}})
	m.add(&FlowResult{WorkSet: 1, Fetched: 0, Records: 0})

	assert.Equal(t, HarvestMetrics{Flows: 2, WorkSet: 4, Fetched: 3, Empty: 1, Records: 2, Batches: 1}, m)
}

func TestRunOnceHarvestsAllFlows(t *testing.T) {
	engine := harvestEngine()
	env := newTestEnv(t, engine, harvestFetcher())
	alerts := &recordedAlerts{}
	events := &recordedEvents{}

	err := newTestAgent(env, alerts).RunOnce(context.Background(), events.events())
	require.NoError(t, err)

	require.Len(t, events.successes, 1)
	assert.Equal(t, "2 flows, fetched 5 of 5 identifiers (1 without data), committed 4 records in 2 batches", events.successes[0])
	assert.Empty(t, events.critical)
	assert.Empty(t, alerts.reports)

	assert.FileExists(t, env.objectDir+"/youtube_video_snippet/2021-05-02-2.json.bz2")
	assert.FileExists(t, env.objectDir+"/youtube_channel_stats/creation_date=2021-05-02/2.json.bz2")

	// both flows share the run id
	videos, err := env.ledger.History(context.Background(), VideoSnippets.Name, 0)
	require.NoError(t, err)
	channels, err := env.ledger.History(context.Background(), ChannelStats.Name, 0)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	require.Len(t, channels, 1)
	assert.NotEmpty(t, videos[0].RunID)
	assert.Equal(t, videos[0].RunID, channels[0].RunID)
}

func TestRunOnceStopsAtFirstFailure(t *testing.T) {
	engine := harvestEngine()
	fetcher := harvestFetcher()
	fetcher.errs = map[string]error{"b": youtube.ErrPoolExhausted}
	env := newTestEnv(t, engine, fetcher)
	alerts := &recordedAlerts{err: errors.New("smtp down")}
	events := &recordedEvents{}

	err := newTestAgent(env, alerts).RunOnce(context.Background(), events.events())
	require.Error(t, err)
	assert.ErrorIs(t, err, youtube.ErrPoolExhausted)

	assert.Equal(t, []string{"a", "b"}, fetcher.calls, "channel flow must not start")
	require.Len(t, events.critical, 1)
	require.Len(t, events.partial, 1, "alert failure is reported as partial")
	assert.Empty(t, events.successes)

	require.Len(t, alerts.reports, 1)
	report := alerts.reports[0]
	assert.True(t, report.Failed())
	require.Len(t, report.Flows, 1)
	assert.Equal(t, string(StateFatal), report.Flows[0].State)
	assert.Contains(t, report.Error, "youtube_video_snippet")
}

func TestRegisterPendingBatches(t *testing.T) {
	engine := harvestEngine()
	engine.execErr = errors.New("catalog unavailable")
	env := newTestEnv(t, engine, harvestFetcher())
	agent := newTestAgent(env, nil)
	ctx := context.Background()

	require.Error(t, agent.RunOnce(ctx, nil))

	pending, err := env.ledger.Unregistered(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	engine.execErr = nil
	require.NoError(t, agent.Register(ctx))

	pending, err = env.ledger.Unregistered(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.True(t, engine.tables[videoSnippetTable])

	// nothing left to do
	require.NoError(t, agent.Register(ctx))
}

func TestNewRegistrar(t *testing.T) {
	engine := newFakeEngine()
	store := storage.NewFSStore(t.TempDir())

	local := newRegistrar("fs", engine, store)
	require.NoError(t, local.Register(context.Background(), VideoSnippets.Schema))
	assert.Empty(t, engine.Execs(), "local batches are never declared in the catalog")

	remote := newRegistrar("s3", engine, storage.NewS3Store(nil, "data-bucket"))
	require.NoError(t, remote.Register(context.Background(), VideoSnippets.Schema))
	execs := engine.Execs()
	require.Len(t, execs, 1)
	assert.Contains(t, execs[0], "LOCATION 's3://data-bucket/youtube_video_snippet/'")
}
