package youtubeharvester

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvest-stack/internal/models"
	"harvest-stack/shared/batch"
	"harvest-stack/shared/catalog"
	"harvest-stack/shared/ledger"
	"harvest-stack/shared/storage"
)

var fixedNow = time.Date(2021, 5, 2, 3, 4, 5, 0, time.UTC)

// fakeEngine answers queries from canned CSV keyed by the result column and
// treats "create ... if not exists" statements as creating the table.
type fakeEngine struct {
	mu        sync.Mutex
	tables    map[string]bool
	results   map[string]string
	queries   []string
	execs     []string
	execErr   error
	existsErr error
	checks    int
}

func newFakeEngine(tables ...string) *fakeEngine {
	e := &fakeEngine{tables: map[string]bool{}, results: map[string]string{}}
	for _, t := range tables {
		e.tables[t] = true
	}
	return e
}

func (e *fakeEngine) Exec(ctx context.Context, query string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.execs = append(e.execs, query)
	if e.execErr != nil {
		return e.execErr
	}
	for _, f := range Flows() {
		if strings.Contains(query, "create external table if not exists "+f.Name) {
			e.tables[f.Name] = true
		}
	}
	return nil
}

func (e *fakeEngine) Query(ctx context.Context, query string) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queries = append(e.queries, query)
	for column, csv := range e.results {
		if strings.Contains(query, " as "+column) {
			return io.NopCloser(strings.NewReader(csv)), nil
		}
	}
	return nil, fmt.Errorf("unexpected query: %s", query)
}

func (e *fakeEngine) TableExists(ctx context.Context, table string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checks++
	if e.existsErr != nil {
		return false, e.existsErr
	}
	return e.tables[table], nil
}

func (e *fakeEngine) Execs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.execs...)
}

// fakeFetcher serves items by identifier, whatever the kind
type fakeFetcher struct {
	items map[string][]map[string]any
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, kind models.Kind, id string, parts []string) (*models.RawResult, error) {
	f.calls = append(f.calls, id)
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &models.RawResult{Kind: kind, ID: id, Items: f.items[id]}, nil
}

type resetCounter struct{ resets int }

func (r *resetCounter) Reset() { r.resets++ }

type testEnv struct {
	engine    *fakeEngine
	fetcher   *fakeFetcher
	pool      *resetCounter
	store     *storage.FSStore
	ledger    *ledger.Ledger
	objectDir string
	workDir   string
	ingestor  *Ingestor
}

func newTestEnv(t *testing.T, engine *fakeEngine, fetcher *fakeFetcher) *testEnv {
	t.Helper()
	dir := t.TempDir()

	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	env := &testEnv{
		engine:    engine,
		fetcher:   fetcher,
		pool:      &resetCounter{},
		ledger:    l,
		objectDir: filepath.Join(dir, "objects"),
		workDir:   filepath.Join(dir, "work"),
	}
	env.store = storage.NewFSStore(env.objectDir)

	resolver := NewWorkSetResolver(engine)
	resolver.now = func() time.Time { return fixedNow }

	env.ingestor = NewIngestor(resolver, fetcher, batch.NewCommitter(env.store),
		catalog.NewRegistry(engine, env.store.Location), l, env.pool, env.workDir)
	env.ingestor.now = func() time.Time { return fixedNow }
	return env
}

func videoItem(id, channel, published string) map[string]any {
	return map[string]any{
		"kind": "youtube#video",
		"etag": "etag-" + id,
		"id":   id,
		"snippet": map[string]any{
			"publishedAt": published,
			"title":       "video " + id,
			"channelId":   channel,
		},
	}
}

func channelItem(id string, views string) map[string]any {
	return map[string]any{
		"kind": "youtube#channel",
		"etag": "etag-" + id,
		"id":   id,
		"statistics": map[string]any{
			"viewCount":             views,
			"hiddenSubscriberCount": false,
		},
	}
}
