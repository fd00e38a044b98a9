package youtubeharvester

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"harvest-stack/internal/models"
	"harvest-stack/shared/batch"
	"harvest-stack/shared/catalog"
	"harvest-stack/shared/ledger"
)

// progressInterval is how often, in identifiers, fetch progress is logged
const progressInterval = 100

// State is a step of a flow run
type State string

const (
	StateResolvingWorkSet State = "resolving_work_set"
	StateFetching         State = "fetching"
	StateCommitting       State = "committing"
	StateRegistering      State = "registering"
	StateDone             State = "done"
	StateFatal            State = "fatal"
)

// Fetcher retrieves one API resource, rotating credentials internally
type Fetcher interface {
	Fetch(ctx context.Context, kind models.Kind, id string, parts []string) (*models.RawResult, error)
}

// Resolver computes a flow's work set
type Resolver interface {
	Plan(ctx context.Context, flow Flow) (*WorkSet, error)
	Resolve(ctx context.Context, ws *WorkSet) ([]string, error)
	Count(ctx context.Context, ws *WorkSet) (int, error)
}

// Committer lands a finished batch in object storage
type Committer interface {
	Commit(ctx context.Context, w *batch.Writer, keyFunc batch.KeyFunc) (*batch.Commit, error)
}

// Registrar declares a flow's table after its batch landed
type Registrar interface {
	Register(ctx context.Context, s catalog.Schema) error
}

// BatchLedger keeps a record of committed batches
type BatchLedger interface {
	RecordCommit(ctx context.Context, e ledger.Entry) (int64, error)
	MarkRegistered(ctx context.Context, flow string, at time.Time) error
	History(ctx context.Context, flow string, limit int) ([]ledger.Entry, error)
}

// Resetter re-arms a credential pool
type Resetter interface {
	Reset()
}

// FlowResult summarizes one flow run, successful or not
type FlowResult struct {
	RunID string
	Flow  string
	State State
	// FailedIn is the state the flow was in when it turned fatal
	FailedIn State
	WorkSet  int
	Fetched  int
	Empty    int
	Records  int
	Commit   *batch.Commit
	Duration time.Duration
}

// Ingestor runs flows: resolve the work set, fetch every identifier, then
// commit and register the batch. Any error aborts the flow in StateFatal;
// nothing is retried except credential rotation inside the Fetcher.
type Ingestor struct {
	resolver  Resolver
	fetcher   Fetcher
	committer Committer
	registrar Registrar
	ledger    BatchLedger
	pool      Resetter
	workDir   string
	now       func() time.Time
}

// NewIngestor wires an ingestor. batches and pool may be nil.
func NewIngestor(resolver Resolver, fetcher Fetcher, committer Committer, registrar Registrar, batches BatchLedger, pool Resetter, workDir string) *Ingestor {
	return &Ingestor{
		resolver:  resolver,
		fetcher:   fetcher,
		committer: committer,
		registrar: registrar,
		ledger:    batches,
		pool:      pool,
		workDir:   workDir,
		now:       time.Now,
	}
}

// RunFlow executes one flow. The returned result is never nil and carries the
// state the flow ended in.
func (in *Ingestor) RunFlow(ctx context.Context, runID string, flow Flow) (*FlowResult, error) {
	start := in.now()
	result := &FlowResult{RunID: runID, Flow: flow.Name}

	fail := func(err error) (*FlowResult, error) {
		log.Printf("Flow %s failed while %s: %v", flow.Name, strings.ReplaceAll(string(result.State), "_", " "), err)
		result.FailedIn = result.State
		result.State = StateFatal
		result.Duration = time.Since(start)
		return result, err
	}

	if in.pool != nil {
		in.pool.Reset()
	}

	log.Printf("Start collecting %s", flow.Name)
	result.State = StateResolvingWorkSet

	ws, err := in.resolver.Plan(ctx, flow)
	if err != nil {
		return fail(err)
	}

	expected, err := in.resolver.Count(ctx, ws)
	if err != nil {
		return fail(err)
	}
	log.Printf("There are %d %s to be processed: download them", expected, flow.Noun)

	ids, err := in.resolver.Resolve(ctx, ws)
	if err != nil {
		return fail(err)
	}
	result.WorkSet = len(ids)
	if len(ids) != expected {
		log.Printf("Warning: count reported %d %s but the work set holds %d", expected, flow.Noun, len(ids))
	}

	w, err := batch.NewWriter(in.workDir, flow.Name, start)
	if err != nil {
		return fail(err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			if err := w.Discard(); err != nil {
				log.Printf("Warning: failed to discard batch for %s: %v", flow.Name, err)
			}
		}
	}()

	result.State = StateFetching
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("stopped after %d of %d %s: %w", i, len(ids), flow.Noun, err))
		}
		if i%progressInterval == 0 {
			log.Printf("%d out of %d %s processed", i, len(ids), flow.Noun)
		}

		raw, err := in.fetcher.Fetch(ctx, flow.Kind, id, flow.Parts)
		if err != nil {
			return fail(err)
		}
		result.Fetched++

		records := Normalize(raw, flow, in.now())
		if len(records) == 0 {
			result.Empty++
			continue
		}
		for _, rec := range records {
			if err := w.Append(rec); err != nil {
				return fail(err)
			}
		}
	}
	result.Records = w.Size()
	log.Printf("%d out of %d %s processed, %d records, %d without data", len(ids), len(ids), flow.Noun, result.Records, result.Empty)

	if w.Size() == 0 {
		log.Printf("No records collected for %s, nothing to commit", flow.Name)
		result.State = StateDone
		result.Duration = time.Since(start)
		return result, nil
	}

	result.State = StateCommitting
	in.warnOverlap(ctx, flow, w.CreatedAt())

	handedOff = true
	commit, err := in.committer.Commit(ctx, w, flow.Key)
	if err != nil {
		return fail(err)
	}
	result.Commit = commit
	log.Printf("Committed %d records of %s to %s", commit.Count, flow.Name, commit.Location)
	in.recordCommit(ctx, runID, flow, commit)

	result.State = StateRegistering
	if err := in.registrar.Register(ctx, flow.Schema); err != nil {
		return fail(err)
	}
	if in.ledger != nil {
		if err := in.ledger.MarkRegistered(ctx, flow.Name, in.now()); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	result.State = StateDone
	result.Duration = time.Since(start)
	log.Printf("Concluded collecting %s", flow.Name)
	return result, nil
}

// Register re-runs the table declaration of flow, for batches that landed
// while the catalog was unavailable.
func (in *Ingestor) Register(ctx context.Context, flow Flow) error {
	if err := in.registrar.Register(ctx, flow.Schema); err != nil {
		return err
	}
	if in.ledger != nil {
		return in.ledger.MarkRegistered(ctx, flow.Name, in.now())
	}
	return nil
}

// recordCommit adds the batch to the ledger. The object is already durable,
// so a ledger failure is only logged.
func (in *Ingestor) recordCommit(ctx context.Context, runID string, flow Flow, c *batch.Commit) {
	if in.ledger == nil {
		return
	}
	_, err := in.ledger.RecordCommit(ctx, ledger.Entry{
		RunID:       runID,
		Flow:        flow.Name,
		Key:         c.Key,
		Location:    c.Location,
		Count:       c.Count,
		Bytes:       c.Bytes,
		SHA256:      c.SHA256,
		CommittedAt: in.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("Warning: %v", err)
	}
}

// warnOverlap logs when the flow already committed a batch on the same day.
// Keys differ by record count, so both batches are kept and may overlap.
func (in *Ingestor) warnOverlap(ctx context.Context, flow Flow, created time.Time) {
	if in.ledger == nil {
		return
	}
	history, err := in.ledger.History(ctx, flow.Name, 20)
	if err != nil {
		log.Printf("Warning: %v", err)
		return
	}

	date := created.UTC().Format(batch.DateLayout)
	for _, e := range history {
		if strings.HasPrefix(e.CommittedAt, date) {
			log.Printf("Warning: %s already has batch %s from %s (run %s); records may be duplicated",
				flow.Name, e.Key, date, e.RunID)
		}
	}
}
