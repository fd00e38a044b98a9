package youtubeharvester

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"harvest-stack/shared/batch"
	"harvest-stack/shared/catalog"
)

// WorkSet is the pair of statements describing one flow's pending
// identifiers. Both are built from the same predicate at the same instant.
type WorkSet struct {
	Flow Flow
	// Date is the UTC day the predicate was built for
	Date string
	// Exclude is true when the flow's table existed and collected ids are skipped
	Exclude bool

	list  string
	count string
	// none is set when the source table does not exist yet
	none bool
}

// WorkSetResolver computes which identifiers of a flow still need a fetch
type WorkSetResolver struct {
	engine catalog.QueryEngine
	now    func() time.Time
}

func NewWorkSetResolver(engine catalog.QueryEngine) *WorkSetResolver {
	return &WorkSetResolver{
		engine: engine,
		now:    time.Now,
	}
}

// Plan checks which tables exist and fixes the statements of the flow's
// work set. Count and Resolve run what Plan decided.
func (r *WorkSetResolver) Plan(ctx context.Context, flow Flow) (*WorkSet, error) {
	ws := &WorkSet{
		Flow: flow,
		Date: r.now().UTC().Format(batch.DateLayout),
	}

	if flow.SourceTable != crawlTable {
		exists, err := r.engine.TableExists(ctx, flow.SourceTable)
		if err != nil {
			return nil, err
		}
		if !exists {
			log.Printf("Table %s does not exist, no %s to process", flow.SourceTable, flow.Noun)
			ws.none = true
			return ws, nil
		}
	}

	exclude, err := r.engine.TableExists(ctx, flow.Name)
	if err != nil {
		return nil, err
	}
	if exclude {
		log.Printf("Table %s exists, skipping %s already collected", flow.Name, flow.Noun)
	}

	ws.Exclude = exclude
	ws.list, ws.count = flow.queries(exclude, ws.Date)
	return ws, nil
}

// Resolve returns the identifiers referenced upstream but not yet present in
// the flow's table. Duplicates and blanks are dropped; first-seen order is kept.
func (r *WorkSetResolver) Resolve(ctx context.Context, ws *WorkSet) ([]string, error) {
	if ws.none {
		return nil, nil
	}

	values, err := catalog.QueryColumn(ctx, r.engine, ws.list, ws.Flow.IDColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s to process: %w", ws.Flow.Noun, err)
	}

	seen := make(map[string]struct{}, len(values))
	ids := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		ids = append(ids, v)
	}
	return ids, nil
}

// Count returns the size of the work set
func (r *WorkSetResolver) Count(ctx context.Context, ws *WorkSet) (int, error) {
	if ws.none {
		return 0, nil
	}

	values, err := catalog.QueryColumn(ctx, r.engine, ws.count, ws.Flow.CountColumn)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s to process: %w", ws.Flow.Noun, err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("count query for %s returned %d rows", ws.Flow.Noun, len(values))
	}

	n, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil {
		return 0, fmt.Errorf("invalid %s count %q: %w", ws.Flow.Noun, values[0], err)
	}
	return n, nil
}
