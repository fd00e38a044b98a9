package youtubeharvester

import (
	"strings"
	"time"

	"harvest-stack/internal/models"
)

// Normalize turns the entities of one API response into records stamped with
// now. It has no side effects and never fails on an empty response.
func Normalize(raw *models.RawResult, flow Flow, now time.Time) []models.Record {
	if raw.Empty() {
		return nil
	}

	retrievedAt := now.UTC().Format(models.RetrievedAtLayout)
	records := make([]models.Record, 0, len(raw.Items))

	for _, item := range raw.Items {
		rec := make(models.Record, len(item)+1)
		for k, v := range item {
			rec[k] = v
		}

		if flow.RewritePublishedAt {
			rewritePublishedAt(rec)
		}
		rec[models.RetrievedAtField] = retrievedAt

		records = append(records, rec)
	}
	return records
}

// rewritePublishedAt replaces snippet.publishedAt on a copy of the snippet so
// the API result itself is left untouched.
func rewritePublishedAt(rec models.Record) {
	snippet, ok := rec["snippet"].(map[string]any)
	if !ok {
		return
	}
	published, ok := snippet["publishedAt"].(string)
	if !ok {
		return
	}

	copied := make(map[string]any, len(snippet))
	for k, v := range snippet {
		copied[k] = v
	}
	copied["publishedAt"] = NormalizePublishedAt(published)
	rec["snippet"] = copied
}

// NormalizePublishedAt converts an RFC 3339 timestamp such as
// 2021-05-01T12:00:00Z into 2021-05-01 12:00:00 (UTC). Values that do not
// parse get the plain textual rewrite.
func NormalizePublishedAt(s string) string {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(models.PublishedAtLayout)
	}
	return strings.Replace(strings.TrimRight(s, "Z"), "T", " ", 1)
}
