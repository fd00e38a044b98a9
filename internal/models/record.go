package models

// Kind identifies which YouTube resource an identifier refers to
type Kind string

const (
	KindVideo   Kind = "video"
	KindChannel Kind = "channel"
)

func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known resource kinds
func (k Kind) Valid() bool {
	return k == KindVideo || k == KindChannel
}

// RawResult is the API response for one identifier. Items is empty when the
// API knows nothing about the identifier (deleted video, closed channel).
type RawResult struct {
	Kind  Kind             `json:"kind"`
	ID    string           `json:"id"`
	Items []map[string]any `json:"items"`
}

// Empty reports whether the response carried no entity
func (r *RawResult) Empty() bool {
	return r == nil || len(r.Items) == 0
}

// Record is one normalized entity as persisted in a batch
type Record map[string]any

const (
	// RetrievedAtField holds the UTC retrieval timestamp of a record
	RetrievedAtField = "retrieved_at"

	// RetrievedAtLayout is the millisecond timestamp layout the query engine parses
	RetrievedAtLayout = "2006-01-02 15:04:05.000"

	// PublishedAtLayout is the layout publishedAt is rewritten to; fractional
	// seconds only appear when the API sent them
	PublishedAtLayout = "2006-01-02 15:04:05.999999999"
)
