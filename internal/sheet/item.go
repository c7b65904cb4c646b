package sheet

import (
	"strings"
	"time"
)

// Status is the publication state a row declares for itself.
// Only StatusScheduled rows are ever considered for dispatch.
type Status int

const (
	StatusUnknown Status = iota
	StatusDraft
	StatusScheduled
	StatusPosted
)

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusScheduled:
		return "scheduled"
	case StatusPosted:
		return "posted"
	default:
		return "unknown"
	}
}

// ImageRef is one attached image URL with its alt text.
type ImageRef struct {
	URL string
	Alt string
}

// PostItem is the canonical, fully-typed form of one sheet row.
// Everything downstream of the normalizer operates on PostItem only;
// raw column lookups never leave this package.
type PostItem struct {
	ThreadID string
	Sequence int
	Text     string

	Images []ImageRef // at most maxImages entries, empty URLs skipped

	LinkURL         string
	LinkTitle       string
	LinkDescription string
	LinkThumbURL    string

	// ScheduledAt is nil when the raw value was absent or unparseable;
	// such items are never due.
	ScheduledAt *time.Time

	DelaySeconds int
	Status       Status

	// Key is the stable dispatch key derived from the raw row
	// (thread|sequence|time|first 24 chars of text). It is the sole
	// identity used for deduplication across poll cycles.
	Key string
}

const keyTextPrefix = 24

// dispatchKey derives the idempotency key from raw column values, not the
// normalized ones, so ledgers written by earlier versions keep matching.
func dispatchKey(row Row) string {
	tid := strings.TrimSpace(row[ColThreadID])
	seq := strings.TrimSpace(row[ColSequence])
	tim := strings.TrimSpace(row[ColScheduledTime])
	head := []rune(strings.TrimSpace(row[ColPostText]))
	if len(head) > keyTextPrefix {
		head = head[:keyTextPrefix]
	}
	return tid + "|" + seq + "|" + tim + "|" + string(head)
}
