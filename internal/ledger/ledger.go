package ledger

import "context"

// Store is the persistence port behind a Ledger.
//
// Load returns every recorded key. Append must be durable before it returns:
// the orchestrator relies on it to commit a dispatched unit before starting
// the next one.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Append(ctx context.Context, keys []string) error
	Close() error
}

// Ledger is the in-memory view of the dispatched-key set for one poll cycle.
// It is not safe for concurrent use; the dispatch loop is single-threaded.
type Ledger struct {
	keys  map[string]struct{}
	store Store
}

// Load builds a Ledger from the store's current contents.
func Load(ctx context.Context, store Store) (*Ledger, error) {
	keys, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return &Ledger{keys: set, store: store}, nil
}

func (l *Ledger) Contains(key string) bool {
	_, ok := l.keys[key]
	return ok
}

func (l *Ledger) Len() int { return len(l.keys) }

// Record persists keys and adds them to the in-memory set. Keys already
// present are still forwarded to the store; stores treat appends as set
// insertion, so re-recording is harmless.
func (l *Ledger) Record(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := l.store.Append(ctx, keys); err != nil {
		return err
	}
	for _, k := range keys {
		if k != "" {
			l.keys[k] = struct{}{}
		}
	}
	return nil
}
