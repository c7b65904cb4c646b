package dispatch

import (
	"sort"

	"skypost/internal/ledger"
	"skypost/internal/sheet"
)

// Threads partitions items by thread identity. Items with an empty thread id
// are singletons and are never grouped here.
type Threads struct {
	groups map[string][]sheet.PostItem
}

// BuildThreads partitions all normalized items (not just due ones; siblings
// of a due item may not be due themselves) and sorts each group by Sequence
// ascending. The sort is stable: ties keep original row order.
func BuildThreads(items []sheet.PostItem) *Threads {
	groups := map[string][]sheet.PostItem{}
	for _, it := range items {
		if it.ThreadID == "" {
			continue
		}
		groups[it.ThreadID] = append(groups[it.ThreadID], it)
	}
	for tid := range groups {
		g := groups[tid]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Sequence < g[j].Sequence })
	}
	return &Threads{groups: groups}
}

// Group returns the ordered group for a thread id, or nil.
func (t *Threads) Group(threadID string) []sheet.PostItem {
	return t.groups[threadID]
}

// ThreadState is the per-thread dispatch decision for one cycle.
type ThreadState int

const (
	// StateNoHead: no member carries Sequence 1 and the lowest-sequence
	// member is due. Under headless fallback that member is promoted to
	// head; otherwise the thread never posts.
	StateNoHead ThreadState = iota
	// StateHeadDue: the explicit head is in the due set; post the whole group.
	StateHeadDue
	// StateHeadPending: a member is due but the head is not (not yet
	// scheduled, or already recorded). Skip this cycle.
	StateHeadPending
	// StateComplete: every member key is already in the ledger.
	StateComplete
)

func (s ThreadState) String() string {
	switch s {
	case StateHeadDue:
		return "head_due"
	case StateHeadPending:
		return "head_pending"
	case StateComplete:
		return "complete"
	default:
		return "no_head"
	}
}

// headIndex returns the index of the explicit head (first member with
// Sequence == 1), or -1.
func headIndex(group []sheet.PostItem) int {
	for i, it := range group {
		if it.Sequence == 1 {
			return i
		}
	}
	return -1
}

// Classify decides the cycle action for one ordered group. dueKeys is the
// set of dispatch keys selected by DueItems.
func Classify(group []sheet.PostItem, dueKeys map[string]struct{}, led *ledger.Ledger) ThreadState {
	if len(group) == 0 {
		return StateComplete
	}
	complete := true
	for _, it := range group {
		if !led.Contains(it.Key) {
			complete = false
			break
		}
	}
	if complete {
		return StateComplete
	}
	hi := headIndex(group)
	if hi < 0 {
		// The promotion candidate is the lowest-sequence member. It gates
		// the group exactly like an explicit head: if it is not due (not
		// yet scheduled, or already recorded), the group waits.
		if _, due := dueKeys[group[0].Key]; due {
			return StateNoHead
		}
		return StateHeadPending
	}
	if _, due := dueKeys[group[hi].Key]; due {
		return StateHeadDue
	}
	return StateHeadPending
}
