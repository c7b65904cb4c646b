// Package dispatch is the scheduled dispatch engine: due-item selection,
// thread grouping, and the orchestrated post/commit loop.
package dispatch

import (
	"time"

	"skypost/internal/ledger"
	"skypost/internal/sheet"
)

// DueItems filters to items eligible for posting now: status Scheduled,
// parseable scheduled time at or before now, and not yet in the ledger.
// Pure filtering; ordering follows the input (row order).
func DueItems(items []sheet.PostItem, now time.Time, led *ledger.Ledger) []sheet.PostItem {
	var due []sheet.PostItem
	for _, it := range items {
		if it.Status != sheet.StatusScheduled {
			continue
		}
		if it.ScheduledAt == nil || it.ScheduledAt.After(now) {
			continue
		}
		if led.Contains(it.Key) {
			continue
		}
		due = append(due, it)
	}
	return due
}
