// Package ledger is the idempotency record of already-dispatched posts.
//
// A Ledger is an in-memory set of dispatch keys loaded from a Store at the
// start of each poll cycle. Keys are appended through the Store synchronously
// after each dispatched unit (thread or singleton), never batched across
// units. A key present in the ledger must never be dispatched again.
package ledger
