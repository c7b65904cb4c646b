package ledger

import "time"

// Config configures the ledger store.
//
// Driver values:
//   - "file": single human-diffable JSON file (the default)
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis": remote set, for hosts without durable local disk
type Config struct {
	Driver string
	Path   string

	// sqlite only; 0 means default
	BusyTimeout time.Duration

	// redis only
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
}
