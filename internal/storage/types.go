package storage

import (
	"errors"
	"time"

	"newsup/internal/upload"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": outcome journal (jsonl) + summary
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	Path   string
	// Compress applies to the file driver: "none", "gzip" or "zstd".
	Compress    string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Summary is written once per run.
type Summary struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Files      []string               `json:"files,omitempty"`
	Counters   upload.CounterSnapshot `json:"counters"`
	Abandoned  uint64                 `json:"abandoned"`
	Aborted    bool                   `json:"aborted"`
	Error      string                 `json:"error,omitempty"`
}
