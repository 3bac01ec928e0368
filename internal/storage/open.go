package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"newsup/internal/upload"
	"newsup/pkg/logx"
)

// Store records a run: outcomes as they happen, then the summary.
type Store interface {
	upload.Sink
	RunID() string
	WriteSummary(ctx context.Context, s Summary) error
	Close() error
}

type opener func(cfg Config, runID string, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver under a fresh run id, or nil when
// the driver is empty or "none".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("output driver %q is not supported (use file or sqlite)", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	runID := uuid.NewString()
	return open(cfg, runID, log.With(logx.String("comp", "storage"), logx.String("run_id", runID)))
}
