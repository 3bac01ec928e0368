package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"newsup/internal/upload"
	"newsup/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	runID string
}

func openSQLite(cfg Config, runID string, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; workers record concurrently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, runID: runID}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	q, args, err := sq.Insert("runs").
		Columns("run_id", "started_at").
		Values(runID, time.Now().UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err == nil {
		_, err = db.ExecContext(ctx, q, args...)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register run: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) RunID() string { return s.runID }

func (s *sqliteStore) Record(ctx context.Context, o upload.Outcome) error {
	if s.db == nil {
		return ErrClosed
	}
	q, args, err := sq.Insert("outcomes").
		Columns("run_id", "seq", "message_id", "state", "size", "part", "total_parts",
			"file", "subject", "post_tries", "check_tries", "verified", "category", "err", "at").
		Values(s.runID, o.Seq, nullStr(o.MessageID), o.StateName, o.Size, o.Part, o.TotalParts,
			nullStr(o.File), nullStr(o.Subject), o.PostTries, o.CheckTries, boolInt(o.Verified),
			nullStr(o.Category), nullStr(o.Error), o.At.UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, q, args...)
	return err
}

func (s *sqliteStore) WriteSummary(ctx context.Context, sum Summary) error {
	if s.db == nil {
		return ErrClosed
	}
	c := sum.Counters
	q, args, err := sq.Update("runs").
		SetMap(map[string]any{
			"started_at":  sum.StartedAt.UTC().Format(time.RFC3339Nano),
			"finished_at": sum.FinishedAt.UTC().Format(time.RFC3339Nano),
			"files":       nullStr(strings.Join(sum.Files, "\n")),
			"read":        c.ArticlesRead,
			"posted":      c.ArticlesPosted,
			"checked":     c.ArticlesChecked,
			"bytes":       c.BytesPosted,
			"skipped":     c.Skipped,
			"failed":      c.Failed,
			"abandoned":   sum.Abandoned,
			"aborted":     boolInt(sum.Aborted),
			"err":         nullStr(sum.Error),
		}).
		Where(sq.Eq{"run_id": s.runID}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	if counts, err := s.stateCounts(ctx); err == nil {
		s.log.Debug("outcomes stored", logx.Any("states", counts))
	}
	return nil
}

// stateCounts groups this run's outcomes by state.
func (s *sqliteStore) stateCounts(ctx context.Context) (map[string]int, error) {
	q, args, err := sq.Select("state", "COUNT(*)").
		From("outcomes").
		Where(sq.Eq{"run_id": s.runID}).
		GroupBy("state").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
