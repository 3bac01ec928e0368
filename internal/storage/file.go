package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"newsup/internal/upload"
	"newsup/pkg/logx"
)

// fileStore writes outcomes as JSON Lines.
//
// Files:
//   - <prefix>.outcomes.jsonl[.gz|.zst] (append-only journal; each run adds
//     a new compressed member, which gzip and zstd readers concatenate)
//   - <prefix>.summary.json (latest run summary, replaced atomically)
type fileStore struct {
	log   logx.Logger
	runID string

	mu sync.Mutex

	file *os.File
	comp io.WriteCloser // nil when uncompressed
	buf  *bufio.Writer
	enc  *json.Encoder

	journalPath string
	summaryPath string
	records     int
}

type journalLine struct {
	RunID string `json:"run_id"`
	upload.Outcome
}

func openFile(cfg Config, runID string, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("output.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	journalPath := prefix + ".outcomes.jsonl"
	var wrap func(io.Writer) (io.WriteCloser, error)
	switch c := strings.ToLower(strings.TrimSpace(cfg.Compress)); c {
	case "", "none":
	case "gzip", "gz":
		journalPath += ".gz"
		wrap = func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.DefaultCompression)
		}
	case "zstd", "zst":
		journalPath += ".zst"
		wrap = func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		}
	default:
		return nil, fmt.Errorf("unknown output compression %q", cfg.Compress)
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	st := &fileStore{
		log:         log,
		runID:       runID,
		file:        f,
		journalPath: journalPath,
		summaryPath: prefix + ".summary.json",
	}
	var w io.Writer = f
	if wrap != nil {
		if st.comp, err = wrap(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		w = st.comp
	}
	st.buf = bufio.NewWriterSize(w, 64<<10)
	st.enc = json.NewEncoder(st.buf)
	log.Debug("outcome journal opened", logx.String("path", journalPath))
	return st, nil
}

func (s *fileStore) RunID() string { return s.runID }

func (s *fileStore) Record(ctx context.Context, o upload.Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}
	if err := s.enc.Encode(journalLine{RunID: s.runID, Outcome: o}); err != nil {
		return err
	}
	s.records++
	// Uncompressed journals stay tail-able; compressed ones flush on Close.
	if s.comp == nil {
		return s.buf.Flush()
	}
	return nil
}

func (s *fileStore) WriteSummary(ctx context.Context, sum Summary) error {
	_ = ctx
	if sum.RunID == "" {
		sum.RunID = s.runID
	}
	tmp := s.summaryPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.summaryPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	errs := []error{s.buf.Flush()}
	if s.comp != nil {
		errs = append(errs, s.comp.Close())
	}
	errs = append(errs, s.file.Close())
	s.file = nil
	s.log.Debug("outcome journal closed", logx.String("path", s.journalPath), logx.Int("records", s.records))
	return errors.Join(errs...)
}
