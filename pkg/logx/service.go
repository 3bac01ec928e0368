package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level string
	// Console keeps the stderr sink when a file sink is configured. Without
	// a file, stderr is always used.
	Console bool
	// Format of the stderr sink: "console" (default, human readable) or
	// "json" (one object per line, e.g. for journald).
	Format  string
	NoColor bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./newsup.log"

// Service owns the sinks. Loggers obtained from it follow every Apply.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

// New builds the service from cfg. A log file that cannot be opened is
// reported on the returned logger and stderr is used instead.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	log := s.Logger()
	if err := s.Apply(cfg); err != nil {
		log.Warn("log file unavailable; logging to stderr", Err(err))
	}
	return s, log
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nop
}

// Config returns the last applied configuration.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps level and sinks. The log file is reopened only when its path
// changes. The returned error concerns the file sink only; logging keeps
// working on stderr.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fileErr error
	want := ""
	if cfg.File.Enabled {
		want = strings.TrimSpace(cfg.File.Path)
		if want == "" {
			want = DefaultFilePath
		}
	}
	if want != s.filePath {
		if s.file != nil {
			_ = s.file.Close()
			s.file, s.filePath = nil, ""
		}
		if want != "" {
			f, err := os.OpenFile(want, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fileErr = fmt.Errorf("open log file %s: %w", want, err)
			} else {
				s.file, s.filePath = f, want
			}
		}
	}

	sinks := make([]io.Writer, 0, 2)
	if cfg.Console || s.file == nil {
		sinks = append(sinks, stderrSink(cfg))
	}
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
	s.cfg = cfg
	return fileErr
}

// Close releases the log file. Loggers keep writing to stderr sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	// Drop the closed file from the active sinks.
	cfg := s.cfg
	cfg.File.Enabled = false
	zl := zerolog.New(stderrSink(cfg)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return err
}

func stderrSink(cfg Config) io.Writer {
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{
		Out:          os.Stderr,
		TimeFormat:   timeFormat,
		NoColor:      cfg.NoColor,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// ParseLevel maps trace, debug, info, warn(ing) or error to a Level.
func ParseLevel(s string) (Level, bool) {
	lvl := parseLevel(s, zerolog.NoLevel)
	return lvl, lvl != zerolog.NoLevel
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
