// Package status serves a read-only HTTP view of a running upload.
//
// Endpoints (all JSON except /healthz):
//
//	/healthz                   liveness
//	/status                    counters, queue depths and connection slots
//	/postqueue                 articles waiting to be posted, front first
//	/checkqueue                articles waiting to be checked
//	/checkqueue/<message-id>   one pending check
//	/debug/pprof/              runtime profiles (when Pprof is set)
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "newsup/internal/runtime/supervisor"
	"newsup/internal/upload"
	"newsup/pkg/logx"
)

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = "127.0.0.1:8960"

// Provider is the upload state the server exposes; *upload.Scheduler
// implements it.
type Provider interface {
	Snapshot() upload.Snapshot
	PostQueueItems() []upload.ArticleInfo
	CheckQueueItems() []upload.ArticleInfo
	LookupCheck(messageID string) (upload.ArticleInfo, bool)
}

// Config for the status server. Binding anything but loopback requires a
// Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("status server: a non-loopback address needs a token or allow_insecure")

type Service struct {
	cfg   Config
	p     Provider
	log   logx.Logger
	ready chan struct{}

	mu        sync.Mutex
	since     time.Time
	bound     net.Addr
	runner    *rtsup.Supervisor
	announced bool
}

func New(cfg Config, p Provider, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Service{
		cfg:   cfg,
		p:     p,
		log:   log.With(logx.String("comp", "status"), logx.String("addr", cfg.Addr)),
		ready: make(chan struct{}),
		since: time.Now(),
	}
}

// Start checks the bind policy and serves in the background until ctx ends
// or Stop is called. Listen failures are retried; they never reach the
// upload. Calling Start again is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return nil
	}
	public := !isLoopbackAddr(s.cfg.Addr)
	switch {
	case public && s.cfg.Token == "" && !s.cfg.AllowInsecure:
		s.log.Error("status server not started: public address without token")
		return ErrInsecureBind
	case public && s.cfg.Token == "":
		s.log.Warn("status server exposed without a token")
	}
	s.since = time.Now()
	s.runner = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.runner.GoRestart("status.http", s.serve, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Addr is the bound address, or "" while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return ""
	}
	return s.bound.String()
}

// Ready is closed once the listener is first bound.
func (s *Service) Ready() <-chan struct{} { return s.ready }

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner == nil {
		return nil
	}
	defer s.log.Debug("status server stopped")
	return runner.Stop(ctx)
}

func (s *Service) serve(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.markBound(ln.Addr())
	defer s.markBound(nil)

	unhook := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer unhook()

	s.log.Info("status server listening", logx.String("bound", ln.Addr().String()), logx.Bool("token", s.cfg.Token != ""))
	err = srv.Serve(ln)
	switch {
	case ctx.Err() != nil:
		return context.Canceled
	case errors.Is(err, http.ErrServerClosed):
		return errors.New("status server closed")
	default:
		return err
	}
}

func (s *Service) markBound(a net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = a
	if a != nil && !s.announced {
		s.announced = true
		close(s.ready)
	}
}

func (s *Service) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.since)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
