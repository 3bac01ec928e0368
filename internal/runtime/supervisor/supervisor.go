// Package supervisor runs the named goroutines of an upload run under one
// context and collects the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"newsup/pkg/logx"
)

// ErrPanic wraps a recovered panic value.
var ErrPanic = errors.New("panic")

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	log    logx.Logger

	// failFast cancels ctx with the first error as cause.
	failFast bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	first   error
	running map[string]int
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError makes the first failing task cancel every other task.
func WithCancelOnError(on bool) Option { return func(s *Supervisor) { s.failFast = on } }

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{done: make(chan struct{}), running: make(map[string]int), log: logx.Nop()}
	s.ctx, s.cancel = context.WithCancelCause(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err is the first task failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Running lists the tasks that have not returned yet, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name, n := range s.running {
		for range n {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (s *Supervisor) track(name string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] += delta; s.running[name] <= 0 {
		delete(s.running, name)
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.first == nil {
		s.first = err
	}
	s.mu.Unlock()
	if s.failFast {
		s.cancel(err)
	}
}

// Go starts fn. A nil or context.Canceled return is a clean stop; anything
// else, a panic included, is recorded as a failure of name.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.track(name, 1)
	go func() {
		defer s.wg.Done()
		defer s.track(name, -1)
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err))
			return
		}
		s.log.Trace("task finished", logx.String("task", name))
	}()
}

// Go0 starts a task that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(s.ctx)
}

type restartPolicy struct {
	first, ceiling time.Duration
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff sets the first pause and its ceiling; the pause
// doubles after every consecutive failure.
func WithRestartBackoff(first, ceiling time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if first > 0 {
			p.first = first
		}
		if ceiling > 0 {
			p.ceiling = ceiling
		}
	}
}

// GoRestart keeps fn running: after a failure or panic it is started again
// once the backoff has elapsed. It ends when fn returns nil or ctx ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{first: 250 * time.Millisecond, ceiling: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceiling = max(p.ceiling, p.first)

	s.Go0(name, func(ctx context.Context) {
		pause := p.first
		for attempt := 1; ; attempt++ {
			err := s.call(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.log.Warn("task failed; restarting", logx.String("task", name), logx.Int("attempt", attempt), logx.Duration("backoff", pause), logx.Err(err))
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			pause = min(2*pause, p.ceiling)
		}
	})
}

// Stop cancels every task and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel(nil)
	return s.Wait(ctx)
}

// Wait blocks until all tasks returned, then reports Err. If ctx ends
// first, the error names the tasks still running.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("still running %v: %w", s.Running(), ctx.Err())
	}
}
