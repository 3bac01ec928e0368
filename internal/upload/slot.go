package upload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"newsup/internal/article"
	"newsup/internal/clock"
	"newsup/internal/nntp"
	"newsup/pkg/logx"
)

// Client is the slice of an NNTP session the workers drive.
type Client interface {
	Authenticate(ctx context.Context) error
	Post(ctx context.Context, h article.Header, body []byte) (string, error)
	Stat(ctx context.Context, messageID string) (bool, error)
	// Ping keeps an idle session alive.
	Ping(ctx context.Context) error
	BytesWritten() uint64
	BytesRead() uint64
	Close() error
}

// Dialer opens a session (greeting read, not yet authenticated).
type Dialer func(ctx context.Context, cfg nntp.Config) (Client, error)

// DialNNTP is the default Dialer.
func DialNNTP(ctx context.Context, cfg nntp.Config) (Client, error) {
	c, err := nntp.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Role int

const (
	RolePost Role = iota
	RoleCheck
)

func (r Role) String() string {
	if r == RoleCheck {
		return "check"
	}
	return "post"
}

type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseIdle
	PhaseBusy
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseIdle:
		return "idle"
	case PhaseBusy:
		return "busy"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Slot is one connection and its counters. Only the owning worker mutates
// it; the atomics let Snapshot read without coordination.
type Slot struct {
	role  Role
	index int
	cfg   ServerConfig
	dial  Dialer
	clock clock.Clock
	log   logx.Logger

	client Client
	// Bytes already folded into the totals from the current client.
	sentBase, recvBase uint64

	phase        atomic.Int32
	numConnects  atomic.Uint64
	numRequests  atomic.Uint64
	numPosts     atomic.Uint64
	numErrors    atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64
	lastActivity atomic.Int64
}

type SlotSnapshot struct {
	Role         string    `json:"role"`
	Index        int       `json:"index"`
	Phase        string    `json:"phase"`
	NumConnects  uint64    `json:"num_connects"`
	NumRequests  uint64    `json:"num_requests"`
	NumPosts     uint64    `json:"num_posts"`
	NumErrors    uint64    `json:"num_errors"`
	BytesSent    uint64    `json:"bytes_sent"`
	BytesRecv    uint64    `json:"bytes_recv"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

func newSlot(role Role, index int, cfg ServerConfig, dial Dialer, c clock.Clock, log logx.Logger) *Slot {
	return &Slot{
		role:  role,
		index: index,
		cfg:   cfg,
		dial:  dial,
		clock: c,
		log:   log.With(logx.String("comp", fmt.Sprintf("%s.%d", role, index))),
	}
}

func (s *Slot) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Slot) setPhase(p Phase) { s.phase.Store(int32(p)) }

func (s *Slot) Snapshot() SlotSnapshot {
	snap := SlotSnapshot{
		Role:        s.role.String(),
		Index:       s.index,
		Phase:       s.Phase().String(),
		NumConnects: s.numConnects.Load(),
		NumRequests: s.numRequests.Load(),
		NumPosts:    s.numPosts.Load(),
		NumErrors:   s.numErrors.Load(),
		BytesSent:   s.bytesSent.Load(),
		BytesRecv:   s.bytesRecv.Load(),
	}
	if ns := s.lastActivity.Load(); ns > 0 {
		snap.LastActivity = time.Unix(0, ns)
	}
	return snap
}

func (s *Slot) touch() { s.lastActivity.Store(s.clock.Now().UnixNano()) }

// ensure returns a ready session, reconnecting with retries when needed and
// pinging idle sessions when keep-alive is on.
func (s *Slot) ensure(ctx context.Context) (Client, error) {
	if s.client != nil && s.cfg.KeepAlive {
		idle := s.clock.Now().Sub(time.Unix(0, s.lastActivity.Load()))
		if idle >= s.cfg.KeepAliveInterval {
			s.numRequests.Add(1)
			if err := s.client.Ping(ctx); err != nil {
				s.log.Debug("keep-alive ping failed; reconnecting", logx.Err(err))
				s.drop()
			} else {
				s.syncBytes()
				s.touch()
			}
		}
	}
	if s.client != nil {
		return s.client, nil
	}

	attempts := uint(s.cfg.ConnectRetries) + 1
	err := retry.Do(
		func() error { return s.connectOnce(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(s.cfg.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !errors.Is(err, nntp.ErrAuth)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("connect failed", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		s.setPhase(PhaseDisconnected)
		return nil, err
	}
	return s.client, nil
}

func (s *Slot) connectOnce(ctx context.Context) error {
	s.setPhase(PhaseConnecting)
	c, err := s.dial(ctx, s.cfg.Conn)
	if err != nil {
		s.numErrors.Add(1)
		return err
	}
	s.setPhase(PhaseAuthenticating)
	if err := c.Authenticate(ctx); err != nil {
		s.numErrors.Add(1)
		_ = c.Close()
		return err
	}
	s.client = c
	s.sentBase, s.recvBase = 0, 0
	s.numConnects.Add(1)
	s.syncBytes()
	s.touch()
	s.setPhase(PhaseIdle)
	return nil
}

// syncBytes folds the session's wire counters into the slot totals.
func (s *Slot) syncBytes() {
	if s.client == nil {
		return
	}
	sent, recv := s.client.BytesWritten(), s.client.BytesRead()
	s.bytesSent.Add(sent - s.sentBase)
	s.bytesRecv.Add(recv - s.recvBase)
	s.sentBase, s.recvBase = sent, recv
}

// drop discards the session after an error.
func (s *Slot) drop() {
	if s.client == nil {
		return
	}
	s.syncBytes()
	_ = s.client.Close()
	s.client = nil
	s.setPhase(PhaseDisconnected)
}

// close ends the slot for good.
func (s *Slot) close() {
	s.drop()
	s.setPhase(PhaseClosed)
}

// post runs one POST exchange on a connected slot.
func (s *Slot) post(ctx context.Context, c Client, a *article.Article) (string, error) {
	s.setPhase(PhaseBusy)
	s.numRequests.Add(1)
	id, err := c.Post(ctx, a.Headers, a.Body)
	s.afterRequest(err)
	if err == nil {
		s.numPosts.Add(1)
	}
	return id, err
}

// stat runs one STAT exchange on a connected slot.
func (s *Slot) stat(ctx context.Context, c Client, messageID string) (bool, error) {
	s.setPhase(PhaseBusy)
	s.numRequests.Add(1)
	found, err := c.Stat(ctx, messageID)
	s.afterRequest(err)
	return found, err
}

func (s *Slot) afterRequest(err error) {
	s.syncBytes()
	s.touch()
	if err == nil {
		s.setPhase(PhaseIdle)
		return
	}
	s.numErrors.Add(1)
	if keepsConnection(err) {
		s.setPhase(PhaseIdle)
		return
	}
	s.drop()
}
