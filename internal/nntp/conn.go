// Package nntp is the session layer the upload pools drive. Connection
// handling, authentication, POST and STAT go through nntpcli; this package
// adds request timeouts, context cancellation, byte accounting and the
// error types the retry policy classifies.
package nntp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/javi11/nntpcli"

	"newsup/internal/article"
)

// Config describes one server endpoint and how to talk to it.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Insecure bool

	User     string
	Password string

	ConnectTimeout time.Duration
	// Timeout bounds a single request/response exchange.
	Timeout      time.Duration
	TCPKeepAlive time.Duration
}

func (c Config) port() int {
	switch {
	case c.Port != 0:
		return c.Port
	case c.TLS:
		return 563
	default:
		return 119
	}
}

func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.port())) }

// pingID is looked up by Ping; no server stores it.
const pingID = "newsup-keepalive@invalid"

var client = nntpcli.New()

// Conn is one NNTP session. Not safe for concurrent use.
type Conn struct {
	cfg     Config
	nc      nntpcli.Connection
	written atomic.Uint64
	// closed is set once the session was torn down, possibly by an
	// interrupted request.
	closed atomic.Bool
}

// Dial connects and reads the greeting. Call Authenticate before posting.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("nntp: host is empty")
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	dc := nntpcli.DialConfig{KeepAliveTime: cfg.TCPKeepAlive, DialTimeout: cfg.ConnectTimeout}

	var (
		nc  nntpcli.Connection
		err error
	)
	if cfg.TLS {
		nc, err = client.DialTLS(ctx, cfg.Host, cfg.port(), cfg.Insecure, dc)
	} else {
		nc, err = client.Dial(ctx, cfg.Host, cfg.port(), dc)
	}
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: connect %s: %v", ErrTimeout, cfg.Addr(), err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, classify("connect", err)
	}
	return &Conn{cfg: cfg, nc: nc}, nil
}

// Authenticate runs AUTHINFO USER/PASS. It is a no-op without a user.
func (c *Conn) Authenticate(ctx context.Context) error {
	if c.cfg.User == "" {
		return nil
	}
	c.count(len("AUTHINFO USER \r\n") + len(c.cfg.User) + len("AUTHINFO PASS \r\n") + len(c.cfg.Password))
	err := c.do(ctx, "AUTHINFO", func() error { return c.nc.Authenticate(c.cfg.User, c.cfg.Password) })
	if err == nil {
		return nil
	}
	var re *ResponseError
	if errors.As(err, &re) {
		return &AuthError{Code: re.Code, Msg: re.Msg}
	}
	return err
}

// BytesWritten counts the bytes handed to the session: commands and
// article text before dot-stuffing.
func (c *Conn) BytesWritten() uint64 { return c.written.Load() }

// BytesRead is always zero: responses are consumed inside nntpcli.
func (c *Conn) BytesRead() uint64 { return 0 }

// Post sends one article. It returns the id from the Message-ID header, or
// "" when the article carries none and the server picks it.
func (c *Conn) Post(ctx context.Context, h article.Header, body []byte) (string, error) {
	var head bytes.Buffer
	for _, f := range h {
		fmt.Fprintf(&head, "%s: %s\r\n", f.Name, f.Value)
	}
	head.WriteString("\r\n")
	c.count(len("POST\r\n"))
	r := &countingReader{r: io.MultiReader(&head, bytes.NewReader(body)), n: &c.written}

	err := c.do(ctx, "POST", func() error { return c.nc.Post(r) })
	if err != nil {
		var re *ResponseError
		if errors.As(err, &re) && re.Code == 0 && nntpcli.IsSegmentAlreadyExistsError(err) {
			re.Code = 441
		}
		return "", err
	}
	return strings.Trim(h.Get("Message-ID"), "<> "), nil
}

// Stat reports whether the server has an article with the given id.
func (c *Conn) Stat(ctx context.Context, messageID string) (bool, error) {
	id := strings.Trim(messageID, "<>")
	c.count(len("STAT <>\r\n") + len(id))
	var notFound bool
	err := c.do(ctx, "STAT", func() error {
		_, err := c.nc.Stat(id)
		if err != nil && nntpcli.IsArticleNotFoundError(err) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return !notFound, nil
}

// Ping keeps an idle session alive with a STAT that is expected to miss.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Stat(ctx, pingID)
	return err
}

// Close ends the session. Calling it on an interrupted session is a no-op.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

func (c *Conn) count(n int) { c.written.Add(uint64(n)) }

// do runs one exchange. nntpcli calls block without a context, so the
// session is closed when ctx ends or the request timeout passes; the
// interrupted call then fails and the session is unusable.
func (c *Conn) do(ctx context.Context, op string, fn func() error) error {
	if c.closed.Load() {
		return &NetError{Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rctx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}
	defer cancel()
	stop := context.AfterFunc(rctx, func() {
		if !c.closed.Swap(true) {
			_ = c.nc.Close()
		}
	})
	err := fn()
	if stop() || err == nil {
		if err != nil {
			return classify(op, err)
		}
		return nil
	}
	// The session was closed under fn.
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s after %s", ErrTimeout, op, c.cfg.Timeout)
	}
}

type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(uint64(n))
	return n, err
}
