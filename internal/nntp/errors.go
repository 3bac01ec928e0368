package nntp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrTimeout wraps any I/O deadline hit during an exchange.
	ErrTimeout = errors.New("nntp: timeout")
	// ErrAuth is matched by every *AuthError.
	ErrAuth = errors.New("nntp: authentication rejected")
)

// ResponseError is an unexpected status line from the server.
type ResponseError struct {
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *ResponseError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("nntp: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("nntp: %s: %d %s", e.Op, e.Code, e.Msg)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// Rejected reports whether the server refused the article or command
// outright (4xx/5xx), as opposed to a protocol desync.
func (e *ResponseError) Rejected() bool { return e.Code >= 400 && e.Code < 600 }

type AuthError struct {
	Code int
	Msg  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("nntp: authentication failed: %d %s", e.Code, e.Msg)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NetError is a transport failure; the session must be discarded.
type NetError struct {
	Err error
}

func (e *NetError) Error() string { return "nntp: connection: " + e.Err.Error() }
func (e *NetError) Unwrap() error { return e.Err }

// classify turns an nntpcli error into ErrTimeout, *NetError or
// *ResponseError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	case isTransport(err):
		return &NetError{Err: err}
	}
	if code, msg, ok := responseCode(err); ok {
		return &ResponseError{Op: op, Code: code, Msg: msg, Err: err}
	}
	return &ResponseError{Op: op, Err: err}
}

func isTransport(err error) bool {
	var ne net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &ne)
}

// responseCode finds the server status in err: a *textproto.Error, or a
// "NNN text" status line at the start of the message or after ": ".
func responseCode(err error) (int, string, bool) {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code, te.Msg, true
	}
	s := err.Error()
	for {
		if code, ok := statusAt(s); ok {
			return code, strings.TrimSpace(s[3:]), true
		}
		i := strings.Index(s, ": ")
		if i < 0 {
			return 0, "", false
		}
		s = s[i+2:]
	}
}

func statusAt(s string) (int, bool) {
	if len(s) < 3 || (len(s) > 3 && s[3] != ' ') {
		return 0, false
	}
	code, err := strconv.Atoi(s[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}
