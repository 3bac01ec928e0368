package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"newsup/internal/article"
	"newsup/internal/nntp"
)

var (
	// ErrErrorLimit ends a run whose skipped+failed count passed the budget.
	ErrErrorLimit = errors.New("upload: post error limit exceeded")
	// ErrAuth ends a run once every connection of a pool was refused.
	ErrAuth = errors.New("upload: authentication failed on every connection")

	ErrAlreadyRun = errors.New("upload: scheduler already ran")
)

// Category is the failure class the retry policy decides on.
type Category int

const (
	CatNetwork Category = iota
	CatRejected
	CatTimeout
	CatAuth
	CatMalformed
	CatMissing
)

var categoryNames = map[Category]string{
	CatNetwork:   "network",
	CatRejected:  "rejected",
	CatTimeout:   "timeout",
	CatAuth:      "auth",
	CatMalformed: "malformed",
	CatMissing:   "check-missing",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory accepts the names used in skip_errors.
func ParseCategory(s string) (Category, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, n := range categoryNames {
		if n == s {
			return c, true
		}
	}
	return 0, false
}

// Classify maps a transport or validation error onto a Category.
func Classify(err error) Category {
	var re *nntp.ResponseError
	switch {
	case errors.Is(err, article.ErrMalformed), IsNoRetry(err):
		return CatMalformed
	case errors.Is(err, nntp.ErrAuth):
		return CatAuth
	case errors.Is(err, nntp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CatTimeout
	case errors.As(err, &re) && re.Rejected():
		return CatRejected
	default:
		return CatNetwork
	}
}

// keepsConnection reports whether the session is still usable after err.
func keepsConnection(err error) bool {
	var re *nntp.ResponseError
	if errors.As(err, &re) {
		return re.Rejected()
	}
	return errors.Is(err, article.ErrMalformed) || IsNoRetry(err)
}

// NoRetry marks an error as permanent; the article is never retried.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
