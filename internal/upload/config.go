package upload

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"newsup/internal/nntp"
)

// ServerConfig is one pool's view of a server.
type ServerConfig struct {
	Conn        nntp.Config
	Connections int

	ReconnectDelay time.Duration
	ConnectRetries int
	// RequestRetries bounds rechecks after a failed STAT exchange.
	RequestRetries int
	PostRetries    int
	OnPostTimeout  []TimeoutAction

	KeepAlive         bool
	KeepAliveInterval time.Duration
}

type CheckConfig struct {
	// Server.Connections is the check pool size; zero disables checking.
	Server ServerConfig

	Delay      time.Duration
	RetryDelay time.Duration
	Tries      int
	// PostTries is how many times a missing article may be posted again.
	PostTries int
	QueueSize int
}

// Config is fixed for the lifetime of a Scheduler.
type Config struct {
	Post  ServerConfig
	Check CheckConfig

	PostQueueSize int
	LazyConnect   bool
	// KeepMessageID reuses an article's id on retry and repost instead of
	// generating a new one under MessageIDDomain.
	KeepMessageID   bool
	MessageIDDomain string
	// DumpFailedPosts, when set, receives the raw text of every skipped or
	// failed article. A directory (existing, or ending in a separator) holds
	// one file per article; anything else is used as a file name prefix.
	DumpFailedPosts string
	SkipErrors      SkipSet
	// PostErrorLimit < 0 means unlimited.
	PostErrorLimit int
}

// CheckEnabled reports whether posted articles are verified.
func (c Config) CheckEnabled() bool { return c.Check.Server.Connections > 0 }

// InFlightLimit bounds the number of live (admitted, not terminal)
// articles: every queue slot plus one per worker.
func (c Config) InFlightLimit() int {
	n := c.PostQueueSize + c.Post.Connections
	if c.CheckEnabled() {
		n += c.Check.QueueSize + c.Check.Server.Connections
	}
	return n
}

func (c Config) Validate() error {
	var errs []error
	if c.Post.Connections <= 0 {
		errs = append(errs, fmt.Errorf("post connections must be > 0 (got %d)", c.Post.Connections))
	}
	if c.Check.Server.Connections < 0 {
		errs = append(errs, fmt.Errorf("check connections must be >= 0 (got %d)", c.Check.Server.Connections))
	}
	if c.PostQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("post queue size must be > 0 (got %d)", c.PostQueueSize))
	}
	if c.CheckEnabled() && c.Check.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("check queue size must be > 0 (got %d)", c.Check.QueueSize))
	}
	for name, v := range map[string]int{
		"post retries":          c.Post.PostRetries,
		"connect retries":       c.Post.ConnectRetries,
		"check connect retries": c.Check.Server.ConnectRetries,
		"request retries":       c.Check.Server.RequestRetries,
		"check tries":           c.Check.Tries,
		"check post tries":      c.Check.PostTries,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0 (got %d)", name, v))
		}
	}
	for name, d := range map[string]time.Duration{
		"check delay":       c.Check.Delay,
		"check retry delay": c.Check.RetryDelay,
		"reconnect delay":   c.Post.ReconnectDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0 (got %s)", name, d))
		}
	}
	if c.Post.KeepAlive && c.Post.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("keep alive interval must be > 0 when keep alive is enabled"))
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// TimeoutActionKind is one step of the on_post_timeout list.
type TimeoutActionKind int

const (
	TimeoutRetry TimeoutActionKind = iota
	TimeoutIgnore
	TimeoutStripHeader
)

type TimeoutAction struct {
	Kind   TimeoutActionKind
	Header string
}

func (a TimeoutAction) String() string {
	switch a.Kind {
	case TimeoutIgnore:
		return "ignore"
	case TimeoutStripHeader:
		return "strip-hdr=" + a.Header
	default:
		return "retry"
	}
}

// ParseTimeoutAction accepts "retry", "ignore" and "strip-hdr=<name>".
func ParseTimeoutAction(s string) (TimeoutAction, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "retry"):
		return TimeoutAction{Kind: TimeoutRetry}, nil
	case strings.EqualFold(s, "ignore"):
		return TimeoutAction{Kind: TimeoutIgnore}, nil
	case len(s) > len("strip-hdr=") && strings.EqualFold(s[:len("strip-hdr=")], "strip-hdr="):
		h := strings.TrimSpace(s[len("strip-hdr="):])
		if h == "" || strings.ContainsAny(h, ": \t") {
			return TimeoutAction{}, fmt.Errorf("invalid header in %q", s)
		}
		return TimeoutAction{Kind: TimeoutStripHeader, Header: h}, nil
	default:
		return TimeoutAction{}, fmt.Errorf("unknown timeout action %q", s)
	}
}

// SkipSet is the set of categories that end in Skipped instead of Failed.
type SkipSet struct {
	all  bool
	cats map[Category]bool
}

// SkipAll returns a set that skips every category and disables the error
// budget.
func SkipAll() SkipSet { return SkipSet{all: true} }

// ParseSkipErrors accepts category names or the single word "all".
func ParseSkipErrors(names []string) (SkipSet, error) {
	set := SkipSet{cats: map[Category]bool{}}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if strings.EqualFold(n, "all") {
			return SkipAll(), nil
		}
		c, ok := ParseCategory(n)
		if !ok || c == CatAuth {
			return SkipSet{}, fmt.Errorf("unknown skip error category %q", n)
		}
		set.cats[c] = true
	}
	return set, nil
}

func (s SkipSet) All() bool { return s.all }

func (s SkipSet) Has(c Category) bool { return s.all || s.cats[c] }

func (s SkipSet) String() string {
	if s.all {
		return "all"
	}
	names := make([]string, 0, len(s.cats))
	for c := range s.cats {
		names = append(names, c.String())
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
