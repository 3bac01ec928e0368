package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"newsup/internal/article"
	"newsup/internal/nntp"
	"newsup/internal/storage"
	"newsup/internal/upload"
	"newsup/pkg/logx"
)

// Defaults applied when a field is omitted.
const (
	DefaultArticleSize       = 700 << 10
	DefaultConnections       = 3
	DefaultCheckConnections  = 1
	DefaultTimeout           = 30 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultReconnectDelay    = 15 * time.Second
	DefaultConnectRetries    = 1
	DefaultRequestRetries    = 5
	DefaultPostRetries       = 1
	DefaultKeepAliveInterval = time.Minute
	DefaultCheckDelay        = 5 * time.Second
	DefaultCheckRetryDelay   = 30 * time.Second
	DefaultCheckTries        = 2
	DefaultCheckPostTries    = 1
	DefaultCheckQueueSize    = 64
	DefaultPostQueueSize     = 10
	DefaultProgressInterval  = 30 * time.Second
	DefaultStatusAddr        = "127.0.0.1:8960"
)

// Settings is the validated runtime form of Config.
type Settings struct {
	Upload   upload.Config
	Source   article.SourceOptions
	Output   storage.Config
	Logging  logx.Config
	Status   StatusSettings
	Progress time.Duration
}

type StatusSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// Resolve applies defaults, merges check.server over server and validates
// everything into runtime settings. All problems are reported together.
func (c *Config) Resolve() (*Settings, error) {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	post, err := resolveServer("server", c.Server)
	add(err)
	if strings.TrimSpace(c.Server.Host) == "" {
		errs = append(errs, errors.New("server.host is required"))
	}
	post.Connections = intOr(c.Server.Connections, DefaultConnections)

	checkSrc := c.Server
	if c.Check.Server != nil {
		checkSrc = mergeServer(c.Server, *c.Check.Server)
	}
	checkSrv, err := resolveServer("check.server", checkSrc)
	add(err)
	// The check pool never posts.
	checkSrv.PostRetries = 0
	checkSrv.OnPostTimeout = nil
	checkSrv.Connections = intOr(c.Check.Connections, DefaultCheckConnections)
	if c.Check.Connections == nil && c.Check.Server != nil && c.Check.Server.Connections != nil {
		checkSrv.Connections = *c.Check.Server.Connections
	}

	chk := upload.CheckConfig{
		Server:    checkSrv,
		Tries:     intOr(c.Check.Tries, DefaultCheckTries),
		PostTries: intOr(c.Check.PostTries, DefaultCheckPostTries),
		QueueSize: positiveOr(c.Check.QueueSize, DefaultCheckQueueSize),
	}
	chk.Delay, err = ParseDurationOrDefault("check.delay", c.Check.Delay, DefaultCheckDelay)
	add(err)
	chk.RetryDelay, err = ParseDurationOrDefault("check.retry_delay", c.Check.RetryDelay, DefaultCheckRetryDelay)
	add(err)

	skip, err := upload.ParseSkipErrors(c.SkipErrors)
	if err != nil {
		add(fmt.Errorf("skip_errors: %w", err))
	}
	limit := -1
	if c.PostErrorLimit != nil {
		limit = *c.PostErrorLimit
		if limit < 0 {
			errs = append(errs, fmt.Errorf("post_error_limit must be >= 0 (got %d)", limit))
		}
	}

	s := &Settings{
		Upload: upload.Config{
			Post:            post,
			Check:           chk,
			PostQueueSize:   positiveOr(c.PostQueueSize, DefaultPostQueueSize),
			LazyConnect:     c.LazyConnect,
			SkipErrors:      skip,
			PostErrorLimit:  limit,
			KeepMessageID:   c.KeepMessageID,
			MessageIDDomain: c.MessageIDDomain,
			DumpFailedPosts: strings.TrimSpace(c.DumpFailedPosts),
		},
		Logging: logx.Config{
			Level:   c.Logging.Level,
			Console: c.Logging.Console,
			Format:  c.Logging.Format,
			File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		},
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.level %q is not one of trace, debug, info, warn, error", lvl))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	if err := s.Upload.Validate(); err != nil {
		errs = append(errs, err)
	}

	// Source.
	size, err := ParseSizeField("article_size", c.ArticleSize)
	add(err)
	if size == 0 {
		size = DefaultArticleSize
	}
	extra := article.Header{}
	names := make([]string, 0, len(c.Headers.Extra))
	for k := range c.Headers.Extra {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		extra = append(extra, article.HeaderField{Name: k, Value: c.Headers.Extra[k]})
	}
	s.Source = article.SourceOptions{
		ArticleSize:     int(size),
		From:            c.Headers.From,
		Newsgroups:      c.Headers.Newsgroups,
		Subject:         c.Headers.Subject,
		MessageIDDomain: c.MessageIDDomain,
		Extra:           extra,
	}
	if strings.TrimSpace(s.Source.Newsgroups) == "" {
		errs = append(errs, errors.New("headers.newsgroups is required"))
	}

	// Output.
	busy, err := ParseDurationField("output.busy_timeout", c.Output.BusyTimeout)
	add(err)
	s.Output = storage.Config{
		Driver:      c.Output.Driver,
		Path:        c.Output.Path,
		Compress:    c.Output.Compress,
		BusyTimeout: busy,
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Output.Driver)); d {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Output.Path) == "" {
			errs = append(errs, fmt.Errorf("output.path is required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("output.driver: unknown driver %q", c.Output.Driver))
	}

	// Status.
	s.Status = StatusSettings{
		Enabled:       c.Status.Enabled,
		Addr:          strings.TrimSpace(c.Status.Addr),
		Token:         strings.TrimSpace(c.Status.Token),
		AllowInsecure: c.Status.AllowInsecure,
		Pprof:         c.Status.Pprof,
	}
	if s.Status.Addr == "" {
		s.Status.Addr = DefaultStatusAddr
	}
	if s.Status.Enabled {
		if _, _, err := net.SplitHostPort(s.Status.Addr); err != nil {
			errs = append(errs, fmt.Errorf("status.addr: %w", err))
		}
	}

	s.Progress, err = ParseDurationOrDefault("progress.interval", c.Progress.Interval, DefaultProgressInterval)
	add(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

func resolveServer(path string, sc ServerConfig) (upload.ServerConfig, error) {
	var errs []error
	dur := func(field, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path+"."+field, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	out := upload.ServerConfig{
		Conn: nntp.Config{
			Host:           strings.TrimSpace(sc.Host),
			Port:           sc.Port,
			TLS:            boolOr(sc.TLS, false),
			Insecure:       boolOr(sc.IgnoreCert, false),
			User:           sc.User,
			Password:       sc.Password,
			ConnectTimeout: dur("connect_timeout", sc.ConnectTimeout, DefaultConnectTimeout),
			Timeout:        dur("timeout", sc.Timeout, DefaultTimeout),
			TCPKeepAlive:   dur("tcp_keep_alive", sc.TCPKeepAlive, 0),
		},
		ReconnectDelay:    dur("reconnect_delay", sc.ReconnectDelay, DefaultReconnectDelay),
		ConnectRetries:    intOr(sc.ConnectRetries, DefaultConnectRetries),
		RequestRetries:    intOr(sc.RequestRetries, DefaultRequestRetries),
		PostRetries:       intOr(sc.PostRetries, DefaultPostRetries),
		KeepAlive:         boolOr(sc.KeepAlive, false),
		KeepAliveInterval: dur("keep_alive_interval", sc.KeepAliveInterval, DefaultKeepAliveInterval),
	}
	if out.Conn.Port < 0 || out.Conn.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s.port out of range: %d", path, out.Conn.Port))
	}
	for _, raw := range sc.OnPostTimeout {
		a, err := upload.ParseTimeoutAction(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.on_post_timeout: %w", path, err))
			continue
		}
		out.OnPostTimeout = append(out.OnPostTimeout, a)
	}
	return out, errors.Join(errs...)
}

// mergeServer returns base with every field set in over replacing it.
func mergeServer(base, over ServerConfig) ServerConfig {
	out := base
	str := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	str(&out.Host, over.Host)
	str(&out.User, over.User)
	str(&out.Password, over.Password)
	str(&out.Timeout, over.Timeout)
	str(&out.ConnectTimeout, over.ConnectTimeout)
	str(&out.ReconnectDelay, over.ReconnectDelay)
	str(&out.KeepAliveInterval, over.KeepAliveInterval)
	str(&out.TCPKeepAlive, over.TCPKeepAlive)
	if over.Port != 0 {
		out.Port = over.Port
	}
	for _, p := range []struct{ dst, v **bool }{
		{&out.TLS, &over.TLS}, {&out.IgnoreCert, &over.IgnoreCert}, {&out.KeepAlive, &over.KeepAlive},
	} {
		if *p.v != nil {
			*p.dst = *p.v
		}
	}
	for _, p := range []struct{ dst, v **int }{
		{&out.Connections, &over.Connections}, {&out.ConnectRetries, &over.ConnectRetries},
		{&out.RequestRetries, &over.RequestRetries}, {&out.PostRetries, &over.PostRetries},
	} {
		if *p.v != nil {
			*p.dst = *p.v
		}
	}
	if over.OnPostTimeout != nil {
		out.OnPostTimeout = over.OnPostTimeout
	}
	return out
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
