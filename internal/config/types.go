package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Sizes accept a K/M/G suffix (binary multiples), e.g. "700K".
type Config struct {
	Server ServerConfig `json:"server"`
	Check  CheckConfig  `json:"check"`

	ArticleSize   string `json:"article_size,omitempty"`
	PostQueueSize int    `json:"post_queue_size,omitempty"`
	LazyConnect   bool   `json:"lazy_connect,omitempty"`
	// KeepMessageID reuses an article's message-id when it is posted again.
	KeepMessageID bool `json:"keep_message_id,omitempty"`
	// DumpFailedPosts is a directory or file name prefix for the raw text of
	// skipped and failed articles.
	DumpFailedPosts string `json:"dump_failed_posts,omitempty"`

	// SkipErrors is a list of categories or the string "all".
	SkipErrors StringList `json:"skip_errors,omitempty"`
	// PostErrorLimit omitted means unlimited.
	PostErrorLimit *int `json:"post_error_limit,omitempty"`

	Headers         HeadersConfig `json:"headers"`
	MessageIDDomain string        `json:"message_id_domain,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	Output   OutputConfig   `json:"output"`
	Status   StatusConfig   `json:"status"`
	Progress ProgressConfig `json:"progress"`
}

// ServerConfig describes one NNTP server and how connections to it behave.
//
// Pointer fields distinguish "omitted" from an explicit zero so that
// check.server can override only what it sets.
type ServerConfig struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	TLS        *bool  `json:"tls,omitempty"`
	IgnoreCert *bool  `json:"ignore_cert,omitempty"`
	User       string `json:"user,omitempty"`
	Password   string `json:"password,omitempty"` // do not log

	Connections *int `json:"connections,omitempty"`

	Timeout        string `json:"timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	ConnectRetries *int   `json:"connect_retries,omitempty"`
	RequestRetries *int   `json:"request_retries,omitempty"`
	PostRetries    *int   `json:"post_retries,omitempty"`
	// OnPostTimeout entries: "retry", "ignore" or "strip-hdr=<name>".
	OnPostTimeout StringList `json:"on_post_timeout,omitempty"`

	KeepAlive         *bool  `json:"keep_alive,omitempty"`
	KeepAliveInterval string `json:"keep_alive_interval,omitempty"`
	TCPKeepAlive      string `json:"tcp_keep_alive,omitempty"`
}

// CheckConfig controls post-upload verification. connections: 0 disables it.
type CheckConfig struct {
	// Server overrides fields of the top-level server for check connections.
	Server *ServerConfig `json:"server,omitempty"`

	Connections *int   `json:"connections,omitempty"`
	Delay       string `json:"delay,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
	Tries       *int   `json:"tries,omitempty"`
	PostTries   *int   `json:"post_tries,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

type HeadersConfig struct {
	From       string            `json:"from,omitempty"`
	Newsgroups string            `json:"newsgroups,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json" for the stderr sink.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OutputConfig selects where per-article outcomes are written.
//
// Example:
//
//	"output": { "driver": "file", "path": "./upload.jsonl", "compress": "zstd" }
type OutputConfig struct {
	Driver      string `json:"driver,omitempty"` // file | sqlite | none
	Path        string `json:"path,omitempty"`
	Compress    string `json:"compress,omitempty"` // none | gzip | zstd (file driver)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StatusConfig controls the read-only HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8960").
//   - A non-loopback address requires a token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof also serves /debug/pprof/ behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}

type ProgressConfig struct {
	// Interval between progress log lines; "0s" disables them.
	Interval string `json:"interval,omitempty"`
}

// StringList decodes from either a JSON string (comma separated) or an
// array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		var out StringList
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*l = out
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = arr
	return nil
}
