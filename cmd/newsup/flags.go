package main

import (
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"newsup/internal/config"
)

// overrides holds flags that replace config file values. Only flags the
// user actually set are applied.
type overrides struct {
	host, user, password    string
	port                    int
	tls, ignoreCert         bool
	connections, checkConns int
	postRetries             int
	articleSize             string
	from, groups, subject   string
	skipErrors              []string
	errorLimit              int
	logLevel, logFile       string
	logFormat               string
	output, outputCompress  string
	statusAddr, statusToken string
	progress                string
	keepMessageID           bool
	dumpFailed              string
}

func registerOverrides(fs *pflag.FlagSet) *overrides {
	o := &overrides{}
	fs.StringVar(&o.host, "host", "", "NNTP server host")
	fs.IntVar(&o.port, "port", 0, "NNTP server port (default 119, or 563 with --tls)")
	fs.BoolVarP(&o.tls, "tls", "S", false, "connect over TLS")
	fs.BoolVar(&o.ignoreCert, "ignore-cert", false, "skip TLS certificate verification")
	fs.StringVarP(&o.user, "user", "u", "", "NNTP username")
	fs.StringVarP(&o.password, "password", "p", "", "NNTP password")
	fs.IntVarP(&o.connections, "connections", "n", 0, "post connections")
	fs.IntVar(&o.checkConns, "check-connections", 0, "check connections (0 disables verification)")
	fs.IntVar(&o.postRetries, "post-retries", 0, "retries per article after a failed POST")
	fs.StringVarP(&o.articleSize, "article-size", "a", "", `article size, e.g. "700K"`)
	fs.StringVarP(&o.from, "from", "f", "", "From header")
	fs.StringVarP(&o.groups, "groups", "g", "", "comma separated newsgroups")
	fs.StringVarP(&o.subject, "subject", "s", "", "subject template ({filename} {part} {parts} {filenum} {files} {size})")
	fs.StringSliceVar(&o.skipErrors, "skip-errors", nil, `error categories to skip instead of failing, or "all"`)
	fs.IntVar(&o.errorLimit, "post-error-limit", 0, "abort once more articles than this were skipped or failed")
	fs.StringVar(&o.logLevel, "log-level", "", "trace|debug|info|warn|error")
	fs.StringVar(&o.logFormat, "log-format", "", "console|json for stderr logs")
	fs.StringVar(&o.logFile, "log-file", "", "also write JSON logs to this file")
	fs.StringVarP(&o.output, "output", "o", "", "write per-article outcomes here (.db/.sqlite selects sqlite)")
	fs.StringVar(&o.outputCompress, "output-compress", "", "none|gzip|zstd for the outcome journal")
	fs.StringVar(&o.statusAddr, "status-addr", "", "serve the status API on this address")
	fs.StringVar(&o.statusToken, "status-token", "", "bearer token for the status API")
	fs.StringVar(&o.progress, "progress-interval", "", `progress log interval, "0s" disables`)
	fs.BoolVar(&o.keepMessageID, "keep-message-id", false, "reuse the message-id when an article is posted again")
	fs.StringVar(&o.dumpFailed, "dump-failed-posts", "", "write skipped and failed articles to this directory or file prefix")
	return o
}

// apply must assign fields, never write through pointers shared with the
// manager's committed config.
func (o *overrides) apply(fs *pflag.FlagSet, c *config.Config) {
	set := fs.Changed
	if set("host") {
		c.Server.Host = o.host
	}
	if set("port") {
		c.Server.Port = o.port
	}
	if set("tls") {
		v := o.tls
		c.Server.TLS = &v
	}
	if set("ignore-cert") {
		v := o.ignoreCert
		c.Server.IgnoreCert = &v
	}
	if set("user") {
		c.Server.User = o.user
	}
	if set("password") {
		c.Server.Password = o.password
	}
	if set("connections") {
		v := o.connections
		c.Server.Connections = &v
	}
	if set("check-connections") {
		v := o.checkConns
		c.Check.Connections = &v
	}
	if set("post-retries") {
		v := o.postRetries
		c.Server.PostRetries = &v
	}
	if set("article-size") {
		c.ArticleSize = o.articleSize
	}
	if set("from") {
		c.Headers.From = o.from
	}
	if set("groups") {
		c.Headers.Newsgroups = o.groups
	}
	if set("subject") {
		c.Headers.Subject = o.subject
	}
	if set("skip-errors") {
		c.SkipErrors = append(config.StringList(nil), o.skipErrors...)
	}
	if set("post-error-limit") {
		v := o.errorLimit
		c.PostErrorLimit = &v
	}
	if set("log-level") {
		c.Logging.Level = o.logLevel
	}
	if set("log-format") {
		c.Logging.Format = o.logFormat
	}
	if set("log-file") {
		c.Logging.File = config.LoggingFile{Enabled: o.logFile != "", Path: o.logFile}
	}
	if set("output") {
		c.Output.Path = o.output
		c.Output.Driver = outputDriver(o.output)
	}
	if set("output-compress") {
		c.Output.Compress = o.outputCompress
	}
	if set("status-addr") {
		c.Status.Enabled = o.statusAddr != ""
		c.Status.Addr = o.statusAddr
	}
	if set("status-token") {
		c.Status.Token = o.statusToken
	}
	if set("progress-interval") {
		c.Progress.Interval = o.progress
	}
	if set("keep-message-id") {
		c.KeepMessageID = o.keepMessageID
	}
	if set("dump-failed-posts") {
		c.DumpFailedPosts = o.dumpFailed
	}
}

func outputDriver(path string) string {
	if path == "" {
		return "none"
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return "sqlite"
	default:
		return "file"
	}
}
