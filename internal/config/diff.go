package config

import (
	"reflect"
	"sort"
	"strings"

	"newsup/pkg/logx"
)

// LiveSections can be applied to a running upload; every other section
// takes effect on the next run.
var LiveSections = map[string]bool{"logging": true, "progress": true}

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging (never includes passwords or tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(redactServer(oldCfg.Server), redactServer(newCfg.Server)) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.host", newCfg.Server.Host),
			logx.Bool("server.password_set", newCfg.Server.Password != ""),
		)
	}
	if !reflect.DeepEqual(redactCheck(oldCfg.Check), redactCheck(newCfg.Check)) {
		changed = append(changed, "check")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Output != newCfg.Output {
		changed = append(changed, "output")
		attrs = append(attrs, logx.String("output.driver", newCfg.Output.Driver))
	}
	if oldCfg.Status.Enabled != newCfg.Status.Enabled ||
		strings.TrimSpace(oldCfg.Status.Addr) != strings.TrimSpace(newCfg.Status.Addr) ||
		oldCfg.Status.AllowInsecure != newCfg.Status.AllowInsecure ||
		(oldCfg.Status.Token != "") != (newCfg.Status.Token != "") {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.Bool("status.token_set", newCfg.Status.Token != ""),
		)
	}
	if oldCfg.Progress != newCfg.Progress {
		changed = append(changed, "progress")
		attrs = append(attrs, logx.String("progress.interval", newCfg.Progress.Interval))
	}
	if !reflect.DeepEqual(oldCfg.Headers, newCfg.Headers) || oldCfg.MessageIDDomain != newCfg.MessageIDDomain ||
		oldCfg.ArticleSize != newCfg.ArticleSize {
		changed = append(changed, "article")
	}
	if oldCfg.PostQueueSize != newCfg.PostQueueSize || oldCfg.LazyConnect != newCfg.LazyConnect ||
		oldCfg.KeepMessageID != newCfg.KeepMessageID || oldCfg.DumpFailedPosts != newCfg.DumpFailedPosts ||
		!reflect.DeepEqual(oldCfg.SkipErrors, newCfg.SkipErrors) ||
		!reflect.DeepEqual(oldCfg.PostErrorLimit, newCfg.PostErrorLimit) {
		changed = append(changed, "upload")
	}

	sort.Strings(changed)
	return changed, attrs
}

func redactServer(s ServerConfig) ServerConfig {
	if s.Password != "" {
		s.Password = "*"
	}
	return s
}

func redactCheck(c CheckConfig) CheckConfig {
	if c.Server != nil {
		s := redactServer(*c.Server)
		c.Server = &s
	}
	return c
}
