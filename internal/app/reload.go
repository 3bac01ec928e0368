package app

import (
	"context"
	"strings"

	"newsup/internal/config"
	"newsup/pkg/logx"
)

// applyReloads consumes published config edits. Logging and progress are
// applied to the running upload; every other section is reported and left
// for the next run.
func (a *App) applyReloads(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	set, err := next.Resolve()
	if err != nil {
		a.log.Warn("reloaded config does not resolve; keeping previous", logx.Err(err))
		return
	}

	var live, deferred []string
	for _, s := range sections {
		if !config.LiveSections[s] {
			deferred = append(deferred, s)
			continue
		}
		live = append(live, s)
		switch s {
		case "logging":
			lc := set.Logging
			lc.NoColor = a.opts.NoColor
			if err := a.logs.Apply(lc); err != nil {
				a.log.Warn("log file unavailable; logging to stderr", logx.Err(err))
			}
		case "progress":
			a.setProgressInterval(set.Progress)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if len(live) > 0 {
		a.log.Info("config reloaded", append(fields, logx.String("applied", strings.Join(live, ",")))...)
	}
	if len(deferred) > 0 {
		a.log.Warn("config change takes effect on the next run", logx.String("sections", strings.Join(deferred, ",")))
	}
}
