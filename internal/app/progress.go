package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"newsup/internal/upload"
	"newsup/pkg/logx"
)

func (a *App) setProgressInterval(d time.Duration) {
	if time.Duration(a.progressEvery.Swap(int64(d))) == d {
		return
	}
	select {
	case a.progressReset <- struct{}{}:
	default:
	}
}

// progressLoop logs a progress line every interval until ctx ends. An
// interval of zero pauses it until the interval is changed again.
func (a *App) progressLoop(ctx context.Context) {
	// Nothing meaningful to report before the inventory is known.
	select {
	case <-ctx.Done():
		return
	case <-a.up.Started():
	}

	for {
		every := time.Duration(a.progressEvery.Load())
		var tick <-chan time.Time
		var t *time.Timer
		if every > 0 {
			t = time.NewTimer(every)
			tick = t.C
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-a.up.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-a.progressReset:
			if t != nil {
				t.Stop()
			}
		case <-tick:
			a.logProgress(false)
		}
	}
}

func (a *App) logProgress(final bool) {
	snap := a.up.Snapshot()
	inv := a.src.Inventory()
	line := progressLine(snap.Counters, inv.TotalArticles, uint64(max(inv.TotalSize, 0)))
	a.sd.Status(line)
	if final {
		return
	}
	c := snap.Counters
	a.log.Info("progress",
		logx.String("summary", line),
		logx.Uint64("read", c.ArticlesRead),
		logx.Uint64("posted", c.ArticlesPosted),
		logx.Uint64("checked", c.ArticlesChecked),
		logx.Size("bytes_posted", c.BytesPosted),
		logx.Uint64("skipped", c.Skipped),
		logx.Uint64("failed", c.Failed),
		logx.Int("post_queue", snap.PostQueue),
		logx.Int("check_pending", snap.CheckPending+snap.CheckReady),
		logx.Int("in_flight", snap.InFlight),
	)
}

// progressLine renders counters as e.g.
// "12/40 articles (30%), 8.2 MiB/27 MiB posted, 10 checked".
func progressLine(c upload.CounterSnapshot, totalArticles int, totalBytes uint64) string {
	pct := 0
	if totalArticles > 0 {
		pct = int(c.Terminal() * 100 / uint64(totalArticles))
	}
	s := fmt.Sprintf("%d/%d articles (%d%%), %s/%s posted, %d checked",
		c.Terminal(), totalArticles, pct,
		humanize.IBytes(c.BytesPosted), humanize.IBytes(totalBytes),
		c.ArticlesChecked)
	if n := c.Skipped + c.Failed; n > 0 {
		s += fmt.Sprintf(", %d errors", n)
	}
	return s
}
