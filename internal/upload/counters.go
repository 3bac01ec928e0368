package upload

import "sync/atomic"

// Counters are run-wide totals. Each field is bumped only by the worker
// that completes the matching transition; readers never block.
type Counters struct {
	read          atomic.Uint64
	posted        atomic.Uint64
	checked       atomic.Uint64
	articleErrors atomic.Uint64
	bytesPosted   atomic.Uint64
	completed     atomic.Uint64
	skipped       atomic.Uint64
	failed        atomic.Uint64
}

type CounterSnapshot struct {
	ArticlesRead    uint64 `json:"articles_read"`
	ArticlesPosted  uint64 `json:"articles_posted"`
	ArticlesChecked uint64 `json:"articles_checked"`
	ArticleErrors   uint64 `json:"article_errors"`
	BytesPosted     uint64 `json:"bytes_posted"`
	Completed       uint64 `json:"completed"`
	Skipped         uint64 `json:"skipped"`
	Failed          uint64 `json:"failed"`
}

// Terminal is the number of articles that reached a final state.
func (s CounterSnapshot) Terminal() uint64 { return s.Completed + s.Skipped + s.Failed }

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		ArticlesRead:    c.read.Load(),
		ArticlesPosted:  c.posted.Load(),
		ArticlesChecked: c.checked.Load(),
		ArticleErrors:   c.articleErrors.Load(),
		BytesPosted:     c.bytesPosted.Load(),
		Completed:       c.completed.Load(),
		Skipped:         c.skipped.Load(),
		Failed:          c.failed.Load(),
	}
}
