package upload

import (
	"time"

	"newsup/internal/article"
)

// Action is what a worker does with an article after a failure.
type Action int

const (
	// ActRetry puts the article back at the front of the post queue.
	ActRetry Action = iota
	// ActStripResubmit removes Verdict.Header and posts again.
	ActStripResubmit
	// ActIgnore treats the post as done and skips verification.
	ActIgnore
	// ActRecheck re-adds the article to the check buffer.
	ActRecheck
	// ActRepost sends the article through a full post and check cycle again.
	ActRepost
	ActSkip
	ActFail
)

func (a Action) String() string {
	switch a {
	case ActRetry:
		return "retry"
	case ActStripResubmit:
		return "strip-resubmit"
	case ActIgnore:
		return "ignore"
	case ActRecheck:
		return "recheck"
	case ActRepost:
		return "repost"
	case ActSkip:
		return "skip"
	case ActFail:
		return "fail"
	}
	return "unknown"
}

type Verdict struct {
	Action   Action
	Category Category
	Delay    time.Duration
	Header   string
}

// Policy decides retries from an article's counters and the run config.
// It never mutates the article; callers bump PostTries, PostTimeouts,
// CheckTries and CheckErrors before asking.
type Policy struct {
	cfg Config
}

func NewPolicy(cfg Config) Policy { return Policy{cfg: cfg} }

// OnPostFailure handles a failed POST attempt (or a connect that never
// produced one).
func (p Policy) OnPostFailure(a *article.Article, cat Category) Verdict {
	switch cat {
	case CatMalformed, CatAuth:
		return p.terminal(cat)
	case CatTimeout:
		if len(p.cfg.Post.OnPostTimeout) > 0 {
			k := a.PostTimeouts
			if k < 1 || k > len(p.cfg.Post.OnPostTimeout) {
				return p.terminal(cat)
			}
			act := p.cfg.Post.OnPostTimeout[k-1]
			switch act.Kind {
			case TimeoutIgnore:
				return Verdict{Action: ActIgnore, Category: cat}
			case TimeoutStripHeader:
				return Verdict{Action: ActStripResubmit, Category: cat, Header: act.Header}
			}
		}
	}
	if a.PostTries < p.cfg.Post.PostRetries+1 {
		return Verdict{Action: ActRetry, Category: cat, Delay: p.cfg.Post.ReconnectDelay}
	}
	return p.terminal(cat)
}

// OnCheckMissing handles a STAT that answered "no such article".
func (p Policy) OnCheckMissing(a *article.Article) Verdict {
	if a.CheckTries <= p.cfg.Check.Tries {
		return Verdict{Action: ActRecheck, Category: CatMissing, Delay: p.cfg.Check.RetryDelay}
	}
	if a.RepostsLeft > 0 {
		return Verdict{Action: ActRepost, Category: CatMissing}
	}
	return p.terminal(CatMissing)
}

// OnCheckError handles a STAT exchange that produced no answer.
func (p Policy) OnCheckError(a *article.Article, cat Category) Verdict {
	if cat != CatAuth && cat != CatMalformed && a.CheckErrors <= p.cfg.Check.Server.RequestRetries {
		return Verdict{Action: ActRecheck, Category: cat, Delay: p.cfg.Check.Server.ReconnectDelay}
	}
	return p.terminal(cat)
}

// ExceedsBudget reports whether errCount skipped+failed articles abort the run.
func (p Policy) ExceedsBudget(errCount int) bool {
	if p.cfg.SkipErrors.All() || p.cfg.PostErrorLimit < 0 {
		return false
	}
	return errCount > p.cfg.PostErrorLimit
}

func (p Policy) terminal(cat Category) Verdict {
	if p.cfg.SkipErrors.Has(cat) {
		return Verdict{Action: ActSkip, Category: cat}
	}
	return Verdict{Action: ActFail, Category: cat}
}
