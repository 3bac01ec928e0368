package upload

import (
	"context"
	"errors"
	"strings"

	"newsup/internal/article"
	"newsup/internal/clock"
	"newsup/internal/nntp"
	"newsup/pkg/logx"
)

// worker is one pool loop bound to a single slot.
type worker struct {
	s    *Scheduler
	slot *Slot
	// held is a retry that did not fit back into the post queue; it is
	// taken before the next dequeue.
	held *article.Article
}

func (w *worker) runPost(ctx context.Context) error {
	defer w.slot.close()
	if !w.s.cfg.LazyConnect && !w.connectEager(ctx) {
		return nil
	}
	for {
		if ctx.Err() != nil {
			// Aborted or canceled; whatever is still queued is abandoned.
			return nil
		}
		a := w.held
		w.held = nil
		if a == nil {
			var err error
			a, err = w.s.postQ.Dequeue(ctx)
			if err != nil {
				// End of stream or run canceled.
				return nil
			}
		}
		if !w.post(ctx, a) {
			return nil
		}
	}
}

func (w *worker) runCheck(ctx context.Context) error {
	defer w.slot.close()
	if !w.s.cfg.LazyConnect && !w.connectEager(ctx) {
		return nil
	}
	ready := w.s.checkQ.Ready()
	for {
		if ctx.Err() != nil {
			return nil
		}
		a, err := ready.Dequeue(ctx)
		if err != nil {
			return nil
		}
		if !w.check(ctx, a) {
			return nil
		}
	}
}

// connectEager opens the session at worker start. Only an auth refusal
// stops the worker; other failures are retried when work arrives.
func (w *worker) connectEager(ctx context.Context) bool {
	_, err := w.slot.ensure(ctx)
	if err == nil || ctx.Err() != nil {
		return ctx.Err() == nil
	}
	if errors.Is(err, nntp.ErrAuth) {
		w.retire(ctx, err, func() {})
		return false
	}
	w.s.warn("initial connect failed", logx.String("role", w.slot.role.String()), logx.Int("slot", w.slot.index), logx.Err(err))
	return true
}

// post handles one article end to end on the post side. It returns false
// when the worker must stop.
func (w *worker) post(ctx context.Context, a *article.Article) bool {
	s := w.s
	a.State = article.Posting

	if err := a.Validate(); err != nil {
		w.postFailed(ctx, a, CatMalformed, err)
		return true
	}

	c, err := w.slot.ensure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, nntp.ErrAuth) {
			w.retire(ctx, err, func() { _ = s.postQ.PushFront(ctx, a) })
			return false
		}
		a.PostTries++
		w.postFailed(ctx, a, CatNetwork, err)
		return true
	}

	if ctx.Err() != nil || s.aborting() {
		return false
	}
	a.PostTries++
	id, err := w.slot.post(ctx, c, a)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		cat := Classify(err)
		if cat == CatTimeout {
			a.PostTimeouts++
		}
		w.postFailed(ctx, a, cat, err)
		return true
	}

	if id != "" {
		a.MessageID = id
	}
	s.counters.posted.Add(1)
	s.counters.bytesPosted.Add(uint64(a.Size))
	w.slot.log.Trace("posted", logx.String("article", a.Label()), logx.Int("tries", a.PostTries))

	if !s.cfg.CheckEnabled() || a.MessageID == "" {
		s.finish(a, article.Checked, Verdict{}, false, nil)
		return true
	}
	a.State = article.AwaitingCheck
	// The check side owns a from here on.
	s.checkQ.Add(a, s.cfg.Check.Delay)
	return true
}

func (w *worker) postFailed(ctx context.Context, a *article.Article, cat Category, cause error) {
	s := w.s
	v := s.policy.OnPostFailure(a, cat)
	w.slot.log.Debug("post failed",
		logx.String("article", a.Label()),
		logx.String("category", cat.String()),
		logx.String("verdict", v.Action.String()),
		logx.Int("tries", a.PostTries),
		logx.Err(cause),
	)

	switch v.Action {
	case ActRetry:
		a.State = article.Pending
		if v.Delay > 0 && !clock.Sleep(s.clock, v.Delay, ctx.Done()) {
			return
		}
		w.renewMessageID(a)
		w.requeue(a)
	case ActStripResubmit:
		if a.Headers.Del(v.Header) && strings.EqualFold(v.Header, "Message-ID") {
			// The server assigns the id now; it is read back from the response.
			a.MessageID = ""
		}
		a.State = article.Pending
		w.requeue(a)
	case ActIgnore:
		s.counters.posted.Add(1)
		s.counters.bytesPosted.Add(uint64(a.Size))
		s.finish(a, article.Checked, v, false, nil)
	case ActSkip:
		s.finish(a, article.Skipped, v, false, cause)
	default:
		s.finish(a, article.Failed, v, false, cause)
	}
}

// renewMessageID gives a retried article a fresh id unless ids are kept.
// Articles whose id was stripped keep letting the server choose.
func (w *worker) renewMessageID(a *article.Article) {
	cfg := w.s.cfg
	if cfg.KeepMessageID || a.MessageID == "" || !a.HasForcedID() {
		return
	}
	a.SetMessageID(article.NewMessageID(cfg.MessageIDDomain))
}

// requeue puts a retry at the front of the post queue without blocking; a
// full queue leaves it with this worker.
func (w *worker) requeue(a *article.Article) {
	if !w.s.postQ.TryPushFront(a) {
		w.held = a
	}
}

// retire stops this worker after an auth refusal and hands its article back.
func (w *worker) retire(ctx context.Context, err error, giveBack func()) {
	w.s.log.Error("authentication refused; connection retired",
		logx.String("role", w.slot.role.String()), logx.Int("slot", w.slot.index), logx.Err(err))
	w.s.slotAuthFailed(w.slot.role, err)
	if ctx.Err() == nil {
		giveBack()
	}
}

// check verifies one article. It returns false when the worker must stop.
func (w *worker) check(ctx context.Context, a *article.Article) bool {
	s := w.s
	a.State = article.Checking

	c, err := w.slot.ensure(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, nntp.ErrAuth) {
			w.retire(ctx, err, func() {
				a.State = article.AwaitingCheck
				s.checkQ.Add(a, 0)
			})
			return false
		}
		a.CheckErrors++
		w.checkFailed(ctx, a, s.policy.OnCheckError(a, CatNetwork), err)
		return true
	}

	found, err := w.slot.stat(ctx, c, a.MessageID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		a.CheckErrors++
		w.checkFailed(ctx, a, s.policy.OnCheckError(a, Classify(err)), err)
		return true
	}
	a.CheckTries++

	if found {
		w.slot.log.Trace("verified", logx.String("article", a.Label()), logx.Int("check_tries", a.CheckTries))
		s.finish(a, article.Checked, Verdict{}, true, nil)
		return true
	}
	w.checkFailed(ctx, a, s.policy.OnCheckMissing(a), errArticleMissing)
	return true
}

var errArticleMissing = errors.New("article not found on server")

func (w *worker) checkFailed(ctx context.Context, a *article.Article, v Verdict, cause error) {
	s := w.s
	w.slot.log.Debug("check failed",
		logx.String("article", a.Label()),
		logx.String("category", v.Category.String()),
		logx.String("verdict", v.Action.String()),
		logx.Int("check_tries", a.CheckTries),
		logx.Err(cause),
	)

	switch v.Action {
	case ActRecheck:
		a.State = article.AwaitingCheck
		s.checkQ.Add(a, v.Delay)
	case ActRepost:
		a.RepostsLeft--
		a.EarlierPostTries += a.PostTries
		a.EarlierCheckTries += a.CheckTries
		a.PostTries = 0
		a.PostTimeouts = 0
		a.CheckTries = 0
		a.CheckErrors = 0
		a.State = article.Pending
		old := a.Label()
		w.renewMessageID(a)
		// A refused repost leaves a abandoned: the run is aborting.
		if s.repost(ctx, a) {
			s.log.Info("article missing after checks; posting again",
				logx.String("article", old), logx.String("message_id", a.MessageID), logx.Int("reposts_left", a.RepostsLeft))
		}
	case ActSkip:
		s.finish(a, article.Skipped, v, false, cause)
	default:
		s.finish(a, article.Failed, v, false, cause)
	}
}
