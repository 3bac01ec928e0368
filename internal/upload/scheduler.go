package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"newsup/internal/article"
	"newsup/internal/clock"
	"newsup/internal/eventbus"
	"newsup/internal/queue"
	"newsup/internal/runtime/supervisor"
	"newsup/pkg/logx"
)

// Source produces articles. Next returns io.EOF once exhausted and may block.
type Source interface {
	Inventory() article.Inventory
	Next(ctx context.Context) (*article.Article, error)
}

// Sink receives exactly one Outcome per terminal article. Record is called
// concurrently from workers.
type Sink interface {
	Record(ctx context.Context, o Outcome) error
}

// Outcome is the terminal record of one article.
type Outcome struct {
	Seq        uint64        `json:"seq"`
	MessageID  string        `json:"message_id"`
	State      article.State `json:"-"`
	StateName  string        `json:"state"`
	Size       int           `json:"size"`
	Part       int           `json:"part,omitempty"`
	TotalParts int           `json:"total_parts,omitempty"`
	File       string        `json:"file,omitempty"`
	Subject    string        `json:"subject,omitempty"`
	PostTries  int           `json:"post_tries"`
	CheckTries int           `json:"check_tries"`
	Verified   bool          `json:"verified"`
	Category   string        `json:"category,omitempty"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// Result summarizes a finished run.
type Result struct {
	Counters CounterSnapshot `json:"counters"`
	// Abandoned articles were admitted but had no terminal state when the
	// run was aborted.
	Abandoned uint64        `json:"abandoned"`
	Aborted   bool          `json:"aborted"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Clean reports whether every article was posted (and verified, if checking).
func (r Result) Clean() bool {
	return !r.Aborted && r.Counters.Skipped == 0 && r.Counters.Failed == 0 && r.Abandoned == 0
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithClock(c clock.Clock) Option    { return func(s *Scheduler) { s.clock = c } }
func WithBus(b eventbus.Bus) Option     { return func(s *Scheduler) { s.bus = b } }
func WithDialer(d Dialer) Option        { return func(s *Scheduler) { s.dial = d } }

// Scheduler wires the source, both pools and the sink for a single run.
type Scheduler struct {
	cfg    Config
	policy Policy
	log    logx.Logger
	clock  clock.Clock
	bus    eventbus.Bus
	dial   Dialer

	counters Counters
	postQ    *queue.Bounded[*article.Article]
	checkQ   *queue.Delayed[*article.Article]
	gate     chan struct{}

	postSlots  []*Slot
	checkSlots []*Slot
	warnLimit  *rate.Limiter
	dump       *failedDump

	ran    atomic.Bool
	seq    atomic.Uint64
	sink   Sink
	cancel context.CancelCauseFunc

	// mu guards the error budget, abort decision, repost admission and the
	// in-flight count used to decide end of stream.
	mu           sync.Mutex
	errCount     int
	abortErr     error
	inFlight     int
	producerDone bool
	authDead     map[Role]int

	startedCh, readDoneCh, doneCh       chan struct{}
	startedOnce, readDoneOnce, doneOnce sync.Once
}

// New validates cfg and builds an idle scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("upload config: %w", err)
	}
	s := &Scheduler{
		cfg:        cfg,
		policy:     NewPolicy(cfg),
		log:        logx.Nop(),
		clock:      clock.Real(),
		dial:       DialNNTP,
		authDead:   map[Role]int{},
		startedCh:  make(chan struct{}),
		readDoneCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		warnLimit:  rate.NewLimiter(rate.Every(5*time.Second), 3),
		dump:       newFailedDump(cfg.DumpFailedPosts),
	}
	for _, o := range opts {
		o(s)
	}
	base := s.log
	s.log = base.With(logx.String("comp", "upload"))

	s.postQ = queue.NewBounded[*article.Article](cfg.PostQueueSize)
	checkCap := cfg.Check.QueueSize
	if checkCap <= 0 {
		checkCap = 1
	}
	s.checkQ = queue.NewDelayed(queue.NewBounded[*article.Article](checkCap), s.clock)
	s.gate = make(chan struct{}, cfg.InFlightLimit())

	for i := 0; i < cfg.Post.Connections; i++ {
		s.postSlots = append(s.postSlots, newSlot(RolePost, i, cfg.Post, s.dial, s.clock, base))
	}
	for i := 0; i < cfg.Check.Server.Connections; i++ {
		s.checkSlots = append(s.checkSlots, newSlot(RoleCheck, i, cfg.Check.Server, s.dial, s.clock, base))
	}
	return s, nil
}

// Started fires once the run has begun and the inventory is known.
func (s *Scheduler) Started() <-chan struct{} { return s.startedCh }

// ReadComplete fires once the source returned io.EOF.
func (s *Scheduler) ReadComplete() <-chan struct{} { return s.readDoneCh }

// Done fires when Run is about to return.
func (s *Scheduler) Done() <-chan struct{} { return s.doneCh }

func (s *Scheduler) Counters() CounterSnapshot { return s.counters.Snapshot() }

// Run drives one upload to completion. It returns ErrErrorLimit or ErrAuth
// (wrapped) when the run was aborted, the parent context error when it was
// canceled, and nil otherwise, including runs with skipped or failed
// articles under budget.
func (s *Scheduler) Run(ctx context.Context, src Source, sink Sink) (Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}
	start := s.clock.Now()
	s.sink = sink

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancel = cancel

	inv := src.Inventory()
	s.log.Info("upload started",
		logx.Int("files", len(inv.Files)),
		logx.Int("articles", inv.TotalArticles),
		logx.Int64("bytes", inv.TotalSize),
		logx.Int("post_conns", len(s.postSlots)),
		logx.Int("check_conns", len(s.checkSlots)),
	)
	s.startedOnce.Do(func() { close(s.startedCh) })
	s.publish(eventbus.UploadStarted, inv)

	// The promoter outlives the workers: it stops only after they are gone.
	promoter := supervisor.New(runCtx, supervisor.WithLogger(s.log))
	if len(s.checkSlots) > 0 {
		promoter.Go("check.promoter", s.checkQ.Run)
	}

	sup := supervisor.New(runCtx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(true))
	for _, sl := range s.postSlots {
		w := &worker{s: s, slot: sl}
		sup.Go(fmt.Sprintf("post.%d", sl.index), w.runPost)
	}
	for _, sl := range s.checkSlots {
		w := &worker{s: s, slot: sl}
		sup.Go(fmt.Sprintf("check.%d", sl.index), w.runCheck)
	}
	sup.Go("producer", func(ctx context.Context) error { return s.produce(ctx, src) })

	supErr := sup.Wait(context.Background())
	_ = promoter.Stop(context.Background())

	res := Result{Counters: s.counters.Snapshot(), Elapsed: s.clock.Now().Sub(start)}
	res.Abandoned = res.Counters.ArticlesRead - res.Counters.Terminal()

	s.mu.Lock()
	abortErr := s.abortErr
	s.mu.Unlock()

	var err error
	switch {
	case abortErr != nil:
		res.Aborted = true
		err = abortErr
	case supErr != nil:
		err = supErr
	case ctx.Err() != nil:
		err = context.Cause(ctx)
	}

	fields := []logx.Field{
		logx.Uint64("read", res.Counters.ArticlesRead),
		logx.Uint64("posted", res.Counters.ArticlesPosted),
		logx.Uint64("checked", res.Counters.ArticlesChecked),
		logx.Uint64("skipped", res.Counters.Skipped),
		logx.Uint64("failed", res.Counters.Failed),
		logx.Uint64("abandoned", res.Abandoned),
		logx.Duration("elapsed", res.Elapsed),
	}
	if err != nil {
		s.log.Error("upload aborted", append(fields, logx.Err(err))...)
	} else {
		s.log.Info("upload finished", fields...)
	}
	s.publish(eventbus.UploadDone, res)
	s.doneOnce.Do(func() { close(s.doneCh) })
	return res, err
}

func (s *Scheduler) produce(ctx context.Context, src Source) error {
	defer func() {
		s.mu.Lock()
		s.producerDone = true
		s.maybeFinishLocked()
		s.mu.Unlock()
	}()

	var lastFile *article.FileRef
	for {
		a, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.log.Debug("source exhausted", logx.Uint64("articles", s.counters.read.Load()))
			s.readDoneOnce.Do(func() { close(s.readDoneCh) })
			s.publish(eventbus.UploadReadComplete, s.counters.Snapshot())
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.abort(fmt.Errorf("read source: %w", err))
			return nil
		}

		select {
		case s.gate <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		s.mu.Lock()
		if s.abortErr != nil {
			s.mu.Unlock()
			<-s.gate
			return nil
		}
		s.inFlight++
		s.mu.Unlock()

		a.Seq = s.seq.Add(1)
		a.State = article.Pending
		if s.cfg.CheckEnabled() {
			a.RepostsLeft = s.cfg.Check.PostTries
		}
		s.counters.read.Add(1)
		if a.File != nil && a.File != lastFile {
			lastFile = a.File
			s.log.Info("processing file", logx.String("file", a.File.Name), logx.Int("parts", a.File.Parts), logx.Int64("size", a.File.Size))
			s.publish(eventbus.UploadFile, *a.File)
		}

		if err := s.postQ.Enqueue(ctx, a); err != nil {
			s.release()
			return nil
		}
	}
}

// finish records the single terminal transition of a.
func (s *Scheduler) finish(a *article.Article, st article.State, v Verdict, verified bool, cause error) {
	if a.State.Terminal() {
		panic(fmt.Sprintf("upload: article %d finished twice (%s then %s)", a.Seq, a.State, st))
	}
	a.State = st

	switch st {
	case article.Checked:
		s.counters.completed.Add(1)
		if verified {
			s.counters.checked.Add(1)
		}
	case article.Skipped:
		s.counters.skipped.Add(1)
		s.counters.articleErrors.Add(1)
	case article.Failed:
		s.counters.failed.Add(1)
	}

	o := Outcome{
		Seq:        a.Seq,
		MessageID:  a.MessageID,
		State:      st,
		StateName:  st.String(),
		Size:       a.Size,
		Part:       a.Part,
		TotalParts: a.TotalParts,
		Subject:    a.Headers.Get("Subject"),
		PostTries:  a.TotalPostTries(),
		CheckTries: a.TotalCheckTries(),
		Verified:   verified,
		At:         s.clock.Now(),
	}
	if a.File != nil {
		o.File = a.File.Name
	}
	if st != article.Checked {
		o.Category = v.Category.String()
		if cause != nil {
			o.Error = cause.Error()
		}
		s.warn("article "+st.String(), logx.String("article", a.Label()), logx.String("category", o.Category), logx.Err(cause))
		if s.dump != nil {
			if path, err := s.dump.write(a); err != nil {
				s.warn("dumping failed post", logx.String("article", a.Label()), logx.Err(err))
			} else {
				s.log.Debug("failed post dumped", logx.String("article", a.Label()), logx.String("path", path))
			}
		}
	}

	if s.sink != nil {
		// Outcomes are recorded even while the run is being aborted.
		if err := s.sink.Record(context.Background(), o); err != nil {
			s.warn("recording outcome failed", logx.String("article", a.Label()), logx.Err(err))
		}
	}
	s.publish(eventbus.UploadArticle, o)

	s.mu.Lock()
	if st != article.Checked {
		s.errCount++
		if s.policy.ExceedsBudget(s.errCount) {
			s.abortLocked(fmt.Errorf("%w: %d articles skipped or failed (limit %d)", ErrErrorLimit, s.errCount, s.cfg.PostErrorLimit))
		}
	}
	s.mu.Unlock()
	s.release()
}

// release frees the in-flight slot of an article that left the pipeline.
func (s *Scheduler) release() {
	s.mu.Lock()
	s.inFlight--
	s.maybeFinishLocked()
	s.mu.Unlock()
	<-s.gate
}

// maybeFinishLocked ends both queues once nothing can re-enter them.
func (s *Scheduler) maybeFinishLocked() {
	if s.producerDone && s.inFlight == 0 {
		s.postQ.MarkFinished()
		s.checkQ.Ready().MarkFinished()
	}
}

func (s *Scheduler) abort(err error) {
	s.mu.Lock()
	s.abortLocked(err)
	s.mu.Unlock()
}

func (s *Scheduler) abortLocked(err error) {
	if s.abortErr != nil {
		return
	}
	s.abortErr = err
	s.cancel(err)
}

// repost puts a back at the front of the post queue unless the run is
// aborting. Admission and insertion share s.mu with abortLocked, so nothing
// enters the queue once the abort was decided; a full queue falls back to a
// blocking push that the abort's cancel interrupts.
func (s *Scheduler) repost(ctx context.Context, a *article.Article) bool {
	s.mu.Lock()
	if s.abortErr != nil {
		s.mu.Unlock()
		return false
	}
	if s.postQ.TryPushFront(a) {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	// Post workers never wait on the check side, so blocking here is safe.
	return s.postQ.PushFront(ctx, a) == nil
}

// aborting reports whether the run has decided to stop.
func (s *Scheduler) aborting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr != nil
}

// slotAuthFailed retires a slot; the last live slot of a pool aborts the run.
func (s *Scheduler) slotAuthFailed(role Role, err error) {
	total := len(s.postSlots)
	if role == RoleCheck {
		total = len(s.checkSlots)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authDead[role]++
	if s.authDead[role] >= total {
		s.abortLocked(fmt.Errorf("%w (%s pool): %w", ErrAuth, role, err))
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}

// warn throttles repeated warnings; the overflow still goes to debug.
func (s *Scheduler) warn(msg string, fields ...logx.Field) {
	if s.warnLimit.Allow() {
		s.log.Warn(msg, fields...)
		return
	}
	s.log.Debug(msg, fields...)
}
