package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"newsup/internal/article"
	"newsup/internal/clock"
	"newsup/internal/nntp"
	"newsup/pkg/logx"
)

var errRejected = &nntp.ResponseError{Op: "POST", Code: 441, Msg: "posting failed"}

func TestThreePartFileAllVerified(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, 2500), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := article.OpenFiles([]string{path}, article.SourceOptions{
		ArticleSize:     1000,
		From:            "poster <p@test>",
		Newsgroups:      "alt.binaries.test",
		MessageIDDomain: "test",
	})
	if err != nil {
		t.Fatalf("OpenFiles error: %v", err)
	}
	defer src.Close()

	cfg := testConfig()
	cfg.Post.Connections = 2
	out := runWith(t, cfg, newFakeNNTP(), src)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	c := out.res.Counters
	if c.ArticlesRead != 3 || c.ArticlesPosted != 3 || c.ArticlesChecked != 3 || c.ArticleErrors != 0 {
		t.Fatalf("counters = %+v", c)
	}
	if c.BytesPosted != 2500 {
		t.Fatalf("BytesPosted = %d, want 2500", c.BytesPosted)
	}
	if !out.res.Clean() {
		t.Fatalf("result not clean: %+v", out.res)
	}
	for _, o := range out.sink.sorted() {
		if o.State != article.Checked || !o.Verified || o.PostTries != 1 {
			t.Fatalf("outcome = %+v", o)
		}
	}
	for name, ch := range map[string]<-chan struct{}{
		"Started":      out.sched.Started(),
		"ReadComplete": out.sched.ReadComplete(),
		"Done":         out.sched.Done(),
	} {
		select {
		case <-ch:
		default:
			t.Fatalf("%s did not fire", name)
		}
	}
}

func TestPostRetriesMeanNPlusOneAttempts(t *testing.T) {
	t.Parallel()
	for _, retries := range []int{0, 1, 3} {
		retries := retries
		t.Run(fmt.Sprintf("retries=%d", retries), func(t *testing.T) {
			t.Parallel()
			fake := newFakeNNTP()
			fake.onPost = func(string, int) error { return errRejected }

			cfg := testConfig()
			cfg.Post.PostRetries = retries
			out := runWith(t, cfg, fake, newSliceSource(1))
			if out.err != nil {
				t.Fatalf("Run error: %v", out.err)
			}
			if got := fake.postCount("art-0"); got != retries+1 {
				t.Fatalf("post attempts = %d, want %d", got, retries+1)
			}
			o := out.sink.sorted()
			if len(o) != 1 || o[0].State != article.Failed || o[0].PostTries != retries+1 || o[0].Category != "rejected" {
				t.Fatalf("outcomes = %+v", o)
			}
		})
	}
}

func TestErrorLimitAbortsOnlyPastLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		failing   int
		skipAll   bool
		wantAbort bool
	}{
		{name: "at limit", failing: 2},
		{name: "past limit", failing: 3, wantAbort: true},
		{name: "skip all ignores limit", failing: 3, skipAll: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := newFakeNNTP()
			fake.onPost = func(key string, _ int) error {
				var i int
				fmt.Sscanf(key, "art-%d", &i)
				if i < tc.failing {
					return errRejected
				}
				return nil
			}
			cfg := testConfig()
			cfg.Post.Connections = 1
			cfg.Post.PostRetries = 0
			cfg.PostErrorLimit = 2
			if tc.skipAll {
				cfg.SkipErrors = SkipAll()
			}
			out := runWith(t, cfg, fake, newSliceSource(tc.failing+2))

			if tc.wantAbort {
				if !errors.Is(out.err, ErrErrorLimit) || !out.res.Aborted {
					t.Fatalf("Run = %+v, %v; want ErrErrorLimit", out.res, out.err)
				}
				return
			}
			if out.err != nil {
				t.Fatalf("Run error: %v", out.err)
			}
			c := out.res.Counters
			if c.Completed != 2 || c.Skipped+c.Failed != uint64(tc.failing) {
				t.Fatalf("counters = %+v", c)
			}
			if tc.skipAll && c.ArticleErrors != uint64(tc.failing) {
				t.Fatalf("ArticleErrors = %d, want %d", c.ArticleErrors, tc.failing)
			}
		})
	}
}

func TestRecheckUntilFound(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onStat = func(id string, n int) (bool, error, bool) {
		if n < 3 {
			return false, nil, true
		}
		return false, nil, false
	}
	cfg := testConfig()
	cfg.Check.Tries = 2
	cfg.Check.RetryDelay = 5 * time.Second

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	o := out.sink.sorted()
	if len(o) != 1 || o[0].State != article.Checked || o[0].CheckTries != 3 || !o[0].Verified {
		t.Fatalf("outcomes = %+v", o)
	}
	if c := out.res.Counters; c.Skipped+c.Failed != 0 || c.ArticlesChecked != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if got := fake.statCount("art-0@test"); got != 3 {
		t.Fatalf("STAT count = %d, want 3", got)
	}
}

func TestStripMessageIDAfterTimeout(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onPost = func(_ string, n int) error {
		if n == 1 {
			return fmt.Errorf("%w: read tcp: i/o timeout", nntp.ErrTimeout)
		}
		return nil
	}
	strip, err := ParseTimeoutAction("strip-hdr=Message-ID")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Post.PostRetries = 0
	cfg.Post.OnPostTimeout = []TimeoutAction{strip}

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	o := out.sink.sorted()
	if len(o) != 1 || o[0].State != article.Checked || o[0].PostTries != 2 || !o[0].Verified {
		t.Fatalf("outcomes = %+v", o)
	}
	if o[0].MessageID == "art-0@test" {
		t.Fatal("message-id was not replaced by the server's")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	hs := fake.headers["art-0"]
	if len(hs) != 2 || hs[0].Get("Message-ID") == "" || hs[1].Get("Message-ID") != "" {
		t.Fatalf("posted headers = %+v", hs)
	}
}

func TestIgnoreTimeoutSkipsVerification(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onPost = func(string, int) error { return nntp.ErrTimeout }
	cfg := testConfig()
	cfg.Post.OnPostTimeout = []TimeoutAction{{Kind: TimeoutIgnore}}

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	o := out.sink.sorted()
	if len(o) != 1 || o[0].State != article.Checked || o[0].Verified {
		t.Fatalf("outcomes = %+v", o)
	}
	c := out.res.Counters
	if c.ArticlesPosted != 1 || c.ArticlesChecked != 0 || c.Completed != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if fake.statCount("art-0@test") != 0 {
		t.Fatal("ignored timeout was still checked")
	}
}

func TestRepostAfterMissingCheck(t *testing.T) {
	t.Parallel()
	for _, keep := range []bool{false, true} {
		keep := keep
		t.Run(fmt.Sprintf("keep_message_id=%v", keep), func(t *testing.T) {
			t.Parallel()
			fake := newFakeNNTP()
			var statsSeen int
			fake.onStat = func(string, int) (bool, error, bool) {
				// One check connection; only the first STAT misses.
				statsSeen++
				return false, nil, statsSeen == 1
			}
			cfg := testConfig()
			cfg.Check.Tries = 0
			cfg.Check.PostTries = 1
			cfg.KeepMessageID = keep
			cfg.MessageIDDomain = "renewed.test"

			out := runWith(t, cfg, fake, newSliceSource(1))
			if out.err != nil {
				t.Fatalf("Run error: %v", out.err)
			}
			if got := fake.postCount("art-0"); got != 2 {
				t.Fatalf("posts = %d, want 2", got)
			}
			o := out.sink.sorted()
			if len(o) != 1 || o[0].State != article.Checked || !o[0].Verified || o[0].PostTries != 2 || o[0].CheckTries != 2 {
				t.Fatalf("outcomes = %+v", o)
			}

			fake.mu.Lock()
			hs := fake.headers["art-0"]
			fake.mu.Unlock()
			first, second := hs[0].Get("Message-ID"), hs[1].Get("Message-ID")
			if keep && first != second {
				t.Fatalf("message-id changed with keep_message_id: %s then %s", first, second)
			}
			if !keep && (first == second || !strings.HasSuffix(second, "@renewed.test>")) {
				t.Fatalf("message-id not renewed: %s then %s", first, second)
			}
			if o[0].MessageID != strings.Trim(second, "<>") {
				t.Fatalf("outcome id = %s, want %s", o[0].MessageID, second)
			}
		})
	}
}

func TestPostRetryRenewsMessageID(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onPost = func(_ string, n int) error {
		if n == 1 {
			return errRejected
		}
		return nil
	}
	cfg := testConfig()
	cfg.MessageIDDomain = "renewed.test"

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	fake.mu.Lock()
	hs := fake.headers["art-0"]
	fake.mu.Unlock()
	if len(hs) != 2 || hs[0].Get("Message-ID") != "<art-0@test>" || !strings.HasSuffix(hs[1].Get("Message-ID"), "@renewed.test>") {
		t.Fatalf("posted headers = %+v", hs)
	}
	if o := out.sink.sorted(); len(o) != 1 || o[0].State != article.Checked || o[0].MessageID == "art-0@test" {
		t.Fatalf("outcomes = %+v", o)
	}
}

func TestAbortStopsFurtherPosts(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onPost = func(key string, _ int) error {
		if key == "art-0" {
			return errRejected
		}
		return nil
	}
	cfg := testConfig()
	cfg.Post.Connections = 1
	cfg.Post.PostRetries = 0
	cfg.PostErrorLimit = 0

	out := runWith(t, cfg, fake, newSliceSource(6))
	if !errors.Is(out.err, ErrErrorLimit) || !out.res.Aborted {
		t.Fatalf("Run = %+v, %v; want ErrErrorLimit", out.res, out.err)
	}
	fake.mu.Lock()
	total := 0
	for _, n := range fake.posts {
		total += n
	}
	fake.mu.Unlock()
	if total != 1 {
		t.Fatalf("POST count = %d, want only the rejected one", total)
	}
	if c := out.res.Counters; c.ArticlesPosted != 0 || c.Failed != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestRepostRefusedOnceAborting(t *testing.T) {
	t.Parallel()
	s, err := New(testConfig(), WithDialer(newFakeNNTP().dial))
	if err != nil {
		t.Fatal(err)
	}
	s.cancel = func(error) {}
	s.abort(ErrErrorLimit)

	a := newSliceSource(1).items[0]
	if s.repost(context.Background(), a) {
		t.Fatal("repost admitted after abort")
	}
	if n := s.postQ.Len(); n != 0 {
		t.Fatalf("post queue holds %d articles after abort", n)
	}
}

func TestFailedPostsAreDumped(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onPost = func(key string, _ int) error {
		if key == "art-1" {
			return errRejected
		}
		return nil
	}
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Post.PostRetries = 0
	cfg.KeepMessageID = true
	cfg.DumpFailedPosts = dir

	out := runWith(t, cfg, fake, newSliceSource(3))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "art-1@test" {
		t.Fatalf("dump dir = %v, want only art-1@test", entries)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "art-1@test"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("Subject: art-1\r\n")) || !bytes.HasSuffix(raw, []byte("\r\n\r\npayload\r\n")) {
		t.Fatalf("dumped article = %q", raw)
	}
}

func TestConnectRetriesExhaustedFailsArticle(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.dialErr = &nntp.NetError{Err: io.ErrUnexpectedEOF}
	cfg := testConfig()
	cfg.Post.Connections = 1
	cfg.Post.ConnectRetries = 2
	cfg.Post.PostRetries = 0
	cfg.Check.Server.Connections = 0
	cfg.LazyConnect = true

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if got := fake.dialCount(); got != cfg.Post.ConnectRetries+1 {
		t.Fatalf("dials = %d, want %d", got, cfg.Post.ConnectRetries+1)
	}
	o := out.sink.sorted()
	if len(o) != 1 || o[0].State != article.Failed || o[0].Category != CatNetwork.String() || o[0].PostTries != 1 {
		t.Fatalf("outcomes = %+v", o)
	}
	if fake.postCount("art-0") != 0 {
		t.Fatal("article was posted without a connection")
	}
}

// gatedSource yields nothing until release is closed, then ends.
type gatedSource struct{ release chan struct{} }

func (g gatedSource) Inventory() article.Inventory { return article.Inventory{} }

func (g gatedSource) Next(ctx context.Context) (*article.Article, error) {
	select {
	case <-g.release:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLazyConnectDialsOnlyForWork(t *testing.T) {
	t.Parallel()
	for _, lazy := range []bool{false, true} {
		lazy := lazy
		t.Run(fmt.Sprintf("lazy=%v", lazy), func(t *testing.T) {
			t.Parallel()
			fake := newFakeNNTP()
			cfg := testConfig()
			cfg.LazyConnect = lazy
			want := cfg.Post.Connections + cfg.Check.Server.Connections
			s, err := New(cfg, WithDialer(fake.dial))
			if err != nil {
				t.Fatal(err)
			}

			src := gatedSource{release: make(chan struct{})}
			done := make(chan error, 1)
			go func() {
				_, err := s.Run(context.Background(), src, &collectSink{})
				done <- err
			}()
			<-s.Started()

			if lazy {
				time.Sleep(50 * time.Millisecond)
				if got := fake.dialCount(); got != 0 {
					t.Fatalf("dials before work = %d, want 0", got)
				}
			} else {
				deadline := time.Now().Add(5 * time.Second)
				for fake.dialCount() != want {
					if time.Now().After(deadline) {
						t.Fatalf("dials = %d, want %d at start", fake.dialCount(), want)
					}
					time.Sleep(time.Millisecond)
				}
			}

			close(src.release)
			if err := <-done; err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if lazy && fake.dialCount() != 0 {
				t.Fatalf("lazy run with no articles dialed %d times", fake.dialCount())
			}
		})
	}
}

func TestKeepAlivePingsIdleSession(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sl := newSlot(RolePost, 0, ServerConfig{
		Conn:              nntp.Config{Host: "news.test"},
		Connections:       1,
		KeepAlive:         true,
		KeepAliveInterval: time.Minute,
	}, fake.dial, fc, logx.Nop())
	defer sl.close()
	ctx := context.Background()

	steps := []struct {
		name      string
		advance   time.Duration
		failPing  bool
		wantPings int
		wantDials int
	}{
		{name: "connect", wantDials: 1},
		{name: "recently active", advance: 30 * time.Second, wantDials: 1},
		{name: "idle", advance: 2 * time.Minute, wantPings: 1, wantDials: 1},
		{name: "ping refreshed activity", advance: 30 * time.Second, wantPings: 1, wantDials: 1},
		{name: "failed ping reconnects", advance: 2 * time.Minute, failPing: true, wantPings: 2, wantDials: 2},
	}
	for _, st := range steps {
		fc.Advance(st.advance)
		fake.mu.Lock()
		fake.onPing = nil
		if st.failPing {
			fake.onPing = func(int) error { return &nntp.NetError{Err: io.EOF} }
		}
		fake.mu.Unlock()

		if _, err := sl.ensure(ctx); err != nil {
			t.Fatalf("%s: ensure error: %v", st.name, err)
		}
		if got := fake.pingCount(); got != st.wantPings {
			t.Fatalf("%s: pings = %d, want %d", st.name, got, st.wantPings)
		}
		if got := fake.dialCount(); got != st.wantDials {
			t.Fatalf("%s: dials = %d, want %d", st.name, got, st.wantDials)
		}
	}
	if sl.Snapshot().NumConnects != 2 {
		t.Fatalf("NumConnects = %d, want 2", sl.Snapshot().NumConnects)
	}
}

func TestMissingAfterAllChecksIsSkipped(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onStat = func(string, int) (bool, error, bool) { return false, nil, true }
	cfg := testConfig()
	cfg.Check.Tries = 1
	skip, err := ParseSkipErrors([]string{"check-missing"})
	if err != nil {
		t.Fatal(err)
	}
	cfg.SkipErrors = skip

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	o := out.sink.sorted()
	if len(o) != 1 || o[0].State != article.Skipped || o[0].Category != "check-missing" {
		t.Fatalf("outcomes = %+v", o)
	}
	if c := out.res.Counters; c.ArticleErrors != 1 || c.Skipped != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if got := fake.statCount("art-0@test"); got != 2 {
		t.Fatalf("STAT count = %d, want 2", got)
	}
}

func TestCheckRequestErrorsRetryThenFail(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.onStat = func(string, int) (bool, error, bool) {
		return false, &nntp.NetError{Err: io.ErrUnexpectedEOF}, true
	}
	cfg := testConfig()
	cfg.Check.Server.RequestRetries = 2

	out := runWith(t, cfg, fake, newSliceSource(1))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	o := out.sink.sorted()
	if len(o) != 1 || o[0].State != article.Failed || o[0].Category != "network" || o[0].CheckTries != 0 {
		t.Fatalf("outcomes = %+v", o)
	}
	if got := fake.statCount("art-0@test"); got != 3 {
		t.Fatalf("STAT count = %d, want 3", got)
	}
}

func TestMalformedIsNeverPosted(t *testing.T) {
	t.Parallel()
	src := newSliceSource(2)
	src.items[0].Headers.Del("Newsgroups")
	fake := newFakeNNTP()

	out := runWith(t, testConfig(), fake, src)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if fake.postCount("art-0") != 0 {
		t.Fatal("malformed article reached the server")
	}
	o := out.sink.sorted()
	if len(o) != 2 || o[0].State != article.Failed || o[0].Category != "malformed" || o[1].State != article.Checked {
		t.Fatalf("outcomes = %+v", o)
	}
}

func TestCheckingDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Check.Server.Connections = 0
	out := runWith(t, cfg, newFakeNNTP(), newSliceSource(5))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	c := out.res.Counters
	if c.Completed != 5 || c.ArticlesPosted != 5 || c.ArticlesChecked != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestAuthFailureAbortsRun(t *testing.T) {
	t.Parallel()
	fake := newFakeNNTP()
	fake.authErr = &nntp.AuthError{Code: 481, Msg: "bad credentials"}

	out := runWith(t, testConfig(), fake, newSliceSource(3))
	if !errors.Is(out.err, ErrAuth) || !errors.Is(out.err, nntp.ErrAuth) {
		t.Fatalf("Run error = %v, want ErrAuth", out.err)
	}
	if !out.res.Aborted || out.res.Counters.ArticlesPosted != 0 {
		t.Fatalf("result = %+v", out.res)
	}
	for _, sl := range out.sched.Snapshot().Slots {
		if sl.Phase != PhaseClosed.String() {
			t.Fatalf("slot %s.%d phase = %s after run", sl.Role, sl.Index, sl.Phase)
		}
	}
}

func TestEveryArticleTerminatesOnceUnderRandomFailures(t *testing.T) {
	t.Parallel()
	const n = 300
	fake := newFakeNNTP()
	var rngMu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	roll := func(k int) bool {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.Intn(k) == 0
	}
	fake.onPost = func(string, int) error {
		switch {
		case roll(6):
			return &nntp.NetError{Err: io.ErrUnexpectedEOF}
		case roll(10):
			return errRejected
		case roll(12):
			return nntp.ErrTimeout
		}
		return nil
	}
	fake.onStat = func(string, int) (bool, error, bool) {
		switch {
		case roll(8):
			return false, nil, true
		case roll(15):
			return false, nntp.ErrTimeout, true
		}
		return false, nil, false
	}

	cfg := testConfig()
	cfg.Post.Connections = 4
	cfg.Post.PostRetries = 2
	cfg.Post.OnPostTimeout = []TimeoutAction{{Kind: TimeoutRetry}, {Kind: TimeoutStripHeader, Header: "X-Nope"}}
	cfg.Check.Server.Connections = 2
	cfg.Check.Server.RequestRetries = 1
	cfg.Check.Tries = 1
	cfg.Check.PostTries = 1
	cfg.Check.RetryDelay = time.Second
	cfg.Check.QueueSize = 2
	cfg.PostQueueSize = 3
	cfg.SkipErrors = SkipAll()

	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(cfg, WithDialer(fake.dial), WithClock(fc))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := make(chan struct{})
	var violations []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				fc.Advance(250 * time.Millisecond)
				snap := s.Snapshot()
				if snap.PostQueue > snap.PostQueueCap || snap.CheckReady > snap.CheckReadyCap {
					violations = append(violations, fmt.Sprintf("%+v", snap))
				}
				if snap.InFlight > cfg.InFlightLimit() {
					violations = append(violations, fmt.Sprintf("in flight %d", snap.InFlight))
				}
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sink := &collectSink{}
	res, err := s.Run(ctx, newSliceSource(n), sink)
	close(stop)
	wg.Wait()

	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(violations) > 0 {
		t.Fatalf("capacity violations: %v", violations[0])
	}
	c := res.Counters
	if c.ArticlesRead != n || c.Terminal() != n || res.Abandoned != 0 {
		t.Fatalf("counters = %+v abandoned=%d", c, res.Abandoned)
	}
	seen := map[uint64]bool{}
	for _, o := range sink.sorted() {
		if seen[o.Seq] {
			t.Fatalf("article %d recorded twice", o.Seq)
		}
		seen[o.Seq] = true
		if !o.State.Terminal() {
			t.Fatalf("non-terminal outcome %+v", o)
		}
	}
	if len(seen) != n {
		t.Fatalf("recorded %d outcomes, want %d", len(seen), n)
	}
}

func TestLookupPendingCheck(t *testing.T) {
	t.Parallel()
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.Check.Delay = time.Hour
	s, err := New(cfg, WithDialer(newFakeNNTP().dial), WithClock(fc))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, newSliceSource(1), &collectSink{})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for s.Snapshot().CheckPending != 1 {
		if time.Now().After(deadline) {
			t.Fatal("article never reached the check buffer")
		}
		time.Sleep(time.Millisecond)
	}

	info, ok := s.LookupCheck("<art-0@test>")
	if !ok || info.Subject != "art-0" || !info.FireAt.Equal(fc.Now().Add(time.Hour)) {
		t.Fatalf("LookupCheck = %+v, %v", info, ok)
	}
	if items := s.CheckQueueItems(); len(items) != 1 {
		t.Fatalf("CheckQueueItems = %+v", items)
	}
	if _, ok := s.LookupCheck("nope@test"); ok {
		t.Fatal("LookupCheck found an unknown id")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestRunTwice(t *testing.T) {
	t.Parallel()
	out := runWith(t, testConfig(), newFakeNNTP(), newSliceSource(1))
	if _, err := out.sched.Run(context.Background(), newSliceSource(1), nil); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run = %v, want ErrAlreadyRun", err)
	}
}
