package upload

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"newsup/internal/article"
	"newsup/internal/clock"
	"newsup/internal/nntp"
)

// fakeNNTP is an in-memory server shared by every fake connection. Articles
// are keyed by Subject so tests can follow one across a stripped message-id.
type fakeNNTP struct {
	mu      sync.Mutex
	stored  map[string]bool
	posts   map[string]int
	stats   map[string]int
	headers map[string][]article.Header
	dials   int
	pings   int
	genSeq  int

	authErr error
	dialErr error
	onPing  func(n int) error
	onPost  func(key string, n int) error
	onStat  func(id string, n int) (found bool, err error, handled bool)
}

func newFakeNNTP() *fakeNNTP {
	return &fakeNNTP{
		stored:  map[string]bool{},
		posts:   map[string]int{},
		stats:   map[string]int{},
		headers: map[string][]article.Header{},
	}
}

func (f *fakeNNTP) dial(ctx context.Context, cfg nntp.Config) (Client, error) {
	f.mu.Lock()
	f.dials++
	err := f.dialErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeClient{srv: f}, nil
}

func (f *fakeNNTP) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeNNTP) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeNNTP) postCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[key]
}

func (f *fakeNNTP) statCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[id]
}

type fakeClient struct {
	srv        *fakeNNTP
	sent, recv uint64
}

func (c *fakeClient) Authenticate(ctx context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.authErr
}

func (c *fakeClient) Post(ctx context.Context, h article.Header, body []byte) (string, error) {
	f := c.srv
	key := h.Get("Subject")

	f.mu.Lock()
	f.posts[key]++
	n := f.posts[key]
	f.headers[key] = append(f.headers[key], h.Clone())
	hook := f.onPost
	f.mu.Unlock()

	c.sent += uint64(len(body))
	if hook != nil {
		if err := hook(key, n); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := h.Get("Message-ID")
	if id == "" {
		f.genSeq++
		id = fmt.Sprintf("<gen%d@fake>", f.genSeq)
	}
	id = id[1 : len(id)-1]
	f.stored[id] = true
	c.recv += 32
	return id, nil
}

func (c *fakeClient) Stat(ctx context.Context, id string) (bool, error) {
	f := c.srv
	f.mu.Lock()
	f.stats[id]++
	n := f.stats[id]
	hook := f.onStat
	found := f.stored[id]
	f.mu.Unlock()

	if hook != nil {
		if got, err, handled := hook(id, n); handled {
			return got, err
		}
	}
	return found, nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	f := c.srv
	f.mu.Lock()
	f.pings++
	n := f.pings
	hook := f.onPing
	f.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (c *fakeClient) BytesWritten() uint64 { return c.sent }
func (c *fakeClient) BytesRead() uint64    { return c.recv }
func (c *fakeClient) Close() error         { return nil }

type sliceSource struct {
	items []*article.Article
	next  int
}

// newSliceSource builds n valid articles with subjects art-0..art-(n-1) and
// message-ids art-<i>@test.
func newSliceSource(n int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < n; i++ {
		a := &article.Article{
			Headers: article.Header{
				{Name: "From", Value: "poster <p@test>"},
				{Name: "Newsgroups", Value: "alt.test"},
				{Name: "Subject", Value: fmt.Sprintf("art-%d", i)},
			},
			Body: []byte("payload\r\n"),
			Size: 7,
		}
		a.SetMessageID(fmt.Sprintf("art-%d@test", i))
		s.items = append(s.items, a)
	}
	return s
}

func (s *sliceSource) Inventory() article.Inventory {
	return article.Inventory{TotalArticles: len(s.items)}
}

func (s *sliceSource) Next(ctx context.Context) (*article.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.items) {
		return nil, io.EOF
	}
	a := s.items[s.next]
	s.next++
	return a, nil
}

type collectSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *collectSink) Record(ctx context.Context, o Outcome) error {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) sorted() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]Outcome(nil), c.outcomes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func testConfig() Config {
	srv := nntp.Config{Host: "news.test", Port: 119}
	return Config{
		Post: ServerConfig{Conn: srv, Connections: 2, PostRetries: 1},
		Check: CheckConfig{
			Server:    ServerConfig{Conn: srv, Connections: 1},
			QueueSize: 4,
		},
		PostQueueSize:  4,
		PostErrorLimit: -1,
	}
}

type runOutcome struct {
	res   Result
	err   error
	sink  *collectSink
	sched *Scheduler
}

// runWith runs a scheduler against fake. A background goroutine keeps the
// fake clock moving so delays elapse quickly in real time.
func runWith(t *testing.T, cfg Config, fake *fakeNNTP, src Source) runOutcome {
	t.Helper()
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(cfg, WithDialer(fake.dial), WithClock(fc))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				fc.Advance(250 * time.Millisecond)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	sink := &collectSink{}
	res, err := s.Run(ctx, src, sink)
	if ctx.Err() != nil {
		t.Fatalf("run did not finish: %v", ctx.Err())
	}
	return runOutcome{res: res, err: err, sink: sink, sched: s}
}
