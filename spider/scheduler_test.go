package spider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nwerren/crawlbit/session"
)

// testSpider drives a crawl from seed URLs through an injectable parse
// function.
type testSpider struct {
	name  string
	seeds []string
	parse func(resp *session.Response) iter.Seq[any]

	mu           sync.Mutex
	closedReason string
}

func (sp *testSpider) Name() string { return sp.name }

func (sp *testSpider) StartURLs() []string { return sp.seeds }

func (sp *testSpider) Parse(resp *session.Response) iter.Seq[any] {
	if sp.parse != nil {
		return sp.parse(resp)
	}
	return func(yield func(any) bool) {}
}

func (sp *testSpider) Closed(reason string) {
	sp.mu.Lock()
	sp.closedReason = reason
	sp.mu.Unlock()
}

func (sp *testSpider) reason() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.closedReason
}

// collectPipeline gathers every item a crawl produces.
type collectPipeline struct {
	mu    sync.Mutex
	items []Item
}

func (p *collectPipeline) ProcessItem(item Item, sp Spider) (Item, error) {
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	return item, nil
}

func (p *collectPipeline) Items() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Item(nil), p.items...)
}

// collectInto registers the collector under the "collect" pipeline name and
// wires it as the crawl's only pipeline.
func collectInto(st *Settings) *collectPipeline {
	col := &collectPipeline{}
	RegisterPipeline("collect", func(*Settings, *slog.Logger) (Pipeline, error) {
		return col, nil
	})
	st.Pipelines = map[string]int{"collect": 100}
	return col
}

func testSettings() *Settings {
	st := DefaultSettings()
	st.Robots.Obey = false
	st.Retry.Backoff = []float64{0}
	return st
}

func runCrawl(t *testing.T, st *Settings, sp Spider, task Task) error {
	t.Helper()
	s := NewScheduler(st, testLogger)
	if err := s.AddSpider(sp, task); err != nil {
		t.Fatalf("AddSpider: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestCrawlCollectsItems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/a">a</a> <a href="/b">b</a>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "page a")
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "page b")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := testSettings()
	col := collectInto(st)
	sp := &testSpider{
		name:  "site",
		seeds: []string{srv.URL + "/"},
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				if !yield(Item{"url": resp.URL}) {
					return
				}
				for _, href := range resp.XPath(`//a/@href`).GetAll() {
					if !yield(NewRequest(resp.URLJoin(href), nil)) {
						return
					}
				}
			}
		},
	}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(col.Items()); got != 3 {
		t.Errorf("collected %d items, want 3", got)
	}
	if sp.reason() != "finished" {
		t.Errorf("close reason = %q, want finished", sp.reason())
	}
}

func TestCrawlDeduplicatesRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `<a href="/">self</a>`)
	}))
	defer srv.Close()

	st := testSettings()
	col := collectInto(st)
	seed := srv.URL + "/"
	sp := &testSpider{
		name:  "loop",
		seeds: []string{seed},
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				if !yield(Item{"url": resp.URL}) {
					return
				}
				yield(NewRequest(seed, nil))
			}
		},
	}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1 after duplicate filtering", hits.Load())
	}
	if got := len(col.Items()); got != 1 {
		t.Errorf("collected %d items, want 1", got)
	}
}

func TestCrawlRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer srv.Close()

	st := testSettings()
	col := collectInto(st)
	sp := &testSpider{
		name:  "retrier",
		seeds: []string{srv.URL + "/flaky"},
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				yield(Item{"status": resp.Status})
			}
		},
	}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
	items := col.Items()
	if len(items) != 1 || items[0]["status"] != 200 {
		t.Errorf("items = %v, want one 200", items)
	}
}

func TestCrawlFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "moved here")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := testSettings()
	col := collectInto(st)
	sp := &testSpider{
		name:  "mover",
		seeds: []string{srv.URL + "/old"},
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				yield(Item{"url": resp.URL, "status": resp.Status})
			}
		},
	}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	items := col.Items()
	if len(items) != 1 {
		t.Fatalf("collected %d items, want 1", len(items))
	}
	if items[0]["url"] != srv.URL+"/new" || items[0]["status"] != 200 {
		t.Errorf("item = %v, want the redirect target", items[0])
	}
}

func TestCrawlObeysRobotsTxt(t *testing.T) {
	var secretHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /secret\n")
	})
	mux.HandleFunc("/secret", func(w http.ResponseWriter, r *http.Request) {
		secretHits.Add(1)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/secret">hidden</a>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := testSettings()
	st.Robots.Obey = true
	col := collectInto(st)
	sp := &testSpider{
		name:  "polite",
		seeds: []string{srv.URL + "/"},
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				if !yield(Item{"url": resp.URL}) {
					return
				}
				yield(NewRequest(srv.URL+"/secret", nil))
			}
		},
	}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if secretHits.Load() != 0 {
		t.Errorf("/secret fetched %d times despite robots.txt", secretHits.Load())
	}
	if got := len(col.Items()); got != 1 {
		t.Errorf("collected %d items, want 1", got)
	}
}

// rewriteMiddleware substitutes a replacement request for one URL.
type rewriteMiddleware struct {
	from, to string
}

func (m *rewriteMiddleware) ProcessRequest(req *Request, sp Spider) (any, error) {
	if req.URL == m.from {
		return &Request{URL: m.to}, nil
	}
	return nil, nil
}

func TestMiddlewareReplacementIsFetched(t *testing.T) {
	var replacementHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/original", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "should not be fetched directly")
	})
	mux.HandleFunc("/replacement", func(w http.ResponseWriter, r *http.Request) {
		replacementHits.Add(1)
		fmt.Fprint(w, "substituted")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := testSettings()
	collectInto(st)
	RegisterMiddleware("rewrite", func(*Settings, *slog.Logger) (any, error) {
		return &rewriteMiddleware{from: srv.URL + "/original", to: srv.URL + "/replacement"}, nil
	})
	st.Middlewares["rewrite"] = 10
	sp := &testSpider{name: "rewritten", seeds: []string{srv.URL + "/original"}}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if replacementHits.Load() != 1 {
		t.Errorf("replacement fetched %d times, want 1", replacementHits.Load())
	}
	if sp.reason() != "finished" {
		t.Errorf("close reason = %q, want finished", sp.reason())
	}
}

func TestRobotsReleaseSendsNoReferer(t *testing.T) {
	var mu sync.Mutex
	referers := map[string]string{}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow:\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		referers[r.URL.Path] = r.Header.Get("Referer")
		mu.Unlock()
		fmt.Fprint(w, "front page")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := testSettings()
	st.Robots.Obey = true
	collectInto(st)
	sp := &testSpider{name: "fresh", seeds: []string{srv.URL + "/"}}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got := referers["/"]; got != "" {
		t.Errorf("seed request carried Referer %q, want none", got)
	}
}

func TestThrottleKeysOnHost(t *testing.T) {
	s := NewScheduler(testSettings(), testLogger)
	w := &queued{req: &Request{URL: "https://a.example.com/x"}}
	key, ok := s.domainKey(w)
	if !ok || key != "a.example.com" {
		t.Fatalf("domainKey = %q, %v, want the full host", key, ok)
	}

	e := &spiderEntry{settings: testSettings()}
	e.settings.Download.DelayDomain = map[string]time.Duration{
		"a.example.com": 5 * time.Second,
	}
	if d := s.domain("a.example.com", e); d.delay != 5*time.Second {
		t.Errorf("delay for a.example.com = %v, want the per-host override", d.delay)
	}
	if d := s.domain("b.example.com", e); d.delay != e.settings.Download.Delay {
		t.Errorf("delay for b.example.com = %v, want the base delay", d.delay)
	}
}

func TestCrawlClosePageCount(t *testing.T) {
	var page atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "endless")
	}))
	defer srv.Close()

	st := testSettings()
	st.Queue.ClosePageCount = 3
	col := collectInto(st)
	sp := &testSpider{
		name:  "capped",
		seeds: []string{srv.URL + "/p/0"},
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				if !yield(Item{"url": resp.URL}) {
					return
				}
				next := fmt.Sprintf("%s/p/%d", srv.URL, page.Add(1))
				yield(NewRequest(next, nil))
			}
		},
	}

	if err := runCrawl(t, st, sp, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sp.reason() != "page count reached" {
		t.Errorf("close reason = %q, want page count reached", sp.reason())
	}
	if got := len(col.Items()); got != 3 {
		t.Errorf("collected %d items, want 3", got)
	}
}

func TestCrawlFromWorkSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "seeded")
	}))
	defer srv.Close()

	st := testSettings()
	col := collectInto(st)
	sp := &testSpider{
		name: "seeded",
		parse: func(resp *session.Response) iter.Seq[any] {
			return func(yield func(any) bool) {
				yield(Item{"url": resp.URL})
			}
		},
	}
	task := NewMemoryTask([]string{srv.URL + "/one", srv.URL + "/two"})

	if err := runCrawl(t, st, sp, task); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(col.Items()); got != 2 {
		t.Errorf("collected %d items, want 2", got)
	}
	if sp.reason() != "finished" {
		t.Errorf("close reason = %q, want finished", sp.reason())
	}
}

// recordingTask hands out its values once and records what comes back.
type recordingTask struct {
	mu      sync.Mutex
	values  []string
	putBack []string
}

func (t *recordingTask) Get(ctx context.Context, n int) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.values) {
		n = len(t.values)
	}
	out := t.values[:n]
	t.values = t.values[n:]
	return out, nil
}

func (t *recordingTask) Put(ctx context.Context, values []string) error {
	t.mu.Lock()
	t.putBack = append(t.putBack, values...)
	t.mu.Unlock()
	return nil
}

func (t *recordingTask) Persistent() bool { return false }

func (t *recordingTask) Close() error { return nil }

func TestInterruptPushesWorkBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	seeds := make([]string, 5)
	for i := range seeds {
		seeds[i] = fmt.Sprintf("%s/job/%d", srv.URL, i)
	}
	task := &recordingTask{values: append([]string(nil), seeds...)}

	st := testSettings()
	st.Download.Concurrent = 2
	sp := &testSpider{name: "interrupted"}

	s := NewScheduler(st, testLogger)
	if err := s.AddSpider(sp, task); err != nil {
		t.Fatalf("AddSpider: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}

	if sp.reason() != "interrupted" {
		t.Errorf("close reason = %q, want interrupted", sp.reason())
	}

	task.mu.Lock()
	returned := map[string]bool{}
	for _, v := range task.putBack {
		returned[v] = true
	}
	task.mu.Unlock()
	// Two transfers are in flight when the deadline hits and may complete
	// either way, but the three never-admitted seeds always come back.
	for _, v := range seeds[2:] {
		if !returned[v] {
			t.Errorf("seed %s was not pushed back", v)
		}
	}
	for v := range returned {
		if v != seeds[0] && v != seeds[1] && v != seeds[2] && v != seeds[3] && v != seeds[4] {
			t.Errorf("unexpected value pushed back: %s", v)
		}
	}
}
