package spider

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nwerren/crawlbit/session"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestStatisticsDuplicateFilter(t *testing.T) {
	m := NewStatistics(testLogger)
	sp := &testSpider{name: "shop"}
	req := &Request{URL: "https://example.com/a"}

	if _, err := m.ProcessRequest(req, sp); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := m.ProcessRequest(&Request{URL: "https://example.com/a"}, sp); !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("duplicate should be ignored, got %v", err)
	}
	if _, err := m.ProcessRequest(&Request{URL: "https://example.com/b"}, sp); err != nil {
		t.Errorf("different url should pass, got %v", err)
	}
	if _, err := m.ProcessRequest(&Request{URL: "https://example.com/a", DontFilter: true}, sp); err != nil {
		t.Errorf("DontFilter should bypass the filter, got %v", err)
	}
	if _, err := m.ProcessRequest(&Request{URL: "https://example.com/a", retry: true}, sp); err != nil {
		t.Errorf("retry should bypass the filter, got %v", err)
	}
}

func TestStatisticsDump(t *testing.T) {
	m := NewStatistics(testLogger)
	sp := &testSpider{name: "shop"}

	m.ProcessRequest(&Request{URL: "https://example.com/a"}, sp)
	m.ProcessRequest(&Request{URL: "https://example.com/post", Method: "POST"}, sp)
	m.ProcessResponse(nil, &session.Response{Status: 200}, sp)
	m.ProcessResponse(nil, &session.Response{Status: 404}, sp)
	m.ProcessException(nil, sp, &session.PerformError{Errno: 28, Msg: "timeout"})
	m.CountItem(sp, false)
	m.CountItem(sp, true)

	out := m.DumpStats(sp)
	checks := map[string]any{
		"request/GET":        1,
		"request/POST":       1,
		"response/200":       1,
		"response/404":       1,
		"exception/errno_28": 1,
		"items":              1,
		"dropped":            1,
	}
	for key, want := range checks {
		if out[key] != want {
			t.Errorf("%s = %v, want %v", key, out[key], want)
		}
	}
}

func TestExceptionClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&session.PerformError{Errno: 6, Msg: "dns"}, "errno_6"},
		{errors.New("pipeline failed: disk full"), "pipeline_failed"},
		{errors.New("plain"), "plain"},
	}
	for _, tt := range tests {
		if got := exceptionClass(tt.err); got != tt.want {
			t.Errorf("exceptionClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// collectYields drains a callback sequence into a slice.
func collectYields(cb Callback, resp *session.Response) []any {
	var out []any
	for v := range cb(resp) {
		out = append(out, v)
	}
	return out
}

func TestRobotsTxtGate(t *testing.T) {
	m := NewRobotsTxt("crawlbit/1.0", testLogger)
	var delayHost string
	var delayValue time.Duration
	m.DelayFunc = func(host string, delay time.Duration) {
		delayHost, delayValue = host, delay
	}
	sp := &testSpider{name: "shop"}

	first := &Request{URL: "https://example.com/a"}
	value, err := m.ProcessRequest(first, sp)
	if !errors.Is(err, ErrHoldRequest) {
		t.Fatalf("unknown origin should hold, got %v", err)
	}
	fetch, ok := value.(*Request)
	if !ok {
		t.Fatalf("expected a robots fetch request, got %T", value)
	}
	if fetch.URL != "https://example.com/robots.txt" || fetch.Meta["robots"] != true {
		t.Errorf("fetch request = %+v", fetch)
	}

	second := &Request{URL: "https://example.com/b"}
	value, err = m.ProcessRequest(second, sp)
	if value != nil || !errors.Is(err, ErrHoldRequest) {
		t.Fatalf("pending origin should park without a new fetch, got %v, %v", value, err)
	}
	if m.parkedCount() != 2 {
		t.Errorf("parkedCount = %d, want 2", m.parkedCount())
	}

	resp := &session.Response{
		Status: 200,
		Text:   "User-agent: *\nDisallow: /b\nCrawl-delay: 3\n",
	}
	released := collectYields(fetch.Callback, resp)
	if len(released) != 2 {
		t.Fatalf("released %d requests, want the 2 parked ones", len(released))
	}
	if released[0] != any(first) || released[1] != any(second) {
		t.Error("released requests are not the parked ones")
	}
	if delayHost != "example.com" || delayValue != 3*time.Second {
		t.Errorf("crawl delay = %q/%v", delayHost, delayValue)
	}

	if _, err := m.ProcessRequest(first, sp); err != nil {
		t.Errorf("allowed path should pass, got %v", err)
	}
	if _, err := m.ProcessRequest(second, sp); !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("/b should be forbidden, got %v", err)
	}
	if m.parkedCount() != 0 {
		t.Errorf("parkedCount = %d after release", m.parkedCount())
	}
}

func TestRobotsTxtFetchFailure(t *testing.T) {
	m := NewRobotsTxt("crawlbit/1.0", testLogger)
	sp := &testSpider{name: "shop"}

	parked := &Request{URL: "https://example.com/a"}
	value, _ := m.ProcessRequest(parked, sp)
	fetch := value.(*Request)

	released, err := m.ProcessException(fetch, sp, &session.PerformError{Errno: 7, Msg: "refused"})
	if !errors.Is(err, ErrIgnoreRequest) {
		t.Fatalf("err = %v, want ErrIgnoreRequest to drop the fetch", err)
	}
	batch, ok := released.([]*Request)
	if !ok || len(batch) != 1 || batch[0] != parked {
		t.Fatalf("released = %v, want the parked request", released)
	}

	// Unreachable robots.txt allows everything.
	if _, err := m.ProcessRequest(parked, sp); err != nil {
		t.Errorf("after fetch failure requests should pass, got %v", err)
	}
}

func TestRobotsTxtIgnoresOtherExceptions(t *testing.T) {
	m := NewRobotsTxt("crawlbit/1.0", testLogger)
	sp := &testSpider{name: "shop"}
	value, err := m.ProcessException(&Request{URL: "https://example.com/a"}, sp, errors.New("boom"))
	if value != nil || err != nil {
		t.Errorf("non-robots failures should pass through, got %v, %v", value, err)
	}
}

func TestCookiesDebugWiredWhenEnabled(t *testing.T) {
	st := DefaultSettings()
	st.Cookies.Debug = true
	mws, err := buildMiddlewares(st, NewStatistics(testLogger), testLogger)
	if err != nil {
		t.Fatalf("buildMiddlewares: %v", err)
	}
	found := false
	for _, mw := range mws {
		if _, ok := mw.(*CookiesDebug); ok {
			found = true
		}
	}
	if !found {
		t.Error("cookies.debug should inject the cookie tracing middleware")
	}

	st = DefaultSettings()
	mws, err = buildMiddlewares(st, NewStatistics(testLogger), testLogger)
	if err != nil {
		t.Fatalf("buildMiddlewares: %v", err)
	}
	for _, mw := range mws {
		if _, ok := mw.(*CookiesDebug); ok {
			t.Error("cookie tracing should stay off by default")
		}
	}
}

func TestRobotsTxtStatuses(t *testing.T) {
	m := NewRobotsTxt("crawlbit/1.0", testLogger)
	sp := &testSpider{name: "shop"}
	req := &Request{URL: "https://example.com/a"}
	value, _ := m.ProcessRequest(req, sp)
	fetch := value.(*Request)

	// 403 on robots.txt disallows the whole origin.
	collectYields(fetch.Callback, &session.Response{Status: 403})
	if _, err := m.ProcessRequest(req, sp); !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("403 robots.txt should forbid, got %v", err)
	}
}
