package spider

import (
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nwerren/crawlbit/robotstxt"
	"github.com/nwerren/crawlbit/session"
)

// Downloader middleware hooks, discovered by type assertion. A middleware
// implements any subset.
//
// ProcessRequest and ProcessResponse run before fetch and after fetch. They
// return one of: nil (continue), *Request (schedule instead), []*Request
// (schedule all instead), *session.Response (short-circuit to the
// callback). Control errors ErrIgnoreRequest, ErrRetryRequest and
// ErrHoldRequest steer the request; any other error counts as a failure.
type RequestProcessor interface {
	ProcessRequest(req *Request, sp Spider) (any, error)
}

type ResponseProcessor interface {
	ProcessResponse(req *Request, resp *session.Response, sp Spider) (any, error)
}

// ExceptionProcessor sees transport failures and control errors. Returning
// a non-nil value re-enters dispatch like ProcessRequest results.
type ExceptionProcessor interface {
	ProcessException(req *Request, sp Spider, err error) (any, error)
}

// StatsDumper contributes a section to the periodic and final stats log.
type StatsDumper interface {
	DumpStats(sp Spider) map[string]any
}

// SpiderOpener and SpiderCloser observe spider lifecycle.
type SpiderOpener interface {
	SpiderOpened(sp Spider)
}

type SpiderCloser interface {
	SpiderClosed(sp Spider, reason string)
}

// Statistics is the bookkeeping middleware: it deduplicates requests by
// (method, url, callback, spider) fingerprint and counts everything that
// passes through.
type Statistics struct {
	mu        sync.Mutex
	seen      map[string]bool
	perSpider map[string]*spiderStats
	logger    *slog.Logger
}

type spiderStats struct {
	started    time.Time
	requests   map[string]int // by method
	responses  map[int]int    // by status
	exceptions map[string]int // by error text class
	filtered   int
	items      int
	dropped    int
}

// NewStatistics builds the stats middleware.
func NewStatistics(logger *slog.Logger) *Statistics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Statistics{
		seen:      map[string]bool{},
		perSpider: map[string]*spiderStats{},
		logger:    logger.With("component", "statistics"),
	}
}

func (m *Statistics) stats(name string) *spiderStats {
	st := m.perSpider[name]
	if st == nil {
		st = &spiderStats{
			started:    time.Now(),
			requests:   map[string]int{},
			responses:  map[int]int{},
			exceptions: map[string]int{},
		}
		m.perSpider[name] = st
	}
	return st
}

func (m *Statistics) ProcessRequest(req *Request, sp Spider) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats(sp.Name())
	if !req.DontFilter && !req.retry {
		fp := req.Fingerprint(sp.Name())
		if m.seen[fp] {
			st.filtered++
			return nil, ErrIgnoreRequest
		}
		m.seen[fp] = true
	}
	st.requests[req.method()]++
	return nil, nil
}

func (m *Statistics) ProcessResponse(req *Request, resp *session.Response, sp Spider) (any, error) {
	m.mu.Lock()
	m.stats(sp.Name()).responses[resp.Status]++
	m.mu.Unlock()
	return nil, nil
}

func (m *Statistics) ProcessException(req *Request, sp Spider, err error) (any, error) {
	m.mu.Lock()
	m.stats(sp.Name()).exceptions[exceptionClass(err)]++
	m.mu.Unlock()
	return nil, nil
}

// CountItem records an item's fate in the pipelines.
func (m *Statistics) CountItem(sp Spider, dropped bool) {
	m.mu.Lock()
	st := m.stats(sp.Name())
	if dropped {
		st.dropped++
	} else {
		st.items++
	}
	m.mu.Unlock()
}

func (m *Statistics) DumpStats(sp Spider) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats(sp.Name())
	out := map[string]any{
		"elapsed":  time.Since(st.started).Round(time.Second).String(),
		"filtered": st.filtered,
		"items":    st.items,
		"dropped":  st.dropped,
	}
	for method, n := range st.requests {
		out["request/"+method] = n
	}
	statuses := make([]int, 0, len(st.responses))
	for status := range st.responses {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)
	for _, status := range statuses {
		out[fmt.Sprintf("response/%d", status)] = st.responses[status]
	}
	for class, n := range st.exceptions {
		out["exception/"+class] = n
	}
	return out
}

func exceptionClass(err error) string {
	if perr, ok := err.(*session.PerformError); ok {
		return fmt.Sprintf("errno_%d", perr.Errno)
	}
	text := err.Error()
	if i := strings.IndexByte(text, ':'); i > 0 {
		text = text[:i]
	}
	return strings.ReplaceAll(strings.TrimSpace(text), " ", "_")
}

// RobotsTxt gates requests on robots.txt. Each origin moves through three
// states: unknown origins trigger a robots.txt fetch and park the request,
// origins with a fetch in flight park too, and known origins answer from
// the parsed rules.
type RobotsTxt struct {
	UserAgent string
	// DelayFunc, when set, receives the crawl-delay of an origin after its
	// robots.txt is parsed.
	DelayFunc func(host string, delay time.Duration)

	mu     sync.Mutex
	states map[string]*robotsState
	logger *slog.Logger
}

type robotsState struct {
	pending bool
	parser  *robotstxt.Parser
	parked  []*Request
}

// NewRobotsTxt builds the gate for the given user agent.
func NewRobotsTxt(userAgent string, logger *slog.Logger) *RobotsTxt {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsTxt{
		UserAgent: userAgent,
		states:    map[string]*robotsState{},
		logger:    logger.With("component", "robotstxt"),
	}
}

func (m *RobotsTxt) ProcessRequest(req *Request, sp Spider) (any, error) {
	if req.Meta != nil && req.Meta["robots"] == true {
		return nil, nil
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, nil
	}
	key := u.Scheme + "://" + u.Host

	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[key]
	switch {
	case state == nil:
		state = &robotsState{pending: true, parked: []*Request{req}}
		m.states[key] = state
		fetch := &Request{
			URL:          key + "/robots.txt",
			Method:       "GET",
			Meta:         map[string]any{"robots": true},
			DontFilter:   true,
			CallbackName: "robots",
			Callback:     m.robotsCallback(key),
		}
		m.logger.Debug("fetching robots.txt", "url", fetch.URL)
		return fetch, ErrHoldRequest
	case state.pending:
		state.parked = append(state.parked, req)
		return nil, ErrHoldRequest
	default:
		if state.parser.CanFetch(m.UserAgent, req.URL) {
			return nil, nil
		}
		m.logger.Debug("forbidden by robots.txt", "url", req.URL)
		return nil, ErrIgnoreRequest
	}
}

// robotsCallback parses the fetched rules, records the crawl delay, and
// releases the parked requests back into the queue.
func (m *RobotsTxt) robotsCallback(key string) Callback {
	return func(resp *session.Response) iter.Seq[any] {
		return func(yield func(any) bool) {
			parser := robotstxt.New()
			parser.SetFetchStatus(resp.Status)
			if resp.Status >= 200 && resp.Status < 300 {
				parser.Parse(resp.Text)
			}
			m.mu.Lock()
			state := m.states[key]
			state.parser = parser
			state.pending = false
			parked := state.parked
			state.parked = nil
			m.mu.Unlock()

			if m.DelayFunc != nil {
				if delay := parser.CrawlDelay(m.UserAgent); delay > 0 {
					if u, err := url.Parse(key); err == nil {
						m.DelayFunc(u.Hostname(), time.Duration(delay)*time.Second)
					}
				}
			}
			for _, parkedReq := range parked {
				if !yield(parkedReq) {
					return
				}
			}
		}
	}
}

// ProcessException releases parked requests when the robots.txt fetch
// itself fails; an unreachable robots.txt allows everything.
func (m *RobotsTxt) ProcessException(req *Request, sp Spider, err error) (any, error) {
	if req.Meta == nil || req.Meta["robots"] != true {
		return nil, nil
	}
	u, parseErr := url.Parse(req.URL)
	if parseErr != nil {
		return nil, nil
	}
	key := u.Scheme + "://" + u.Host
	m.mu.Lock()
	state := m.states[key]
	if state == nil {
		m.mu.Unlock()
		return nil, nil
	}
	state.parser = robotstxt.New()
	state.pending = false
	parked := state.parked
	state.parked = nil
	m.mu.Unlock()
	m.logger.Warn("robots.txt fetch failed, allowing all", "url", req.URL, "error", err)
	return parked, ErrIgnoreRequest
}

func (m *RobotsTxt) DumpStats(sp Spider) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	fetched, pending := 0, 0
	for _, state := range m.states {
		if state.pending {
			pending++
		} else {
			fetched++
		}
	}
	return map[string]any{"robots/fetched": fetched, "robots/pending": pending}
}

// parkedCount reports how many requests wait behind robots.txt fetches.
func (m *RobotsTxt) parkedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, state := range m.states {
		n += len(state.parked)
	}
	return n
}

// takeParked removes and returns every parked request, for interrupt
// push-back.
func (m *RobotsTxt) takeParked() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, state := range m.states {
		out = append(out, state.parked...)
		state.parked = nil
	}
	return out
}

// CookiesDebug logs the cookies each exchange sends and receives.
type CookiesDebug struct {
	logger *slog.Logger
}

// NewCookiesDebug builds the cookie tracing middleware.
func NewCookiesDebug(logger *slog.Logger) *CookiesDebug {
	if logger == nil {
		logger = slog.Default()
	}
	return &CookiesDebug{logger: logger.With("component", "cookies")}
}

func (m *CookiesDebug) ProcessRequest(req *Request, sp Spider) (any, error) {
	if req.Options != nil && req.Options.Cookies != nil {
		m.logger.Debug("sending cookies", "url", req.URL, "cookies", req.Options.Cookies)
	}
	return nil, nil
}

func (m *CookiesDebug) ProcessResponse(req *Request, resp *session.Response, sp Spider) (any, error) {
	for _, line := range resp.Headers {
		if strings.HasPrefix(strings.ToLower(line), "set-cookie:") {
			m.logger.Debug("received cookie", "url", resp.URL,
				"set_cookie", strings.TrimSpace(line[len("set-cookie:"):]))
		}
	}
	return nil, nil
}
