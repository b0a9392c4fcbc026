// Package session implements a cookie-aware HTTP client with manual
// redirect handling, retry with backoff, proxy and auth support, and
// response parsing helpers. It is the transport layer under the crawl
// scheduler but works standalone.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nwerren/crawlbit/cookiedb"
)

// DefaultUserAgent identifies the client when no user agent is configured.
const DefaultUserAgent = "crawlbit/1.0"

// DefaultRetryHTTPCodes are the statuses retried by default: server errors,
// origin timeouts, and throttling.
var DefaultRetryHTTPCodes = []int{500, 502, 503, 504, 522, 524, 408, 429}

// Session holds connection defaults and per-host state shared by all
// requests made through it: default headers, the cookie store, remembered
// auth, and the retry policy.
type Session struct {
	ID string

	// Headers are default outgoing headers keyed by lower-cased name.
	Headers        map[string]string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Verify         bool
	Proxy          string
	RetryTimes     int
	Backoff        []float64
	RetryHTTPCodes []int

	store  *cookiedb.Store
	logger *slog.Logger

	mu   sync.Mutex
	auth map[string]Auth
}

// New creates a session with sane crawling defaults.
func New(id string) *Session {
	return &Session{
		ID: id,
		Headers: map[string]string{
			"user-agent": DefaultUserAgent,
			"accept":     "*/*",
		},
		Timeout:        30 * time.Second,
		ConnectTimeout: 15 * time.Second,
		Verify:         true,
		RetryTimes:     3,
		Backoff:        []float64{5},
		RetryHTTPCodes: append([]int(nil), DefaultRetryHTTPCodes...),
		logger:         slog.Default().With("component", "session"),
		auth:           map[string]Auth{},
	}
}

// SetLogger replaces the session logger.
func (s *Session) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// SetCookieDB opens (creating if needed) the SQLite cookie store at path.
// Pass ":memory:" for an ephemeral store.
func (s *Session) SetCookieDB(path string) error {
	store, err := cookiedb.Open(path, s.logger)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

// CookieStore returns the backing store, or nil when cookies are disabled.
func (s *Session) CookieStore() *cookiedb.Store { return s.store }

// SetRetry configures the retry budget and backoff schedule in seconds.
func (s *Session) SetRetry(times int, backoff []float64) {
	s.RetryTimes = times
	if len(backoff) > 0 {
		s.Backoff = backoff
	}
}

// SetTimeout sets the read and connect timeouts.
func (s *Session) SetTimeout(read, connect time.Duration) {
	if read > 0 {
		s.Timeout = read
	}
	if connect > 0 {
		s.ConnectTimeout = connect
	}
}

// SetProxy routes subsequent requests through proxyURL.
func (s *Session) SetProxy(proxyURL string) { s.Proxy = proxyURL }

// SetHeader sets a default header for every request. An empty value removes
// the default.
func (s *Session) SetHeader(name, value string) {
	key := strings.ToLower(name)
	if value == "" {
		delete(s.Headers, key)
	} else {
		s.Headers[key] = value
	}
}

// ClearCookies drops every stored cookie for this session's ID.
func (s *Session) ClearCookies() {
	if s.store != nil {
		s.store.Clear(s.ID)
	}
}

// UnsetCookies removes named cookies from the store. Path defaults to "/".
func (s *Session) UnsetCookies(keys []cookiedb.Key) {
	if s.store == nil {
		return
	}
	for i := range keys {
		if keys[i].SessionID == "" {
			keys[i].SessionID = s.ID
		}
	}
	s.store.Unset(s.ID, keys)
}

// Close releases the cookie store.
func (s *Session) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Session) rememberAuth(host string, auth Auth) {
	s.mu.Lock()
	s.auth[host] = auth
	s.mu.Unlock()
}

func (s *Session) authFor(host string) Auth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth[host]
}

// Get issues a blocking GET.
func (s *Session) Get(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodGet, url, opt)
}

// Post issues a blocking POST.
func (s *Session) Post(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodPost, url, opt)
}

// Put issues a blocking PUT.
func (s *Session) Put(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodPut, url, opt)
}

// Patch issues a blocking PATCH.
func (s *Session) Patch(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodPatch, url, opt)
}

// Delete issues a blocking DELETE.
func (s *Session) Delete(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodDelete, url, opt)
}

// Head issues a blocking HEAD. The body is discarded.
func (s *Session) Head(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodHead, url, opt)
}

// OptionsMethod issues a blocking OPTIONS.
func (s *Session) OptionsMethod(url string, opt *Options) (*Response, error) {
	return s.Do(context.Background(), http.MethodOptions, url, opt)
}

// Do prepares and performs one logical request, following redirects and
// retrying per policy until a final response or a terminal error.
func (s *Session) Do(ctx context.Context, method, rawURL string, opt *Options) (*Response, error) {
	h, err := s.Prepare(method, rawURL, opt)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, h)
}

// Send drives a prepared handle to completion. The scheduler uses the same
// primitives asynchronously; Send is the blocking composition of them.
func (s *Session) Send(ctx context.Context, h *Handle) (*Response, error) {
	cookies := h.Request.Cookies
	for {
		mark := h.HeaderMark()
		err := h.Perform(ctx)
		if err != nil {
			perr, ok := err.(*PerformError)
			if !ok || !RetryableErrno(perr.Errno) {
				return nil, err
			}
			h.Retry++
			if h.Retry > h.MaxRetry {
				s.logger.Warn("request failed after retries",
					"method", h.Method(), "url", h.URL(), "error", err)
				return nil, err
			}
			s.sleep(ctx, h.RetryBackoff())
			h.ResetResponse()
			continue
		}

		cookies = s.HarvestCookies(h, mark, time.Now())

		if isRedirect(h.Status()) && h.AllowRedirects {
			if err := s.FollowRedirect(h); err != nil {
				return nil, err
			}
			continue
		}

		if h.RetryHTTPCodes[h.Status()] {
			h.Retry++
			if h.Retry <= h.MaxRetry {
				s.logger.Debug("retrying on status",
					"status", h.Status(), "url", h.URL(), "attempt", h.Retry)
				s.sleep(ctx, h.RetryBackoff())
				h.ResetResponse()
				continue
			}
			s.logger.Warn("giving up on status",
				"status", h.Status(), "url", h.URL())
		}

		return s.BuildResponse(h, cookies), nil
	}
}

// BuildResponse finalizes a handle into a Response.
func (s *Session) BuildResponse(h *Handle, cookies map[string]string) *Response {
	return newResponse(h, cookies)
}

// HarvestCookies parses the Set-Cookie lines appended since mark, persists
// them under the handle's session ID, refreshes the outgoing Cookie header,
// and returns the updated cookie view.
func (s *Session) HarvestCookies(h *Handle, mark int, now time.Time) map[string]string {
	lines := h.respHeaders[mark:]
	cookies := make(map[string]string, len(h.Request.Cookies))
	for name, value := range h.Request.Cookies {
		cookies[name] = value
	}
	host := ""
	if u, err := url.Parse(h.urlStr); err == nil {
		host = u.Hostname()
	}

	var saves []cookiedb.Record
	var deletes []cookiedb.Key
	for _, line := range lines {
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "set-cookie:") {
			continue
		}
		value := strings.TrimSpace(line[len("set-cookie:"):])
		rec, ok := cookiedb.ParseSetCookie(value, host, now)
		if !ok {
			continue
		}
		rec.SessionID = h.SessionID
		if rec.Path == "" {
			rec.Path = "/"
		}
		if rec.Value == cookiedb.DeleteSentinel {
			deletes = append(deletes, cookiedb.Key{
				SessionID: rec.SessionID,
				Name:      rec.Name,
				Domain:    rec.Domain,
				Path:      rec.Path,
			})
			delete(cookies, rec.Name)
		} else {
			saves = append(saves, rec)
			cookies[rec.Name] = rec.Value
		}
	}
	if s.store != nil {
		if len(saves) > 0 {
			s.store.Save(saves)
		}
		if len(deletes) > 0 {
			s.store.Delete(deletes)
		}
	}
	if len(cookies) > 0 {
		h.SetHeader("Cookie", encodeCookies(cookies))
	} else {
		h.DelHeader("Cookie")
	}
	h.Request.Cookies = cookies
	return cookies
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
