package session

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// FollowRedirect rewrites the handle toward the Location of the last hop.
// Method rewriting follows browser practice: 303 turns anything but HEAD
// into GET, 301 and 302 rewrite POST to GET, and 307/308 keep the method
// and body. Crossing to another host drops the cookie header and rebuilds
// it from the store, and re-resolves auth for the new host.
func (s *Session) FollowRedirect(h *Handle) error {
	h.Redirects++
	if h.Redirects > MaxRedirects {
		return fmt.Errorf("%w: %s", ErrTooManyRedirects, h.urlStr)
	}
	location := lastHeaderValue(h.respHeaders, "location")
	if location == "" {
		return fmt.Errorf("%w: redirect without location from %s", ErrInvalidRequest, h.urlStr)
	}
	current, err := url.Parse(h.urlStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	ref, err := url.Parse(strings.ReplaceAll(strings.TrimSpace(location), " ", "%20"))
	if err != nil {
		return fmt.Errorf("%w: location %q: %v", ErrInvalidRequest, location, err)
	}
	target := current.ResolveReference(ref)
	switch target.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: redirect to scheme %q", ErrInvalidRequest, target.Scheme)
	}

	switch {
	case h.status == http.StatusSeeOther && h.method != http.MethodHead:
		h.rewriteToGet()
	case (h.status == http.StatusMovedPermanently || h.status == http.StatusFound) &&
		h.method == http.MethodPost:
		h.rewriteToGet()
	}

	referer := h.urlStr
	h.SetHeader("Referer", referer)

	if target.Hostname() != current.Hostname() {
		s.rebindHost(h, current, target)
	}

	h.urlStr = target.String()
	h.Request = &RequestInfo{
		Method:    h.method,
		URL:       h.urlStr,
		Headers:   snapshotHeaders(h.headers),
		Cookies:   h.Request.Cookies,
		Referer:   referer,
		OriginURL: h.Request.OriginURL,
	}
	// Hop headers stay; only the body restarts.
	h.buf.Reset()
	return nil
}

// rebindHost adjusts cookies and auth when a redirect crosses hosts. Within
// the same registrable domain the current cookie overlay is kept and merged
// with the store's view of the new host; a cross-site hop starts from the
// store alone.
func (s *Session) rebindHost(h *Handle, current, target *url.URL) {
	var seed map[string]string
	if topDomain(current.Hostname()) == topDomain(target.Hostname()) {
		seed = h.Request.Cookies
	}
	var cookies map[string]string
	if s.store != nil {
		cookies = s.store.Get(h.SessionID, target.String(), seed)
	} else {
		cookies = seed
	}
	if len(cookies) > 0 {
		h.SetHeader("Cookie", encodeCookies(cookies))
	} else {
		h.DelHeader("Cookie")
	}
	h.Request.Cookies = cookies

	h.DelHeader("Authorization")
	h.DelHeader("Host")
	if auth := s.authFor(target.Host); auth != nil {
		auth.Attach(h)
	}
	h.Domain = target.Hostname()
	h.TopDomain = topDomain(target.Hostname())
}

func (h *Handle) rewriteToGet() {
	h.method = http.MethodGet
	h.body = nil
	h.DelHeader("Content-Type")
	h.DelHeader("Content-Length")
}

// RetryBackoff returns the delay before retry attempt h.Retry. The backoff
// list cycles when attempts outnumber its entries.
func (h *Handle) RetryBackoff() time.Duration {
	if h.Retry < 1 || len(h.Backoff) == 0 {
		return 0
	}
	idx := (h.Retry - 1) % len(h.Backoff)
	return time.Duration(h.Backoff[idx] * float64(time.Second))
}

// RetryableErrno reports transport failures worth retrying, which are the
// timeout classes.
func RetryableErrno(errno int) bool {
	return errno == ErrnoTimeout || errno == ErrnoFTPTimeout
}

// lastHeaderValue finds the value of the last occurrence of a header across
// the accumulated hop lines.
func lastHeaderValue(lines []string, name string) string {
	prefix := strings.ToLower(name) + ":"
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.ToLower(lines[i]), prefix) {
			return strings.TrimSpace(lines[i][len(prefix):])
		}
	}
	return ""
}
