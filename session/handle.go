package session

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// MaxRedirects caps the length of a redirect chain per exchange.
const MaxRedirects = 5

// RequestInfo is the immutable snapshot of what a Handle is about to send.
// Middleware and response consumers read it; the redirect engine replaces it
// hop by hop.
type RequestInfo struct {
	Method  string
	URL     string
	Headers map[string]string
	Cookies map[string]string
	Referer string
	// OriginURL is the work-source value this request was expanded from,
	// carried so an interrupted crawl can push it back.
	OriginURL string
}

// Handle is a single in-flight transfer: the prepared request, its transport
// client, and the accumulating response state. Handles are reused across
// redirect hops and retries of the same logical request.
type Handle struct {
	Request *RequestInfo

	SessionID string
	Domain    string
	TopDomain string
	Meta      map[string]any

	Retry          int
	MaxRetry       int
	Backoff        []float64
	RetryHTTPCodes map[int]bool
	AllowRedirects bool
	Redirects      int
	NoBody         bool
	Verbose        bool
	QuoteSafe      string

	method string
	urlStr string
	// headers holds the outgoing header set keyed by lower-cased name.
	headers map[string]string
	body    []byte

	client    *http.Client
	transport *http.Transport

	// respHeaders accumulates raw "Name: value" lines, including the status
	// line of every hop, in arrival order.
	respHeaders  []string
	buf          bytes.Buffer
	status       int
	effectiveURL string
	performTime  time.Duration
}

// SetHeader sets an outgoing header, replacing any case-variant of the name.
func (h *Handle) SetHeader(name, value string) {
	h.headers[strings.ToLower(name)] = value
}

// Header returns the pending outgoing header value, or "".
func (h *Handle) Header(name string) string {
	return h.headers[strings.ToLower(name)]
}

// DelHeader removes a pending outgoing header.
func (h *Handle) DelHeader(name string) {
	delete(h.headers, strings.ToLower(name))
}

// URL returns the URL the handle will fetch next.
func (h *Handle) URL() string { return h.urlStr }

// Method returns the method the handle will use next.
func (h *Handle) Method() string { return h.method }

// Body returns the pending request body.
func (h *Handle) Body() []byte { return h.body }

// Status returns the HTTP status of the last completed hop.
func (h *Handle) Status() int { return h.status }

// HeaderMark returns the current length of the accumulated header lines,
// used to identify the lines a following hop appends.
func (h *Handle) HeaderMark() int { return len(h.respHeaders) }

// ResponseHeaders returns the accumulated raw header lines.
func (h *Handle) ResponseHeaders() []string { return h.respHeaders }

// Elapsed returns the duration of the last exchange.
func (h *Handle) Elapsed() time.Duration { return h.performTime }

// ResetResponse clears per-attempt response state while keeping the request.
func (h *Handle) ResetResponse() {
	h.respHeaders = h.respHeaders[:0]
	h.buf.Reset()
	h.status = 0
}

// wrapTransport decorates the handle's round tripper, used by digest and
// NTLM auth.
func (h *Handle) wrapTransport(wrap func(http.RoundTripper) http.RoundTripper) {
	h.client.Transport = wrap(h.client.Transport)
}

// canonicalHeaderName folds "accept-language" to "Accept-Language", matching
// how the headers were configured by callers.
func canonicalHeaderName(name string) string {
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// perform runs one HTTP exchange. The response status line and headers are
// appended to respHeaders and the decompressed body to buf. Redirects are
// not followed here; the caller inspects the status and decides.
func (h *Handle) Perform(ctx context.Context) error {
	start := time.Now()
	var bodyReader io.Reader
	if len(h.body) > 0 {
		bodyReader = bytes.NewReader(h.body)
	}
	req, err := http.NewRequestWithContext(ctx, h.method, h.urlStr, bodyReader)
	if err != nil {
		return newPerformError(err)
	}
	for name, value := range h.headers {
		canon := canonicalHeaderName(name)
		switch canon {
		case "Host":
			req.Host = value
		case "Content-Length":
			// derived from the body
		default:
			req.Header.Set(canon, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.performTime = time.Since(start)
		return newPerformError(err)
	}
	defer resp.Body.Close()

	h.status = resp.StatusCode
	h.effectiveURL = resp.Request.URL.String()
	h.respHeaders = append(h.respHeaders, resp.Proto+" "+resp.Status)
	for name, values := range resp.Header {
		for _, v := range values {
			h.respHeaders = append(h.respHeaders, name+": "+v)
		}
	}

	if h.NoBody {
		io.Copy(io.Discard, resp.Body)
		h.performTime = time.Since(start)
		return nil
	}

	reader, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		h.performTime = time.Since(start)
		return newPerformError(err)
	}
	if _, err := io.Copy(&h.buf, reader); err != nil {
		h.performTime = time.Since(start)
		return newPerformError(err)
	}
	h.performTime = time.Since(start)
	return nil
}

// decodeBody undoes the content encoding. Compression negotiation is done
// manually so that brotli works and Content-Encoding survives into the
// response headers.
func decodeBody(body io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		return gzip.NewReader(body)
	case "deflate":
		return flate.NewReader(body), nil
	case "br":
		return brotli.NewReader(body), nil
	default:
		return body, nil
	}
}
