package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/antchfx/htmlquery"
)

// Response is a completed exchange: final status, the raw header lines of
// every hop, the decompressed body, and the decoded text.
type Response struct {
	Status int
	// URL is the effective URL after redirects.
	URL string
	// Headers holds raw "Name: value" lines, status lines included, for
	// every hop of the exchange in arrival order.
	Headers []string
	Content []byte
	// Text is the decoded body, or "" when no encoding could decode it.
	Text string
	// Encoding names the charset that decoded Text, or "unknown".
	Encoding string
	// Cookies are the cookies set by this exchange, after store merge.
	Cookies map[string]string
	Meta    map[string]any
	Request *RequestInfo
	Elapsed time.Duration

	doc *html.Node
}

// GetHeader returns the first value of a response header, matched
// case-insensitively across all hops, or def when absent.
func (r *Response) GetHeader(name, def string) string {
	prefix := strings.ToLower(name) + ":"
	for _, line := range r.Headers {
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return def
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Content, v)
}

// URLJoin resolves ref against the response URL.
func (r *Response) URLJoin(ref string) string {
	base, err := url.Parse(r.URL)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

// Title returns the trimmed document title, or "".
func (r *Response) Title() string {
	node := r.document()
	if node == nil {
		return ""
	}
	title, err := htmlquery.Query(node, "//title")
	if err != nil || title == nil {
		return ""
	}
	return strings.TrimSpace(htmlquery.InnerText(title))
}

// Save writes the raw body to path.
func (r *Response) Save(path string) error {
	if err := os.WriteFile(path, r.Content, 0o644); err != nil {
		return fmt.Errorf("save response: %w", err)
	}
	return nil
}

// XPath evaluates an XPath expression against the document.
func (r *Response) XPath(expr string) *Selector {
	return selectorFromNode(r.document()).XPath(expr)
}

// CSS evaluates a CSS selector against the document.
func (r *Response) CSS(sel string) *Selector {
	return selectorFromNode(r.document()).CSS(sel)
}

// Re runs a regular expression over the decoded text and returns the
// matches, first capture group when present.
func (r *Response) Re(pattern string) *Selector {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &Selector{}
	}
	return &Selector{texts: applyRegexp(re, []string{r.Text})}
}

func (r *Response) document() *html.Node {
	if r.doc == nil && r.Text != "" {
		if doc, err := htmlquery.Parse(strings.NewReader(r.Text)); err == nil {
			r.doc = doc
		}
	}
	return r.doc
}

// newResponse assembles a Response from a finished handle. Set-Cookie
// headers have already been folded into the store by the caller.
func newResponse(h *Handle, cookies map[string]string) *Response {
	r := &Response{
		Status:  h.status,
		URL:     h.urlStr,
		Headers: append([]string(nil), h.respHeaders...),
		Content: append([]byte(nil), h.buf.Bytes()...),
		Cookies: cookies,
		Meta:    h.Meta,
		Request: h.Request,
		Elapsed: h.performTime,
	}
	r.Text, r.Encoding = decodeText(r.Content, r.Headers)
	return r
}

var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]*charset\s*=\s*["']?\s*([a-zA-Z0-9_\-]+)`)
var charsetParamRe = regexp.MustCompile(`(?i)charset=([a-zA-Z0-9_\-]+)`)

// decodeText decodes a body into text. The charset declared in an HTML meta
// tag wins, then the Content-Type header, then UTF-8. A body that fits no
// candidate yields ("", "unknown").
func decodeText(content []byte, headers []string) (string, string) {
	if len(content) == 0 {
		return "", "utf-8"
	}
	var candidates []string
	head := content
	if len(head) > 4096 {
		head = head[:4096]
	}
	if m := metaCharsetRe.FindSubmatch(head); m != nil {
		candidates = append(candidates, string(m[1]))
	}
	for _, line := range headers {
		if strings.HasPrefix(strings.ToLower(line), "content-type:") {
			if m := charsetParamRe.FindStringSubmatch(line); m != nil {
				candidates = append(candidates, m[1])
			}
			break
		}
	}
	for _, name := range candidates {
		enc, err := htmlindex.Get(name)
		if err != nil {
			continue
		}
		if decoded, err := enc.NewDecoder().Bytes(content); err == nil {
			canonical, _ := htmlindex.Name(enc)
			if canonical == "" {
				canonical = strings.ToLower(name)
			}
			return string(decoded), canonical
		}
	}
	if utf8.Valid(content) {
		return string(content), "utf-8"
	}
	return "", "unknown"
}
