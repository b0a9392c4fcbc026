package spider

import (
	"fmt"
	"iter"
	"net/http"
	"reflect"
	"runtime"
	"strings"

	"github.com/nwerren/crawlbit/session"
)

// Item is a scraped record flowing through the item pipelines.
type Item = map[string]any

// Callback consumes a response and yields follow-up work: *Request values
// are scheduled, Item values go to the pipelines, *CloseSpider stops the
// spider, anything else is ignored. The sequence is advanced one step at a
// time so a long callback interleaves with fetching.
type Callback func(*session.Response) iter.Seq[any]

// Request is one unit of crawl work.
type Request struct {
	URL    string
	Method string

	// Options carries transport overrides (headers, cookies, body, auth,
	// proxy, timeouts).
	Options *session.Options

	// Callback handles the response. Nil falls back to the spider's Parse.
	Callback Callback
	// CallbackName feeds the duplicate filter. Empty derives the name from
	// Callback.
	CallbackName string

	Meta map[string]any

	// DontFilter bypasses the duplicate filter.
	DontFilter bool

	// OriginURL is the work-source value this request descends from. An
	// interrupted crawl pushes it back to the source.
	OriginURL string

	// Referer is filled by the scheduler from the response that yielded
	// this request.
	Referer string

	retry bool
}

// NewRequest builds a GET request for url handled by cb.
func NewRequest(url string, cb Callback) *Request {
	return &Request{URL: url, Method: http.MethodGet, Callback: cb}
}

// FormRequest builds a POST request with form data.
func FormRequest(url string, data map[string]string, cb Callback) *Request {
	return &Request{
		URL:      url,
		Method:   http.MethodPost,
		Options:  &session.Options{Data: data},
		Callback: cb,
	}
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// callbackName resolves the name used in the duplicate-filter fingerprint.
func (r *Request) callbackName() string {
	if r.CallbackName != "" {
		return r.CallbackName
	}
	if r.Callback == nil {
		return "parse"
	}
	full := runtime.FuncForPC(reflect.ValueOf(r.Callback).Pointer()).Name()
	if i := strings.LastIndex(full, "."); i >= 0 {
		full = full[i+1:]
	}
	return strings.TrimSuffix(full, "-fm")
}

// Fingerprint identifies a request for duplicate filtering.
func (r *Request) Fingerprint(spiderName string) string {
	return fmt.Sprintf("%s %s %s %s", r.method(), r.URL, r.callbackName(), spiderName)
}

func (r *Request) String() string {
	return fmt.Sprintf("<%s %s>", r.method(), r.URL)
}
