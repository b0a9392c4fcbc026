package session

import (
	"strings"
	"time"
)

// Options are per-call overrides for a single request. Every field is
// optional; zero values defer to the session defaults.
type Options struct {
	// Headers may be a map[string]string or a []string of "Name: value"
	// lines. Names are matched case-insensitively against session defaults.
	Headers any

	// Cookies may be a map[string]string of name/value pairs, or a raw
	// "a=1; b=2" cookie string.
	Cookies any

	// Params are extra query parameters, merged after any query already in
	// the URL. Accepts map[string]string or a raw query string.
	Params any

	// Data is a request body. Accepts map[string]string (form-encoded),
	// url.Values, string or []byte (sent verbatim).
	Data any

	// JSON is a request body serialized as JSON. A string is sent as-is.
	JSON any

	// Files attaches file uploads. For multipart posts it is a
	// map[string]string of field name to path; values starting with "@" are
	// also treated as paths. For PUT a plain string path uploads that file
	// as the body.
	Files any

	// Multipart forces multipart/form-data encoding of Data even without
	// Files.
	Multipart bool

	Auth  Auth
	Proxy string

	// Cert is a path to a PEM bundle trusted for this request.
	Cert string

	// Verify controls TLS certificate verification. Nil means verify.
	Verify *bool

	// Timeout overrides the session read timeout.
	Timeout time.Duration

	// ConnectTimeout overrides the dial timeout.
	ConnectTimeout time.Duration

	// AllowRedirects controls automatic redirect following. Nil means allow.
	AllowRedirects *bool

	// Retry overrides the session retry budget for this call. Nil means
	// inherit.
	Retry *int

	// QuoteSafe is the set of bytes left unescaped when the URL path and
	// query are re-encoded. Empty means "/".
	QuoteSafe string

	// SessionID selects the cookie jar partition. Empty means the session's
	// own ID.
	SessionID string

	// HTTPVersion pins the protocol, "1.1" or "2". Empty lets the
	// transport negotiate.
	HTTPVersion string

	Verbose bool
}

// headerList normalizes the Headers field into name/value pairs with
// lower-cased names. Later entries win.
func (o *Options) headerList() map[string]string {
	out := map[string]string{}
	if o == nil || o.Headers == nil {
		return out
	}
	switch h := o.Headers.(type) {
	case map[string]string:
		for k, v := range h {
			out[strings.ToLower(k)] = v
		}
	case []string:
		for _, line := range h {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			out[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
		}
	}
	return out
}

// cookieMap normalizes the Cookies field into name/value pairs.
func (o *Options) cookieMap() map[string]string {
	out := map[string]string{}
	if o == nil || o.Cookies == nil {
		return out
	}
	switch c := o.Cookies.(type) {
	case map[string]string:
		for k, v := range c {
			out[k] = v
		}
	case string:
		for _, part := range strings.Split(c, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || name == "" {
				continue
			}
			out[name] = value
		}
	}
	return out
}

func (o *Options) allowRedirects() bool {
	if o == nil || o.AllowRedirects == nil {
		return true
	}
	return *o.AllowRedirects
}

func (o *Options) verify(def bool) bool {
	if o == nil || o.Verify == nil {
		return def
	}
	return *o.Verify
}

func (o *Options) quoteSafe() string {
	if o == nil || o.QuoteSafe == "" {
		return "/"
	}
	return o.QuoteSafe
}
