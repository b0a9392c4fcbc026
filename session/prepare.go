package session

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nwerren/crawlbit/cookiedb"
)

// prepare builds a ready-to-perform Handle from a method, URL and per-call
// options. It normalizes the URL, merges headers and cookies, encodes the
// body, and wires the transport. No network traffic happens here.
func (s *Session) Prepare(method, rawURL string, opt *Options) (*Handle, error) {
	if opt == nil {
		opt = &Options{}
	}
	method = strings.ToUpper(method)
	safe := opt.quoteSafe()

	u, user, pass, err := normalizeURL(rawURL, safe)
	if err != nil {
		return nil, err
	}
	if err := mergeParams(u, opt.Params, safe); err != nil {
		return nil, err
	}

	sessionID := opt.SessionID
	if sessionID == "" {
		sessionID = s.ID
	}

	h := &Handle{
		Request:        &RequestInfo{Method: method, URL: u.String()},
		SessionID:      sessionID,
		Meta:           map[string]any{},
		MaxRetry:       s.RetryTimes,
		Backoff:        s.Backoff,
		RetryHTTPCodes: retrySet(s.RetryHTTPCodes),
		AllowRedirects: opt.allowRedirects(),
		NoBody:         method == http.MethodHead,
		Verbose:        opt.Verbose,
		QuoteSafe:      safe,
		method:         method,
		urlStr:         u.String(),
		headers:        map[string]string{},
	}
	if opt.Retry != nil {
		h.MaxRetry = *opt.Retry
	}
	h.Domain = u.Hostname()
	h.TopDomain = topDomain(u.Hostname())

	// Header merge: session defaults first, per-call overrides on top. An
	// empty override removes the header.
	for name, value := range s.Headers {
		h.headers[name] = value
	}
	for name, value := range opt.headerList() {
		if value == "" {
			delete(h.headers, name)
		} else {
			h.headers[name] = value
		}
	}

	// Cookies: per-call values seed the store, the store supplies the
	// merged set for this URL.
	cookies := opt.cookieMap()
	if s.store != nil {
		cookies = s.store.Get(sessionID, u.String(), cookies)
	}
	if len(cookies) > 0 {
		h.headers["cookie"] = encodeCookies(cookies)
	} else {
		delete(h.headers, "cookie")
	}
	h.Request.Cookies = cookies

	// Body.
	body, contentType, err := buildBody(method, opt)
	if err != nil {
		return nil, err
	}
	h.body = body
	if contentType != "" && h.headers["content-type"] == "" {
		h.headers["content-type"] = contentType
	}

	// Transport.
	verify := opt.verify(s.Verify)
	tlsConf := &tls.Config{InsecureSkipVerify: !verify}
	if opt.Cert != "" {
		pool, err := certPool(opt.Cert)
		if err != nil {
			return nil, err
		}
		tlsConf.RootCAs = pool
	}
	connectTimeout := s.ConnectTimeout
	if opt.ConnectTimeout > 0 {
		connectTimeout = opt.ConnectTimeout
	}
	transport := &http.Transport{
		DisableCompression:  true,
		TLSClientConfig:     tlsConf,
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		ForceAttemptHTTP2:   opt.HTTPVersion != "1.1",
	}
	if opt.HTTPVersion == "1.1" {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	proxy := opt.Proxy
	if proxy == "" {
		proxy = s.Proxy
	}
	if err := configureProxy(transport, proxy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	timeout := s.Timeout
	if opt.Timeout > 0 {
		timeout = opt.Timeout
	}
	h.transport = transport
	h.client = &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Auth: explicit option, then URL userinfo, then whatever this host
	// authenticated with earlier in the session.
	auth := opt.Auth
	if auth == nil && user != "" {
		auth = BasicAuth{Username: user, Password: pass}
	}
	if auth != nil {
		s.rememberAuth(u.Host, auth)
	} else {
		auth = s.authFor(u.Host)
	}
	if auth != nil {
		auth.Attach(h)
	}

	h.Request.Headers = snapshotHeaders(h.headers)
	return h, nil
}

// normalizeURL validates and canonicalizes a request URL: scheme must be
// http or https, the host is lower-cased, spaces become %20, the path and
// query are unescaped then re-escaped with the safe set, and userinfo is
// stripped out and returned as credentials.
func normalizeURL(rawURL, safe string) (*url.URL, string, string, error) {
	rawURL = strings.ReplaceAll(strings.TrimSpace(rawURL), " ", "%20")
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, "", "", fmt.Errorf("%w: scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return nil, "", "", fmt.Errorf("%w: missing host", ErrInvalidRequest)
	}
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	u.Host = strings.ToLower(u.Host)
	if u.Path != "" {
		u.RawPath = requote(u.EscapedPath(), safe)
		if decoded, err := url.PathUnescape(u.RawPath); err == nil {
			u.Path = decoded
		}
	}
	if u.RawQuery != "" {
		u.RawQuery = requoteQuery(u.RawQuery, safe)
	}
	return u, user, pass, nil
}

// mergeParams appends extra query parameters after any already present.
func mergeParams(u *url.URL, params any, safe string) error {
	if params == nil {
		return nil
	}
	var extra string
	switch p := params.(type) {
	case map[string]string:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, quoteComponent(k, safe)+"="+quoteComponent(p[k], safe))
		}
		extra = strings.Join(pairs, "&")
	case url.Values:
		extra = p.Encode()
	case string:
		extra = requoteQuery(p, safe)
	default:
		return fmt.Errorf("%w: params type %T", ErrInvalidRequest, params)
	}
	if extra == "" {
		return nil
	}
	if u.RawQuery == "" {
		u.RawQuery = extra
	} else {
		u.RawQuery += "&" + extra
	}
	return nil
}

// buildBody encodes the request body from the JSON, Data and Files options,
// in that precedence. It returns the body and a content type, which may be
// empty for verbatim payloads.
func buildBody(method string, opt *Options) ([]byte, string, error) {
	if opt.JSON != nil {
		switch j := opt.JSON.(type) {
		case string:
			return []byte(j), "application/json", nil
		case []byte:
			return j, "application/json", nil
		default:
			b, err := json.Marshal(j)
			if err != nil {
				return nil, "", fmt.Errorf("%w: json body: %v", ErrInvalidRequest, err)
			}
			return b, "application/json", nil
		}
	}

	// A plain string path with PUT uploads that file as the body.
	if path, ok := opt.Files.(string); ok && method == http.MethodPut {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: upload %s: %v", ErrInvalidRequest, path, err)
		}
		return b, "", nil
	}

	if files, ok := opt.Files.(map[string]string); ok || opt.Multipart {
		return multipartBody(opt.Data, files)
	}

	switch d := opt.Data.(type) {
	case nil:
		return nil, "", nil
	case map[string]string:
		values := url.Values{}
		for k, v := range d {
			values.Set(k, v)
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	case url.Values:
		return []byte(d.Encode()), "application/x-www-form-urlencoded", nil
	case string:
		return []byte(d), "", nil
	case []byte:
		return d, "", nil
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, "", fmt.Errorf("%w: data type %T", ErrInvalidRequest, opt.Data)
		}
		return b, "application/x-www-form-urlencoded", nil
	}
}

// multipartBody builds a multipart/form-data payload from form fields and
// file attachments. File values may be given as "@/path/to/file".
func multipartBody(data any, files map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if fields, ok := data.(map[string]string); ok {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := w.WriteField(k, fields[k]); err != nil {
				return nil, "", err
			}
		}
	}
	fileKeys := make([]string, 0, len(files))
	for k := range files {
		fileKeys = append(fileKeys, k)
	}
	sort.Strings(fileKeys)
	for _, field := range fileKeys {
		path := strings.TrimPrefix(files[field], "@")
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: attach %s: %v", ErrInvalidRequest, path, err)
		}
		part, err := w.CreateFormFile(field, filepath.Base(path))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func certPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cert %s: %v", ErrInvalidRequest, path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: cert %s: no certificates found", ErrInvalidRequest, path)
	}
	return pool, nil
}

// encodeCookies renders a Cookie header value with stable ordering.
func encodeCookies(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func snapshotHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		out[canonicalHeaderName(name)] = value
	}
	return out
}

func retrySet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// requote unescapes a URL component and re-escapes it keeping the bytes in
// safe literal. %2F inside the original stays decoded or encoded according
// to the safe set, matching how callers quote by hand.
func requote(component, safe string) string {
	if decoded, err := url.PathUnescape(component); err == nil {
		component = decoded
	}
	return quoteComponent(component, safe)
}

// requoteQuery re-encodes each key and value of a raw query string, leaving
// the =& structure alone.
func requoteQuery(query, safe string) string {
	parts := strings.Split(query, "&")
	for i, part := range parts {
		key, value, hasValue := strings.Cut(part, "=")
		if hasValue {
			parts[i] = requote(key, safe) + "=" + requote(value, safe)
		} else {
			parts[i] = requote(key, safe)
		}
	}
	return strings.Join(parts, "&")
}

// quoteComponent percent-encodes everything but unreserved bytes and the
// safe set.
func quoteComponent(s, safe string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || strings.IndexByte(safe, c) >= 0 {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

// topDomain returns the registrable domain used for per-site throttling.
func topDomain(host string) string {
	return cookiedb.RegistrableDomain(host)
}
