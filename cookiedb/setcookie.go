package cookiedb

import (
	"strconv"
	"strings"
	"time"
)

// DeleteSentinel is the cookie value that queues deletion of the cookie
// instead of storing it.
const DeleteSentinel = "delete"

// ParseSetCookie parses one Set-Cookie header value into a Record. The first
// name=value pair is the cookie itself; recognized attributes are path,
// domain, expires, max-age (which overrides expires) and version (ignored).
// A missing domain defaults to the response host. ok is false when no cookie
// pair could be found.
func ParseSetCookie(header, responseHost string, now time.Time) (rec Record, ok bool) {
	parts := strings.Split(header, ";")
	var expires string
	var maxAge string
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)
		switch {
		case i == 0:
			name, value, found := strings.Cut(part, "=")
			if !found {
				return Record{}, false
			}
			rec.Name = strings.TrimSpace(name)
			rec.Value = strings.TrimSpace(value)
			ok = rec.Name != ""
		case strings.HasPrefix(lower, "path="):
			rec.Path = strings.TrimSpace(part[len("path="):])
		case strings.HasPrefix(lower, "domain="):
			rec.Domain = strings.ToLower(strings.TrimSpace(part[len("domain="):]))
		case strings.HasPrefix(lower, "expires="):
			expires = strings.TrimSpace(part[len("expires="):])
		case strings.HasPrefix(lower, "max-age="):
			maxAge = strings.TrimSpace(part[len("max-age="):])
		case strings.HasPrefix(lower, "version="):
			// legacy, ignored
		}
	}
	if !ok {
		return Record{}, false
	}
	if rec.Domain == "" {
		rec.Domain = strings.ToLower(responseHost)
	}
	if maxAge != "" {
		if secs, err := strconv.ParseInt(maxAge, 10, 64); err == nil {
			rec.Expires = strconv.FormatInt(now.Unix()+secs, 10)
			return rec, true
		}
	}
	if expires != "" {
		if t, err := ParseExpires(expires); err == nil {
			rec.Expires = strconv.FormatInt(t.Unix(), 10)
		}
		// An unparseable Expires yields a session cookie; the caller may log.
	}
	return rec, true
}

// expiresLayouts covers the date syntaxes of RFC 6265 §5.1.1: RFC 1123 dates,
// the RFC 850 two-digit-year form, asctime, and common dash-separated
// variants.
var expiresLayouts = []string{
	time.RFC1123,                    // Mon, 02 Jan 2006 15:04:05 MST
	"Mon, 02-Jan-2006 15:04:05 MST", // RFC 850 style with 4-digit year
	"Mon, 02-Jan-06 15:04:05 MST",   // RFC 850 two-digit year
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Monday, 02-Jan-06 15:04:05 MST",
	time.ANSIC, // Mon Jan  2 15:04:05 2006
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 02-Jan-2006 15:04:05 -0700",
	"02 Jan 2006 15:04:05 MST",
	"02-Jan-2006 15:04:05 MST",
	"02 Jan 06 15:04:05 MST",
}

// ParseExpires parses a Set-Cookie Expires attribute. Two-digit years follow
// time.Parse's window: 68 and below map to 20xx, 69 and above to 19xx.
func ParseExpires(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range expiresLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
