package cookiedb

import (
	"strconv"
	"testing"
	"time"
)

func TestParseSetCookie(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header string
		host   string
		want   Record
		ok     bool
	}{
		{
			name:   "bare pair",
			header: "sid=abc123",
			host:   "Example.COM",
			want:   Record{Name: "sid", Value: "abc123", Domain: "example.com"},
			ok:     true,
		},
		{
			name:   "path and domain",
			header: "sid=abc; Path=/app; Domain=.Example.com",
			host:   "www.example.com",
			want:   Record{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/app"},
			ok:     true,
		},
		{
			name:   "expires",
			header: "sid=abc; Expires=Wed, 01 Apr 2026 00:00:00 GMT",
			host:   "example.com",
			want: Record{
				Name: "sid", Value: "abc", Domain: "example.com",
				Expires: strconv.FormatInt(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Unix(), 10),
			},
			ok: true,
		},
		{
			name:   "max-age overrides expires",
			header: "sid=abc; Expires=Wed, 01 Apr 2026 00:00:00 GMT; Max-Age=60",
			host:   "example.com",
			want: Record{
				Name: "sid", Value: "abc", Domain: "example.com",
				Expires: strconv.FormatInt(now.Unix()+60, 10),
			},
			ok: true,
		},
		{
			name:   "unparseable expires keeps session cookie",
			header: "sid=abc; Expires=whenever",
			host:   "example.com",
			want:   Record{Name: "sid", Value: "abc", Domain: "example.com"},
			ok:     true,
		},
		{
			name:   "empty value",
			header: "sid=; Path=/",
			host:   "example.com",
			want:   Record{Name: "sid", Domain: "example.com", Path: "/"},
			ok:     true,
		},
		{
			name:   "version ignored",
			header: "sid=abc; Version=1",
			host:   "example.com",
			want:   Record{Name: "sid", Value: "abc", Domain: "example.com"},
			ok:     true,
		},
		{
			name:   "no pair",
			header: "garbage",
			host:   "example.com",
			ok:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSetCookie(tt.header, tt.host, now)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseExpiresLayouts(t *testing.T) {
	want := time.Date(2026, 4, 1, 10, 30, 0, 0, time.UTC)
	values := []string{
		"Wed, 01 Apr 2026 10:30:00 GMT",
		"Wed, 01-Apr-2026 10:30:00 GMT",
		"Wed, 01-Apr-26 10:30:00 GMT",
		"Wed, 1 Apr 2026 10:30:00 GMT",
		"Wednesday, 01-Apr-26 10:30:00 GMT",
		"Wed Apr  1 10:30:00 2026",
		"01 Apr 2026 10:30:00 GMT",
		"01-Apr-2026 10:30:00 GMT",
	}
	for _, v := range values {
		got, err := ParseExpires(v)
		if err != nil {
			t.Errorf("ParseExpires(%q): %v", v, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseExpires(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestParseExpiresTwoDigitYearWindow(t *testing.T) {
	// Two-digit years up to 68 land in 20xx, 69 up in 19xx.
	got, err := ParseExpires("Wed, 01-Apr-68 00:00:00 GMT")
	if err != nil {
		t.Fatalf("ParseExpires: %v", err)
	}
	if got.Year() != 2068 {
		t.Errorf("year = %d, want 2068", got.Year())
	}
	got, err = ParseExpires("Tue, 01-Apr-70 00:00:00 GMT")
	if err != nil {
		t.Fatalf("ParseExpires: %v", err)
	}
	if got.Year() != 1970 {
		t.Errorf("year = %d, want 1970", got.Year())
	}
}

func TestParseExpiresInvalid(t *testing.T) {
	if _, err := ParseExpires("not a date"); err == nil {
		t.Error("expected error for unparseable date")
	}
}
