package robotstxt

import (
	"reflect"
	"testing"
)

const sampleRobots = `
# comments are stripped
User-agent: *
Disallow: /private/
Allow: /private/open.html
Crawl-delay: 2

User-agent: fastbot
User-agent: speedy
Disallow: /slow/
Request-rate: 3/15

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/news.xml
`

func TestCanFetchBasic(t *testing.T) {
	p := New()
	p.Parse(sampleRobots)

	tests := []struct {
		agent string
		url   string
		want  bool
	}{
		{"mybot/1.0", "https://example.com/", true},
		{"mybot/1.0", "https://example.com/private/x.html", false},
		{"mybot/1.0", "https://example.com/private/open.html", false}, // Disallow declared first wins
		{"fastbot/2.0", "https://example.com/slow/page", false},
		{"speedy/1.1", "https://example.com/slow/page", false},
		{"fastbot/2.0", "https://example.com/private/x.html", true}, // own group, no such rule
	}
	for _, tt := range tests {
		if got := p.CanFetch(tt.agent, tt.url); got != tt.want {
			t.Errorf("CanFetch(%q, %q) = %v, want %v", tt.agent, tt.url, got, tt.want)
		}
	}
}

func TestRuleOrderFirstMatchWins(t *testing.T) {
	p := New()
	p.Parse("User-agent: *\nAllow: /private/open.html\nDisallow: /private/\n")
	if !p.CanFetch("bot", "https://example.com/private/open.html") {
		t.Error("Allow declared before Disallow should win")
	}
	if p.CanFetch("bot", "https://example.com/private/other") {
		t.Error("Disallow should still apply to the rest of /private/")
	}
}

func TestLongestAgentMatch(t *testing.T) {
	p := New()
	p.Parse(`
User-agent: bot
Disallow: /a/

User-agent: superbot
Disallow: /b/
`)
	// "superbot/1.0" contains both tokens; the longer one wins.
	if p.CanFetch("superbot/1.0", "https://example.com/b/x") {
		t.Error("superbot group should apply")
	}
	if !p.CanFetch("superbot/1.0", "https://example.com/a/x") {
		t.Error("bot group should not apply to superbot")
	}
	if p.CanFetch("plainbot", "https://example.com/a/x") {
		t.Error("bot group should apply to plainbot via substring match")
	}
}

func TestWildcardPatterns(t *testing.T) {
	p := New()
	p.Parse(`
User-agent: *
Disallow: /a*b
Disallow: /*.pdf$
Disallow: /exact$
Disallow: /tmp*
`)
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/axxb", false},
		{"https://example.com/ab", false},
		{"https://example.com/axx", true},       // no b after a
		{"https://example.com/xab", true},       // /a must match at start
		{"https://example.com/doc.pdf", false},  // $ anchors
		{"https://example.com/doc.pdfx", true},  // tail after $ pattern
		{"https://example.com/x/doc.pdf", false},
		{"https://example.com/exact", false},
		{"https://example.com/exactly", true},
		{"https://example.com/tmp", false},
		{"https://example.com/tmp/anything", false},
	}
	for _, tt := range tests {
		if got := p.CanFetch("bot", tt.url); got != tt.want {
			t.Errorf("CanFetch(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestAnchoredWildcardBacktracks(t *testing.T) {
	p := New()
	p.Parse("User-agent: *\nDisallow: /a*b$\n")
	// The first b is not the last one; the matcher must retry.
	if p.CanFetch("bot", "https://example.com/abxb") {
		t.Error("/a*b$ should match /abxb")
	}
	if p.CanFetch("bot", "https://example.com/ab") {
		t.Error("/a*b$ should match /ab")
	}
	if !p.CanFetch("bot", "https://example.com/abx") {
		t.Error("/a*b$ should not match /abx")
	}
}

func TestEncodedSlashStaysEscaped(t *testing.T) {
	p := New()
	p.Parse("User-agent: *\nDisallow: /a/b\n")
	// An encoded slash must not decode into a literal one.
	if got := p.CanFetch("bot", "https://example.com/a%2Fb"); !got {
		t.Errorf("CanFetch(%q) = %v, want true: the encoded slash must not match the /a/b rule", "/a%2Fb", got)
	}
	if p.CanFetch("bot", "https://example.com/a/b") {
		t.Error("/a/b should match the /a/b rule")
	}
}

func TestPercentDecodedRuleAndURL(t *testing.T) {
	p := New()
	p.Parse("User-agent: *\nDisallow: /caf%C3%A9\n")
	if p.CanFetch("bot", "https://example.com/caf%C3%A9/menu") {
		t.Error("percent-encoded rule should match percent-encoded path")
	}
}

func TestQueryAndEmptyPath(t *testing.T) {
	p := New()
	p.Parse("User-agent: *\nDisallow: /search?q=\nDisallow: /$\n")
	if p.CanFetch("bot", "https://example.com/search?q=x") {
		t.Error("query string should participate in matching")
	}
	if p.CanFetch("bot", "https://example.com") {
		t.Error("empty path should normalize to / and match /$")
	}
	if !p.CanFetch("bot", "https://example.com/page") {
		t.Error("/$ must only match the root")
	}
}

func TestFetchStatus(t *testing.T) {
	p := New()
	p.SetFetchStatus(403)
	if p.CanFetch("bot", "https://example.com/") {
		t.Error("403 on robots.txt should disallow all")
	}

	p = New()
	p.SetFetchStatus(404)
	if !p.CanFetch("bot", "https://example.com/anything") {
		t.Error("404 on robots.txt should allow all")
	}

	p = New()
	p.SetFetchStatus(401)
	if p.CanFetch("bot", "https://example.com/") {
		t.Error("401 on robots.txt should disallow all")
	}
}

func TestEmptyParserAllows(t *testing.T) {
	p := New()
	if !p.CanFetch("bot", "https://example.com/") {
		t.Error("a parser with no document should allow")
	}
}

func TestCrawlDelayAndRate(t *testing.T) {
	p := New()
	p.Parse(sampleRobots)

	if got := p.CrawlDelay("mybot"); got != 2 {
		t.Errorf("CrawlDelay(mybot) = %d, want 2", got)
	}
	if got := p.CrawlDelay("fastbot"); got != 0 {
		t.Errorf("CrawlDelay(fastbot) = %d, want 0", got)
	}
	rate := p.Rate("fastbot")
	if rate == nil || rate.Requests != 3 || rate.Seconds != 15 {
		t.Errorf("Rate(fastbot) = %+v, want 3/15", rate)
	}
	if p.Rate("mybot") != nil {
		t.Errorf("Rate(mybot) should be nil")
	}
}

func TestSitemaps(t *testing.T) {
	p := New()
	p.Parse(sampleRobots)
	want := []string{"https://example.com/sitemap.xml", "https://example.com/news.xml"}
	if got := p.Sitemaps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sitemaps = %v, want %v", got, want)
	}
}

func TestGroupedUserAgents(t *testing.T) {
	p := New()
	p.Parse(sampleRobots)
	// fastbot and speedy share one group.
	if p.CanFetch("speedy", "https://example.com/slow/x") {
		t.Error("speedy should share fastbot's rules")
	}
	if p.Rate("speedy") == nil {
		t.Error("speedy should share fastbot's request-rate")
	}
}

func TestWindowsLineEndings(t *testing.T) {
	p := New()
	p.Parse("User-agent: *\r\nDisallow: /x/\r\n")
	if p.CanFetch("bot", "https://example.com/x/page") {
		t.Error("CRLF input should parse")
	}
}
