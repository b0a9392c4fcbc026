// Package robotstxt parses robots.txt in the Google dialect: ordered
// Allow/Disallow rules with * and trailing-$ wildcards, longest
// user-agent substring match, plus Crawl-delay, Request-rate and Sitemap.
package robotstxt

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Rule is one Allow/Disallow line, in declaration order.
type Rule struct {
	Pattern string
	Allow   bool
}

// RequestRate is a parsed Request-rate value: Requests fetches per Seconds.
type RequestRate struct {
	Requests int
	Seconds  int
}

type ruleSet struct {
	rules       []Rule
	crawlDelay  int
	requestRate *RequestRate
}

// Parser answers can-fetch queries against one parsed robots.txt document.
type Parser struct {
	agents      map[string]*ruleSet // lowercased UA token -> rules
	defaultSet  *ruleSet            // the "*" block
	sitemaps    []string
	disallowAll bool // fetch returned 401/403
	allowAll    bool // fetch returned another 4xx
}

// New returns an empty Parser that allows everything until Parse or
// SetFetchStatus is called.
func New() *Parser {
	return &Parser{agents: make(map[string]*ruleSet)}
}

// SetFetchStatus records the HTTP status of the robots.txt fetch itself.
// 401 and 403 mean disallow-all; any other 4xx means allow-all.
func (p *Parser) SetFetchStatus(status int) {
	if status == 401 || status == 403 {
		p.disallowAll = true
	} else if status >= 400 && status < 500 {
		p.allowAll = true
	}
}

// Parse ingests robots.txt text. Line endings are normalized and comments
// stripped from # to end of line. Consecutive User-agent lines share one rule
// group.
func (p *Parser) Parse(text string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var current *ruleSet
	lastLineUA := false
	for _, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		field, data, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		data = strings.TrimSpace(data)
		if unquoted, err := url.QueryUnescape(data); err == nil && field != "sitemap" {
			data = unquoted
		}
		switch field {
		case "user-agent", "useragent":
			if !lastLineUA {
				current = &ruleSet{}
				lastLineUA = true
			}
			token := strings.ToLower(data)
			if token == "*" {
				p.defaultSet = current
			} else {
				p.agents[token] = current
			}
			continue
		case "disallow":
			if current != nil {
				current.rules = append(current.rules, Rule{Pattern: data, Allow: false})
			}
		case "allow":
			if current != nil {
				current.rules = append(current.rules, Rule{Pattern: data, Allow: true})
			}
		case "crawl-delay":
			if current != nil {
				if n, err := strconv.Atoi(data); err == nil {
					current.crawlDelay = n
				}
			}
		case "request-rate":
			if current != nil {
				reqs, secs, ok := strings.Cut(data, "/")
				if ok {
					r, err1 := strconv.Atoi(strings.TrimSpace(reqs))
					s, err2 := strconv.Atoi(strings.TrimSpace(secs))
					if err1 == nil && err2 == nil {
						current.requestRate = &RequestRate{Requests: r, Seconds: s}
					}
				}
			}
		case "sitemap":
			p.sitemaps = append(p.sitemaps, data)
		}
		lastLineUA = false
	}
}

// CanFetch reports whether userAgent may fetch rawURL. Rule selection: the
// declared agent token that is the longest case-insensitive substring of
// userAgent wins; otherwise the * block; otherwise allow. Rules apply in
// declared order, first match wins; no match allows.
func (p *Parser) CanFetch(userAgent, rawURL string) bool {
	if p.disallowAll {
		return false
	}
	if p.allowAll {
		return true
	}
	set := p.selectRuleSet(userAgent)
	if set == nil {
		return true
	}
	target := normalizePath(rawURL)
	for _, rule := range set.rules {
		if pathMatch(rule.Pattern, target) {
			return rule.Allow
		}
	}
	return true
}

// CrawlDelay returns the crawl-delay for userAgent in seconds, 0 when unset.
func (p *Parser) CrawlDelay(userAgent string) int {
	if set := p.selectRuleSet(userAgent); set != nil {
		return set.crawlDelay
	}
	return 0
}

// Rate returns the request-rate for userAgent, nil when unset.
func (p *Parser) Rate(userAgent string) *RequestRate {
	if set := p.selectRuleSet(userAgent); set != nil {
		return set.requestRate
	}
	return nil
}

// Sitemaps returns the sitemap URLs listed anywhere in the document.
func (p *Parser) Sitemaps() []string {
	out := make([]string, len(p.sitemaps))
	copy(out, p.sitemaps)
	return out
}

func (p *Parser) selectRuleSet(userAgent string) *ruleSet {
	ua := strings.ToLower(userAgent)
	var match *ruleSet
	matchLen := -1
	for token, set := range p.agents {
		if strings.Contains(ua, token) && len(token) > matchLen {
			matchLen = len(token)
			match = set
		}
	}
	if match != nil {
		return match
	}
	return p.defaultSet
}

// normalizePath extracts the path?query#fragment of rawURL and percent-decodes
// it, keeping %2F escaped so that an encoded slash never matches a literal
// one.
func normalizePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		target += "#" + u.Fragment
	}
	return unquoteKeepSlash(target)
}

var encodedSlash = regexp.MustCompile("%2[fF]")

func unquoteKeepSlash(path string) string {
	path = encodedSlash.ReplaceAllString(path, "\x00")
	if unquoted, err := url.QueryUnescape(strings.ReplaceAll(path, "+", "%2B")); err == nil {
		path = unquoted
	}
	return strings.ReplaceAll(path, "\x00", "%2F")
}

// pathMatch applies one pattern to target. * matches any run of characters, a
// trailing $ anchors the end, and a pattern without either is a prefix match.
func pathMatch(pattern, target string) bool {
	if pattern == "" {
		return false
	}
	anchored := strings.HasSuffix(pattern, "$")
	if anchored {
		pattern = pattern[:len(pattern)-1]
	}
	if !strings.Contains(pattern, "*") {
		if anchored {
			return target == pattern
		}
		return strings.HasPrefix(target, pattern)
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(target, parts[0]) {
		return false
	}
	return matchRest(parts[1:], target[len(parts[0]):], anchored)
}

// matchRest places each part at successive candidate offsets, backtracking
// when a later part cannot fit. Needed for anchored patterns like /a*b$
// against /abxb, where the leftmost b is the wrong one.
func matchRest(parts []string, target string, anchored bool) bool {
	if len(parts) == 0 {
		return !anchored || target == ""
	}
	part := parts[0]
	if part == "" {
		if len(parts) == 1 {
			// A trailing * consumes the tail.
			return true
		}
		return matchRest(parts[1:], target, anchored)
	}
	for from := 0; ; {
		idx := strings.Index(target[from:], part)
		if idx < 0 {
			return false
		}
		if matchRest(parts[1:], target[from+idx+len(part):], anchored) {
			return true
		}
		from += idx + 1
	}
}
