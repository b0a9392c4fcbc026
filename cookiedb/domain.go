package cookiedb

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// CandidateDomains returns the domains whose cookies apply to host: the host
// itself and every dotted suffix down to the registrable (eTLD+1) domain, each
// in plain and dot-prefixed form. For "a.b.example.co.uk" that is
// a.b.example.co.uk, .a.b.example.co.uk, b.example.co.uk, .b.example.co.uk,
// example.co.uk and .example.co.uk.
func CandidateDomains(host string) []string {
	host = strings.Trim(strings.ToLower(host), ".")
	if host == "" {
		return nil
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// IP literals and single-label hosts match only themselves.
		return []string{host, "." + host}
	}
	var out []string
	cur := host
	for {
		out = append(out, cur, "."+cur)
		if cur == registrable {
			break
		}
		i := strings.Index(cur, ".")
		if i < 0 {
			break
		}
		cur = cur[i+1:]
	}
	return out
}

// RegistrableDomain returns the eTLD+1 for host, or host itself when the
// public suffix list has no answer (IP literals, single labels).
func RegistrableDomain(host string) string {
	host = strings.Trim(strings.ToLower(host), ".")
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}
