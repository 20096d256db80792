package arena

import (
	"net/url"
	"strings"
)

// The production site answers on two registrable domains. Cookies set on one
// are not visible on the other, so every cookie operation has to be applied
// per origin and read back per origin.
const (
	CanonicalOrigin = "https://lmarena.ai"
	AliasOrigin     = "https://arena.ai"

	AuthCookieName        = "arena-auth-prod-v1"
	ClearanceCookieName   = "cf_clearance"
	ProvisionalCookieName = "arena-provisional-user-id"
)

// CookieSpec describes a cookie to apply to a browser context. Exactly one of
// URL or Domain is set: URL scopes the cookie to that origin, Domain to a
// wildcard parent domain.
type CookieSpec struct {
	Name   string
	Value  string
	URL    string
	Domain string
	Path   string
}

// Cookie is a cookie read back from a browser context.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// DetectOrigin maps an arbitrary page URL to the arena origin it belongs to.
// Blank and about:blank inputs mean the page has not navigated yet and map to
// the canonical production origin. www-prefixed variants of the known hosts
// normalize to their bare form; unrelated hosts pass through unchanged.
func DetectOrigin(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || rawURL == "about:blank" {
		return CanonicalOrigin
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return CanonicalOrigin
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "lmarena.ai", "www.lmarena.ai":
		return CanonicalOrigin
	case "arena.ai", "www.arena.ai":
		return AliasOrigin
	}
	return u.Scheme + "://" + u.Host
}

// OriginCandidates returns the two origins cookies should be applied to, the
// detected origin first. Order matters: headers are attempted in this order
// and the first success wins.
func OriginCandidates(rawURL string) []string {
	switch DetectOrigin(rawURL) {
	case AliasOrigin:
		return []string{AliasOrigin, CanonicalOrigin}
	default:
		return []string{CanonicalOrigin, AliasOrigin}
	}
}

// AuthCookieSpecs scopes the auth token cookie to each origin candidate
// individually, path /.
func AuthCookieSpecs(token, pageURL string) []CookieSpec {
	candidates := OriginCandidates(pageURL)
	specs := make([]CookieSpec, 0, len(candidates))
	for _, origin := range candidates {
		specs = append(specs, CookieSpec{
			Name:  AuthCookieName,
			Value: token,
			URL:   origin,
			Path:  "/",
		})
	}
	return specs
}

// ProvisionalUserCookieSpecs scopes the provisional-user-id cookie twice per
// origin: once by exact URL and once by wildcard parent domain. Firefox and
// Chromium disagree on which scoping the site's own JS can read back, so both
// are set.
func ProvisionalUserCookieSpecs(id, pageURL string) []CookieSpec {
	candidates := OriginCandidates(pageURL)
	specs := make([]CookieSpec, 0, 2*len(candidates))
	for _, origin := range candidates {
		specs = append(specs, CookieSpec{
			Name:  ProvisionalCookieName,
			Value: id,
			URL:   origin,
			Path:  "/",
		})
		specs = append(specs, CookieSpec{
			Name:   ProvisionalCookieName,
			Value:  id,
			Domain: "." + strings.TrimPrefix(origin, "https://"),
			Path:   "/",
		})
	}
	return specs
}

// DedupeCookies collapses cookies collected from per-origin reads by
// (name, domain, path), keeping the first-seen value.
func DedupeCookies(cookies []Cookie) []Cookie {
	type key struct{ name, domain, path string }
	seen := make(map[key]struct{}, len(cookies))
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		k := key{c.Name, c.Domain, c.Path}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
