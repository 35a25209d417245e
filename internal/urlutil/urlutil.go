// Package urlutil provides URL normalization and comparison helpers shared
// across the portal-session library. These cover the portal and server URL
// conventions that federation trust decisions depend on.
package urlutil

import (
	"net/url"
	"regexp"
	"strings"
)

// serverRootPattern marks the boundary at which an arbitrary service URL is
// cut down to its canonical server root. The boundary is the first
// "/rest/services" or "/rest/admin/services" path segment.
var serverRootPattern = regexp.MustCompile(`/rest(/admin)?/services(/|#|\?|$)`)

// Hosted portal URL shapes. Organization portals and hosted service tiers
// share one token per environment (production, dev, qa), so a request to
// any of them can reuse the home portal token for the same environment.
var (
	onlinePortalPattern   = regexp.MustCompile(`(?i)^https?://(dev|devext|qa|qaext|www)\.arcgis\.com/sharing/rest`)
	onlineOrgPattern      = regexp.MustCompile(`(?i)^https?://[a-z0-9-]+\.maps(dev|devext|qa|qaext)?\.arcgis\.com/sharing/rest`)
	onlineServicesPattern = regexp.MustCompile(`(?i)^https?://(?:services|tiles|features)(dev|qa)?[0-9]*\.arcgis\.com(/|$)`)
)

// TrimTrailingSlash normalizes a URL for comparison by removing trailing
// slashes. Portal URLs with and without a trailing slash are equivalent.
func TrimTrailingSlash(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}

// ServerRoot computes the canonical server root for an arbitrary request
// URL: the URL cut at the first "/rest/services" or "/rest/admin/services"
// segment, with only the hostname lowercased. Path casing is preserved
// because organization-specific path segments are case-sensitive.
func ServerRoot(rawURL string) string {
	root := TrimTrailingSlash(rawURL)
	if loc := serverRootPattern.FindStringIndex(root); loc != nil {
		root = root[:loc[0]]
	}

	u, err := url.Parse(root)
	if err != nil || u.Host == "" {
		return root
	}
	u.Host = strings.ToLower(u.Host)
	return TrimTrailingSlash(u.String())
}

// HostsMatch reports whether two URLs share a host, case-insensitively.
// The port is part of the host: a portal on a non-default port is a
// different authority than a server on the same machine.
func HostsMatch(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil || ua.Host == "" || ub.Host == "" {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

// IsOnline reports whether a URL belongs to a hosted portal deployment in
// any environment.
func IsOnline(rawURL string) bool {
	return onlinePortalPattern.MatchString(rawURL) ||
		onlineOrgPattern.MatchString(rawURL) ||
		onlineServicesPattern.MatchString(rawURL)
}

// OnlineEnvironment returns the hosted environment name for a URL:
// "production", "dev", "qa", or "" when the URL is not a hosted portal URL.
func OnlineEnvironment(rawURL string) string {
	if m := onlinePortalPattern.FindStringSubmatch(rawURL); m != nil {
		return environmentFromLabel(m[1])
	}
	if m := onlineOrgPattern.FindStringSubmatch(rawURL); m != nil {
		return environmentFromLabel(m[1])
	}
	if m := onlineServicesPattern.FindStringSubmatch(rawURL); m != nil {
		return environmentFromLabel(m[1])
	}
	return ""
}

func environmentFromLabel(label string) string {
	switch strings.ToLower(label) {
	case "dev", "devext":
		return "dev"
	case "qa", "qaext":
		return "qa"
	default:
		return "production"
	}
}

// CanUseOnlineToken reports whether a request URL belongs to the same hosted
// environment as the home portal, meaning the portal token can be sent
// directly without federation resolution.
func CanUseOnlineToken(portalURL, requestURL string) bool {
	if !IsOnline(portalURL) || !IsOnline(requestURL) {
		return false
	}
	return OnlineEnvironment(portalURL) == OnlineEnvironment(requestURL)
}

// NormalizeOnlinePortal maps an organization portal URL to its environment's
// canonical portal URL. Non-hosted portal URLs are returned unchanged.
func NormalizeOnlinePortal(portalURL string) string {
	if !onlinePortalPattern.MatchString(portalURL) && !onlineOrgPattern.MatchString(portalURL) {
		return portalURL
	}
	switch OnlineEnvironment(portalURL) {
	case "dev":
		return "https://devext.arcgis.com/sharing/rest"
	case "qa":
		return "https://qaext.arcgis.com/sharing/rest"
	default:
		return "https://www.arcgis.com/sharing/rest"
	}
}

// IsFederated reports whether a server's declared owning system is the home
// portal. The check is a case-insensitive host-substring match: the owning
// system URL, stripped of its scheme, must appear in the normalized portal
// URL.
func IsFederated(owningSystemURL, portalURL string) bool {
	owning := stripScheme(TrimTrailingSlash(owningSystemURL))
	if owning == "" {
		return false
	}
	portal := stripScheme(TrimTrailingSlash(NormalizeOnlinePortal(portalURL)))
	return strings.Contains(strings.ToLower(portal), strings.ToLower(owning))
}

func stripScheme(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		return rawURL[i+3:]
	}
	return rawURL
}
