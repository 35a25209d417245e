package session

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/arcgis-community/portal-session/instrumentation"
	"github.com/arcgis-community/portal-session/internal/urlutil"
	"github.com/arcgis-community/portal-session/security"
)

// trustEntry is one cached server-scoped token, keyed by server root.
type trustEntry struct {
	token  string
	expiry time.Time
}

// serverInfo is the shape of a server's /rest/info response.
type serverInfo struct {
	CurrentVersion  float64   `json:"currentVersion"`
	OwningSystemURL string    `json:"owningSystemUrl"`
	AuthInfo        *authInfo `json:"authInfo"`
}

type authInfo struct {
	IsTokenBasedSecurity bool   `json:"isTokenBasedSecurity"`
	TokenServicesURL     string `json:"tokenServicesUrl"`
}

// portalInfo is the shape of a portal's /sharing/rest/info response.
type portalInfo struct {
	AuthInfo *authInfo `json:"authInfo"`
}

// ServerRootURL computes the canonical server root used as a federation
// trust-cache key: the URL stripped at the first /rest/services or
// /rest/admin/services segment, with only the hostname lowercased.
func ServerRootURL(requestURL string) string {
	return urlutil.ServerRoot(requestURL)
}

// resolveAndGetToken validates trust between an unknown server and the
// home portal and returns a server-scoped token, caching it under the
// server root. The probe and token grant run through the deduplicator so
// concurrent callers for one root share a single resolution.
func (s *Session) resolveAndGetToken(ctx context.Context, requestURL string) (string, error) {
	root := urlutil.ServerRoot(requestURL)

	if token, ok := s.trustedToken(root); ok {
		s.inst.Metrics().FederationCacheHits.Add(ctx, 1)
		return token, nil
	}

	return s.inflight.do(ctx, root, func() (string, error) {
		if token, ok := s.trustedToken(root); ok {
			s.inst.Metrics().FederationCacheHits.Add(ctx, 1)
			return token, nil
		}
		return s.fetchServerToken(ctx, root, requestURL)
	})
}

// trustedToken returns the cached, unexpired token for a server root.
func (s *Session) trustedToken(root string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.trusted[root]
	if !ok || security.IsTokenExpired(entry.expiry) {
		return "", false
	}
	return entry.token, true
}

func (s *Session) fetchServerToken(ctx context.Context, root, requestURL string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "session.federation.resolve")
	defer span.End()
	instrumentation.AddFederationAttributes(span, root, "")

	s.inst.Metrics().FederationProbes.Add(ctx, 1)
	s.logger.Debug("resolving federation trust", "server_root", root)

	var info serverInfo
	if err := s.client.Get(ctx, root+"/rest/info", nil, &info); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("federation probe failed: %w", err)
	}

	tokenServicesURL, err := s.tokenServicesURL(ctx, root, requestURL, &info)
	if err != nil {
		s.inst.Metrics().FederationRejected.Add(ctx, 1)
		instrumentation.RecordError(span, err)
		return "", err
	}

	token, err := s.generateServerToken(ctx, tokenServicesURL, root, requestURL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	instrumentation.SetSpanSuccess(span)
	return token, nil
}

// tokenServicesURL decides where a token for this server is minted:
// the owning portal's token service for federated servers, or the server's
// own token service when it was explicitly pre-trusted at construction.
func (s *Session) tokenServicesURL(ctx context.Context, root, requestURL string, info *serverInfo) (string, error) {
	switch {
	case info.OwningSystemURL != "":
		if !urlutil.IsFederated(info.OwningSystemURL, s.portal) {
			s.logger.Warn("server owned by a foreign portal",
				"server_root", root,
				"owning_system", info.OwningSystemURL)
			return "", ErrNotFederated(fmt.Sprintf("%s is not federated with %s", requestURL, s.portal))
		}

		owning := urlutil.TrimTrailingSlash(info.OwningSystemURL)
		var pinfo portalInfo
		if err := s.client.Get(ctx, owning+"/sharing/rest/info", nil, &pinfo); err != nil {
			return "", fmt.Errorf("failed to fetch owning portal info: %w", err)
		}
		if pinfo.AuthInfo == nil || pinfo.AuthInfo.TokenServicesURL == "" {
			return "", ErrNotFederated(fmt.Sprintf("owning portal %s does not advertise a token service", owning))
		}
		return pinfo.AuthInfo.TokenServicesURL, nil

	case info.AuthInfo != nil && s.trustsServer(root):
		// A stand-alone server explicitly pre-trusted at construction
		// mints tokens from its own token service.
		if info.AuthInfo.TokenServicesURL == "" {
			return "", ErrNotFederated(fmt.Sprintf("%s does not advertise a token service", root))
		}
		return info.AuthInfo.TokenServicesURL, nil

	default:
		return "", ErrNotFederated(fmt.Sprintf("%s is not federated with any portal and is not explicitly trusted", requestURL))
	}
}

// trustsServer reports whether root was pre-registered as an explicitly
// trusted stand-alone server.
func (s *Session) trustsServer(root string) bool {
	return s.server != "" && s.server == root
}

// generateServerToken mints a server-scoped token at the resolved token
// service. When the session holds an unexpired portal token it is exchanged
// instead of re-sending credentials; a password session with no live token
// performs a fresh grant and updates its own token as a side effect.
func (s *Session) generateServerToken(ctx context.Context, tokenServicesURL, root, requestURL string) (string, error) {
	s.mu.Lock()
	portalToken := s.token
	portalTokenFresh := s.token != "" && !security.IsTokenExpired(s.tokenExpiry)
	username, password := s.username, s.password
	s.mu.Unlock()

	params := url.Values{}
	params.Set("expiration", minutes(s.tokenDuration))
	params.Set("client", "referer")
	params.Set("referer", s.portal)

	usedCredentials := false
	switch {
	case portalTokenFresh:
		params.Set("token", portalToken)
		params.Set("serverUrl", requestURL)
	case username != "" && password != "":
		params.Set("username", username)
		params.Set("password", password)
		usedCredentials = true
	default:
		return "", ErrRefreshFailed(fmt.Sprintf("unable to generate a token for %s: no portal token or credentials available", root))
	}

	var resp generateTokenResponse
	if err := s.client.Post(ctx, tokenServicesURL, params, &resp); err != nil {
		return "", fmt.Errorf("server token grant failed: %w", err)
	}

	expiry := time.UnixMilli(resp.Expires)

	s.mu.Lock()
	if usedCredentials {
		s.token = resp.Token
		s.tokenExpiry = expiry
		s.ssl = resp.SSL
	}
	s.trusted[root] = trustEntry{token: resp.Token, expiry: expiry}
	s.mu.Unlock()

	s.logger.Debug("federated server trusted",
		"server_root", root,
		"token_prefix", truncateToken(resp.Token),
		"expiry", expiry)
	return resp.Token, nil
}
