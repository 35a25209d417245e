package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arcgis-community/portal-session/instrumentation"
	"github.com/arcgis-community/portal-session/internal/urlutil"
	"github.com/arcgis-community/portal-session/request"
	"github.com/arcgis-community/portal-session/security"
)

// credentialKind is the active credential variant of a Session. It decides
// which grant a refresh uses.
type credentialKind int

const (
	credentialAnonymous credentialKind = iota
	credentialTokenOnly
	credentialRefreshable
	credentialApplication
	credentialPassword
)

func (k credentialKind) String() string {
	switch k {
	case credentialPassword:
		return "password"
	case credentialApplication:
		return "application"
	case credentialRefreshable:
		return "refreshable"
	case credentialTokenOnly:
		return "token-only"
	default:
		return "anonymous"
	}
}

// Session holds one authenticated identity against a home portal: its
// access token, refresh credential, and the per-server trust map grown by
// federation resolution. All methods are safe for concurrent use.
type Session struct {
	// immutable after construction
	clientID      string
	clientSecret  string
	portal        string
	provider      string
	username      string
	password      string
	redirectURI   string
	server        string // pre-trusted server root, normalized, or ""
	tokenDuration time.Duration
	refreshTTL    time.Duration

	client *request.Client
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	// mutable credential state
	mu                 sync.Mutex
	token              string
	tokenExpiry        time.Time
	refreshToken       string
	refreshTokenExpiry time.Time
	ssl                bool
	revoked            bool
	trusted            map[string]trustEntry

	// at-most-one-in-flight per cache key (portal URL or server root)
	inflight inflight
}

// New creates a Session from explicit options. No network call is made;
// the session refreshes lazily on first use if it has no fresh token.
func New(opts Options) (*Session, error) {
	opts = opts.withDefaults()

	server := ""
	if opts.Server != "" {
		server = urlutil.ServerRoot(opts.Server)
	}

	s := &Session{
		clientID:           opts.ClientID,
		clientSecret:       opts.ClientSecret,
		portal:             urlutil.TrimTrailingSlash(opts.Portal),
		provider:           opts.Provider,
		username:           opts.Username,
		password:           opts.Password,
		redirectURI:        opts.RedirectURI,
		server:             server,
		tokenDuration:      opts.TokenDuration,
		refreshTTL:         opts.RefreshTokenTTL,
		client:             opts.Client,
		logger:             opts.Logger,
		inst:               opts.Instrumentation,
		tracer:             opts.Instrumentation.Tracer("session"),
		token:              opts.Token,
		tokenExpiry:        opts.TokenExpiry,
		refreshToken:       opts.RefreshToken,
		refreshTokenExpiry: opts.RefreshTokenExpiry,
		ssl:                opts.SSL,
		trusted:            make(map[string]trustEntry),
	}
	s.inflight.inst = s.inst
	return s, nil
}

// SignIn creates a Session from username and password and validates the
// credentials immediately by minting a token.
func SignIn(ctx context.Context, opts Options) (*Session, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, ErrRefreshFailed("sign-in requires a username and password")
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// FromClientCredentials creates an app-only Session using the
// client_credentials grant. The session re-runs the grant whenever its
// token expires.
func FromClientCredentials(ctx context.Context, opts Options) (*Session, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, ErrRefreshFailed("client credentials sign-in requires a client ID and secret")
	}
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Portal returns the home portal base URL.
func (s *Session) Portal() string { return s.portal }

// Provider returns the identity source tag.
func (s *Session) Provider() string { return s.provider }

// ClientID returns the OAuth application ID, if any.
func (s *Session) ClientID() string { return s.clientID }

// Username returns the authenticated username, if known.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Token returns the current access token without refreshing. Prefer
// GetToken, which guarantees freshness.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// TokenExpiry returns the current token's expiry. Zero means the token
// never expires.
func (s *Session) TokenExpiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenExpiry
}

// SSL reports whether the identity requires https-only access.
func (s *Session) SSL() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssl
}

// CanRefresh reports whether the session holds a credential that can mint
// new access tokens.
func (s *Session) CanRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kindLocked() >= credentialRefreshable
}

// kindLocked computes the active credential variant. Callers hold s.mu.
func (s *Session) kindLocked() credentialKind {
	switch {
	case s.username != "" && s.password != "":
		return credentialPassword
	case s.clientID != "" && s.clientSecret != "":
		return credentialApplication
	case s.clientID != "" && s.refreshToken != "":
		return credentialRefreshable
	case s.token != "":
		return credentialTokenOnly
	default:
		return credentialAnonymous
	}
}

// GetToken returns a token valid for the given request URL. Portal URLs
// (and hosted URLs in the portal's environment) are served from the cached
// portal token, refreshing when stale; other URLs go through federation
// resolution. A token with no recorded expiry is treated as non-expiring
// and returned as-is.
func (s *Session) GetToken(ctx context.Context, requestURL string) (string, error) {
	s.mu.Lock()
	revoked := s.revoked
	s.mu.Unlock()
	if revoked {
		return "", ErrSessionRevoked("session has been revoked and can no longer produce tokens")
	}

	if s.canUsePortalToken(requestURL) {
		return s.portalToken(ctx)
	}
	return s.resolveAndGetToken(ctx, requestURL)
}

// canUsePortalToken reports whether the home portal token is valid for a
// request URL: same host, or the same hosted environment as the portal.
func (s *Session) canUsePortalToken(requestURL string) bool {
	return urlutil.HostsMatch(s.portal, requestURL) ||
		urlutil.CanUseOnlineToken(s.portal, requestURL)
}

// portalToken returns the cached portal token, refreshing it through the
// deduplicator (keyed by the portal URL) when missing or stale.
func (s *Session) portalToken(ctx context.Context) (string, error) {
	if token, ok := s.freshPortalToken(); ok {
		return token, nil
	}

	return s.inflight.do(ctx, s.portal, func() (string, error) {
		// A caller that joined late may find the token already fresh.
		if token, ok := s.freshPortalToken(); ok {
			return token, nil
		}
		if err := s.refresh(ctx); err != nil {
			return "", err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.token, nil
	})
}

func (s *Session) freshPortalToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && !security.IsTokenExpired(s.tokenExpiry) {
		return s.token, true
	}
	return "", false
}

// refresh mints a new access token using the session's active credential
// variant. Token-only and anonymous sessions cannot refresh; the resulting
// error is fatal and no retry is attempted here.
func (s *Session) refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.refresh")
	defer span.End()
	instrumentation.AddSessionAttributes(span, s.clientID, s.portal)

	s.mu.Lock()
	kind := s.kindLocked()
	s.mu.Unlock()

	var err error
	switch kind {
	case credentialPassword:
		err = s.refreshWithPassword(ctx)
	case credentialApplication:
		err = s.refreshWithClientCredentials(ctx)
	case credentialRefreshable:
		err = s.refreshWithRefreshToken(ctx)
	default:
		err = ErrRefreshFailed("unable to refresh token: session has no password, client secret, or refresh token")
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	instrumentation.SetSpanSuccess(span)
	return nil
}

// generateTokenResponse is the legacy token endpoint's response shape.
type generateTokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"` // epoch milliseconds
	SSL     bool   `json:"ssl"`
}

// oauthTokenResponse is the OAuth token endpoint's response shape.
type oauthTokenResponse struct {
	AccessToken           string `json:"access_token"`
	ExpiresIn             int64  `json:"expires_in"` // seconds
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"` // seconds
	Username              string `json:"username"`
	SSL                   bool   `json:"ssl"`
}

func (s *Session) refreshWithPassword(ctx context.Context) error {
	params := url.Values{}
	params.Set("username", s.username)
	params.Set("password", s.password)
	params.Set("expiration", minutes(s.tokenDuration))
	params.Set("client", "referer")
	params.Set("referer", s.portal)

	var resp generateTokenResponse
	if err := s.client.Post(ctx, s.portal+"/generateToken", params, &resp); err != nil {
		return fmt.Errorf("unable to refresh token: %w", err)
	}

	s.mu.Lock()
	s.token = resp.Token
	s.tokenExpiry = time.UnixMilli(resp.Expires)
	s.ssl = resp.SSL
	s.mu.Unlock()

	s.recordRefresh(ctx, "password")
	return nil
}

func (s *Session) refreshWithClientCredentials(ctx context.Context) error {
	params := url.Values{}
	params.Set("client_id", s.clientID)
	params.Set("client_secret", s.clientSecret)
	params.Set("grant_type", "client_credentials")
	params.Set("expiration", minutes(s.tokenDuration))

	var resp oauthTokenResponse
	if err := s.client.Post(ctx, s.portal+"/oauth2/token", params, &resp); err != nil {
		return fmt.Errorf("unable to refresh token: %w", err)
	}

	s.mu.Lock()
	s.token = resp.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	s.ssl = resp.SSL
	s.mu.Unlock()

	s.recordRefresh(ctx, "client_credentials")
	return nil
}

func (s *Session) refreshWithRefreshToken(ctx context.Context) error {
	s.mu.Lock()
	refreshToken := s.refreshToken
	refreshExpiry := s.refreshTokenExpiry
	s.mu.Unlock()

	// A refresh token past its own expiry has to be exchanged for a new
	// one; an ordinary refresh_token grant would be rejected.
	if !refreshExpiry.IsZero() && security.IsTokenExpired(refreshExpiry) {
		return s.exchangeRefreshToken(ctx, refreshToken)
	}

	params := url.Values{}
	params.Set("client_id", s.clientID)
	params.Set("refresh_token", refreshToken)
	params.Set("grant_type", "refresh_token")

	var resp oauthTokenResponse
	if err := s.client.Post(ctx, s.portal+"/oauth2/token", params, &resp); err != nil {
		return fmt.Errorf("unable to refresh token: %w", err)
	}

	s.mu.Lock()
	s.token = resp.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.Username != "" {
		s.username = resp.Username
	}
	s.ssl = resp.SSL
	s.mu.Unlock()

	s.recordRefresh(ctx, "refresh_token")
	return nil
}

// exchangeRefreshToken rotates an expired refresh token: the grant returns
// both a new access token and a new refresh token, and the refresh token's
// expiry is reset to one minute short of the configured TTL.
func (s *Session) exchangeRefreshToken(ctx context.Context, refreshToken string) error {
	params := url.Values{}
	params.Set("client_id", s.clientID)
	params.Set("refresh_token", refreshToken)
	params.Set("grant_type", "exchange_refresh_token")
	if s.redirectURI != "" {
		params.Set("redirect_uri", s.redirectURI)
	}

	var resp oauthTokenResponse
	if err := s.client.Post(ctx, s.portal+"/oauth2/token", params, &resp); err != nil {
		return fmt.Errorf("unable to exchange refresh token: %w", err)
	}

	s.mu.Lock()
	s.token = resp.AccessToken
	s.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	s.refreshToken = resp.RefreshToken
	s.refreshTokenExpiry = time.Now().Add(s.refreshTTL - time.Minute)
	if resp.Username != "" {
		s.username = resp.Username
	}
	s.ssl = resp.SSL
	s.mu.Unlock()

	s.recordRefresh(ctx, "exchange_refresh_token")
	return nil
}

func (s *Session) recordRefresh(ctx context.Context, grantType string) {
	s.inst.Metrics().TokenRefreshed.Add(ctx, 1,
		metric.WithAttributes(attribute.String(instrumentation.AttrGrantType, grantType)))
	s.logger.Debug("session token refreshed",
		"portal", s.portal,
		"grant_type", grantType,
		"token_prefix", truncateToken(s.Token()))
}

// UserInfo is the portal's description of the authenticated user.
type UserInfo struct {
	Username  string `json:"username"`
	FullName  string `json:"fullName"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	OrgID     string `json:"orgId"`
	Created   int64  `json:"created"`
	Modified  int64  `json:"modified"`
	Thumbnail string `json:"thumbnail"`
}

// Self fetches the authenticated user's record from the home portal.
func (s *Session) Self(ctx context.Context) (*UserInfo, error) {
	token, err := s.GetToken(ctx, s.portal)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("token", token)

	var info UserInfo
	if err := s.client.Get(ctx, s.portal+"/community/self", params, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	s.mu.Lock()
	if s.username == "" {
		s.username = info.Username
	}
	s.mu.Unlock()

	return &info, nil
}

// Revoke invalidates the session's credentials server-side (both access
// and refresh tokens) and destroys the local credential state. Further
// GetToken calls fail.
func (s *Session) Revoke(ctx context.Context) error {
	s.mu.Lock()
	authToken := s.refreshToken
	if authToken == "" {
		authToken = s.token
	}
	s.mu.Unlock()

	if authToken == "" {
		return ErrTokenExpired("session has no credential to revoke")
	}

	params := url.Values{}
	params.Set("auth_token", authToken)
	if s.clientID != "" {
		params.Set("client_id", s.clientID)
	}

	var resp struct {
		Success bool `json:"success"`
	}
	if err := s.client.Post(ctx, s.portal+"/oauth2/revokeToken", params, &resp); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if !resp.Success {
		return NewAuthError(ErrorCodeAuthError, "portal did not confirm token revocation")
	}

	s.mu.Lock()
	s.token = ""
	s.tokenExpiry = time.Time{}
	s.refreshToken = ""
	s.refreshTokenExpiry = time.Time{}
	s.password = ""
	s.clientSecret = ""
	s.revoked = true
	s.trusted = make(map[string]trustEntry)
	s.mu.Unlock()

	s.inst.Metrics().TokenRevoked.Add(ctx, 1)
	s.logger.Info("session revoked", "portal", s.portal)
	return nil
}

// minutes formats a duration as whole minutes for portal expiration params.
func minutes(d time.Duration) string {
	return strconv.Itoa(int(d / time.Minute))
}

func truncateToken(token string) string {
	if len(token) <= tokenLogLength {
		return token
	}
	return token[:tokenLogLength]
}
