package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/arcgis-community/portal-session/instrumentation"
	"github.com/arcgis-community/portal-session/request"
)

const (
	// DefaultPortal is the home portal used when none is configured.
	DefaultPortal = "https://www.arcgis.com/sharing/rest"

	// DefaultProvider is the default identity source tag.
	DefaultProvider = "arcgis"

	// DefaultTokenDuration is the requested lifetime for minted access
	// tokens: two weeks, the longest duration hosted portals grant.
	DefaultTokenDuration = 20160 * time.Minute

	// DefaultRefreshTokenTTL is the requested refresh token lifetime.
	DefaultRefreshTokenTTL = 20160 * time.Minute

	// tokenLogLength is the number of characters of a token included in
	// log output. Enough to correlate, not enough to replay.
	tokenLogLength = 8
)

// Options configures a Session. The combination of credential fields
// determines how the session refreshes itself: Username+Password sessions
// use the legacy token endpoint, ClientID+ClientSecret sessions use the
// client_credentials grant, ClientID+RefreshToken sessions use the
// refresh_token grants, and token-only sessions cannot refresh at all.
type Options struct {
	// ClientID is the registered OAuth application ID
	ClientID string

	// ClientSecret enables app-only client_credentials refresh
	ClientSecret string

	// Portal is the home portal base URL (trailing slash removed).
	// Default: DefaultPortal.
	Portal string

	// Provider is the identity source tag. Default: "arcgis".
	Provider string

	// Token and TokenExpiry seed the session with an existing access
	// credential. A zero TokenExpiry means the token never expires.
	Token       string
	TokenExpiry time.Time

	// RefreshToken and RefreshTokenExpiry seed the long-lived credential
	// used to mint new access tokens
	RefreshToken       string
	RefreshTokenExpiry time.Time

	// Username and Password are present only for direct password-grant
	// sessions
	Username string
	Password string

	// TokenDuration is the lifetime requested for minted access tokens.
	// Default: DefaultTokenDuration.
	TokenDuration time.Duration

	// RefreshTokenTTL is the lifetime requested for rotated refresh
	// tokens. Default: DefaultRefreshTokenTTL.
	RefreshTokenTTL time.Duration

	// RedirectURI is required for authorization-code/PKCE exchange
	RedirectURI string

	// Server pre-trusts one unfederated server root. Tokens for it are
	// obtained from its own token service instead of the portal's.
	Server string

	// SSL records whether the portal requires https for this identity
	SSL bool

	// HTTPClient overrides the transport used for portal requests
	HTTPClient *http.Client

	// Client overrides the request collaborator entirely. Takes
	// precedence over HTTPClient.
	Client *request.Client

	// Logger for structured logging (optional, uses slog.Default if not
	// provided)
	Logger *slog.Logger

	// Instrumentation enables OpenTelemetry metrics and tracing
	// (optional, no-op if not provided)
	Instrumentation *instrumentation.Instrumentation
}

// withDefaults returns a copy of o with defaults applied.
func (o Options) withDefaults() Options {
	if o.Portal == "" {
		o.Portal = DefaultPortal
	}
	if o.Provider == "" {
		o.Provider = DefaultProvider
	}
	if o.TokenDuration <= 0 {
		o.TokenDuration = DefaultTokenDuration
	}
	if o.RefreshTokenTTL <= 0 {
		o.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Instrumentation == nil {
		o.Instrumentation = instrumentation.Disabled()
	}
	if o.Client == nil {
		clientOpts := []request.Option{
			request.WithLogger(o.Logger),
			request.WithInstrumentation(o.Instrumentation),
		}
		if o.HTTPClient != nil {
			clientOpts = append(clientOpts, request.WithHTTPClient(o.HTTPClient))
		}
		o.Client = request.New(clientOpts...)
	}
	return o
}
