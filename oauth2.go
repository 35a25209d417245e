package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/arcgis-community/portal-session/host"
	"github.com/arcgis-community/portal-session/instrumentation"
	"github.com/arcgis-community/portal-session/internal/urlutil"
	"github.com/arcgis-community/portal-session/request"
	"github.com/arcgis-community/portal-session/security"
)

// PKCE challenge methods.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// MessageTypeAuthComplete is the cross-context message type carrying an
// OAuth popup's completion signal back to its opener.
const MessageTypeAuthComplete = "arcgis:auth:complete"

// Storage key prefixes for handshake state persisted across the redirect
// boundary, scoped by client ID.
const (
	authStateKeyPrefix    = "ARCGIS_REST_AUTH_STATE_"
	codeVerifierKeyPrefix = "ARCGIS_REST_CODE_VERIFIER_"
)

// OAuth2Options configures a browser-based OAuth 2.0 handshake. The same
// options value (or at least the same ClientID, Portal, RedirectURI, and
// flow flags) must be passed to BeginOAuth2 and CompleteOAuth2.
type OAuth2Options struct {
	// ClientID is the registered OAuth application ID (required)
	ClientID string

	// RedirectURI is where the provider sends the user back (required)
	RedirectURI string

	// Portal is the home portal base URL. Default: DefaultPortal.
	Portal string

	// Duration is the requested token lifetime. Default:
	// DefaultTokenDuration.
	Duration time.Duration

	// Popup opens the authorization page in a new browsing context and
	// resolves via a completion signal instead of a full-page redirect
	Popup bool

	// ImplicitFlow selects the legacy implicit grant (response_type
	// token). The default is the authorization-code flow with PKCE.
	ImplicitFlow bool

	// ChallengeMethod selects the PKCE challenge derivation:
	// ChallengeMethodS256 (default) or ChallengeMethodPlain for
	// providers that cannot hash the verifier.
	ChallengeMethod string

	// StateID overrides the generated anti-forgery state identifier
	StateID string

	// Locale and Style customize the provider's sign-in page
	Locale string
	Style  string

	// Provider selects the identity source. Non-default providers add
	// the social-login parameters to the authorization URL.
	Provider string

	// Env is the host environment the handshake runs in (required)
	Env host.Environment

	// Client overrides the request collaborator used for token exchange
	Client *request.Client

	// Logger for structured logging
	Logger *slog.Logger

	// Instrumentation enables OpenTelemetry metrics and tracing
	Instrumentation *instrumentation.Instrumentation
}

func (o OAuth2Options) withDefaults() OAuth2Options {
	if o.Portal == "" {
		o.Portal = DefaultPortal
	}
	o.Portal = urlutil.TrimTrailingSlash(o.Portal)
	if o.Duration <= 0 {
		o.Duration = DefaultTokenDuration
	}
	if o.ChallengeMethod == "" {
		o.ChallengeMethod = ChallengeMethodS256
	}
	if o.Provider == "" {
		o.Provider = DefaultProvider
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Instrumentation == nil {
		o.Instrumentation = instrumentation.Disabled()
	}
	if o.Client == nil {
		o.Client = request.New(
			request.WithLogger(o.Logger),
			request.WithInstrumentation(o.Instrumentation),
		)
	}
	return o
}

func (o OAuth2Options) validate() error {
	if o.ClientID == "" {
		return NewAuthError(ErrorCodeAuthError, "OAuth requires a client ID")
	}
	if o.RedirectURI == "" {
		return NewAuthError(ErrorCodeAuthError, "OAuth requires a redirect URI")
	}
	if o.Env == nil {
		return NewAuthError(ErrorCodeAuthError, "OAuth requires a host environment")
	}
	return nil
}

// authState is the handshake state persisted across the redirect boundary.
type authState struct {
	ID          string `json:"id"`
	OriginalURL string `json:"originalUrl"`
}

// PendingFlow is the opener-side future for a popup handshake. It resolves
// when the popup emits its completion signal.
type PendingFlow struct {
	ch     chan pendingResult
	cancel func()
	popup  host.Context
}

type pendingResult struct {
	session *Session
	err     error
}

// Wait blocks until the popup completes the handshake or ctx ends.
func (f *PendingFlow) Wait(ctx context.Context) (*Session, error) {
	defer f.cancel()
	select {
	case res := <-f.ch:
		if f.popup != nil {
			_ = f.popup.Close()
		}
		return res.session, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeginOAuth2 starts a browser-based OAuth 2.0 handshake: it persists the
// anti-forgery state (and PKCE verifier) in the environment's storage,
// then either navigates the current context to the authorization page
// (full-page mode, returning a nil flow) or opens a popup and returns a
// PendingFlow that resolves when the popup signals completion.
func BeginOAuth2(ctx context.Context, opts OAuth2Options) (*PendingFlow, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	env := opts.Env

	stateID := opts.StateID
	if stateID == "" {
		stateID = security.GenerateStateID()
	}

	state := authState{ID: stateID, OriginalURL: env.LocationURL()}
	encodedState, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode auth state: %w", err)
	}
	env.Storage().Set(authStateKeyPrefix+opts.ClientID, string(encodedState))

	responseType := "code"
	if opts.ImplicitFlow {
		responseType = "token"
	}

	params := url.Values{}
	params.Set("client_id", opts.ClientID)
	params.Set("response_type", responseType)
	params.Set("expiration", minutes(opts.Duration))
	params.Set("redirect_uri", opts.RedirectURI)
	params.Set("state", string(encodedState))
	if opts.Locale != "" {
		params.Set("locale", opts.Locale)
	}
	if opts.Style != "" {
		params.Set("style", opts.Style)
	}
	if opts.Provider != DefaultProvider {
		params.Set("socialLoginProviderName", opts.Provider)
		params.Set("autoAccountCreateForSocial", "true")
	}

	if !opts.ImplicitFlow {
		verifier := oauth2.GenerateVerifier()
		env.Storage().Set(codeVerifierKeyPrefix+opts.ClientID, verifier)

		// The plain method sends the verifier itself as the challenge, a
		// deliberate degradation negotiated with providers that cannot
		// hash it.
		challenge := verifier
		if opts.ChallengeMethod == ChallengeMethodS256 {
			challenge = oauth2.S256ChallengeFromVerifier(verifier)
		}
		params.Set("code_challenge", challenge)
		params.Set("code_challenge_method", opts.ChallengeMethod)
	}

	authorizeURL := opts.Portal + "/oauth2/authorize?" + params.Encode()

	opts.Instrumentation.Metrics().OAuthBegun.Add(ctx, 1,
		metric.WithAttributes(attribute.String(instrumentation.AttrResponseType, responseType)))
	opts.Logger.Debug("starting OAuth handshake",
		"client_id", opts.ClientID,
		"response_type", responseType,
		"popup", opts.Popup)

	if !opts.Popup {
		if err := env.Navigate(authorizeURL); err != nil {
			return nil, fmt.Errorf("failed to navigate to authorization page: %w", err)
		}
		return nil, nil
	}

	// Subscribe before opening the popup so a fast completion signal is
	// not lost.
	flow := &PendingFlow{ch: make(chan pendingResult, 1)}
	flow.cancel = env.Messenger().Subscribe(func(in host.Incoming) {
		if in.Type != MessageTypeAuthComplete {
			return
		}
		if !security.SecureCompare(in.State, stateID) {
			return
		}
		res := popupResult(in.Message, opts)
		select {
		case flow.ch <- res:
		default:
		}
	})

	popup, err := env.OpenContext(authorizeURL)
	if err != nil {
		flow.cancel()
		env.Storage().Delete(authStateKeyPrefix + opts.ClientID)
		env.Storage().Delete(codeVerifierKeyPrefix + opts.ClientID)
		return nil, fmt.Errorf("failed to open authorization popup: %w", err)
	}
	flow.popup = popup
	return flow, nil
}

// popupResult converts a popup completion signal into a session or error.
func popupResult(msg host.Message, opts OAuth2Options) pendingResult {
	if msg.Error != nil {
		if msg.Error.Name == ErrorCodeAccessDenied {
			return pendingResult{err: ErrAccessDenied("the user denied the authorization request")}
		}
		return pendingResult{err: NewAuthError(msg.Error.Name, msg.Error.Message)}
	}

	sessionOpts := Options{
		ClientID:        opts.ClientID,
		Portal:          opts.Portal,
		RedirectURI:     opts.RedirectURI,
		Token:           msg.AccessToken,
		RefreshToken:    msg.RefreshToken,
		Username:        msg.Username,
		SSL:             msg.SSL,
		Client:          opts.Client,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
	}
	if msg.ExpiresIn > 0 {
		sessionOpts.TokenExpiry = time.Now().Add(time.Duration(msg.ExpiresIn) * time.Second)
	}
	if msg.RefreshTokenExpires > 0 {
		sessionOpts.RefreshTokenExpiry = time.Now().Add(time.Duration(msg.RefreshTokenExpires) * time.Second)
	}

	s, err := New(sessionOpts)
	return pendingResult{session: s, err: err}
}

// CompleteOAuth2 finishes a handshake after the provider redirected back:
// it validates the anti-forgery state, classifies provider errors,
// exchanges the authorization code (PKCE flow) or reads the token from the
// return fragment (implicit flow), clears persisted handshake state, and
// restores the original page location. In popup mode the resulting token
// payload is also signaled to the opener and the popup is closed.
func CompleteOAuth2(ctx context.Context, opts OAuth2Options) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	env := opts.Env

	stored, ok := env.Storage().Get(authStateKeyPrefix + opts.ClientID)
	if !ok {
		return nil, completeFailed(ctx, opts, authState{},
			ErrNoAuthState("no authentication state found; was BeginOAuth2 called in this environment?"))
	}
	var persisted authState
	if err := json.Unmarshal([]byte(stored), &persisted); err != nil {
		return nil, completeFailed(ctx, opts, authState{},
			ErrNoAuthState("persisted authentication state is unreadable"))
	}

	params, err := returnParams(env.LocationURL(), opts.ImplicitFlow)
	if err != nil {
		return nil, completeFailed(ctx, opts, persisted, err)
	}

	// Provider-reported errors short-circuit before state validation so
	// the user sees the denial, not a state complaint.
	if errCode := params.Get("error"); errCode != "" {
		desc := params.Get("error_description")
		var authErr *AuthError
		if errCode == ErrorCodeAccessDenied {
			authErr = ErrAccessDenied("the user denied the authorization request")
		} else {
			authErr = NewAuthError(errCode, desc)
		}
		return nil, completeFailed(ctx, opts, persisted, authErr)
	}

	var returned authState
	if raw := params.Get("state"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &returned); err != nil {
			// Some providers echo the state ID without the JSON wrapper.
			returned = authState{ID: raw}
		}
	}
	if !security.SecureCompare(returned.ID, persisted.ID) {
		return nil, completeFailed(ctx, opts, persisted,
			ErrStateMismatch("mismatched authentication state; the response does not belong to this handshake"))
	}

	var s *Session
	if opts.ImplicitFlow {
		s, err = sessionFromFragment(params, opts)
	} else {
		s, err = exchangeAuthorizationCode(ctx, params.Get("code"), opts)
	}
	if err != nil {
		return nil, completeFailed(ctx, opts, persisted, err)
	}

	clearHandshakeState(env, opts.ClientID)

	opts.Instrumentation.Metrics().OAuthCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", "success")))
	opts.Logger.Debug("OAuth handshake completed",
		"client_id", opts.ClientID,
		"username", s.Username())

	if opts.Popup {
		signal := host.Message{
			Type:         MessageTypeAuthComplete,
			State:        persisted.ID,
			AccessToken:  s.Token(),
			RefreshToken: s.refreshTokenValue(),
			Username:     s.Username(),
			SSL:          s.SSL(),
		}
		if expiry := s.TokenExpiry(); !expiry.IsZero() {
			signal.ExpiresIn = int64(time.Until(expiry) / time.Second)
		}
		if expiry := s.refreshTokenExpiryValue(); !expiry.IsZero() {
			signal.RefreshTokenExpires = int64(time.Until(expiry) / time.Second)
		}
		if err := env.Messenger().Post(env.Origin(), signal); err != nil {
			opts.Logger.Warn("failed to signal opener", "error", err)
		}
		_ = env.CloseSelf()
		return s, nil
	}

	if persisted.OriginalURL != "" {
		_ = env.Navigate(persisted.OriginalURL)
	}
	return s, nil
}

// completeFailed restores the page location, clears persisted state, and
// (in popup mode) signals the opener before the error is reported, so the
// host application is left in a consistent state.
func completeFailed(ctx context.Context, opts OAuth2Options, persisted authState, cause error) error {
	env := opts.Env
	clearHandshakeState(env, opts.ClientID)

	opts.Instrumentation.Metrics().OAuthCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", "error")))
	opts.Logger.Warn("OAuth handshake failed",
		"client_id", opts.ClientID,
		"error", cause)

	if opts.Popup {
		name := ErrorCodeAuthError
		var authErr *AuthError
		if errors.As(cause, &authErr) {
			name = authErr.Code
		}
		signal := host.Message{
			Type:  MessageTypeAuthComplete,
			State: persisted.ID,
			Error: &host.MessageError{Name: name, Message: cause.Error()},
		}
		if err := env.Messenger().Post(env.Origin(), signal); err != nil {
			opts.Logger.Warn("failed to signal opener", "error", err)
		}
		_ = env.CloseSelf()
		return cause
	}

	if persisted.OriginalURL != "" {
		_ = env.Navigate(persisted.OriginalURL)
	}
	return cause
}

func clearHandshakeState(env host.Environment, clientID string) {
	env.Storage().Delete(authStateKeyPrefix + clientID)
	env.Storage().Delete(codeVerifierKeyPrefix + clientID)
}

// returnParams extracts the provider's return parameters: the query string
// for the code flow, the fragment for the implicit flow.
func returnParams(locationURL string, implicit bool) (url.Values, error) {
	if implicit {
		_, fragment, found := strings.Cut(locationURL, "#")
		if !found {
			return nil, ErrNoAuthState("no token fragment present on the return URL")
		}
		values, err := url.ParseQuery(fragment)
		if err != nil {
			return nil, fmt.Errorf("failed to parse return fragment: %w", err)
		}
		return values, nil
	}

	u, err := url.Parse(locationURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse return URL: %w", err)
	}
	return u.Query(), nil
}

// exchangeAuthorizationCode trades the authorization code (plus the stored
// PKCE verifier) for tokens at the portal's token endpoint.
func exchangeAuthorizationCode(ctx context.Context, code string, opts OAuth2Options) (*Session, error) {
	if code == "" {
		return nil, NewAuthError(ErrorCodeAuthError, "no authorization code present on the return URL")
	}

	verifier, ok := opts.Env.Storage().Get(codeVerifierKeyPrefix + opts.ClientID)
	if !ok {
		return nil, ErrNoAuthState("no code verifier found for this client")
	}

	conf := &oauth2.Config{
		ClientID:    opts.ClientID,
		RedirectURL: opts.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   opts.Portal + "/oauth2/authorize",
			TokenURL:  opts.Portal + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.Client.HTTPClient())
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}

	username, _ := tok.Extra("username").(string)
	ssl, _ := tok.Extra("ssl").(bool)

	var refreshExpiry time.Time
	if v, ok := tok.Extra("refresh_token_expires_in").(float64); ok && v > 0 {
		refreshExpiry = time.Now().Add(time.Duration(v) * time.Second)
	}

	return New(Options{
		ClientID:           opts.ClientID,
		Portal:             opts.Portal,
		RedirectURI:        opts.RedirectURI,
		Token:              tok.AccessToken,
		TokenExpiry:        tok.Expiry,
		RefreshToken:       tok.RefreshToken,
		RefreshTokenExpiry: refreshExpiry,
		Username:           username,
		SSL:                ssl,
		Client:             opts.Client,
		Logger:             opts.Logger,
		Instrumentation:    opts.Instrumentation,
	})
}

// sessionFromFragment reads the implicit grant's token straight from the
// return fragment parameters.
func sessionFromFragment(params url.Values, opts OAuth2Options) (*Session, error) {
	token := params.Get("access_token")
	if token == "" {
		return nil, NewAuthError(ErrorCodeAuthError, "no access token present on the return URL")
	}

	var expiry time.Time
	if v := params.Get("expires_in"); v != "" {
		if secs, err := time.ParseDuration(v + "s"); err == nil {
			expiry = time.Now().Add(secs)
		}
	}

	return New(Options{
		ClientID:        opts.ClientID,
		Portal:          opts.Portal,
		RedirectURI:     opts.RedirectURI,
		Token:           token,
		TokenExpiry:     expiry,
		Username:        params.Get("username"),
		SSL:             params.Get("ssl") == "true",
		Client:          opts.Client,
		Logger:          opts.Logger,
		Instrumentation: opts.Instrumentation,
	})
}

func (s *Session) refreshTokenValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

func (s *Session) refreshTokenExpiryValue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshTokenExpiry
}
