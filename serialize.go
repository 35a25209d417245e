package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arcgis-community/portal-session/internal/urlutil"
)

// Portable is the lossless serialized form of a Session. Date fields are
// epoch milliseconds; zero means unset. Callers that persist it should
// consider sealing it with security.Encryptor, since it carries the
// refresh token.
type Portable struct {
	ClientID           string `json:"clientId,omitempty"`
	Portal             string `json:"portal"`
	Provider           string `json:"provider"`
	Token              string `json:"token,omitempty"`
	TokenExpiry        int64  `json:"tokenExpires,omitempty"`
	RefreshToken       string `json:"refreshToken,omitempty"`
	RefreshTokenExpiry int64  `json:"refreshTokenExpires,omitempty"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	TokenDuration      int64  `json:"tokenDuration,omitempty"`   // minutes
	RefreshTokenTTL    int64  `json:"refreshTokenTTL,omitempty"` // minutes
	RedirectURI        string `json:"redirectUri,omitempty"`
	Server             string `json:"server,omitempty"`
	SSL                bool   `json:"ssl,omitempty"`
}

// Credential is the interchange record used to hand identity to and from
// adjacent identity managers. It is narrower than a Session: refresh state,
// duration settings, and the client ID are dropped.
type Credential struct {
	Expires int64  `json:"expires"` // epoch milliseconds
	Server  string `json:"server"`
	SSL     bool   `json:"ssl"`
	Token   string `json:"token"`
	UserID  string `json:"userId"`
}

// ToPortable converts the session to its portable record.
func (s *Session) ToPortable() *Portable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Portable{
		ClientID:           s.clientID,
		Portal:             s.portal,
		Provider:           s.provider,
		Token:              s.token,
		TokenExpiry:        epochMillis(s.tokenExpiry),
		RefreshToken:       s.refreshToken,
		RefreshTokenExpiry: epochMillis(s.refreshTokenExpiry),
		Username:           s.username,
		Password:           s.password,
		TokenDuration:      int64(s.tokenDuration / time.Minute),
		RefreshTokenTTL:    int64(s.refreshTTL / time.Minute),
		RedirectURI:        s.redirectURI,
		Server:             s.server,
		SSL:                s.ssl,
	}
}

// FromPortable reconstructs a Session from its portable record.
func FromPortable(p *Portable, opts ...Options) (*Session, error) {
	var base Options
	if len(opts) > 0 {
		base = opts[0]
	}
	base.ClientID = p.ClientID
	base.Portal = p.Portal
	base.Provider = p.Provider
	base.Token = p.Token
	base.TokenExpiry = fromEpochMillis(p.TokenExpiry)
	base.RefreshToken = p.RefreshToken
	base.RefreshTokenExpiry = fromEpochMillis(p.RefreshTokenExpiry)
	base.Username = p.Username
	base.Password = p.Password
	base.TokenDuration = time.Duration(p.TokenDuration) * time.Minute
	base.RefreshTokenTTL = time.Duration(p.RefreshTokenTTL) * time.Minute
	base.RedirectURI = p.RedirectURI
	base.Server = p.Server
	base.SSL = p.SSL
	return New(base)
}

// Serialize encodes the session's portable record as JSON.
func (s *Session) Serialize() ([]byte, error) {
	return json.Marshal(s.ToPortable())
}

// Deserialize reconstructs a Session from Serialize output.
func Deserialize(data []byte, opts ...Options) (*Session, error) {
	var p Portable
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}
	return FromPortable(&p, opts...)
}

// ToCredential exports the session's current token as an interchange
// credential. The conversion is lossy: refresh state and client settings
// are not represented.
func (s *Session) ToCredential() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := epochMillis(s.tokenExpiry)
	if expires == 0 {
		// Adjacent identity managers require a concrete expiry.
		expires = time.Now().Add(s.tokenDuration).UnixMilli()
	}
	return &Credential{
		Expires: expires,
		Server:  s.portal,
		SSL:     s.ssl,
		Token:   s.token,
		UserID:  s.username,
	}
}

// FromCredential imports an interchange credential as a token-only
// Session. The credential's server URL becomes the home portal, with
// /sharing/rest appended when missing.
func FromCredential(c *Credential, opts ...Options) (*Session, error) {
	var base Options
	if len(opts) > 0 {
		base = opts[0]
	}

	portal := urlutil.TrimTrailingSlash(c.Server)
	if portal != "" && !strings.Contains(portal, "sharing/rest") {
		portal += "/sharing/rest"
	}

	base.Portal = portal
	base.Token = c.Token
	base.TokenExpiry = fromEpochMillis(c.Expires)
	base.Username = c.UserID
	base.SSL = c.SSL
	return New(base)
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
