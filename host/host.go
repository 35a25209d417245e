// Package host abstracts the execution environment the OAuth handshake and
// cross-context relay run in: scoped key-value storage that survives a
// redirect, browsing-context navigation and popups, and an origin-tagged
// messaging channel between contexts. Embedders supply an implementation
// for their runtime; the in-memory implementation in this package backs
// tests and non-browser hosts.
package host

// Environment is the capability surface a session flow needs from its host.
type Environment interface {
	// Storage returns the durable, origin-scoped key-value store used to
	// carry handshake state across the redirect boundary.
	Storage() Storage

	// LocationURL returns the URL of the current context, including any
	// query string and fragment the identity provider appended.
	LocationURL() string

	// Navigate replaces the current context's location. Used to send the
	// user to the authorization page and to restore the original page
	// after completion.
	Navigate(url string) error

	// OpenContext opens a new browsing context (popup) at the given URL.
	OpenContext(url string) (Context, error)

	// CloseSelf closes the current context. Only meaningful inside a
	// popup after the handshake completes.
	CloseSelf() error

	// Messenger returns the cross-context messaging channel.
	Messenger() Messenger

	// Origin returns the origin of the current context, used as the
	// target for completion signals posted back to the opener.
	Origin() string
}

// Storage is a scoped key-value store.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// Context is an opened browsing context.
type Context interface {
	Close() error
}

// Message is one cross-context message. Origin is set by the transport on
// delivery and cannot be forged by the sender; security decisions key off
// it.
type Message struct {
	// Origin is the sender's origin as observed by the transport
	Origin string `json:"-"`

	// Type identifies the message (e.g. "arcgis:auth:requestCredential")
	Type string `json:"type"`

	// Credential carries the interchange record on credential replies
	Credential map[string]any `json:"credential,omitempty"`

	// Error carries the failure on error replies
	Error *MessageError `json:"error,omitempty"`

	// Token payload fields for OAuth popup completion signals
	State               string `json:"state,omitempty"`
	AccessToken         string `json:"access_token,omitempty"`
	ExpiresIn           int64  `json:"expires_in,omitempty"`
	RefreshToken        string `json:"refresh_token,omitempty"`
	RefreshTokenExpires int64  `json:"refresh_token_expires_in,omitempty"`
	Username            string `json:"username,omitempty"`
	SSL                 bool   `json:"ssl,omitempty"`
}

// MessageError is the error shape carried by cross-context error replies.
type MessageError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Incoming is a delivered message together with a way to answer the sender
// on the same channel.
type Incoming struct {
	Message

	// Reply posts a message back to the sender, targeted at its origin.
	Reply func(Message) error
}

// Messenger posts messages to other contexts and delivers incoming ones.
type Messenger interface {
	// Post sends a message targeted at exactly targetOrigin. The
	// transport must not deliver it to contexts of any other origin.
	Post(targetOrigin string, msg Message) error

	// Subscribe registers a handler for incoming messages and returns a
	// function that removes it.
	Subscribe(handler func(Incoming)) (cancel func())
}
