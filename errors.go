package session

import (
	"errors"
	"fmt"
)

// Authentication error codes as constants
const (
	ErrorCodeAuthError      = "auth_error"
	ErrorCodeRefreshFailed  = "unable_to_refresh"
	ErrorCodeNotFederated   = "NOT_FEDERATED"
	ErrorCodeAccessDenied   = "access_denied"
	ErrorCodeTokenExpired   = "token_expired"
	ErrorCodeNoAuthState    = "no_auth_state"
	ErrorCodeStateMismatch  = "mismatched_auth_state"
	ErrorCodeRelayRejected  = "relay_rejected"
	ErrorCodeSessionRevoked = "session_revoked"
)

// AuthError represents a credential-lifecycle failure: a refresh that cannot
// proceed, a federation trust check that failed, a rejected OAuth handshake.
// Network and portal API failures are not reinterpreted as AuthError; they
// surface as *request.Failure from the HTTP collaborator.
type AuthError struct {
	Code        string // error code (e.g. "NOT_FEDERATED", "access_denied")
	Description string // human-readable error description
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Common authentication errors as reusable constructors
var (
	// ErrRefreshFailed indicates the session holds neither a password nor a
	// refresh token and cannot mint a new access token
	ErrRefreshFailed = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeRefreshFailed, desc)
	}

	// ErrNotFederated indicates a server is not federated with the home
	// portal and was not explicitly trusted at construction
	ErrNotFederated = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeNotFederated, desc)
	}

	// ErrAccessDenied indicates the user declined consent at the provider
	ErrAccessDenied = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeAccessDenied, desc)
	}

	// ErrTokenExpired indicates a credential was requested past its expiry
	// and no refresh path exists (used by the cross-context relay)
	ErrTokenExpired = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeTokenExpired, desc)
	}

	// ErrNoAuthState indicates Complete was called without a matching Begin
	ErrNoAuthState = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeNoAuthState, desc)
	}

	// ErrStateMismatch indicates the anti-forgery state returned by the
	// provider does not match the value persisted by Begin
	ErrStateMismatch = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeStateMismatch, desc)
	}

	// ErrRelayRejected indicates a cross-context credential request was
	// answered from an unexpected origin
	ErrRelayRejected = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeRelayRejected, desc)
	}

	// ErrSessionRevoked indicates the session was destroyed by Revoke and
	// can no longer produce tokens
	ErrSessionRevoked = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeSessionRevoked, desc)
	}
)

// NewAuthError creates a new authentication error
func NewAuthError(code, description string) *AuthError {
	return &AuthError{
		Code:        code,
		Description: description,
	}
}

// ErrorCode extracts the AuthError code from an error chain.
// Returns an empty string if the chain contains no *AuthError.
func ErrorCode(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return ""
}
