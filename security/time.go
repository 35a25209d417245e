package security

import "time"

const (
	// DefaultExpiryMargin is how long before a token's recorded expiry it is
	// already treated as expired. A client that presents a token moments
	// before expiry will see it rejected mid-request once network latency
	// and clock drift between client and portal are accounted for, so the
	// refresh is triggered early instead.
	DefaultExpiryMargin = 30 * time.Second
)

// IsTokenExpired checks whether a token is expired, applying the default
// expiry margin. A zero expiry means the token never expires (pass-through
// credentials supplied by the caller).
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithMargin(expiresAt, DefaultExpiryMargin)
}

// IsTokenExpiredWithMargin checks whether a token is expired with a custom
// early-refresh margin.
func IsTokenExpiredWithMargin(expiresAt time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return false // no expiration
	}
	return !time.Now().Add(margin).Before(expiresAt)
}
