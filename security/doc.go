// Package security provides the cryptographic and timing primitives used by
// the portal-session library: token expiry checks with a clock-skew grace
// period, anti-forgery state generation and constant-time comparison, and
// AES-256-GCM sealing of serialized session records for callers that need
// to persist them.
package security
