package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// GenerateStateID generates the anti-forgery state identifier for an OAuth
// handshake. The value only needs to be unguessable and unique per
// handshake; a random UUID satisfies both.
func GenerateStateID() string {
	return uuid.NewString()
}

// RandomString returns n bytes of cryptographically secure randomness
// encoded as unpadded base64url. It panics if the system random number
// generator fails, which indicates a system-level failure no caller can
// recover from.
func RandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
