package security

import "crypto/subtle"

// SecureCompare compares two strings in constant time. It is used for
// anti-forgery state validation, where a timing side channel would let an
// attacker probe the stored state byte by byte.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
