package security

import (
	"strings"
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero expiry never expires", time.Time{}, false},
		{"well in the future", time.Now().Add(1 * time.Hour), false},
		{"already past", time.Now().Add(-1 * time.Minute), true},
		{"inside the margin", time.Now().Add(10 * time.Second), true},
		{"just outside the margin", time.Now().Add(DefaultExpiryMargin + 5*time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithMargin(t *testing.T) {
	expiry := time.Now().Add(2 * time.Minute)
	if IsTokenExpiredWithMargin(expiry, 1*time.Minute) {
		t.Error("token with 2m left should not be expired under a 1m margin")
	}
	if !IsTokenExpiredWithMargin(expiry, 3*time.Minute) {
		t.Error("token with 2m left should be expired under a 3m margin")
	}
}

func TestSecureCompare(t *testing.T) {
	if !SecureCompare("state-abc", "state-abc") {
		t.Error("equal strings should compare true")
	}
	if SecureCompare("state-abc", "state-abd") {
		t.Error("different strings should compare false")
	}
	if SecureCompare("state-abc", "state-ab") {
		t.Error("different lengths should compare false")
	}
	if !SecureCompare("", "") {
		t.Error("empty strings should compare true")
	}
}

func TestGenerateStateID(t *testing.T) {
	a := GenerateStateID()
	b := GenerateStateID()
	if a == "" || b == "" {
		t.Fatal("state IDs must not be empty")
	}
	if a == b {
		t.Error("state IDs must be unique per handshake")
	}
}

func TestRandomString(t *testing.T) {
	s := RandomString(32)
	if len(s) == 0 {
		t.Fatal("random string must not be empty")
	}
	if strings.ContainsAny(s, "+/=") {
		t.Errorf("random string %q is not unpadded base64url", s)
	}
	if RandomString(32) == s {
		t.Error("consecutive random strings must differ")
	}
}

func TestEncryptorRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if !enc.Enabled() {
		t.Fatal("encryptor with a key should be enabled")
	}

	record := []byte(`{"token":"secret-token","refreshToken":"secret-refresh"}`)
	sealed, err := enc.Seal(record)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "secret-token") {
		t.Error("sealed record leaks plaintext")
	}

	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(record) {
		t.Errorf("round trip mismatch: got %q, want %q", opened, record)
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil): %v", err)
	}
	if enc.Enabled() {
		t.Fatal("encryptor without a key should be disabled")
	}

	record := []byte("plain record")
	sealed, err := enc.Seal(record)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed != string(record) {
		t.Errorf("disabled Seal should pass through, got %q", sealed)
	}
	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(record) {
		t.Errorf("disabled Open should pass through, got %q", opened)
	}
}

func TestEncryptorRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("expected error for a key that is not 32 bytes")
	}
}

func TestEncryptorOpenRejectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	sealed, err := enc.Seal([]byte("record"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := "A" + sealed[1:]
	if _, err := enc.Open(tampered); err == nil {
		t.Error("expected error opening a tampered record")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("fixed-salt-value")
	k1 := DeriveKey("correct horse battery staple", salt)
	k2 := DeriveKey("correct horse battery staple", salt)
	if len(k1) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(k1))
	}
	if string(k1) != string(k2) {
		t.Error("same passphrase and salt must derive the same key")
	}
	k3 := DeriveKey("different passphrase", salt)
	if string(k1) == string(k3) {
		t.Error("different passphrases must derive different keys")
	}
}
