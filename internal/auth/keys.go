// Package auth holds the token checks of the broker API: the operator API
// token and the per-application callback tokens handed to backends.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// MatchKey reports whether presented equals the configured key, comparing
// hashes in constant time.
func MatchKey(presented, configured string) bool {
	a, b := HashKey(presented), HashKey(configured)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CallbackSigner mints and checks the bearer tokens backends use to report
// completion of one application.
type CallbackSigner struct {
	secret []byte
}

func NewCallbackSigner(secret string) *CallbackSigner {
	return &CallbackSigner{secret: []byte(secret)}
}

// Sign returns the callback token for appID.
func (s *CallbackSigner) Sign(appID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(appID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token was issued for appID.
func (s *CallbackSigner) Verify(appID, token string) bool {
	if len(s.secret) == 0 || token == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(appID)), []byte(strings.TrimSpace(token)))
}
