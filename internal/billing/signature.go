package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the webhook signature for a payload: hex HMAC-SHA256 with a
// "sha256=" prefix.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
