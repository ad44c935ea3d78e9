package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix precedes the hex digest in the X-Webhook-Signature header.
const SignaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the X-Webhook-Signature value for payload.
func SignatureHeader(payload []byte, secret string) string {
	return SignaturePrefix + Sign(payload, secret)
}

// Verify checks an X-Webhook-Signature header against payload in constant time.
func Verify(payload []byte, secret, header string) bool {
	got, ok := strings.CutPrefix(header, SignaturePrefix)
	if !ok {
		return false
	}
	want := Sign(payload, secret)
	return hmac.Equal([]byte(got), []byte(want))
}
