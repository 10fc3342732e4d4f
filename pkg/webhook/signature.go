// Package webhook provides signed outbound webhook requests.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderTimestamp = "X-Webhook-Timestamp"

	// HeaderPrefix is reserved; subscriptions may not configure headers under it.
	HeaderPrefix = "X-Webhook-"

	signaturePrefix = "sha256="
)

var transportHeaders = []string{"Content-Type", "Content-Length", "Host", "User-Agent"}

// Reserved reports whether a header is owned by the sender and may not be
// configured per subscription.
func Reserved(name string) bool {
	for _, h := range transportHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return len(name) >= len(HeaderPrefix) && strings.EqualFold(name[:len(HeaderPrefix)], HeaderPrefix)
}

// Sign returns the signature header value for body: "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid signature of body under secret.
// Comparison is constant time.
func Verify(body []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
