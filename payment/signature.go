package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"lawconnect/errs"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Signature"

var (
	// ErrBadSignature signals a webhook whose signature does not match its body.
	ErrBadSignature    = fmt.Errorf("payment: webhook signature mismatch: %w", errs.ErrUnauthenticated)
	// ErrNoWebhookSecret is returned when no secret is configured to verify against.
	ErrNoWebhookSecret = fmt.Errorf("payment: webhook secret is empty: %w", errs.ErrUnauthenticated)
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against rawBody. Nothing
// verifies under an empty secret.
func VerifySignature(headers http.Header, rawBody []byte, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrNoWebhookSecret
	}
	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return ErrBadSignature
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrBadSignature
	}
	return nil
}
