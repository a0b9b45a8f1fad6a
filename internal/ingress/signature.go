// Package ingress validates and normalizes inbound webhook traffic before it
// reaches the conversation flow.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopdm/dmflow/internal/models"
)

// signaturePrefix is the scheme tag platforms prepend to the hex digest.
const signaturePrefix = "sha256="

// VerifySignature checks the webhook payload signature against the shared
// secret. The header value is expected as "sha256=<hex digest>"; a bare hex
// digest is accepted too. An empty secret disables verification.
func VerifySignature(secret string, payload []byte, header string) error {
	if secret == "" {
		return nil
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix)
	if sig == "" {
		return models.ErrInvalidSignature
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return models.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return models.ErrInvalidSignature
	}
	return nil
}
