package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// Verifier checks the HMAC-SHA256 authenticity of raw webhook payloads.
// It fails closed: any malformed input verifies false, never panics.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier from the shared webhook secret. An empty
// secret is a startup misconfiguration, not a per-request condition.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret must not be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify computes HMAC-SHA256 over the raw, unparsed body and compares
// it in constant time with the signature header. The header may carry a
// "sha256=" prefix; anything outside the hex alphabet is rejected.
func (v *Verifier) Verify(payload []byte, signatureHeader string) bool {
	if len(payload) == 0 || signatureHeader == "" {
		return false
	}

	sig := strings.TrimPrefix(signatureHeader, signaturePrefix)
	provided, err := hex.DecodeString(sig)
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided)
}
