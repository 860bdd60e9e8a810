// Package signature verifies webhook payload signatures. Verification always
// runs over the raw request bytes exactly as received; any decode/re-encode
// round trip would change the bytes and break the contract.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Result of one verification.
type Result int

const (
	// OK means the signature matched.
	OK Result = iota
	// InvalidSignature means a secret is configured and the header did not
	// match the computed HMAC.
	InvalidSignature
	// UnconfiguredSource means no secret is configured for the source.
	UnconfiguredSource
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case InvalidSignature:
		return "invalid_signature"
	case UnconfiguredSource:
		return "unconfigured_source"
	}
	return "unknown"
}

// Verifier holds per-source shared secrets.
type Verifier struct {
	secrets map[string]string
}

// NewVerifier builds a verifier from a source -> secret map. Sources with an
// empty secret are treated as unconfigured.
func NewVerifier(secrets map[string]string) *Verifier {
	clean := make(map[string]string, len(secrets))
	for source, secret := range secrets {
		if secret != "" {
			clean[strings.ToLower(source)] = secret
		}
	}
	return &Verifier{secrets: clean}
}

// Configured reports whether a secret exists for source.
func (v *Verifier) Configured(source string) bool {
	_, ok := v.secrets[strings.ToLower(source)]
	return ok
}

// Verify checks headerValue ("sha256=<hex>") against HMAC-SHA256(secret,
// rawBody) using a constant-time comparison.
func (v *Verifier) Verify(source string, rawBody []byte, headerValue string) Result {
	secret, ok := v.secrets[strings.ToLower(source)]
	if !ok {
		return UnconfiguredSource
	}

	provided, ok := strings.CutPrefix(strings.TrimSpace(headerValue), "sha256=")
	if !ok || provided == "" {
		return InvalidSignature
	}
	providedRaw, err := hex.DecodeString(provided)
	if err != nil {
		return InvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if hmac.Equal(providedRaw, mac.Sum(nil)) {
		return OK
	}
	return InvalidSignature
}

// Sign computes the header value for a body, used by tests and by outbound
// notification webhooks that mirror the inbound scheme.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
