package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Canonicalize re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and unescaped HTML characters, so that sender and
// verifier hash byte-identical input. Numbers keep their literal form.
// Non-JSON input is returned unchanged.
func Canonicalize(payload []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return payload
	}
	if dec.More() {
		return payload
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return payload
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonicalized payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(Canonicalize(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. A mismatch,
// a malformed signature or an empty secret all yield false.
func Verify(payload []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if err != nil || len(provided) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(Canonicalize(payload))
	return hmac.Equal(mac.Sum(nil), provided)
}
