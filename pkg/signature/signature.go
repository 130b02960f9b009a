// Package signature authenticates commands with a keyed MAC over a canonical
// serialization of the command fields, excluding the signature itself.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
)

var errNoSecret = errors.New("signature: empty secret")

// Sign computes the hex HMAC-SHA256 of the canonical JSON form of fields.
// encoding/json marshals map keys in sorted order, so the serialization is
// deterministic for any nesting of maps, strings, and numbers.
func Sign(fields map[string]any, secret string) (string, error) {
	if secret == "" {
		return "", errNoSecret
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the expected signature and compares with hmac.Equal so
// the comparison does not short-circuit on the first differing byte.
// Fails closed: missing secret, missing signature, or a marshal error all
// yield false.
func Verify(fields map[string]any, sig, secret string) bool {
	if sig == "" || secret == "" {
		return false
	}
	expected, err := Sign(fields, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}
