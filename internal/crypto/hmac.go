package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// SignData creates an HMAC-SHA256 signature of the data using the provided key
func SignData(data string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// DocumentID derives a stable, opaque identifier from key parts.
// Used for document stores where raw user ids must not appear in paths.
func DocumentID(key []byte, parts ...string) string {
	sig := SignData(strings.Join(parts, "\x00"), key)
	return strings.TrimRight(sig, "=")
}
