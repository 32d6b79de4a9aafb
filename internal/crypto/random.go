package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateKey returns a base64-encoded random 32-byte key accepted by ParseKey
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// GenerateToken creates a URL-safe random bearer token for the collaborator API
func GenerateToken() (string, error) {
	b := make([]byte, 32) // 256 bits of entropy
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
