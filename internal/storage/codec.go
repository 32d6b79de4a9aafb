package storage

import (
	"encoding/json"
	"fmt"

	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/crypto"
)

// sealTokens encrypts the token pair for durable backends. Empty values stay empty.
func sealTokens(enc crypto.Encryptor, tokens area.TokenSet) (access, refresh string, err error) {
	access, err = enc.Encrypt(tokens.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		refresh, err = enc.Encrypt(tokens.RefreshToken)
		if err != nil {
			return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return access, refresh, nil
}

// openTokens reverses sealTokens
func openTokens(enc crypto.Encryptor, access, refresh string) (string, string, error) {
	var err error
	if access != "" {
		if access, err = enc.Decrypt(access); err != nil {
			return "", "", fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}
	if refresh != "" {
		if refresh, err = enc.Decrypt(refresh); err != nil {
			return "", "", fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	return access, refresh, nil
}

func encodeRule(rule area.Rule) (string, error) {
	data, err := json.Marshal(rule)
	if err != nil {
		return "", fmt.Errorf("marshal rule %s: %w", rule.ID, err)
	}
	return string(data), nil
}

func decodeRule(data []byte) (area.Rule, error) {
	var rule area.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return area.Rule{}, fmt.Errorf("unmarshal rule: %w", err)
	}
	return rule, nil
}

// encodeSeen stores a snapshot id set as a JSON array
func encodeSeen(seen []string) (string, error) {
	if seen == nil {
		seen = []string{}
	}
	data, err := json.Marshal(seen)
	if err != nil {
		return "", fmt.Errorf("marshal seen ids: %w", err)
	}
	return string(data), nil
}

func decodeSeen(data []byte) ([]string, error) {
	var seen []string
	if err := json.Unmarshal(data, &seen); err != nil {
		return nil, fmt.Errorf("unmarshal seen ids: %w", err)
	}
	return seen, nil
}
