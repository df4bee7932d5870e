package entitlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashKey creates the SHA-256 hash under which API keys are stored.
// Raw keys never reach the entitlement store or any log line.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ParseAuthHeader extracts the API key from an Authorization header.
// Supports "Bearer <key>" and plain "<key>" formats.
func ParseAuthHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header is empty")
	}

	if strings.HasPrefix(header, "Bearer ") {
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" {
			return "", fmt.Errorf("bearer token is empty")
		}
		return key, nil
	}

	return strings.TrimSpace(header), nil
}

// MaskKey returns a redacted form of the key for logging.
// Example: "opai_abc...wxyz"
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
