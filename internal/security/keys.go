// Package security implements access-key generation, hashing, masking, and
// the encryption of stored Bedrock credentials.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// accessKeyPrefix is the prefix used for generated access keys.
const accessKeyPrefix = "ak_"

// keyPrefixLen is how many characters after the prefix are kept for display.
const keyPrefixLen = 6

// KeyHasher produces the stable HMAC-SHA256 digest stored in place of raw
// access keys.
type KeyHasher struct {
	secret []byte
}

// NewKeyHasher creates a hasher from the server-side secret.
func NewKeyHasher(secret string) *KeyHasher {
	return &KeyHasher{secret: []byte(secret)}
}

// Hash returns the hex HMAC-SHA256 of the raw key.
func (h *KeyHasher) Hash(rawKey string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateAccessKey creates a new random access key and its display prefix.
func GenerateAccessKey() (rawKey, prefix string, err error) {
	secret := make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", "", fmt.Errorf("generate access key: %w", err)
	}
	rawKey = accessKeyPrefix + base64.RawURLEncoding.EncodeToString(secret)
	return rawKey, KeyPrefix(rawKey), nil
}

// KeyPrefix returns the display prefix of a raw key (ak_ + first 6 chars).
func KeyPrefix(rawKey string) string {
	body := strings.TrimPrefix(rawKey, accessKeyPrefix)
	if len(body) > keyPrefixLen {
		body = body[:keyPrefixLen]
	}
	return accessKeyPrefix + body
}

var accessKeyPattern = regexp.MustCompile(`ak_[A-Za-z0-9_-]{7,}`)

// MaskKeys replaces any access keys embedded in s with their display prefix
// so raw keys never reach the logs.
func MaskKeys(s string) string {
	return accessKeyPattern.ReplaceAllStringFunc(s, func(match string) string {
		return KeyPrefix(match) + "..."
	})
}
