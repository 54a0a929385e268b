package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	apiKeyBytes       = 24
)

// GenerateAPIKey returns a random key suitable for the X-API-Key header.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sim_" + hex.EncodeToString(buf), nil
}

func HashAPIKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("api key is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

func VerifyAPIKey(key, hash string) bool {
	trimmedKey := strings.TrimSpace(key)
	trimmedHash := strings.TrimSpace(hash)
	if trimmedKey == "" || trimmedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(trimmedHash), []byte(trimmedKey)) == nil
}

// Verifier checks keys against one bcrypt hash and remembers keys that
// already passed, so only the first request with a key pays for bcrypt.
type Verifier struct {
	hash     string
	accepted sync.Map
}

func NewVerifier(hash string) (*Verifier, error) {
	trimmed := strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(trimmed)); err != nil {
		return nil, fmt.Errorf("invalid api key hash: %w", err)
	}
	return &Verifier{hash: trimmed}, nil
}

func (v *Verifier) Verify(key string) bool {
	digest := sha256.Sum256([]byte(strings.TrimSpace(key)))
	if _, ok := v.accepted.Load(digest); ok {
		return true
	}
	if !VerifyAPIKey(key, v.hash) {
		return false
	}
	v.accepted.Store(digest, struct{}{})
	return true
}
