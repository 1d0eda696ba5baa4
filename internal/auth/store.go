// Package auth authenticates MCP clients with pre-shared API keys.
// Keys are held hashed in memory and loaded from MCP_API_KEYS at start.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
)

const (
	// APIKeyPrefix marks a bearer token as a chatsync API key.
	APIKeyPrefix = "cs_"

	// APIKeyMinLen is the prefix plus 32 hex characters (16 random bytes).
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey identifies the user an API key was issued to.
type APIKey struct {
	UserID string
}

// Store holds API keys keyed by the SHA-256 of the key.
type Store struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[string]APIKey)}
}

// AddAPIKey registers key for userID. The plain key is not retained.
func (s *Store) AddAPIKey(userID, key string) error {
	if userID == "" {
		return fmt.Errorf("api key: empty user id")
	}

	if len(key) < APIKeyMinLen || key[:len(APIKeyPrefix)] != APIKeyPrefix {
		return fmt.Errorf("api key for %q: must start with %q and be at least %d characters", userID, APIKeyPrefix, APIKeyMinLen)
	}

	s.mu.Lock()
	s.keys[HashKey(key)] = APIKey{UserID: userID}
	s.mu.Unlock()

	return nil
}

// ValidateAPIKey returns the key's owner, or nil if the key is unknown.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	h := HashKey(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for stored, ak := range s.keys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			return &ak
		}
	}

	return nil
}

// Len returns the number of registered keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// HashKey returns the hex SHA-256 of key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a fresh random key with the chatsync prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(16)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
