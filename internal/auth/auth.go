package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// QueryParam carries the key for clients that cannot set headers, such as
// EventSource and browser websockets.
const QueryParam = "access_token"

// Operator is the holder of a review API key.
type Operator struct {
	Description string
}

// Key is a configured operator key, stored as a SHA-256 hex digest.
type Key struct {
	KeyHash     string
	Description string
}

// Authenticator validates operator keys against their hashes.
type Authenticator struct {
	operators map[string]*Operator // keyhash -> operator
}

// NewAuthenticator returns nil when no keys are configured, which leaves the
// review API open.
func NewAuthenticator(keys []Key) *Authenticator {
	if len(keys) == 0 {
		return nil
	}
	a := &Authenticator{operators: make(map[string]*Operator, len(keys))}
	for _, k := range keys {
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if hash == "" {
			continue
		}
		a.operators[hash] = &Operator{Description: k.Description}
	}
	return a
}

// ValidateAPIKey returns the operator owning apiKey.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Operator, error) {
	keyHash := HashAPIKey(apiKey)

	op, ok := a.operators[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	// Map lookup already matched; compare again in constant time.
	for hash := range a.operators {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1 {
			return op, nil
		}
	}

	return nil, fmt.Errorf("invalid API key")
}

// ExtractAPIKey reads a bearer token from the Authorization header, falling
// back to the access_token query parameter.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if key := r.URL.Query().Get(QueryParam); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
