package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/logflow/skelstream/pkg/errors"
	"github.com/logflow/skelstream/pkg/interfaces"
)

// APIKeyAuthenticator validates requests against a fixed set of API keys.
type APIKeyAuthenticator struct {
	mu   sync.RWMutex
	keys []APIKey
}

// APIKey is one accepted key and the identity it maps to.
type APIKey struct {
	Key     string
	ID      string
	Enabled bool
}

// NewAPIKeyAuthenticator accepts each of keys. Identities are numbered in
// the order given ("key-1", "key-2", ...). Empty keys are ignored.
func NewAPIKeyAuthenticator(keys ...string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, k := range keys {
		if k == "" {
			continue
		}
		a.AddKey(APIKey{Key: k, ID: fmt.Sprintf("key-%d", len(a.keys)+1), Enabled: true})
	}
	return a
}

// AddKey registers an API key, replacing one with the same value.
func (a *APIKeyAuthenticator) AddKey(key APIKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.keys {
		if a.keys[i].Key == key.Key {
			a.keys[i] = key
			return
		}
	}
	a.keys = append(a.keys, key)
}

// RemoveKey removes an API key.
func (a *APIKeyAuthenticator) RemoveKey(keyValue string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.keys {
		if a.keys[i].Key == keyValue {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered keys.
func (a *APIKeyAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Authenticate validates token and returns its identity. Keys are compared
// in constant time.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (interfaces.Identity, error) {
	if token == "" {
		return nil, errors.New(errors.CodeUnauthenticated, "missing API key")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(token)) == 1 {
			if !k.Enabled {
				break
			}
			return interfaces.NewBasicIdentity(k.ID, "api_key"), nil
		}
	}
	return nil, errors.New(errors.CodeUnauthenticated, "invalid API key")
}

// Type returns "apikey".
func (a *APIKeyAuthenticator) Type() string {
	return "apikey"
}

var _ interfaces.Authenticator = (*APIKeyAuthenticator)(nil)
