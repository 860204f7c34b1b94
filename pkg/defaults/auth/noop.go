// Package auth provides default authenticators for the HTTP API.
package auth

import (
	"context"

	"github.com/logflow/skelstream/pkg/interfaces"
)

// NoopAuthenticator accepts every request as anonymous.
// Use this for local development or trusted networks.
type NoopAuthenticator struct{}

// NewNoopAuthenticator creates a new noop authenticator.
func NewNoopAuthenticator() *NoopAuthenticator {
	return &NoopAuthenticator{}
}

// Authenticate returns the anonymous identity for any token.
func (n *NoopAuthenticator) Authenticate(ctx context.Context, token string) (interfaces.Identity, error) {
	return interfaces.Anonymous, nil
}

// Type returns "noop".
func (n *NoopAuthenticator) Type() string {
	return "noop"
}

var _ interfaces.Authenticator = (*NoopAuthenticator)(nil)
