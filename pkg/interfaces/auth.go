package interfaces

import "context"

// Identity is an authenticated caller of the HTTP API.
type Identity interface {
	// ID returns the unique identifier for this identity.
	ID() string

	// Type returns the identity type, e.g. "api_key" or "anonymous".
	Type() string
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	// Authenticate validates the token and returns the associated identity.
	// Returns an error if authentication fails.
	Authenticate(ctx context.Context, token string) (Identity, error)

	// Type returns the authentication scheme, e.g. "apikey".
	Type() string
}

// BasicIdentity is a simple implementation of Identity.
type BasicIdentity struct {
	id     string
	idType string
}

// NewBasicIdentity creates a new basic identity.
func NewBasicIdentity(id, idType string) *BasicIdentity {
	return &BasicIdentity{id: id, idType: idType}
}

func (b *BasicIdentity) ID() string   { return b.id }
func (b *BasicIdentity) Type() string { return b.idType }

// Anonymous is the identity of unauthenticated callers.
var Anonymous Identity = NewBasicIdentity("anonymous", "anonymous")
