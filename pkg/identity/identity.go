// Package identity resolves connection credentials to the user identity a
// session is bound to.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrInvalidCredentials is returned when a token is missing, unknown or
// revoked. Connections failing authentication are rejected before any
// session state exists.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Identity is the resolved principal behind a connection.
type Identity struct {
	UserID   string `json:"userId"`
	OrgID    string `json:"orgId"`
	DeviceID string `json:"deviceId"`
}

// Validate checks that all identity fields are present.
func (id Identity) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("identity is missing userId")
	}
	if id.OrgID == "" {
		return fmt.Errorf("identity is missing orgId")
	}
	if id.DeviceID == "" {
		return fmt.Errorf("identity is missing deviceId")
	}
	return nil
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator resolves tokens from an in-memory table. Suitable for
// development and tests; production deployments plug in their own
// Authenticator backed by the platform's auth service.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticAuthenticator creates an authenticator over a fixed token table.
func NewStaticAuthenticator(tokens map[string]Identity) *StaticAuthenticator {
	table := make(map[string]Identity, len(tokens))
	for token, id := range tokens {
		table[token] = id
	}
	return &StaticAuthenticator{tokens: table}
}

// AddToken registers a token at runtime.
func (a *StaticAuthenticator) AddToken(token string, id Identity) {
	a.mu.Lock()
	a.tokens[token] = id
	a.mu.Unlock()
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidCredentials)
	}

	a.mu.RLock()
	id, ok := a.tokens[token]
	a.mu.RUnlock()
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrInvalidCredentials)
	}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return id, nil
}
