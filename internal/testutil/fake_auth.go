package testutil

import (
	"context"
	"net/http"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// FakeAuth authenticates every request as the configured identity.
type FakeAuth struct {
	Identity gateway.Identity
}

// Authenticate returns a copy of the configured identity.
func (a FakeAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	id := a.Identity
	if id.KeyID == "" {
		id.KeyID = "key-test"
	}
	return &id, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrUnauthorized
}
