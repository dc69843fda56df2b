package testutil

import (
	"net/http"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// FakeAuth always authenticates successfully.
type FakeAuth struct{}

func (FakeAuth) Authenticate(*http.Request) error { return nil }

// RejectAuth always rejects authentication.
type RejectAuth struct{}

func (RejectAuth) Authenticate(*http.Request) error { return gateway.ErrUnauthorized }
