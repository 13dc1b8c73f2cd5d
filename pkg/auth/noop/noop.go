// Package noop accepts every request as the anonymous caller. It backs
// auth.type "none".
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/drivercore/pkg/auth"
)

// Authenticator always votes Yes.
type Authenticator struct{}

var _ auth.Authenticator = (*Authenticator)(nil)

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	return auth.Result{Decision: auth.Yes, Identity: auth.Anonymous()}
}
