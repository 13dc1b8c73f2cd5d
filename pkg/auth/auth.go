package auth

import (
	"context"
	"errors"
	"net/http"
)

// Decision is an authenticator's verdict on the credentials of one
// driver API request.
type Decision int

const (
	// Yes admits the caller under the returned identity.
	Yes Decision = iota

	// No rejects the request with 401. Later authenticators are not asked.
	No

	// Abstain leaves the request to the next authenticator, for example
	// when a JWT authenticator sees an API key header.
	Abstain
)

const (
	// DefaultTier is the rate limit tier of callers without one.
	DefaultTier = "default"

	// AnonymousSubject names callers admitted without credentials.
	AnonymousSubject = "anonymous"
)

// Result is what an Authenticator returns. Identity is set on Yes, Err on No.
type Result struct {
	Decision Decision
	Identity *Identity
	Err      error
}

// Identity is the caller of dispatch and registry endpoints. Subject is
// logged with every dispatch; ServiceTier picks the rate limit bucket.
type Identity struct {
	Subject     string
	ServiceTier string
	Scopes      []string
}

// Anonymous returns the identity used when credentials are not required.
func Anonymous() *Identity {
	return &Identity{Subject: AnonymousSubject, ServiceTier: DefaultTier}
}

// Tier returns the service tier, or DefaultTier when unset.
func (id *Identity) Tier() string {
	if id == nil || id.ServiceTier == "" {
		return DefaultTier
	}
	return id.ServiceTier
}

// Authenticator inspects the credentials of an incoming request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

var (
	// ErrUnauthenticated maps to 401 on the driver API.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrTooManyRequests maps to 429.
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Chain asks each authenticator in turn. The first Yes or No wins; when
// all abstain, DefaultDecision applies and Yes admits Anonymous.
type Chain struct {
	Authenticators  []Authenticator
	DefaultDecision Decision
}

func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, authn := range c.Authenticators {
		if result := authn.Authenticate(ctx, r); result.Decision != Abstain {
			return result
		}
	}
	if c.DefaultDecision == Yes {
		return Result{Decision: Yes, Identity: Anonymous()}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}
