// Package authz provides the authorization capability consumed by the
// server core. Implementations decide whether a claimed identity may
// proceed and, on success, populate the authorized-domain metadata the
// handler sees.
package authz

import (
	"context"

	"frontdoor/pkg/request"
)

// Authorizer authorizes one request. The server runs the call off the
// transport goroutine, so implementations may block (e.g. on a remote
// authorization service). On success the returned metadata must carry
// the authorized domain.
type Authorizer interface {
	Authorize(ctx context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error)
}

// Func adapts a plain function to Authorizer.
type Func func(ctx context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error)

func (f Func) Authorize(ctx context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
	return f(ctx, md)
}
