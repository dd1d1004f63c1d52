package authz

import (
	"context"

	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
)

// Static authorizes against a fixed token set loaded from config. Each
// token maps to the domain the caller is authorized for.
type Static struct {
	tokens map[string]string
}

// NewStatic builds a Static authorizer from a token -> domain mapping.
func NewStatic(tokens map[string]string) *Static {
	m := make(map[string]string, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &Static{tokens: m}
}

func (s *Static) Authorize(_ context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
	if md.Token == "" {
		return request.AuthorizedMetadata{}, ErrMissingToken
	}
	domain, ok := s.tokens[md.Token]
	if !ok {
		logger.Warn("authorization_rejected", "claimed_identity", md.ClaimedIdentity)
		return request.AuthorizedMetadata{}, ErrInvalidToken
	}
	if domain == "" {
		// token authorized for whatever identity it claims
		domain = md.ClaimedIdentity
	}
	return request.AuthorizedMetadata{Domain: domain}, nil
}
