package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
	"frontdoor/pkg/status"
)

// Sentinel authorization failures. All map to an unauthorized final
// response; the distinction is for logs and tests.
var (
	ErrMissingToken = status.Unauthorized("missing authorization token")
	ErrInvalidToken = status.Unauthorized("invalid authorization token")
)

const defaultAuthTimeout = 5 * time.Second

// Remote authorizes by calling an external authorization service over
// HTTP. The service receives the token and claimed identity and returns
// the authorized domain.
type Remote struct {
	endpoint string
	client   *http.Client
}

// NewRemote builds a Remote authorizer for the given endpoint. timeout
// <= 0 selects a default.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	return &Remote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type authRequest struct {
	Token           string `json:"token"`
	ClaimedIdentity string `json:"claimed_identity"`
}

type authResponse struct {
	AuthorizedDomain string `json:"authorized_domain"`
}

func (r *Remote) Authorize(ctx context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
	if md.Token == "" {
		return request.AuthorizedMetadata{}, ErrMissingToken
	}

	body, err := json.Marshal(authRequest{Token: md.Token, ClaimedIdentity: md.ClaimedIdentity})
	if err != nil {
		return request.AuthorizedMetadata{}, fmt.Errorf("encode authorization request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return request.AuthorizedMetadata{}, fmt.Errorf("build authorization request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Warn("authorization_service_unreachable", "endpoint", r.endpoint, "error", err)
		return request.AuthorizedMetadata{}, status.Unauthorized("authorization service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("authorization_rejected", "claimed_identity", md.ClaimedIdentity, "status", resp.StatusCode)
		return request.AuthorizedMetadata{}, ErrInvalidToken
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return request.AuthorizedMetadata{}, status.Unauthorized("malformed authorization response")
	}
	if out.AuthorizedDomain == "" {
		return request.AuthorizedMetadata{}, status.Unauthorized("authorization response missing domain")
	}
	return request.AuthorizedMetadata{Domain: out.AuthorizedDomain}, nil
}
