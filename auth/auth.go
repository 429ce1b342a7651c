package auth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// HTTPClient returns a client that attaches a bearer token to every request.
// Tokens are cached and renewed shortly before they expire. base supplies
// the transport and timeout; nil means http.DefaultClient.
func (c Conf) HTTPClient(ctx context.Context, base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	cfg := c.toOauth2Config()
	hc := cfg.Client(ctx)
	hc.Timeout = base.Timeout
	return hc
}

// Token fetches a fresh access token.
func (c Conf) Token(ctx context.Context) (string, error) {
	cfg := c.toOauth2Config()
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	return tok.AccessToken, nil
}
