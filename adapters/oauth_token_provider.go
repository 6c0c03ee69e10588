// oauth_token_provider.go
// -----------------------
// OAuthTokenProvider implements the TokenProvider collaborator using the
// OAuth2 client-credentials flow against the Microsoft identity platform.
// One token source is cached per tenant; the oauth2 library refreshes
// transparently before expiry. Issued tokens are JWTs, so the provider can
// surface the tenant and expiry claims for debugging without ever
// validating signatures itself (Graph does that).
package adapters

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	graphbridge "github.com/opengovern/graph-bridge"
)

const (
	tokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultScope     = "https://graph.microsoft.com/.default"
)

// OAuthTokenProvider is safe for concurrent use.
type OAuthTokenProvider struct {
	clientID     string
	clientSecret string
	logger       *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource // per tenant
}

var _ graphbridge.TokenProvider = (*OAuthTokenProvider)(nil)

func NewOAuthTokenProvider(clientID, clientSecret string, logger *slog.Logger) *OAuthTokenProvider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OAuthTokenProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       logger,
		sources:      make(map[string]oauth2.TokenSource),
	}
}

// Token returns a bearer token for the tenant. userID is accepted for
// interface compatibility; the client-credentials flow is app-only.
func (p *OAuthTokenProvider) Token(ctx context.Context, tenantID, userID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("oauth token provider: tenant id is required")
	}

	src := p.source(ctx, tenantID)
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("acquiring token for tenant %s: %w", tenantID, err)
	}

	p.logClaims(tok.AccessToken, tenantID)
	return tok.AccessToken, nil
}

func (p *OAuthTokenProvider) source(ctx context.Context, tenantID string) oauth2.TokenSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.sources[tenantID]
	if !ok {
		cfg := &clientcredentials.Config{
			ClientID:     p.clientID,
			ClientSecret: p.clientSecret,
			TokenURL:     fmt.Sprintf(tokenURLTemplate, tenantID),
			Scopes:       []string{defaultScope},
		}
		src = cfg.TokenSource(ctx)
		p.sources[tenantID] = src
	}
	return src
}

// logClaims decodes the token without verification to expose the tenant
// and expiry claims at debug level. Decode failures are ignored; the token
// is still usable.
func (p *OAuthTokenProvider) logClaims(accessToken, tenantID string) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return
	}
	p.logger.Debug("token acquired",
		"tenant", tenantID, "tid", claims["tid"], "exp", claims["exp"], "app", claims["appid"])
}
