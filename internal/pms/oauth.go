package pms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/voicehive/backend/internal/errdefs"
)

// Refresh proactively when the token is within this much of expiry.
const tokenEarlyRefresh = 60 * time.Second

// TokenProvider hands out a valid bearer token, refreshing serially. A 401
// from the vendor calls Invalidate, and the adapter retries once.
type TokenProvider struct {
	mu     sync.Mutex
	source oauth2.TokenSource
	cached *oauth2.Token
	now    func() time.Time
}

// NewClientCredentialsProvider builds a provider over the standard
// client-credentials flow.
func NewClientCredentialsProvider(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) *TokenProvider {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &TokenProvider{source: cfg.TokenSource(ctx), now: time.Now}
}

// NewTokenProvider wraps an arbitrary source; tests inject fakes here.
func NewTokenProvider(source oauth2.TokenSource) *TokenProvider {
	return &TokenProvider{source: source, now: time.Now}
}

// Token returns a bearer token valid for at least the early-refresh window.
// Refreshes are serialized per provider instance.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.cached.Valid() &&
		(p.cached.Expiry.IsZero() || p.now().Before(p.cached.Expiry.Add(-tokenEarlyRefresh))) {
		return p.cached.AccessToken, nil
	}

	tok, err := p.source.Token()
	if err != nil {
		return "", errdefs.Auth("oauth token refresh failed: " + err.Error())
	}
	p.cached = tok
	slog.Debug("[PMS] OAuth token refreshed", "expires_at", tok.Expiry)
	return tok.AccessToken, nil
}

// Invalidate drops the cached token after a vendor 401.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}
