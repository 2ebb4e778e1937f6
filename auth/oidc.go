package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates ID tokens issued to ClientID by an OpenID Connect
// provider.
type OIDCVerifier struct {
	issuer   string
	verifier *oidc.IDTokenVerifier
}

// OIDCOption configures the token verifier.
type OIDCOption func(*oidc.Config)

// WithSkipIssuerCheck disables issuer validation. Use this for providers
// that issue tokens with a per-tenant issuer (e.g. Microsoft via the
// /common endpoint).
func WithSkipIssuerCheck() OIDCOption {
	return func(c *oidc.Config) {
		c.SkipIssuerCheck = true
	}
}

// WithSkipClientIDCheck accepts tokens issued to any audience.
func WithSkipClientIDCheck() OIDCOption {
	return func(c *oidc.Config) {
		c.SkipClientIDCheck = true
	}
}

// NewOIDCVerifier performs discovery against issuer and returns a verifier
// for its ID tokens.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string, opts ...OIDCOption) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to query provider %q: %w", issuer, err)
	}
	cfg := &oidc.Config{ClientID: clientID}
	for _, opt := range opts {
		opt(cfg)
	}
	return &OIDCVerifier{issuer: issuer, verifier: provider.Verifier(cfg)}, nil
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	p := &Principal{Subject: idToken.Issuer + ":" + idToken.Subject}
	if email, ok := verifiedEmail(idToken); ok {
		p.Email = email
	}
	return p, nil
}

// verifiedEmail returns the email claim if email_verified is true.
func verifiedEmail(token *oidc.IDToken) (string, bool) {
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil {
		return "", false
	}
	if !claims.EmailVerified {
		return "", false
	}
	return claims.Email, true
}
