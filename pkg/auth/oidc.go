// Package auth verifies bearer tokens against an external OIDC identity
// provider and derives the TiSpace username from the verified token's
// email local-part.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Claims are the subset of ID token claims TiSpace cares about.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// Verifier validates OIDC JWTs and derives a username from them.
type Verifier struct {
	idTokenVerifier *oidc.IDTokenVerifier
}

// NewVerifier performs OIDC discovery against issuerURL and builds a
// Verifier scoped to clientID. This makes a network call to fetch the
// provider's public keys.
func NewVerifier(ctx context.Context, issuerURL, clientID string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	return &Verifier{idTokenVerifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Authenticate validates a raw (optionally "Bearer "-prefixed) token and
// returns the username derived from the verified claims' email local-part.
func (v *Verifier) Authenticate(ctx context.Context, rawToken string) (string, error) {
	token := strings.TrimPrefix(rawToken, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}

	idToken, err := v.idTokenVerifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("verifying token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("extracting claims: %w", err)
	}
	return UsernameFromEmail(claims.Email)
}

// UsernameFromEmail derives a username from the local-part of an email
// address (the substring before '@').
func UsernameFromEmail(email string) (string, error) {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "", fmt.Errorf("token missing usable email claim")
	}
	return email[:at], nil
}
