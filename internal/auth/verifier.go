package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Verifier validates bearer JWTs issued by the external login service
// against its JWKS endpoint. Keys are cached with background refresh so
// verification stays off the network on the hot path.
type Verifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewVerifier creates a verifier and warms the JWKS cache
func NewVerifier(ctx context.Context, jwksURL string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &Verifier{jwksURL: jwksURL, cache: cache}, nil
}

// UserIDFromRequest validates the request's bearer token and returns
// the authenticated user id (the token subject).
func (v *Verifier) UserIDFromRequest(r *http.Request) (string, error) {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return "", fmt.Errorf("failed to load JWKS: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	if token.Subject() == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return token.Subject(), nil
}
