package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/karthikraju391/marketplace-chat/models"
)

// Identity is the result of verifying a connection credential.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	ExpiresAt   time.Time
}

// User returns the read-only user reference for the identity.
func (i *Identity) User() models.User {
	return models.User{ID: i.UserID, DisplayName: i.DisplayName, AvatarURL: i.AvatarURL}
}

// Provider resolves a credential to a stable user id.
type Provider interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

const (
	jwksInitialRetryInterval   = time.Second
	jwksInitialRetryMaxBackoff = 10 * time.Second
	jwksInitialRetryTimeout    = 2 * time.Minute
)

// JWTValidator verifies bearer tokens signed either by keys published at a
// JWKS endpoint (RS256) or by a shared HMAC secret (HS256).
type JWTValidator struct {
	issuer    string
	audience  string
	clockSkew time.Duration
	methods   []string
	keyFunc   jwt.Keyfunc
	jwks      atomic.Pointer[keyfunc.JWKS]
	log       zerolog.Logger
}

var _ Provider = (*JWTValidator)(nil)

// NewHMACValidator builds a validator for tokens signed with secret.
func NewHMACValidator(secret, issuer, audience string, clockSkew time.Duration, log zerolog.Logger) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("hmac secret is required")
	}
	key := []byte(secret)
	return &JWTValidator{
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		methods:   []string{"HS256"},
		keyFunc:   func(*jwt.Token) (any, error) { return key, nil },
		log:       log.With().Str("component", "identity").Logger(),
	}, nil
}

// NewJWKSValidator fetches the JWKS, retrying with backoff until ctx ends
// or the initial retry window closes, and keeps it refreshed.
func NewJWKSValidator(
	ctx context.Context,
	jwksURL,
	issuer,
	audience string,
	refreshEvery,
	clockSkew time.Duration,
	log zerolog.Logger,
) (*JWTValidator, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	v := &JWTValidator{
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		methods:   []string{"RS256"},
		log:       log.With().Str("component", "identity").Logger(),
	}

	options := keyfunc.Options{
		Ctx: ctx,
		RefreshErrorHandler: func(err error) {
			v.log.Error().Err(err).Msg("jwks refresh failed")
		},
		RefreshInterval:   refreshEvery,
		RefreshUnknownKID: true,
	}

	backoff := jwksInitialRetryInterval
	deadline := time.Now().Add(jwksInitialRetryTimeout)
	for attempt := 1; ; attempt++ {
		jwks, err := keyfunc.Get(jwksURL, options)
		if err == nil {
			v.jwks.Store(jwks)
			v.keyFunc = func(token *jwt.Token) (any, error) {
				return v.jwks.Load().Keyfunc(token)
			}
			return v, nil
		}

		v.log.Warn().Err(err).Str("jwks_url", jwksURL).Int("attempt", attempt).Msg("initial jwks fetch failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch jwks: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		backoff = min(backoff*2, jwksInitialRetryMaxBackoff)
	}
}

// Close stops background JWKS refreshes.
func (v *JWTValidator) Close() {
	if jwks := v.jwks.Load(); jwks != nil {
		jwks.EndBackground()
	}
}

// Verify parses and validates the token and returns the identity it names.
// Every failure wraps models.ErrAuthentication.
func (v *JWTValidator) Verify(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return nil, fmt.Errorf("%w: missing token", models.ErrAuthentication)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.NewParser(opts...).ParseWithClaims(credential, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthentication, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", models.ErrAuthentication)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: sub claim missing", models.ErrAuthentication)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: exp claim missing", models.ErrAuthentication)
	}

	name := claimString(claims["name"])
	if name == "" {
		name = claimString(claims["preferred_username"])
	}
	if name == "" {
		name = sub
	}

	return &Identity{
		UserID:      sub,
		DisplayName: name,
		AvatarURL:   claimString(claims["picture"]),
		ExpiresAt:   exp.Time.UTC(),
	}, nil
}

func claimString(value any) string {
	if str, ok := value.(string); ok {
		return str
	}
	return ""
}
