package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity the hub needs from an access token.
type Claims struct {
	UserID string
	Name   string
	Role   string
}

// TokenVerifier validates a bearer token from the auth handshake frame.
type TokenVerifier interface {
	Verify(token string) (Claims, error)
}

// tokenClaims extends jwt.RegisteredClaims with the identity-provider
// fields the hub consumes.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	Name              string      `json:"name"`
	RealmAccessField  realmAccess `json:"realm_access"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// Office roles in precedence order. A token carrying several realm roles is
// mapped to the highest one so the connection lands in a single role room.
var knownRoles = []string{"admin", "supervisor", "lawyer", "secretary"}

// JWKSVerifier validates JWTs against the identity provider's published key
// set, refreshed in the background.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the JWKS with retries; the identity provider may
// still be starting when the hub comes up.
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for identity provider JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS after retries: %w", err)
	}

	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify parses and validates an access token.
func (v *JWKSVerifier) Verify(tokenString string) (Claims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("token is not valid")
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.PreferredUsername
	}
	if userID == "" {
		return Claims{}, fmt.Errorf("token carries no subject")
	}

	return Claims{
		UserID: userID,
		Name:   displayName(claims),
		Role:   pickRole(claims.RealmAccessField.Roles),
	}, nil
}

// Close shuts down the JWKS background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

func displayName(c *tokenClaims) string {
	if c.Name != "" {
		return c.Name
	}
	return c.PreferredUsername
}

func pickRole(roles []string) string {
	have := make(map[string]bool, len(roles))
	for _, r := range roles {
		have[r] = true
	}
	for _, r := range knownRoles {
		if have[r] {
			return r
		}
	}
	return ""
}
