package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// Claims are carried by access tokens.
type Claims struct {
	Email         string `json:"email"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Role          string `json:"role,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	jwt.StandardClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

func (i *Issuer) sign(user *models.User, now time.Time) (string, error) {
	claims := Claims{
		Email:         user.Email,
		GivenName:     user.GivenName,
		FamilyName:    user.FamilyName,
		Role:          user.Role,
		EmailVerified: user.EmailVerified,
		StandardClaims: jwt.StandardClaims{
			Subject:   user.ID.String(),
			Issuer:    i.cfg.Issuer,
			Audience:  i.cfg.Audience,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(i.cfg.AccessTTL).Unix(),
			Id:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, expiry, issuer and audience of an
// access token against the issuer's clock.
func (i *Issuer) Verify(token string) (*Claims, error) {
	parser := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodHS256.Alg()},
		SkipClaimsValidation: true,
	}

	claims := &Claims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: verify: %v: %w", err, models.ErrInvalidCredential)
	}

	now := i.clock.Now().Unix()
	switch {
	case !claims.VerifyExpiresAt(now, true):
		return nil, fmt.Errorf("auth: verify: %w", models.ErrCredentialExpired)
	case !claims.VerifyIssuer(i.cfg.Issuer, true):
		return nil, fmt.Errorf("auth: verify: issuer mismatch: %w", models.ErrInvalidCredential)
	case !claims.VerifyAudience(i.cfg.Audience, true):
		return nil, fmt.Errorf("auth: verify: audience mismatch: %w", models.ErrInvalidCredential)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("auth: verify: bad subject: %w", models.ErrInvalidCredential)
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims stores verified claims on the request context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
