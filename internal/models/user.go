package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity the profile service owns. Billing and auth only read it.
type User struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	GivenName     string    `json:"given_name"`
	FamilyName    string    `json:"family_name"`
	Role          string    `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	PasswordHash  string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// RefreshToken is one issued refresh credential. Only the hash of the opaque
// token is persisted.
type RefreshToken struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	TokenHash  string     `json:"-"`
	DeviceName string     `json:"device_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	IsRevoked  bool       `json:"is_revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
