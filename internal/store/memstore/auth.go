package memstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var out *models.User
	err := s.locked(func(d *data) error {
		needle := strings.ToLower(strings.TrimSpace(email))
		for _, u := range d.users {
			if strings.ToLower(u.Email) == needle {
				u := u
				out = &u
				return nil
			}
		}
		return fmt.Errorf("memstore: user %q: %w", email, models.ErrNotFound)
	})
	return out, err
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var out *models.User
	err := s.locked(func(d *data) error {
		u, ok := d.users[id]
		if !ok {
			return fmt.Errorf("memstore: user %s: %w", id, models.ErrNotFound)
		}
		out = &u
		return nil
	})
	return out, err
}

func (s *Store) CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	return s.locked(func(d *data) error {
		if _, exists := d.tokens[t.TokenHash]; exists {
			return fmt.Errorf("memstore: refresh token hash exists: %w", models.ErrConflict)
		}
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		d.tokens[t.TokenHash] = *t
		return nil
	})
}

// RotateRefreshToken revokes the live token stored under oldHash and inserts
// next for the same user and device, atomically.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error) {
	var out *models.RefreshToken
	err := s.locked(func(d *data) error {
		old, ok := d.tokens[oldHash]
		switch {
		case !ok:
			return fmt.Errorf("memstore: refresh token: %w", models.ErrInvalidCredential)
		case !old.ExpiresAt.After(now):
			return fmt.Errorf("memstore: refresh token: %w", models.ErrCredentialExpired)
		case old.IsRevoked:
			return fmt.Errorf("memstore: refresh token: %w", models.ErrCredentialRevoked)
		}

		revokedAt := now
		old.IsRevoked = true
		old.RevokedAt = &revokedAt
		d.tokens[oldHash] = old

		if next.ID == uuid.Nil {
			next.ID = uuid.New()
		}
		next.UserID = old.UserID
		next.DeviceName = old.DeviceName
		d.tokens[next.TokenHash] = *next

		out = &old
		return nil
	})
	return out, err
}

func (s *Store) RevokeRefreshToken(ctx context.Context, hash string, at time.Time) error {
	return s.locked(func(d *data) error {
		t, ok := d.tokens[hash]
		if !ok || t.IsRevoked {
			return nil
		}
		revokedAt := at
		t.IsRevoked = true
		t.RevokedAt = &revokedAt
		d.tokens[hash] = t
		return nil
	})
}
