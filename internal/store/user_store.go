package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const userColumns = `id, email, given_name, family_name, role, email_verified, password_hash, created_at`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.GivenName,
		&u.FamilyName,
		&u.Role,
		&u.EmailVerified,
		&u.PasswordHash,
		&u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail looks a user up case-insensitively.
func (q *queries) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

	u, err := scanUser(q.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: user %q: %w", email, models.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return u, nil
}

func (q *queries) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: user %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (q *queries) CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, device_name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := q.db.ExecContext(ctx, query, t.ID, t.UserID, t.TokenHash, t.DeviceName, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: refresh token hash exists: %w", models.ErrConflict)
		}
		return fmt.Errorf("store: create refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshToken revokes a token by hash. Unknown or already revoked
// tokens are not an error.
func (q *queries) RevokeRefreshToken(ctx context.Context, hash string, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = $2
		WHERE token_hash = $1 AND NOT is_revoked
	`

	if _, err := q.db.ExecContext(ctx, query, hash, at); err != nil {
		return fmt.Errorf("store: revoke refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken revokes the live token stored under oldHash and inserts
// next for the same user and device in one transaction. The conditional
// update row-locks the old token, so of two concurrent rotations only one
// matches. When nothing matches the failure is classified as invalid, revoked
// or expired. It returns the revoked row.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	revoke := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_at = $2
		WHERE token_hash = $1
		  AND NOT is_revoked
		  AND expires_at > $2
		RETURNING id, user_id, token_hash, device_name, created_at, expires_at, is_revoked, revoked_at
	`

	var old models.RefreshToken
	err = tx.QueryRowContext(ctx, revoke, oldHash, now).Scan(
		&old.ID,
		&old.UserID,
		&old.TokenHash,
		&old.DeviceName,
		&old.CreatedAt,
		&old.ExpiresAt,
		&old.IsRevoked,
		&old.RevokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, classifyRefreshFailure(ctx, tx, oldHash, now)
	}
	if err != nil {
		return nil, fmt.Errorf("store: revoke refresh token: %w", err)
	}

	next.UserID = old.UserID
	next.DeviceName = old.DeviceName
	if err := (&queries{db: tx}).CreateRefreshToken(ctx, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit tx: %w", err)
	}
	return &old, nil
}

// classifyRefreshFailure explains why the conditional revoke matched nothing.
// Expiry is reported ahead of revocation.
func classifyRefreshFailure(ctx context.Context, db dbtx, hash string, now time.Time) error {
	var revoked, expired bool
	err := db.QueryRowContext(ctx,
		`SELECT is_revoked, expires_at <= $2 FROM refresh_tokens WHERE token_hash = $1`,
		hash, now,
	).Scan(&revoked, &expired)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("store: refresh token: %w", models.ErrInvalidCredential)
	case err != nil:
		return fmt.Errorf("store: classify refresh token: %w", err)
	case expired:
		return fmt.Errorf("store: refresh token: %w", models.ErrCredentialExpired)
	case revoked:
		return fmt.Errorf("store: refresh token: %w", models.ErrCredentialRevoked)
	default:
		// Revoked or refreshed by a concurrent caller between the two statements.
		return fmt.Errorf("store: refresh token: %w", models.ErrCredentialRevoked)
	}
}
