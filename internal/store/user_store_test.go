package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

var refreshColumns = []string{"id", "user_id", "token_hash", "device_name", "created_at", "expires_at", "is_revoked", "revoked_at"}

func TestGetUserByEmail(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM users WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("Ann@Example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "given_name", "family_name", "role", "email_verified", "password_hash", "created_at"}).
			AddRow(id.String(), "ann@example.com", "Ann", "Lee", "user", true, "$2a$10$hash", time.Now()))

	u, err := s.GetUserByEmail(context.Background(), "Ann@Example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail returned error: %v", err)
	}
	if u.ID != id || u.GivenName != "Ann" || !u.EmailVerified {
		t.Fatalf("unexpected user: %+v", u)
	}
	expectationsMet(t, mock)
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM users`).WillReturnError(sql.ErrNoRows)

	if _, err := s.GetUserByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateRefreshTokenSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	oldID, userID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE refresh_tokens\s+SET is_revoked = TRUE`).
		WithArgs("old-hash", now).
		WillReturnRows(sqlmock.NewRows(refreshColumns).
			AddRow(oldID.String(), userID.String(), "old-hash", "pixel", now.AddDate(0, 0, -1), now.AddDate(0, 0, 29), true, now))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(sqlmock.AnyArg(), userID, "new-hash", "pixel", now, now.AddDate(0, 0, 30)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next := &models.RefreshToken{TokenHash: "new-hash", CreatedAt: now, ExpiresAt: now.AddDate(0, 0, 30)}
	old, err := s.RotateRefreshToken(context.Background(), "old-hash", next, now)
	if err != nil {
		t.Fatalf("RotateRefreshToken returned error: %v", err)
	}
	if old.ID != oldID || next.UserID != userID || next.DeviceName != "pixel" {
		t.Fatalf("unexpected rotation result: old=%+v next=%+v", old, next)
	}
	expectationsMet(t, mock)
}

var classifyColumns = []string{"is_revoked", "expired"}

func TestRotateRefreshTokenClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		rows *sqlmock.Rows
		want error
	}{
		{"missing", sqlmock.NewRows(classifyColumns), models.ErrInvalidCredential},
		{"revoked", sqlmock.NewRows(classifyColumns).AddRow(true, false), models.ErrCredentialRevoked},
		{"expired", sqlmock.NewRows(classifyColumns).AddRow(false, true), models.ErrCredentialExpired},
		{"expired and revoked", sqlmock.NewRows(classifyColumns).AddRow(true, true), models.ErrCredentialExpired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(`UPDATE refresh_tokens`).WillReturnRows(sqlmock.NewRows(refreshColumns))
			mock.ExpectQuery(`SELECT is_revoked, expires_at <= \$2 FROM refresh_tokens`).WithArgs("h", sqlmock.AnyArg()).WillReturnRows(tc.rows)
			mock.ExpectRollback()

			_, err := s.RotateRefreshToken(context.Background(), "h", &models.RefreshToken{TokenHash: "n"}, time.Now())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec(`WHERE token_hash = \$1 AND NOT is_revoked`).WithArgs("h", at).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RevokeRefreshToken(context.Background(), "h", at); err != nil {
		t.Fatalf("RevokeRefreshToken returned error: %v", err)
	}
	expectationsMet(t, mock)
}
