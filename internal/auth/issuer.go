// Package auth issues short-lived access tokens and rotating refresh tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/PortNumber53/subcatalog/backend/internal/clock"
	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const refreshTokenBytes = 32

// dummyPasswordHash is compared against when no usable hash exists so that
// unknown accounts cost the same bcrypt work as known ones.
var dummyPasswordHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("subcatalog-no-such-account"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("auth: generate dummy password hash: %v", err))
	}
	return h
})

var comparePassword = bcrypt.CompareHashAndPassword

// Store persists users and refresh tokens.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateRefreshToken(ctx context.Context, t *models.RefreshToken) error
	// RotateRefreshToken atomically revokes the live token stored under
	// oldHash and stores next for the same user and device. It fails with
	// ErrInvalidCredential, ErrCredentialExpired or ErrCredentialRevoked.
	RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, hash string, at time.Time) error
}

// Config controls token signing and lifetimes. AccessTTL is the only source
// of the access token lifetime.
type Config struct {
	SigningKey string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Issuer mints and verifies credentials.
type Issuer struct {
	store  Store
	cfg    Config
	key    []byte
	clock  clock.Clock
	logger *slog.Logger
}

func NewIssuer(store Store, cfg Config, clk clock.Clock, log *slog.Logger) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("auth: store cannot be nil")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("auth: empty signing key")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{
		store:  store,
		cfg:    cfg,
		key:    []byte(cfg.SigningKey),
		clock:  clk,
		logger: log.With(logger.Component("auth")),
	}, nil
}

// Login verifies the password and opens a new refresh token chain for device.
// Unknown emails and wrong passwords are indistinguishable to the caller.
func (i *Issuer) Login(ctx context.Context, email, password, device string) (*TokenPair, error) {
	user, err := i.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = comparePassword(dummyPasswordHash(), []byte(password))
			return nil, fmt.Errorf("auth: login: %w", models.ErrInvalidCredential)
		}
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if user.PasswordHash == "" {
		_ = comparePassword(dummyPasswordHash(), []byte(password))
		i.logger.Info("login rejected", logger.UserID(user.ID))
		return nil, fmt.Errorf("auth: login: %w", models.ErrInvalidCredential)
	}
	if comparePassword([]byte(user.PasswordHash), []byte(password)) != nil {
		i.logger.Info("login rejected", logger.UserID(user.ID))
		return nil, fmt.Errorf("auth: login: %w", models.ErrInvalidCredential)
	}

	now := i.clock.Now()
	raw, hash, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	rt := &models.RefreshToken{
		ID:         uuid.New(),
		UserID:     user.ID,
		TokenHash:  hash,
		DeviceName: device,
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.cfg.RefreshTTL),
	}
	if err := i.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("auth: store refresh token: %w", err)
	}

	pair, err := i.pair(user, raw, rt.ExpiresAt, now)
	if err != nil {
		return nil, err
	}
	i.logger.Info("login succeeded", logger.UserID(user.ID), slog.String("device", device))
	return pair, nil
}

// Refresh exchanges a live refresh token for a new pair. The presented token
// is revoked; of two concurrent refreshes with the same token only one wins.
func (i *Issuer) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	if token == "" {
		return nil, fmt.Errorf("auth: refresh: %w", models.ErrInvalidCredential)
	}

	now := i.clock.Now()
	raw, hash, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}
	next := &models.RefreshToken{
		ID:        uuid.New(),
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(i.cfg.RefreshTTL),
	}

	old, err := i.store.RotateRefreshToken(ctx, HashRefreshToken(token), next, now)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}

	user, err := i.store.GetUserByID(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("auth: refresh: user gone: %w", models.ErrInvalidCredential)
		}
		return nil, fmt.Errorf("auth: refresh: %w", err)
	}

	i.logger.Debug("refresh token rotated", logger.UserID(user.ID), slog.String("device", next.DeviceName))
	return i.pair(user, raw, next.ExpiresAt, now)
}

// Logout revokes the presented refresh token. Unknown tokens are ignored.
func (i *Issuer) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := i.store.RevokeRefreshToken(ctx, HashRefreshToken(token), i.clock.Now()); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	return nil
}

func (i *Issuer) pair(user *models.User, refresh string, refreshExpiresAt, now time.Time) (*TokenPair, error) {
	access, err := i.sign(user, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		TokenType:        "Bearer",
		ExpiresIn:        int64(i.cfg.AccessTTL / time.Second),
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// HashRefreshToken is the storage key of an opaque refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (raw, hash string, err error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, HashRefreshToken(raw), nil
}
