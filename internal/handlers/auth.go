package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/PortNumber53/subcatalog/backend/internal/auth"
)

// CredentialIssuer is the behaviour the auth handlers need from auth.Issuer.
type CredentialIssuer interface {
	Login(ctx context.Context, email, password, device string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, token string) (*auth.TokenPair, error)
	Logout(ctx context.Context, token string) error
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Device   string `json:"device_name" validate:"max=200"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Login exchanges an email and password for an access and refresh token pair.
func Login(issuer CredentialIssuer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		device := req.Device
		if device == "" {
			device = r.UserAgent()
		}

		pair, err := issuer.Login(r.Context(), req.Email, req.Password, device)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, pair)
	}
}

// Refresh rotates a refresh token. Any failure means the client must log in again.
func Refresh(issuer CredentialIssuer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, log, err)
			return
		}

		pair, err := issuer.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, pair)
	}
}

// Logout revokes the presented refresh token.
func Logout(issuer CredentialIssuer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, log, err)
			return
		}
		if err := issuer.Logout(r.Context(), req.RefreshToken); err != nil {
			writeError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
