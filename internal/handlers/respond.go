package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/PortNumber53/subcatalog/backend/internal/logger"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

const maxJSONBody = 1 << 20

var validate = validator.New()

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the shared error taxonomy onto HTTP statuses. Unknown
// errors are logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		log.Error("request failed", logger.Error(err))
		writeJSON(w, status, errorBody{Error: "internal error", Code: code})
		return
	}
	log.Debug("request rejected", logger.Error(err), slog.Int("status", status))
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrGatewayRejected):
		return http.StatusBadGateway, "gateway_rejected"
	case errors.Is(err, models.ErrCredentialExpired):
		return http.StatusUnauthorized, "credential_expired"
	case errors.Is(err, models.ErrCredentialRevoked):
		return http.StatusUnauthorized, "credential_revoked"
	case errors.Is(err, models.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeJSON reads a size-limited JSON body into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", models.ErrValidation)
		}
		return fmt.Errorf("invalid JSON payload: %w", models.ErrValidation)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%s: %w", describeValidation(err), models.ErrValidation)
	}
	return nil
}

func describeValidation(err error) string {
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		return fmt.Sprintf("field %s failed %s", f.Field(), f.Tag())
	}
	return err.Error()
}
