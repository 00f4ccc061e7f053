package gateway

import (
	"fmt"

	"github.com/PortNumber53/subcatalog/backend/internal/models"
)

// RejectedError is returned when the processor answers with a non-2xx status.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s", e.StatusCode, e.Body)
}

func (e *RejectedError) Unwrap() error {
	return models.ErrGatewayRejected
}
