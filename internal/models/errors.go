package models

import "errors"

// Error taxonomy shared by the billing, auth and HTTP layers. Components wrap
// these with context and callers match them with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrGatewayRejected = errors.New("payment gateway rejected the request")

	ErrInvalidCredential = errors.New("invalid credential")
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialRevoked = errors.New("credential revoked")
)
