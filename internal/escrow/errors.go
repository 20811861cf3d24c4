package escrow

import "errors"

// Error taxonomy. Validation and invalid-transition rejections are permanent
// and audit-logged; conflicts are retried inside the service and never reach
// a caller; external and balance errors escalate to admin visibility.
var (
	ErrValidation          = errors.New("event failed validation")
	ErrInvalidTransition   = errors.New("event not applicable to current state")
	ErrConflict            = errors.New("optimistic lock conflict")
	ErrInsufficientBalance = errors.New("wallet balance would go negative")
	ErrExternalService     = errors.New("external service unavailable")
	ErrNotFound            = errors.New("transaction not found")
	ErrForbidden           = errors.New("actor lacks required capability")
)
