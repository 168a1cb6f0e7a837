package trip

import "errors"

// The machine surfaces exactly this taxonomy to callers; the HTTP layer
// maps it onto status codes. Reservation failures reuse
// fleet.ErrUnitUnavailable.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("trip not found")
	ErrForbidden         = errors.New("actor not allowed")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrInvalidState      = errors.New("trip not in required status")
	ErrAlreadyRated      = errors.New("trip already rated")
)
