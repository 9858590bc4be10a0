package credits

import "errors"

// ErrInvalidAmount is returned when a mutation is requested with a non-positive amount.
var ErrInvalidAmount = errors.New("amount must be positive")

// ErrInsufficientCredits is returned when available credits cannot cover a
// reservation. It is a business outcome, never retried automatically.
var ErrInsufficientCredits = errors.New("insufficient credits")
