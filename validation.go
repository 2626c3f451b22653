package safeflow

import "github.com/goliatone/go-errors"

// ErrValidation is a sentinel error used to mark validation failures.
// Wrappers can compare text codes with IsValidation to propagate
// validation intent through additional layers.
var ErrValidation = errors.New("validation error", errors.CategoryValidation).
	WithTextCode("VALIDATION_FAILED")

// ValidationError returns a validation error carrying msg.
func ValidationError(msg string) error {
	return validationError(msg)
}

func validationError(msg string) error {
	err := ErrValidation.Clone()
	err.Message = msg
	return err
}

// IsValidation reports whether err carries the validation text code.
func IsValidation(err error) bool {
	return errorCode(err) == ErrValidation.TextCode
}
