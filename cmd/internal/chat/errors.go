package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a request is rejected before any store access.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a chat does not exist.
	ErrNotFound = errors.New("chat not found")

	// ErrForbidden is returned when the caller is not allowed to access a chat.
	// It is distinct from ErrNotFound and never carries chat content.
	ErrForbidden = errors.New("access forbidden")

	// ErrConflict is returned by Store.Insert when the dedup key is already taken.
	ErrConflict = errors.New("chat already exists")
)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}
