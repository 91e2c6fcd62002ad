package service

import (
	"errors"
	"fmt"
)

// Error taxonomy for checkout operations. Handlers map these onto HTTP
// statuses; the saga maps them onto terminal order states. Definitive
// business rejections (insufficient stock, inactive product, stale price)
// are not errors: they surface as REJECTED or CANCELLED results so the
// idempotency store can cache them.
var (
	// ErrValidation covers malformed client input: missing idempotency
	// key, empty cart, non-positive quantities. No state is created.
	ErrValidation = errors.New("validation failed")

	// ErrConflict means the same idempotency key is already being
	// processed; the caller should retry later with the same key.
	ErrConflict = errors.New("request already in progress")

	// ErrTransient marks infrastructure failures of a collaborator call
	// that are safe to retry for idempotent operations.
	ErrTransient = errors.New("transient collaborator error")

	// ErrFatal marks unexpected failures that leave the order FAILED and
	// require operator intervention.
	ErrFatal = errors.New("fatal error")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transientError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func fatalError(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrFatal, stage, err)
}
