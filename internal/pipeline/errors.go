package pipeline

import (
	"errors"
	"fmt"

	"chat-realtime/internal/codec"
)

var (
	// ErrMissingTarget rejects a compose that names neither or both of a
	// channel and a recipient.
	ErrMissingTarget = errors.New("message target missing or ambiguous")
	ErrForbidden     = errors.New("not a participant of scope")
	ErrScopeNotFound = errors.New("scope not found")
)

// ValidationError rejects a single operation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// StorageError wraps a persistence failure. It is not retried here.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// ErrorCode maps an operation error to the code sent on the realtime surface.
func ErrorCode(err error) string {
	var validation *ValidationError
	var storage *StorageError
	switch {
	case errors.Is(err, ErrMissingTarget):
		return "missing_target"
	case errors.As(err, &validation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrScopeNotFound):
		return "not_found"
	case errors.Is(err, codec.ErrEncrypt), errors.Is(err, codec.ErrDecrypt):
		return "encryption"
	case errors.As(err, &storage):
		return "storage"
	}
	return "internal"
}
