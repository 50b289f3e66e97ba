package queue

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotFound        = errors.New("not found")
	ErrProviderFailure = errors.New("provider failure")
	ErrStorageFailure  = errors.New("storage failure")
)

// ValidationError carries a caller-facing message and matches ErrInvalidRequest.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}
