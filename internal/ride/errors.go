package ride

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNoDriverAvailable = matcher.ErrNoDriverAvailable
	ErrConflict          = errors.New("ride not in the expected state")
	ErrNotFound          = errors.New("ride not found")
	ErrDuplicate         = errors.New("already exists")
	ErrValidation        = errors.New("invalid request")
	ErrUpstream          = errors.New("upstream failure")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// translate maps store errors onto the lifecycle taxonomy. Anything the
// store does not classify is an upstream failure and is never retried here.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		return ErrConflict
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, storage.ErrDuplicate):
		return ErrDuplicate
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}
