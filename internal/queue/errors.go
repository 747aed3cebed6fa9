package queue

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Errors returned by the queue service.
var (
	// ErrNotFound means the queue entry, or the builder named in a request,
	// does not exist. For entries this usually means a concurrent destroy.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the entry's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyAssigned is returned when another builder holds the entry.
	// It is expected under concurrent dispatch.
	ErrAlreadyAssigned = fmt.Errorf("%w: already assigned", ErrInvalidTransition)

	// ErrEstimationUnavailable is returned when there is no data to estimate
	// from. It is advisory and never a failure.
	ErrEstimationUnavailable = errors.New("estimation unavailable")

	// ErrIntegrity is returned when the rows behind an entry are inconsistent.
	// The operation that found it is rolled back.
	ErrIntegrity = errors.New("queue integrity violation")

	// ErrUnknownJobType is returned when no variant is registered for a job type.
	ErrUnknownJobType = jobs.ErrUnknownJobType

	// ErrInvalidRequest is returned for malformed submissions and calls.
	ErrInvalidRequest = errors.New("invalid request")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	Op     string
	From   string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s: %s", e.Op, e.From, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// translate maps store sentinels onto queue errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
