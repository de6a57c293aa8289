package isolation

import (
	"errors"
	"fmt"

	"stemdl/internal/mixer"
)

var (
	// ErrActivationTimeout means the target solo never became active
	ErrActivationTimeout = errors.New("solo did not activate")
	// ErrExclusivityViolated means other solos stayed active after every retry
	ErrExclusivityViolated = errors.New("other solos remain active")
	// ErrLowConfidence means the isolation checks scored below the threshold
	ErrLowConfidence = errors.New("isolation confidence below threshold")
	// ErrElementNotFound is the mixer's error for a missing track container
	ErrElementNotFound = mixer.ErrElementNotFound
)

// Error is returned when a track could not be isolated
type Error struct {
	Index int
	Track string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("isolate track %d (%s): %v", e.Index, e.Track, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsActivationTimeout checks if an error is an activation timeout
func IsActivationTimeout(err error) bool { return errors.Is(err, ErrActivationTimeout) }

// IsExclusivityViolated checks if an error means other solos stayed active
func IsExclusivityViolated(err error) bool { return errors.Is(err, ErrExclusivityViolated) }

// IsLowConfidence checks if an error is a low confidence rejection
func IsLowConfidence(err error) bool { return errors.Is(err, ErrLowConfidence) }

// IsElementNotFound checks if an error is a missing track element
func IsElementNotFound(err error) bool { return errors.Is(err, ErrElementNotFound) }
