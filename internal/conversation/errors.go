package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Recovered by re-prompting.
	ErrValidation = errors.New("invalid input")

	// ErrLookupMiss marks a key absent from the matrix. Treated like
	// ErrValidation.
	ErrLookupMiss = errors.New("unknown key")

	// ErrNoSession is returned for input from an identity with no active
	// conversation, including repeats after a terminal turn.
	ErrNoSession = errors.New("no active conversation")
)

// StoreError is returned when the confirmation could not be saved. The
// session stays in the confirmation state so the user can retry.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("registration not saved: %v", e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
