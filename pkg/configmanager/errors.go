package configmanager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigInTransit is returned when an update is already in flight.
	ErrConfigInTransit = errors.New("config update already in progress")

	// ErrConsumerAlreadyRegistered is returned when two consumers share a name.
	ErrConsumerAlreadyRegistered = errors.New("config consumer already registered")

	// ErrUpdateRejected is matched by every UpdateRejectedError.
	ErrUpdateRejected = errors.New("config update rejected")

	// ErrCommitFailed is matched by every CommitFailedError.
	ErrCommitFailed = errors.New("config commit failed")
)

// ConsumerFailure records why one consumer refused a configuration.
type ConsumerFailure struct {
	Consumer string
	Err      error
}

// UpdateRejectedError is returned when one or more consumers fail to prepare.
type UpdateRejectedError struct {
	Failures []ConsumerFailure
}

func (e *UpdateRejectedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", failure.Consumer, failure.Err))
	}

	return fmt.Sprintf("%v by %s", ErrUpdateRejected, strings.Join(parts, "; "))
}

// Consumers returns the names of the consumers that rejected the update.
func (e *UpdateRejectedError) Consumers() []string {
	names := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		names = append(names, failure.Consumer)
	}

	return names
}

// Unwrap exposes the sentinel and every consumer error.
func (e *UpdateRejectedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrUpdateRejected)

	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}

	return errs
}

// CommitFailedError is returned when a consumer fails to commit.
type CommitFailedError struct {
	Consumer string
	Err      error
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrCommitFailed, e.Consumer, e.Err)
}

// Unwrap exposes the sentinel and the consumer error.
func (e *CommitFailedError) Unwrap() []error {
	return []error{ErrCommitFailed, e.Err}
}
