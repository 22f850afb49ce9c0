package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the account owns no list resource yet. It is an
	// expected state for new accounts, not a failure.
	ErrNotFound = errors.New("resource not found")
	// ErrBusy is returned when a mutation is already in flight.
	ErrBusy            = errors.New("a mutation is already in flight")
	ErrNoAccount       = errors.New("no account selected")
	ErrNoList          = errors.New("account has no list")
	ErrListExists      = errors.New("account already has a list")
	ErrEmptyContent    = errors.New("task content is empty")
	ErrUnknownTask     = errors.New("unknown task")
	ErrTaskCompleted   = errors.New("task is already completed")
	ErrUnknownMutation = errors.New("unknown mutation")
	// ErrAccountChanged is returned by a mutation whose result arrived after
	// another account was selected. The transaction itself may have committed.
	ErrAccountChanged = errors.New("account changed before the mutation settled")
)

// GatewayError is an infrastructure-level read failure.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// SubmitReason classifies why a mutation did not commit.
type SubmitReason string

const (
	UserRejected   SubmitReason = "user_rejected"
	LedgerRejected SubmitReason = "ledger_rejected"
	Timeout        SubmitReason = "timeout"
	SubmitFailed   SubmitReason = "submit_failed"
)

// SubmitError reports a mutation that was not committed.
type SubmitError struct {
	Reason   SubmitReason
	Function string
	Err      error
}

func (e *SubmitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Function, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Function, e.Reason, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// FetchError reports that the task collection could not be assembled.
type FetchError struct {
	TaskID uint64
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch task %d: %v", e.TaskID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsSubmitReason reports whether err is a SubmitError with the given reason.
func IsSubmitReason(err error, reason SubmitReason) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Reason == reason
}
