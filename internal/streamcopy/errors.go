package streamcopy

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avaproxy/internal/metrics/streaming"
)

// Sentinel errors for copy operations.
var (
	// ErrInvalidMode indicates an unknown copy mode.
	ErrInvalidMode = errors.New("invalid copy mode")

	// ErrNoEngine indicates the pipelined strategy was requested without an engine.
	ErrNoEngine = errors.New("pipelined copy requires an engine")
)

// Transfer operations reported in TransferError.
const (
	OpRead    = "read"
	OpWrite   = "write"
	OpAcquire = "acquire"
)

// TransferError describes a failed copy.
type TransferError struct {
	Op      string // read, write or acquire
	ID      string // transfer ID if applicable
	Written int64  // bytes delivered before the failure
	Cause   error
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("transfer %s failed on %s after %d bytes: %v",
			e.ID, e.Op, e.Written, e.Cause)
	}
	return fmt.Sprintf("copy failed on %s after %d bytes: %v", e.Op, e.Written, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TransferError) Is(target error) bool {
	_, ok := target.(*TransferError)
	return ok
}

// IsWriteError reports whether err is a failure writing to the destination.
func IsWriteError(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Op == OpWrite
}

// IsReadError reports whether err is a failure reading from the source.
func IsReadError(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Op == OpRead
}

// outcome maps a copy error to a metrics outcome label.
func outcome(err error) string {
	switch {
	case err == nil:
		return streaming.OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return streaming.OutcomeCancelled
	case IsWriteError(err):
		return streaming.OutcomeWriteErr
	default:
		return streaming.OutcomeReadError
	}
}
