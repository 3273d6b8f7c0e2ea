// Package errs defines the error taxonomy shared by the bridge and the submission queues.
//
// Every failure surfaced to a caller is one of the types below so callers can
// branch with errors.As / errors.Is instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost is matched by every ConnectionLostError.
	ErrConnectionLost = errors.New("connection lost")
	// ErrQueueFull is matched by every QueueFullError.
	ErrQueueFull = errors.New("queue is full")
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("request timed out")
)

// ValidationError reports malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// DuplicateError reports a resubmission inside the dedup window. Never retried.
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate submission %s", e.Key)
}

// TimeoutError reports that no reply arrived within the per-type budget.
type TimeoutError struct {
	MessageType string
	After       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.MessageType, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ConnectionLostError reports that the channel closed while a request was outstanding
// or that a non-important message was sent while disconnected.
type ConnectionLostError struct {
	MessageType string
}

func (e *ConnectionLostError) Error() string {
	if e.MessageType == "" {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConnectionLost, e.MessageType)
}

func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }

// QueueFullError reports that a bounded queue rejected a new item.
type QueueFullError struct {
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s (limit %d)", ErrQueueFull, e.Limit)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// MaxRetriesExceededError is recorded in history when a queued item exhausts its retry budget.
type MaxRetriesExceededError struct {
	ItemID   string
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("item %s dropped after %d attempts", e.ItemID, e.Attempts)
	}
	return fmt.Sprintf("item %s dropped after %d attempts: %v", e.ItemID, e.Attempts, e.Last)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Last }

// RemoteError carries the error string embedded in a reply from the other side.
type RemoteError struct {
	MessageType string
	Message     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed remotely: %s", e.MessageType, e.Message)
}

// Retryable reports whether a queued item that failed with err should be attempted again.
func Retryable(err error) bool {
	var (
		validation *ValidationError
		duplicate  *DuplicateError
	)
	if errors.As(err, &validation) || errors.As(err, &duplicate) {
		return false
	}
	return true
}
