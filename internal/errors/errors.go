// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApplicable means the input is not an alert card. It is a skip signal, not a failure.
	ErrNotApplicable = errors.New("message does not start with the alert trigger")

	// ErrQueueFull is returned by a non-blocking enqueue on a full delivery queue.
	ErrQueueFull = errors.New("delivery queue is full")

	// ErrRateLimited is returned when the intake limiter rejects a message.
	ErrRateLimited = errors.New("rate limit reached")

	// ErrDuplicate is returned when the deduplicator has seen the content recently.
	ErrDuplicate = errors.New("duplicate message")

	// ErrUnauthorized is returned when a caller is not on the admin allow-list.
	ErrUnauthorized = errors.New("caller is not an admin")

	// ErrRetriesExhausted is wrapped by the DeliveryError of a send that hit the attempt ceiling.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrSenderStopped is returned by the sender loop after an account-level failure.
	ErrSenderStopped = errors.New("sender stopped after fatal delivery error")
)

// StructuralMismatchError means the trigger matched but a required line was missing or invalid.
type StructuralMismatchError struct {
	Detail string
}

func (e *StructuralMismatchError) Error() string {
	return fmt.Sprintf("alert structure mismatch: %s", e.Detail)
}

// NewStructuralMismatch builds a StructuralMismatchError.
func NewStructuralMismatch(format string, args ...any) error {
	return &StructuralMismatchError{Detail: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a vote or schedule store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistence wraps err with the failed operation name. A nil err stays nil.
func NewPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// ItemNotRegisteredError is returned when a vote targets a message the bot never registered.
type ItemNotRegisteredError struct {
	ChatID    int64
	MessageID int64
}

func (e *ItemNotRegisteredError) Error() string {
	return fmt.Sprintf("message %d in chat %d is not registered for votes", e.MessageID, e.ChatID)
}

// NewItemNotRegistered builds an ItemNotRegisteredError.
func NewItemNotRegistered(chatID, messageID int64) error {
	return &ItemNotRegisteredError{ChatID: chatID, MessageID: messageID}
}

// InvalidWindowError is returned for a malformed secondary window command.
type InvalidWindowError struct {
	Reason string
}

func (e *InvalidWindowError) Error() string {
	return "invalid secondary window: " + e.Reason
}

// DeliveryClass drives the sender's retry decision.
type DeliveryClass int

const (
	ClassUnclassified DeliveryClass = iota
	ClassTransient
	ClassPermission
	ClassContent
	ClassFatal
)

func (c DeliveryClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassContent:
		return "content"
	case ClassFatal:
		return "fatal"
	}
	return "unclassified"
}

// Retryable reports whether the sender should try again after this class of error.
func (c DeliveryClass) Retryable() bool {
	return c == ClassTransient || c == ClassUnclassified
}

// DeliveryError is the final error of a delivery that did not succeed.
type DeliveryError struct {
	Class    DeliveryClass
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s) after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Reasons carried by InvalidWindowError.
const (
	WindowBadDuration    = "duration must be a positive number with unit h or m"
	WindowBadStartFormat = "start time must be HH:MM"
	WindowBadStartRange  = "start time must be between 00:00 and 23:59"
)
