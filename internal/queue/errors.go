package queue

import (
	"errors"
	"fmt"
)

// Error categories. Handlers and the retry policy switch on these with
// errors.Is; the specific errors below wrap exactly one of them.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrClaimConflict      = errors.New("claim conflict")
	ErrStorageTransient   = errors.New("transient storage failure")
	ErrStorageWriteFailed = errors.New("storage write failed")
	ErrInvariantViolation = errors.New("invariant violation")
)

var (
	ErrQueueNotFound   = fmt.Errorf("queue does not exist: %w", ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("message does not exist: %w", ErrNotFound)
	ErrClaimNotFound   = fmt.Errorf("claim does not exist: %w", ErrNotFound)

	ErrQueueExists = fmt.Errorf("queue: %w", ErrAlreadyExists)
	ErrClaimExists = fmt.Errorf("claim: %w", ErrAlreadyExists)

	ErrClaimMismatch = fmt.Errorf("message is held by another claim: %w", ErrClaimConflict)

	ErrMessageTooLarge  = fmt.Errorf("message body too large: %w", ErrValidation)
	ErrMetadataTooLarge = fmt.Errorf("queue metadata too large: %w", ErrValidation)
	ErrInvalidTTL       = fmt.Errorf("invalid ttl: %w", ErrValidation)
	ErrInvalidGrace     = fmt.Errorf("invalid grace: %w", ErrValidation)
	ErrInvalidLimit     = fmt.Errorf("invalid limit: %w", ErrValidation)
	ErrInvalidQueueName = fmt.Errorf("invalid queue name: %w", ErrValidation)
	ErrInvalidProject   = fmt.Errorf("invalid project: %w", ErrValidation)
	ErrInvalidBody      = fmt.Errorf("invalid message body: %w", ErrValidation)
	ErrInvalidMetadata  = fmt.Errorf("invalid queue metadata: %w", ErrValidation)
	ErrEmptyBatch       = fmt.Errorf("no messages to post: %w", ErrValidation)

	ErrStorageTimeout = fmt.Errorf("storage timeout: %w", ErrStorageTransient)
)

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageTransient)
}

// Transient marks a backend error as retryable while keeping it
// reachable through errors.As/Is.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageTransient, err)
}
