// Package errors defines the error taxonomy of the storage engine.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Category checking functions (benign, retryable, precondition)
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ingestion errors
	ErrInvalidTick   = errors.New("invalid tick")
	ErrDuplicateTick = errors.New("duplicate tick")
	ErrOutOfOrder    = errors.New("tick out of order beyond lateness tolerance")
	ErrBackpressure  = errors.New("append rejected due to backpressure")
	ErrStoreClosed   = errors.New("store is closed")

	// Chunk lifecycle errors
	ErrUnknownChunk      = errors.New("unknown chunk")
	ErrChunkNotSealed    = errors.New("chunk is not sealed")
	ErrChunkNotElapsed   = errors.New("chunk upper bound has not elapsed")
	ErrAlreadyCompressed = errors.New("chunk is already compressed")
	ErrChunkCompressed   = errors.New("chunk is compressed and read-only")
	ErrCompressionVerify = errors.New("compressed chunk failed verification")

	// Aggregation errors
	ErrSourceUnavailable    = errors.New("tick source unavailable")
	ErrRefreshWindowCorrupt = errors.New("refresh window produced an invariant-violating candle")
	ErrRefreshInFlight      = errors.New("refresh already in flight")

	// Storage errors
	ErrDatabase    = errors.New("database error")
	ErrQueryFailed = errors.New("query failed")
	ErrInternal    = errors.New("internal error")
)

// ============================================================================
// Category helpers
// ============================================================================

// IsBenign reports whether the error is an expected no-op condition that
// callers treat as success (at-least-once delivery makes duplicates routine).
func IsBenign(err error) bool {
	return errors.Is(err, ErrDuplicateTick) || errors.Is(err, ErrAlreadyCompressed)
}

// IsRetryable reports whether the operation may succeed if retried later
// with the same inputs.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrBackpressure) ||
		errors.Is(err, ErrChunkNotElapsed) ||
		errors.Is(err, ErrDatabase)
}

// IsPrecondition reports whether the error is a chunk state precondition
// violation. These are surfaced to the caller but require no recovery: the
// chunk either is not eligible yet or the work is already done.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrChunkNotSealed) ||
		errors.Is(err, ErrChunkNotElapsed) ||
		errors.Is(err, ErrAlreadyCompressed) ||
		errors.Is(err, ErrChunkCompressed)
}

// Wrap annotates err with a message, preserving the sentinel for errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf annotates err with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is re-exports errors.Is so callers only import one errors package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As re-exports errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
