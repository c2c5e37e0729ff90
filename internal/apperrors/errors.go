// Package apperrors defines the error taxonomy shared by every layer of the
// dispatch pipeline: partitioner, shard store, worker pool, distributed
// queue, and the streaming dispatcher all reject with one of these codes so
// that handler code can map failures to the right SSE event without
// inspecting error strings.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	CodeInvalidInput       Code = "invalid_input"
	CodePartitionFull      Code = "partition_full"
	CodeNotFound           Code = "not_found"
	CodeDescribeTransient  Code = "describe_transient"
	CodeDescribePermanent  Code = "describe_permanent"
	CodeQueueUnavailable   Code = "queue_unavailable"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeStreamClosed       Code = "stream_closed"
)

// AppError carries a taxonomy code, a human message, and the underlying
// cause (if any). Handlers use errors.As to recover it and decide how to
// render it on the wire.
type AppError struct {
	Code    Code
	Message string
	Err     error
	// RetryAfter is an explicit retry delay a remote dependency asked for
	// (e.g. a describer's Retry-After header on a 429). Zero means none was
	// given; callers fall back to their own backoff computation.
	RetryAfter time.Duration
}

func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// Retryable reports whether the Distributed Queue should retry a job that
// failed with this error rather than fail it terminally on first
// occurrence.
func Retryable(err error) bool {
	return Is(err, CodeDescribeTransient) || Is(err, CodeQueueUnavailable)
}

// RetryAfterOf returns the explicit retry delay attached to err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ae *AppError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		return ae.RetryAfter, true
	}
	return 0, false
}

// HTTPStatus maps a taxonomy code to the status code the dispatcher uses
// when it must answer outside of the SSE stream (e.g. a malformed request
// before the stream is opened).
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return 400
	case CodeNotFound:
		return 404
	case CodePartitionFull, CodeQueueUnavailable, CodeStorageUnavailable:
		return 503
	case CodeDescribeTransient, CodeDescribePermanent:
		return 502
	case CodeStreamClosed:
		return 499
	default:
		return 500
	}
}
