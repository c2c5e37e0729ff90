package apperrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedCode(t *testing.T) {
	base := New(CodePartitionFull, "partition 3 is full", nil)
	wrapped := fmt.Errorf("store: %w", base)

	assert.True(t, Is(wrapped, CodePartitionFull))
	assert.False(t, Is(wrapped, CodeNotFound))
}

func TestRetryableClassifiesTransientCodes(t *testing.T) {
	assert.True(t, Retryable(New(CodeDescribeTransient, "timeout", nil)))
	assert.True(t, Retryable(New(CodeQueueUnavailable, "redis down", nil)))
	assert.False(t, Retryable(New(CodeDescribePermanent, "bad model", nil)))
	assert.False(t, Retryable(New(CodeInvalidInput, "bad form", nil)))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(CodeInvalidInput))
	assert.Equal(t, 404, HTTPStatus(CodeNotFound))
	assert.Equal(t, 503, HTTPStatus(CodePartitionFull))
	assert.Equal(t, 502, HTTPStatus(CodeDescribeTransient))
	assert.Equal(t, 500, HTTPStatus(Code("unknown")))
}
