package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorf_Unwrap(t *testing.T) {
	t.Parallel()

	err := Errorf("operation failed: %w", context.DeadlineExceeded)
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.Equal(t, "operation failed: context deadline exceeded", err.Error())
}

func TestMultiError_ErrorOrNil(t *testing.T) {
	t.Parallel()

	errs := NewMultiError()
	require.NoError(t, errs.ErrorOrNil())

	single := New("single")
	errs.Append(nil, single)
	assert.Same(t, single, errs.ErrorOrNil())

	errs.Append(New("second"))
	assert.Equal(t, 2, errs.Len())
	assert.Equal(t, "- single\n- second", errs.Error())
}

func TestMultiError_Flatten(t *testing.T) {
	t.Parallel()

	inner := NewMultiError()
	inner.Append(New("a"), New("b"))

	outer := NewMultiError()
	outer.Append(inner, New("c"))
	assert.Equal(t, 3, outer.Len())
}

func TestFormat_WithStack(t *testing.T) {
	t.Parallel()

	err := New("with stack")
	assert.Regexp(t, `^with stack \[.*errors_test\.go:\d+\]$`, Format(err, FormatWithStack()))
}
