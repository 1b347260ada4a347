package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", New(ErrorTypeTransientIO, "x"), true},
		{"timeout", New(ErrorTypeTimeout, "x"), true},
		{"transaction", New(ErrorTypeTransactionFailure, "x"), true},
		{"schema", New(ErrorTypeSchemaViolation, "x"), false},
		{"fatal", Fatal(New(ErrorTypeTimeout, "x"), "exhausted"), false},
		{"foreign", io.EOF, false},
		{"wrapped by fmt", fmt.Errorf("ctx: %w", New(ErrorTypeTimeout, "x")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeData, "bad document")
	outer := Wrap(inner, ErrorTypeSchemaViolation, "mapping failed")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, ErrorTypeSchemaViolation, TypeOf(outer))
	assert.True(t, HasType(outer, ErrorTypeData))
	assert.Nil(t, Wrap(nil, ErrorTypeFatal, "nothing"))
}

func TestAssertPanicsWithInvariantViolation(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		e, ok := r.(*Error)
		require.True(t, ok)
		assert.Equal(t, ErrorTypeInvariantViolation, e.Type)
		assert.NotEmpty(t, e.Stack)
		assert.Contains(t, e.StackString(), "TestAssertPanicsWithInvariantViolation")
	}()
	Assert(false, "two producers")
}
