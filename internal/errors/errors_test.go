package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "coded", err: New(ErrCodeRoleMismatch, "nope"), want: ErrCodeRoleMismatch},
		{name: "wrapped by fmt", err: fmt.Errorf("outer: %w", New(ErrCodeStaleInstanceState, "stale")), want: ErrCodeStaleInstanceState},
		{name: "plain error", err: stderrors.New("boom"), want: ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, ErrCodeInternal, "failed to append decision")

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "failed to append decision: connection reset", err.Error())
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "unused"))
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Newf(ErrCodeAlreadyDecided, "instance %s", "abc"))

	assert.True(t, Is(err, New(ErrCodeAlreadyDecided, "")))
	assert.False(t, Is(err, New(ErrCodeRoleMismatch, "")))
	assert.True(t, HasCode(err, ErrCodeAlreadyDecided))
}

func TestInvalidInputCarriesField(t *testing.T) {
	err := InvalidInput("outcome", "outcome must be approved or rejected")

	assert.Equal(t, ErrCodeInvalidInput, err.Code)
	assert.Equal(t, "outcome", err.Field)
}
