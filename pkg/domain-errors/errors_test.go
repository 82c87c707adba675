package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeInsufficientFunds, "insufficient funds")
		assert.True(t, HasCode(err, CodeInsufficientFunds))
		assert.False(t, HasCode(err, CodeLimitExceeded))
	})

	t.Run("matches nested code through fmt wrapping", func(t *testing.T) {
		inner := New(CodeConcurrencyConflict, "version changed")
		outer := Wrap(fmt.Errorf("attempt 3: %w", inner), CodePersistence, "transfer failed")
		assert.True(t, HasCode(outer, CodePersistence))
		assert.True(t, HasCode(outer, CodeConcurrencyConflict))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodePersistence, "failed to debit sender")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodePersistence, CodeOf(err))
	assert.Equal(t, "failed to debit sender", MessageOf(err))
	assert.Contains(t, err.Error(), "connection reset")
}
