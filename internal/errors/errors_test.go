package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsSpecificCode(t *testing.T) {
	notFound := NotFound("approval", 7)
	wrapped := Wrap(notFound, ErrCodeInternal, "failed to load approval")

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.True(t, stderrors.Is(wrapped, notFound))
	assert.Equal(t, "failed to load approval: approval not found: 7", wrapped.Error())
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrCodeInternal, "unused"))
}

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		description string
		err         error
		expect      Code
	}{
		{description: "plain error", err: fmt.Errorf("boom"), expect: ErrCodeInternal},
		{description: "coded error", err: New(ErrCodeConflict, "busy"), expect: ErrCodeConflict},
		{description: "fmt wrapped", err: fmt.Errorf("ctx: %w", InvalidInput("id", "bad")), expect: ErrCodeInvalidInput},
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.expect, CodeOf(testCase.err), testCase.description)
	}
	assert.False(t, Is(nil, ErrCodeInternal))
}
