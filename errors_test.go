package zhook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("boom")
	err := newError(SystemCall, "Commit", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SystemCall")
	assert.Contains(t, err.Error(), "Commit")
}

func TestError_WithoutCauseStillFormats(t *testing.T) {
	err := newError(NotFound, "Remove", nil)
	assert.Equal(t, "zhook: Remove: NotFound", err.Error())
}

func TestCommitError_ExposesFailedIndex(t *testing.T) {
	inner := newError(UnsupportedInstruction, "Commit", errors.New("call in prologue"))
	var err error = &CommitError{Error: inner, FailedIndex: 2}

	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Index())
	assert.Equal(t, UnsupportedInstruction, ce.Kind)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "InvalidArgument", InvalidArgument.String())
	assert.Equal(t, "OutOfRange", OutOfRange.String())
	assert.Equal(t, "Unknown", Kind(999).String())
}
