package kherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndWrapFormatMessage(t *testing.T) {
	e := New(KindValidation, "hook %q missing predicate", "nightly-build")
	assert.Equal(t, "ValidationError: hook \"nightly-build\" missing predicate", e.Error())
	assert.Equal(t, "ValidationError", e.ErrKind())
	assert.Nil(t, e.Unwrap())

	cause := errors.New("boom")
	wrapped := Wrap(KindIO, cause, "reading blob %s", "deadbeef")
	assert.Equal(t, "IoError: reading blob deadbeef: boom", wrapped.Error())
	assert.Equal(t, cause, wrapped.Unwrap())
}

func TestIsMatchesDirectKind(t *testing.T) {
	e := New(KindTimeout, "predicate evaluation exceeded budget")
	assert.True(t, Is(e, KindTimeout))
	assert.False(t, Is(e, KindIO))
}

func TestIsUnwrapsWrappedErrors(t *testing.T) {
	inner := New(KindConflict, "lock already held")
	outer := fmt.Errorf("evaluating commit: %w", inner)
	assert.True(t, Is(outer, KindConflict))
}

func TestIsReturnsFalseOnPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindParse))
	assert.False(t, Is(nil, KindParse))
}

func TestParseErrorReportsLineAndColumn(t *testing.T) {
	e := &ParseError{Line: 3, Column: 12, Message: "unexpected token"}
	assert.Equal(t, "ParseError: 3:12: unexpected token", e.Error())
	assert.Equal(t, string(KindParse), e.ErrKind())
	assert.True(t, Is(e, KindParse))
}

func TestCycleErrorListsStepIDs(t *testing.T) {
	e := &CycleError{StepIDs: []string{"a", "b", "a"}}
	assert.Contains(t, e.Error(), "[a b a]")
	assert.Equal(t, string(KindValidation), e.ErrKind())
	assert.True(t, Is(e, KindValidation))
}
