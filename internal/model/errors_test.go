package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := NewError(KindInvalidTransition, "composite %s is %s", "c1", CompositeApproved)

	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrMissingReason))
	assert.Equal(t, "invalid_transition: composite c1 is APPROVED", err.Error())
}

func TestError_KindThroughWrapping(t *testing.T) {
	base := NewError(KindNotFound, "composite x")
	wrapped := fmt.Errorf("engine: %w", base)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrNotFound))

	erisWrapped := eris.Wrap(base, "store")
	assert.True(t, errors.Is(erisWrapped, ErrNotFound))
}

func TestKindOf_UntypedError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestParseOrigin_DefaultsToCalculated(t *testing.T) {
	o, err := ParseOrigin("")
	assert.NoError(t, err)
	assert.Equal(t, OriginCalculated, o)

	o, err = ParseOrigin("lab")
	assert.NoError(t, err)
	assert.Equal(t, OriginLab, o)

	_, err = ParseOrigin("guess")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, CompositeDraft.Terminal())
	assert.False(t, CompositePendingApproval.Terminal())
	assert.True(t, CompositeApproved.Terminal())
	assert.True(t, CompositeRejected.Terminal())
	assert.True(t, CompositeArchived.Terminal())

	assert.False(t, WorkflowInReview.Terminal())
	assert.True(t, WorkflowCancelled.Terminal())
}
