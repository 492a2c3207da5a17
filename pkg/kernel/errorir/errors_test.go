package errorir

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		kind      Kind
		category  string
		retriable bool
	}{
		{KindNotFound, CategoryValidation, false},
		{KindNotAuthorized, CategoryPermission, false},
		{KindInsufficientFunds, CategoryResource, true},
		{KindQuotaExceeded, CategoryResource, true},
		{KindInvalidArgument, CategoryValidation, false},
		{KindTimeout, CategoryExecution, true},
		{KindRuntimeError, CategoryExecution, false},
		{KindDeleted, CategoryValidation, false},
		{KindNotExecutable, CategoryExecution, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := New(tt.kind, "boom")
			assert.Equal(t, tt.category, e.Category)
			assert.Equal(t, tt.retriable, e.Retriable)
			assert.Equal(t, string(tt.kind), e.Code())
		})
	}
	assert.Len(t, Kinds(), len(tests))
}

func TestIs_MatchesSentinelByKind(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("artifact", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrDeleted)
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	e := From(fmt.Errorf("wrapped: %w", Deleted("x")))
	assert.Equal(t, KindDeleted, e.Kind)

	e = From(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, e.Kind)
	assert.True(t, e.Retriable)

	e = From(errors.New("kaboom"))
	assert.Equal(t, KindRuntimeError, e.Kind)
	assert.Contains(t, e.Message, "kaboom")
}

func TestInsufficientResource_Details(t *testing.T) {
	e := InsufficientResource("alice", "disk", 10, 3)
	assert.Equal(t, KindInsufficientFunds, e.Kind)
	assert.Equal(t, "disk", e.Details["resource"])
	assert.Contains(t, e.Message, "insufficient_disk")
	assert.Equal(t, "insufficient_funds(available=3,principal_id=alice,required=10,resource=disk)", e.Summary())
}

func TestUnknownKindFallsBackToRuntime(t *testing.T) {
	e := New(Kind("weird"), "x")
	assert.Equal(t, KindRuntimeError, e.Kind)
}
