package kanban

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLegacyStatusProjection(t *testing.T) {
	cases := map[Column]Status{
		ColTriage:              StatusOpen,
		ColReadyForUATApproval: StatusOpen,
		ColTodo:                StatusOpen,
		ColInProgress:          StatusInProgress,
		ColReadyForQA:          StatusInProgress,
		ColInQA:                StatusInProgress,
		ColReadyForUAT:         StatusPendingApproval,
		ColDone:                StatusResolved,
		ColDismissed:           StatusDismissed,
	}
	for col, want := range cases {
		assert.Equal(t, want, col.LegacyStatus(), "column %s", col)
	}
}

func TestOrderIndex(t *testing.T) {
	assert.Equal(t, 0, ColTriage.OrderIndex())
	assert.Equal(t, 2, ColTodo.OrderIndex())
	assert.Equal(t, 7, ColDone.OrderIndex())
	assert.Equal(t, -1, ColDismissed.OrderIndex())
	assert.Equal(t, -1, Column("bogus").OrderIndex())
}

func TestCustomerTransitions(t *testing.T) {
	assert.True(t, CanTransition(ActorCustomer, ColReadyForUATApproval, ColTodo))
	assert.True(t, CanTransition(ActorCustomer, ColReadyForUAT, ColDone))
	assert.True(t, CanTransition(ActorCustomer, ColReadyForUAT, ColTodo))
	assert.True(t, CanTransition(ActorCustomer, ColTriage, ColDismissed))
	assert.True(t, CanTransition(ActorCustomer, ColInProgress, ColDismissed))

	assert.False(t, CanTransition(ActorCustomer, ColTriage, ColTodo))
	assert.False(t, CanTransition(ActorCustomer, ColTodo, ColInProgress))
}

func TestAgentTransitions(t *testing.T) {
	assert.True(t, CanTransition(ActorPMAgent, ColTriage, ColReadyForUATApproval))
	assert.False(t, CanTransition(ActorPMAgent, ColTodo, ColReadyForUATApproval))

	assert.True(t, CanTransition(ActorDevAgent, ColTodo, ColInProgress))
	assert.True(t, CanTransition(ActorDevAgent, ColInProgress, ColReadyForQA))
	assert.False(t, CanTransition(ActorDevAgent, ColReadyForQA, ColInQA))

	assert.True(t, CanTransition(ActorQAAgent, ColReadyForQA, ColInQA))
	assert.True(t, CanTransition(ActorQAAgent, ColInQA, ColReadyForUAT))
	assert.True(t, CanTransition(ActorQAAgent, ColInQA, ColTodo))
	assert.False(t, CanTransition(ActorQAAgent, ColTodo, ColInProgress))
}

func TestTechLeadAndSystem(t *testing.T) {
	assert.True(t, CanTransition(ActorTechLead, ColTodo, ColInProgress))
	assert.True(t, CanTransition(ActorTechLead, ColInQA, ColInProgress))
	assert.False(t, CanTransition(ActorTechLead, ColInProgress, ColReadyForQA))

	assert.True(t, CanTransition(ActorSystem, ColInQA, ColReadyForQA))
	assert.True(t, CanTransition(ActorSystem, ColInProgress, ColTodo))
}

func TestTerminalColumnsRejectEverything(t *testing.T) {
	for _, actor := range []Actor{ActorCustomer, ActorDevAgent, ActorTechLead, ActorSystem} {
		assert.False(t, CanTransition(actor, ColDone, ColTodo), "actor %s out of done", actor)
		assert.False(t, CanTransition(actor, ColDismissed, ColTriage), "actor %s out of dismissed", actor)
	}
}

func TestFailureTransitions(t *testing.T) {
	assert.True(t, IsFailureTransition(ActorCustomer, ColReadyForUAT, ColTodo))
	assert.True(t, IsFailureTransition(ActorQAAgent, ColInQA, ColTodo))

	assert.False(t, IsFailureTransition(ActorCustomer, ColReadyForUAT, ColDone))
	assert.False(t, IsFailureTransition(ActorSystem, ColInProgress, ColTodo))
}

func TestSkipForIdempotency(t *testing.T) {
	// Already past the target stage
	assert.True(t, SkipForIdempotency(ColInQA, ColReadyForQA))
	// Exactly at the target stage
	assert.True(t, SkipForIdempotency(ColReadyForQA, ColReadyForQA))
	// Still behind the target
	assert.False(t, SkipForIdempotency(ColInProgress, ColReadyForQA))
	// Dismissed sits outside the ordering
	assert.False(t, SkipForIdempotency(ColDismissed, ColTodo))
	assert.False(t, SkipForIdempotency(ColInQA, ColDismissed))
}
