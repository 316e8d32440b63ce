// Package kanban defines the fixed ticket pipeline: column ordering, the
// legacy status projection, and the per-actor transition permission matrix.
package kanban

// Column is a stage in the fixed ticket pipeline.
type Column string

const (
	ColTriage              Column = "triage"
	ColReadyForUATApproval Column = "ready_for_uat_approval"
	ColTodo                Column = "todo"
	ColInProgress          Column = "in_progress"
	ColReadyForQA          Column = "ready_for_qa"
	ColInQA                Column = "in_qa"
	ColReadyForUAT         Column = "ready_for_uat"
	ColDone                Column = "done"
	ColDismissed           Column = "dismissed"
)

// Status is the legacy issue status projected from the kanban column.
type Status string

const (
	StatusOpen            Status = "open"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusResolved        Status = "resolved"
	StatusDismissed       Status = "dismissed"
)

// Actor identifies who is performing a transition.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorPMAgent  Actor = "pm_agent"
	ActorDevAgent Actor = "dev_agent"
	ActorQAAgent  Actor = "qa_agent"
	ActorTechLead Actor = "tech_lead"
	ActorSystem   Actor = "system"
)

// pipelineOrder is the canonical column ordering used by the callback
// idempotency guard. dismissed sits outside the ordering.
var pipelineOrder = []Column{
	ColTriage,
	ColReadyForUATApproval,
	ColTodo,
	ColInProgress,
	ColReadyForQA,
	ColInQA,
	ColReadyForUAT,
	ColDone,
}

var orderIndex = func() map[Column]int {
	m := make(map[Column]int, len(pipelineOrder))
	for i, c := range pipelineOrder {
		m[c] = i
	}
	return m
}()

// Columns returns the pipeline columns in canonical order, excluding dismissed.
func Columns() []Column {
	out := make([]Column, len(pipelineOrder))
	copy(out, pipelineOrder)
	return out
}

// Valid reports whether c is a known column (including dismissed).
func (c Column) Valid() bool {
	_, ok := orderIndex[c]
	return ok || c == ColDismissed
}

// OrderIndex returns the position of c in the canonical pipeline order,
// or -1 for dismissed and unknown columns.
func (c Column) OrderIndex() int {
	if i, ok := orderIndex[c]; ok {
		return i
	}
	return -1
}

// Terminal reports whether no further transitions are allowed out of c.
func (c Column) Terminal() bool {
	return c == ColDone || c == ColDismissed
}

// LegacyStatus projects the column onto the legacy status enum.
func (c Column) LegacyStatus() Status {
	switch c {
	case ColTriage, ColReadyForUATApproval, ColTodo:
		return StatusOpen
	case ColInProgress, ColReadyForQA, ColInQA:
		return StatusInProgress
	case ColReadyForUAT:
		return StatusPendingApproval
	case ColDone:
		return StatusResolved
	case ColDismissed:
		return StatusDismissed
	}
	return StatusOpen
}

// ValidActor reports whether a is a known actor type.
func ValidActor(a Actor) bool {
	switch a {
	case ActorCustomer, ActorPMAgent, ActorDevAgent, ActorQAAgent, ActorTechLead, ActorSystem:
		return true
	}
	return false
}

// CanTransition reports whether the actor is permitted to move an issue
// from one column to another. Terminal columns reject every transition,
// including system ones.
func CanTransition(actor Actor, from, to Column) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if from.Terminal() {
		return false
	}

	switch actor {
	case ActorCustomer:
		if to == ColDismissed {
			return true
		}
		switch {
		case from == ColReadyForUATApproval && to == ColTodo:
			return true
		case from == ColReadyForUAT && to == ColDone:
			return true
		case from == ColReadyForUAT && to == ColTodo:
			return true
		}
		return false
	case ActorPMAgent:
		return from == ColTriage && to == ColReadyForUATApproval
	case ActorDevAgent:
		return (from == ColTodo && to == ColInProgress) ||
			(from == ColInProgress && to == ColReadyForQA)
	case ActorQAAgent:
		return (from == ColReadyForQA && to == ColInQA) ||
			(from == ColInQA && to == ColReadyForUAT) ||
			(from == ColInQA && to == ColTodo)
	case ActorTechLead:
		return to == ColInProgress
	case ActorSystem:
		return true
	}
	return false
}

// IsFailureTransition reports whether the transition counts as a failed
// fix attempt: a customer UAT rejection or a QA failure. These increment
// the issue's dev fail counter.
func IsFailureTransition(actor Actor, from, to Column) bool {
	if actor == ActorCustomer && from == ColReadyForUAT && to == ColTodo {
		return true
	}
	if actor == ActorQAAgent && from == ColInQA && to == ColTodo {
		return true
	}
	return false
}

// SkipForIdempotency reports whether a callback-requested transition to
// target should be skipped because the issue has already reached or passed
// that stage. Dismissed issues are excluded from the ordering and never
// skipped here (the permission matrix rejects them instead).
func SkipForIdempotency(current, target Column) bool {
	ci, ti := current.OrderIndex(), target.OrderIndex()
	if ci < 0 || ti < 0 {
		return false
	}
	return ci >= ti
}
