// Package pipeline owns issue state: it validates transitions against
// the permission matrix, applies them atomically, and drives the
// follow-up agent work each column entry triggers.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/dispatcher"
	"github.com/sitedoc/sitedoc/internal/events"
	"github.com/sitedoc/sitedoc/internal/events/bus"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/store"
)

// Job names for agent runs.
const (
	JobPMRun       = "pm_agent.run"
	JobDevRun      = "dev_agent.run"
	JobQARun       = "qa_agent.run"
	JobTechLeadRun = "tech_lead.run"
)

// devFailEscalation is the failure count at which dev work stops being
// re-queued and a tech lead takes over.
const devFailEscalation = 3

// JobQueue is the slice of the dispatcher the state machine needs.
type JobQueue interface {
	Enqueue(ctx context.Context, queue, name string, args map[string]interface{}) error
}

// StateMachine applies column transitions and their side effects.
type StateMachine struct {
	store  *store.Store
	bus    bus.EventBus
	jobs   JobQueue
	stall  config.StallConfig
	logger *logger.Logger
}

// New creates a state machine.
func New(st *store.Store, eventBus bus.EventBus, jobs JobQueue, stall config.StallConfig, log *logger.Logger) *StateMachine {
	return &StateMachine{
		store:  st,
		bus:    eventBus,
		jobs:   jobs,
		stall:  stall,
		logger: log.WithFields(zap.String("component", "pipeline")),
	}
}

// TransitionRequest describes one requested column move.
type TransitionRequest struct {
	IssueID string
	Actor   kanban.Actor
	ActorID string
	To      kanban.Column
	Note    string
}

// Transition validates and applies a column move. Rejections come back
// as conflicts: a permission miss and a lost optimistic-update race are
// both "the board moved on" from the caller's point of view.
func (m *StateMachine) Transition(ctx context.Context, req TransitionRequest) (*store.Transition, error) {
	if !req.To.Valid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown column: %s", req.To))
	}
	if !kanban.ValidActor(req.Actor) {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown actor: %s", req.Actor))
	}

	issue, err := m.store.GetIssue(ctx, req.IssueID)
	if err != nil {
		return nil, err
	}
	from := issue.KanbanColumn

	if !kanban.CanTransition(req.Actor, from, req.To) {
		return nil, apperrors.Conflict(fmt.Sprintf(
			"%s may not move issue from %s to %s", req.Actor, from, req.To))
	}

	params := store.ApplyTransitionParams{
		IssueID:       req.IssueID,
		From:          from,
		To:            req.To,
		Actor:         req.Actor,
		ActorID:       req.ActorID,
		Note:          req.Note,
		SetResolvedAt: req.To == kanban.ColDone,
		IncrementFail: kanban.IsFailureTransition(req.Actor, from, req.To),
	}

	// Active work columns get a stall deadline; everywhere else the
	// deadline is cleared so the sweep sees fresh state. Stored as the
	// absolute wake-up time rather than the entry time: the sweep still
	// computes tier thresholds from last activity, this only decides
	// when it looks at the row.
	switch req.To {
	case kanban.ColInProgress, kanban.ColInQA:
		deadline := time.Now().UTC().Add(m.stall.Stuck())
		params.SetStallCheckAt = &deadline
	default:
		var zero time.Time
		params.SetStallCheckAt = &zero
	}

	transition, err := m.store.ApplyTransition(ctx, params)
	if err != nil {
		return nil, err
	}

	failCount := issue.DevFailCount
	if params.IncrementFail {
		failCount++
	}

	m.logger.Info("Issue transitioned",
		zap.String("issue_id", req.IssueID),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
		zap.String("actor", string(req.Actor)),
		zap.Int("dev_fail_count", failCount))

	m.publishIssueUpdated(ctx, req.IssueID)
	m.runSideEffects(ctx, req.IssueID, req.To, failCount)

	return transition, nil
}

// runSideEffects enqueues the agent work a column entry triggers.
func (m *StateMachine) runSideEffects(ctx context.Context, issueID string, to kanban.Column, failCount int) {
	switch to {
	case kanban.ColTodo:
		if failCount >= devFailEscalation {
			m.enqueueAgent(ctx, JobTechLeadRun, issueID, fmt.Sprintf(
				"dev agent failed %d times", failCount))
			return
		}
		m.enqueueAgent(ctx, JobDevRun, issueID, "issue entered todo")
	case kanban.ColReadyForQA:
		m.enqueueAgent(ctx, JobQARun, issueID, "issue ready for verification")
	}
}

// EnqueueAgent queues one agent run for an issue.
func (m *StateMachine) EnqueueAgent(ctx context.Context, job, issueID, reason string) {
	m.enqueueAgent(ctx, job, issueID, reason)
}

// EnqueuePM marks the message as awaiting a PM turn and queues the
// run. The marker is written first: a job lost to a crash or a
// fire-and-forget queue is re-dispatched by the sweep, and the PM
// clears the marker when it handles the turn.
func (m *StateMachine) EnqueuePM(ctx context.Context, issueID, message string) error {
	if err := m.store.MarkPMPending(ctx, issueID, message, time.Now().UTC()); err != nil {
		return err
	}
	return m.jobs.Enqueue(ctx, dispatcher.QueueAgent, JobPMRun, map[string]interface{}{
		"issue_id": issueID,
		"message":  message,
	})
}

func (m *StateMachine) enqueueAgent(ctx context.Context, job, issueID, reason string) {
	err := m.jobs.Enqueue(ctx, dispatcher.QueueAgent, job, map[string]interface{}{
		"issue_id": issueID,
		"reason":   reason,
	})
	if err != nil {
		m.logger.Error("Failed to enqueue agent job",
			zap.String("job", job),
			zap.String("issue_id", issueID),
			zap.Error(err))
	}
}

// PostChat appends a message to the issue thread and pushes it to
// connected websocket clients.
func (m *StateMachine) PostChat(ctx context.Context, issueID, role, content string) (*store.ChatMessage, error) {
	msg := &store.ChatMessage{
		IssueID: issueID,
		Role:    role,
		Content: content,
	}
	if err := m.store.AppendChat(ctx, msg); err != nil {
		return nil, err
	}

	event := bus.NewEvent(events.ChatMessage, "pipeline", map[string]interface{}{
		"issue_id":   issueID,
		"message_id": msg.ID,
		"role":       msg.Role,
		"content":    msg.Content,
		"created_at": msg.CreatedAt.Format(time.RFC3339),
	})
	if err := m.bus.Publish(ctx, events.IssueSubject(issueID), event); err != nil {
		m.logger.Warn("Failed to publish chat event",
			zap.String("issue_id", issueID),
			zap.Error(err))
	}
	return msg, nil
}

// RecordAction persists one unit of agent accounting and announces it
// on the issue stream, so connected clients can show agent activity
// as it happens.
func (m *StateMachine) RecordAction(ctx context.Context, action *store.AgentAction) error {
	if err := m.store.RecordAgentAction(ctx, action); err != nil {
		return err
	}

	eventType := events.ActionStarted
	switch action.Status {
	case store.ActionStatusCompleted:
		eventType = events.ActionCompleted
	case store.ActionStatusFailed:
		eventType = events.ActionFailed
	}
	event := bus.NewEvent(eventType, "pipeline", map[string]interface{}{
		"issue_id":    action.IssueID,
		"action_id":   action.ID,
		"agent_role":  action.AgentRole,
		"action_type": action.ActionType,
	})
	if err := m.bus.Publish(ctx, events.IssueSubject(action.IssueID), event); err != nil {
		m.logger.Warn("Failed to publish action event",
			zap.String("issue_id", action.IssueID),
			zap.Error(err))
	}
	return nil
}

// publishIssueUpdated pushes the issue snapshot to subscribers. A push
// failure is logged and dropped; the database already holds the truth.
func (m *StateMachine) publishIssueUpdated(ctx context.Context, issueID string) {
	snapshot, err := m.store.GetIssueSnapshot(ctx, issueID)
	if err != nil {
		m.logger.Warn("Failed to load issue snapshot",
			zap.String("issue_id", issueID),
			zap.Error(err))
		return
	}

	event := bus.NewEvent(events.IssueUpdated, "pipeline", map[string]interface{}{
		"issue_id":      issueID,
		"status":        string(snapshot.Status),
		"kanban_column": string(snapshot.KanbanColumn),
		"confidence":    snapshot.Confidence,
		"actions_count": snapshot.ActionsCount,
	})
	if err := m.bus.Publish(ctx, events.IssueSubject(issueID), event); err != nil {
		m.logger.Warn("Failed to publish issue update",
			zap.String("issue_id", issueID),
			zap.Error(err))
	}
}
