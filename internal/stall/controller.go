// Package stall implements the self-healing sweep over active tickets.
// Agents report back through an HTTP callback; when a spawned session
// dies without calling back, or a queued job is lost, the sweep is what
// gets the ticket moving again.
package stall

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/dispatcher"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/store"
)

// JobSweep is the dispatcher job name for one sweep pass. Routing the
// periodic trigger through the queue keeps it single-flight across
// instances.
const JobSweep = "stall.sweep"

// Backoff intervals pushed onto stall_check_at after an action, so the
// same ticket is not hit again on the very next pass.
const (
	retryBackoff    = 15 * time.Minute
	warnBackoff     = 30 * time.Minute
	escalateBackoff = 4 * time.Hour
)

// Controller runs the tiered stall recovery pass.
type Controller struct {
	store   *store.Store
	machine *pipeline.StateMachine
	cfg     config.StallConfig
	logger  *logger.Logger
	now     func() time.Time
}

// New creates a stall controller.
func New(st *store.Store, machine *pipeline.StateMachine, cfg config.StallConfig, log *logger.Logger) *Controller {
	return &Controller{
		store:   st,
		machine: machine,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "stall")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock, for tests.
func (c *Controller) SetNowFunc(now func() time.Time) {
	c.now = now
}

// Register binds the sweep job and schedules it on the backend queue.
func (c *Controller) Register(ctx context.Context, d *dispatcher.Dispatcher) {
	d.Register(JobSweep, func(ctx context.Context, _ map[string]interface{}) error {
		return c.Sweep(ctx)
	})
	d.Every(ctx, c.cfg.SweepInterval(), dispatcher.QueueBackend, JobSweep, nil)
}

// Sweep applies the first matching recovery tier to every eligible
// ticket. Per-ticket failures are logged and skipped; one stuck row
// must not stall the stall checker.
func (c *Controller) Sweep(ctx context.Context) error {
	now := c.now()
	candidates, err := c.store.ListStallCandidates(ctx, now)
	if err != nil {
		return err
	}

	// Tickets are independent; a few slow recoveries must not hold the
	// whole pass hostage.
	var g errgroup.Group
	g.SetLimit(4)
	for _, candidate := range candidates {
		candidate := candidate
		g.Go(func() error {
			c.check(ctx, candidate, now)
			return nil
		})
	}
	_ = g.Wait()

	c.recoverPMTurns(ctx, now)

	if len(candidates) > 0 {
		c.logger.Info("Sweep pass complete", zap.Int("checked", len(candidates)))
	}
	return nil
}

// recoverPMTurns re-dispatches customer messages whose PM job never
// ran. The pending marker is written before the enqueue and cleared
// when the PM handles the turn, so anything still here past the pickup
// threshold was lost to a crash or a dropped delivery.
func (c *Controller) recoverPMTurns(ctx context.Context, now time.Time) {
	pending, err := c.store.ListPMPending(ctx, now.Add(-c.cfg.Pickup()))
	if err != nil {
		c.logger.Error("Failed to list pending pm turns", zap.Error(err))
		return
	}
	for _, p := range pending {
		log := c.logger.WithIssueID(p.IssueID).WithFields(
			zap.Duration("age", now.Sub(p.RequestedAt)))
		log.Warn("Customer message never reached the pm agent, re-dispatching")
		if err := c.machine.EnqueuePM(ctx, p.IssueID, p.Message); err != nil {
			log.Error("Failed to re-dispatch pm turn", zap.Error(err))
		}
	}
}

func (c *Controller) check(ctx context.Context, candidate *store.StallCandidate, now time.Time) {
	issue := candidate.Issue
	age := now.Sub(candidate.LastActivity)
	log := c.logger.WithIssueID(issue.ID).WithFields(
		zap.String("column", string(issue.KanbanColumn)),
		zap.Duration("age", age))

	switch {
	// Tier 1: todo not picked up
	case issue.KanbanColumn == kanban.ColTodo && age > c.cfg.Pickup():
		log.Warn("Ticket stuck in todo, re-triggering dev agent")
		c.machine.EnqueueAgent(ctx, pipeline.JobDevRun, issue.ID, "stalled in todo")
		c.bump(ctx, issue.ID, now.Add(retryBackoff), log)

	// Tier 2: ready_for_qa not picked up
	case issue.KanbanColumn == kanban.ColReadyForQA && age > c.cfg.Pickup():
		log.Warn("Ticket stuck in ready_for_qa, re-triggering qa agent")
		c.machine.EnqueueAgent(ctx, pipeline.JobQARun, issue.ID, "stalled in ready_for_qa")
		c.bump(ctx, issue.ID, now.Add(retryBackoff), log)

	// Tier 2b: qa session died without calling back
	case issue.KanbanColumn == kanban.ColInQA && age > c.cfg.Stuck():
		log.Warn("QA session unresponsive, rolling back to ready_for_qa")
		c.rollback(ctx, issue.ID, kanban.ColReadyForQA,
			fmt.Sprintf("QA agent did not respond within %s, resetting for retry.", c.cfg.Stuck()),
			"🔄 QA agent did not respond — automatically retrying QA verification.", log)

	// Tier 2c: dev session died without calling back
	case issue.KanbanColumn == kanban.ColInProgress && age > c.cfg.Stuck():
		log.Warn("Dev session unresponsive, rolling back to todo")
		c.rollback(ctx, issue.ID, kanban.ColTodo,
			fmt.Sprintf("Dev agent did not respond within %s, resetting for retry.", c.cfg.Stuck()),
			"🔄 Dev agent did not respond — automatically retrying.", log)

	// Tier 3a: prolonged silence, visible warning
	case activeColumn(issue.KanbanColumn) && age > c.cfg.Warn() && age < c.cfg.Escalate():
		log.Warn("Prolonged inactivity, posting stall warning")
		c.post(ctx, issue.ID, fmt.Sprintf(
			"⏳ No activity detected for over %d minutes. This may indicate the agent "+
				"session ended without completing. Our team has been notified and will investigate.",
			c.cfg.WarnMinutes), log)
		c.bump(ctx, issue.ID, now.Add(warnBackoff), log)

	// Tier 3b: hours of silence, hand it to a tech lead
	case activeColumn(issue.KanbanColumn) && age >= c.cfg.Escalate():
		reason := fmt.Sprintf("Stall detected: ticket stuck in '%s' for >%dh. dev_fail_count=%d",
			issue.KanbanColumn, c.cfg.EscalateHours, issue.DevFailCount)
		log.Warn("Escalating to tech lead", zap.String("reason", reason))
		c.post(ctx, issue.ID, fmt.Sprintf(
			"⚠️ No progress for over %d hours. Escalating to Tech Lead.", c.cfg.EscalateHours), log)
		c.machine.EnqueueAgent(ctx, pipeline.JobTechLeadRun, issue.ID, reason)
		c.bump(ctx, issue.ID, now.Add(escalateBackoff), log)
	}
}

func activeColumn(col kanban.Column) bool {
	return col == kanban.ColInProgress || col == kanban.ColInQA
}

// rollback reverts a ticket whose agent session never called back. The
// transition side effects re-enqueue the right agent on arrival.
func (c *Controller) rollback(ctx context.Context, issueID string, to kanban.Column, note, chat string, log *logger.Logger) {
	_, err := c.machine.Transition(ctx, pipeline.TransitionRequest{
		IssueID: issueID,
		Actor:   kanban.ActorSystem,
		To:      to,
		Note:    note,
	})
	if err != nil {
		log.Error("Rollback failed", zap.Error(err))
		return
	}
	c.post(ctx, issueID, chat, log)
}

func (c *Controller) post(ctx context.Context, issueID, content string, log *logger.Logger) {
	if _, err := c.machine.PostChat(ctx, issueID, store.ChatRoleSystem, content); err != nil {
		log.Error("Failed to post stall notice", zap.Error(err))
	}
}

func (c *Controller) bump(ctx context.Context, issueID string, until time.Time, log *logger.Logger) {
	if err := c.store.SetStallCheckAt(ctx, issueID, until); err != nil {
		log.Error("Failed to push stall deadline", zap.Error(err))
	}
}
