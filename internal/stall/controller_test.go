package stall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/events/bus"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/store"
)

type queuedJob struct {
	Name    string
	Reason  string
	Message string
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue, name string, args map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	reason, _ := args["reason"].(string)
	message, _ := args["message"].(string)
	q.jobs = append(q.jobs, queuedJob{Name: name, Reason: reason, Message: message})
	return nil
}

func (q *fakeQueue) drain() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func defaultStallConfig() config.StallConfig {
	return config.StallConfig{
		PickupMinutes:     5,
		StuckMinutes:      20,
		WarnMinutes:       45,
		EscalateHours:     4,
		SweepIntervalMins: 5,
	}
}

func newTestController(t *testing.T, cfg config.StallConfig) (*Controller, *store.Store, *pipeline.StateMachine, *fakeQueue) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, db)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	queue := &fakeQueue{}
	machine := pipeline.New(st, eventBus, queue, cfg, log)
	return New(st, machine, cfg, log), st, machine, queue
}

func seedIssueAt(t *testing.T, st *store.Store, machine *pipeline.StateMachine, col kanban.Column) *store.Issue {
	t.Helper()
	ctx := context.Background()
	customer := &store.Customer{Email: "owner@example.com"}
	require.NoError(t, st.CreateCustomer(ctx, customer))
	issue := &store.Issue{CustomerID: customer.ID, Title: "slow dashboard"}
	require.NoError(t, st.CreateIssue(ctx, issue))
	if col != kanban.ColTriage {
		_, err := machine.Transition(ctx, pipeline.TransitionRequest{
			IssueID: issue.ID, Actor: kanban.ActorSystem, To: col,
		})
		require.NoError(t, err)
	}
	return issue
}

func chatContents(t *testing.T, st *store.Store, issueID string) []string {
	t.Helper()
	msgs, err := st.ListChat(context.Background(), issueID, 0)
	require.NoError(t, err)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSweepRetriggersUnpickedTodo(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	issue := seedIssueAt(t, st, machine, kanban.ColTodo)
	queue.drain()

	sweepAt := time.Now().UTC().Add(6 * time.Minute)
	c.SetNowFunc(func() time.Time { return sweepAt })
	require.NoError(t, c.Sweep(ctx))

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobDevRun, jobs[0].Name)
	assert.Equal(t, "stalled in todo", jobs[0].Reason)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StallCheckAt)
	assert.WithinDuration(t, sweepAt.Add(retryBackoff), *got.StallCheckAt, time.Second)
}

func TestSweepRetriggersUnpickedReadyForQA(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	seedIssueAt(t, st, machine, kanban.ColReadyForQA)
	queue.drain()

	c.SetNowFunc(func() time.Time { return time.Now().UTC().Add(6 * time.Minute) })
	require.NoError(t, c.Sweep(ctx))

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobQARun, jobs[0].Name)
}

func TestSweepRollsBackDeadQASession(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	issue := seedIssueAt(t, st, machine, kanban.ColInQA)
	queue.drain()

	c.SetNowFunc(func() time.Time { return time.Now().UTC().Add(21 * time.Minute) })
	require.NoError(t, c.Sweep(ctx))

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColReadyForQA, got.KanbanColumn)

	// Arriving in ready_for_qa re-enqueues the qa agent
	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobQARun, jobs[0].Name)

	contents := chatContents(t, st, issue.ID)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0], "QA agent did not respond")
}

func TestSweepRollsBackDeadDevSession(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	issue := seedIssueAt(t, st, machine, kanban.ColInProgress)
	queue.drain()

	c.SetNowFunc(func() time.Time { return time.Now().UTC().Add(21 * time.Minute) })
	require.NoError(t, c.Sweep(ctx))

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColTodo, got.KanbanColumn)

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobDevRun, jobs[0].Name)

	contents := chatContents(t, st, issue.ID)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0], "Dev agent did not respond")
}

func TestSweepWarnsOnProlongedSilence(t *testing.T) {
	ctx := context.Background()
	// Raise the stuck threshold so the rollback tier does not shadow
	// the warning tier.
	cfg := defaultStallConfig()
	cfg.StuckMinutes = 600
	c, st, machine, queue := newTestController(t, cfg)
	issue := seedIssueAt(t, st, machine, kanban.ColInProgress)
	queue.drain()
	// Entering in_progress pushed the deadline out by the stuck
	// threshold; pull it back so the sweep inspects the ticket.
	require.NoError(t, st.SetStallCheckAt(ctx, issue.ID, time.Now().UTC()))

	sweepAt := time.Now().UTC().Add(50 * time.Minute)
	c.SetNowFunc(func() time.Time { return sweepAt })
	require.NoError(t, c.Sweep(ctx))

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColInProgress, got.KanbanColumn)
	require.NotNil(t, got.StallCheckAt)
	assert.WithinDuration(t, sweepAt.Add(warnBackoff), *got.StallCheckAt, time.Second)

	assert.Empty(t, queue.drain())
	contents := chatContents(t, st, issue.ID)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0], "⏳")
}

func TestSweepEscalatesToTechLead(t *testing.T) {
	ctx := context.Background()
	cfg := defaultStallConfig()
	cfg.StuckMinutes = 600
	c, st, machine, queue := newTestController(t, cfg)
	issue := seedIssueAt(t, st, machine, kanban.ColInProgress)
	queue.drain()
	require.NoError(t, st.SetStallCheckAt(ctx, issue.ID, time.Now().UTC()))

	sweepAt := time.Now().UTC().Add(5 * time.Hour)
	c.SetNowFunc(func() time.Time { return sweepAt })
	require.NoError(t, c.Sweep(ctx))

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobTechLeadRun, jobs[0].Name)
	assert.Contains(t, jobs[0].Reason, "dev_fail_count=0")

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StallCheckAt)
	assert.WithinDuration(t, sweepAt.Add(escalateBackoff), *got.StallCheckAt, time.Second)

	contents := chatContents(t, st, issue.ID)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0], "Escalating to Tech Lead")
}

func TestSweepLeavesFreshTicketsAlone(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	issue := seedIssueAt(t, st, machine, kanban.ColTodo)
	queue.drain()

	c.SetNowFunc(func() time.Time { return time.Now().UTC().Add(2 * time.Minute) })
	require.NoError(t, c.Sweep(ctx))

	assert.Empty(t, queue.drain())
	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColTodo, got.KanbanColumn)
	assert.Nil(t, got.StallCheckAt)
}

func TestSweepRedispatchesLostPMTurn(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	issue := seedIssueAt(t, st, machine, kanban.ColTriage)
	queue.drain()

	// Marker written, but the queued job never ran
	require.NoError(t, st.MarkPMPending(ctx, issue.ID,
		"my checkout is broken", time.Now().UTC().Add(-10*time.Minute)))

	require.NoError(t, c.Sweep(ctx))

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, pipeline.JobPMRun, jobs[0].Name)
	assert.Equal(t, "my checkout is broken", jobs[0].Message)

	// Re-dispatch refreshes the marker, so an immediate second sweep
	// does not enqueue the turn again
	require.NoError(t, c.Sweep(ctx))
	assert.Empty(t, queue.drain())
}

func TestSweepLeavesFreshPMTurnsAlone(t *testing.T) {
	ctx := context.Background()
	c, st, machine, queue := newTestController(t, defaultStallConfig())
	issue := seedIssueAt(t, st, machine, kanban.ColTriage)
	queue.drain()

	require.NoError(t, st.MarkPMPending(ctx, issue.ID, "hello", time.Now().UTC()))

	require.NoError(t, c.Sweep(ctx))
	assert.Empty(t, queue.drain())
}
