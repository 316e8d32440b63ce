package pipeline

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
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/events"
	"github.com/sitedoc/sitedoc/internal/events/bus"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/store"
)

type queuedJob struct {
	Queue string
	Name  string
	Args  map[string]interface{}
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue, name string, args map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{Queue: queue, Name: name, Args: args})
	return nil
}

func (q *fakeQueue) drain() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func stallConfig() config.StallConfig {
	return config.StallConfig{
		PickupMinutes:     5,
		StuckMinutes:      20,
		WarnMinutes:       45,
		EscalateHours:     4,
		SweepIntervalMins: 5,
	}
}

func newTestMachine(t *testing.T) (*StateMachine, *store.Store, *fakeQueue, *bus.MemoryEventBus) {
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
	return New(st, eventBus, queue, stallConfig(), log), st, queue, eventBus
}

func seedIssue(t *testing.T, st *store.Store) *store.Issue {
	t.Helper()
	ctx := context.Background()
	customer := &store.Customer{Email: "owner@example.com"}
	require.NoError(t, st.CreateCustomer(ctx, customer))
	issue := &store.Issue{CustomerID: customer.ID, Title: "broken search"}
	require.NoError(t, st.CreateIssue(ctx, issue))
	return issue
}

// moveTo walks an issue to the target column with the system actor.
func moveTo(t *testing.T, m *StateMachine, issueID string, to kanban.Column) {
	t.Helper()
	_, err := m.Transition(context.Background(), TransitionRequest{
		IssueID: issueID, Actor: kanban.ActorSystem, To: to,
	})
	require.NoError(t, err)
}

func TestTransitionPermissionDenied(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	// Customers cannot pull work out of triage
	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorCustomer, To: kanban.ColTodo,
	})
	assert.True(t, apperrors.IsConflict(err))

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColTriage, got.KanbanColumn)
}

func TestTransitionRejectsUnknownInput(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorSystem, To: kanban.Column("review"),
	})
	require.Error(t, err)
	assert.False(t, apperrors.IsConflict(err))

	_, err = m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.Actor("intern"), To: kanban.ColTodo,
	})
	require.Error(t, err)
}

func TestTerminalColumnsRejectEveryActor(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	moveTo(t, m, issue.ID, kanban.ColDismissed)

	// Even the system actor cannot leave a terminal column
	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorSystem, To: kanban.ColTodo,
	})
	assert.True(t, apperrors.IsConflict(err))
}

func TestEnteringTodoEnqueuesDevAgent(t *testing.T) {
	m, st, queue, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	moveTo(t, m, issue.ID, kanban.ColTodo)

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobDevRun, jobs[0].Name)
	assert.Equal(t, "agent", jobs[0].Queue)
	assert.Equal(t, issue.ID, jobs[0].Args["issue_id"])
}

func TestEnteringReadyForQAEnqueuesQAAgent(t *testing.T) {
	m, st, queue, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	moveTo(t, m, issue.ID, kanban.ColReadyForQA)

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobQARun, jobs[0].Name)
}

func TestUATRejectionIncrementsFailCount(t *testing.T) {
	ctx := context.Background()
	m, st, queue, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	moveTo(t, m, issue.ID, kanban.ColReadyForUAT)
	queue.drain()

	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorCustomer, ActorID: issue.CustomerID,
		To: kanban.ColTodo, Note: "still broken",
	})
	require.NoError(t, err)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DevFailCount)

	jobs := queue.drain()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobDevRun, jobs[0].Name)
}

func TestThirdFailureEscalatesToTechLead(t *testing.T) {
	ctx := context.Background()
	m, st, queue, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	// Two rejected fixes re-queue the dev agent
	for i := 0; i < 2; i++ {
		moveTo(t, m, issue.ID, kanban.ColReadyForUAT)
		_, err := m.Transition(ctx, TransitionRequest{
			IssueID: issue.ID, Actor: kanban.ActorCustomer, To: kanban.ColTodo,
		})
		require.NoError(t, err)
	}
	queue.drain()

	// The third failure hands the issue to a tech lead instead
	moveTo(t, m, issue.ID, kanban.ColReadyForUAT)
	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorCustomer, To: kanban.ColTodo,
	})
	require.NoError(t, err)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.DevFailCount)

	var names []string
	for _, job := range queue.drain() {
		names = append(names, job.Name)
	}
	assert.Contains(t, names, JobTechLeadRun)
	assert.NotContains(t, names, JobDevRun)
}

func TestQAFailureAlsoIncrementsFailCount(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	moveTo(t, m, issue.ID, kanban.ColInQA)

	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorQAAgent, To: kanban.ColTodo,
		Note: "verification failed",
	})
	require.NoError(t, err)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DevFailCount)
}

func TestActiveColumnsGetStallDeadline(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	before := time.Now().UTC()
	moveTo(t, m, issue.ID, kanban.ColInProgress)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StallCheckAt)
	assert.True(t, got.StallCheckAt.After(before.Add(19*time.Minute)))

	// Leaving the active column clears the deadline
	_, err = m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorDevAgent, To: kanban.ColReadyForQA,
	})
	require.NoError(t, err)

	got, err = st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StallCheckAt)
}

func TestDoneStampsResolvedAt(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMachine(t)
	issue := seedIssue(t, st)

	moveTo(t, m, issue.ID, kanban.ColReadyForUAT)
	_, err := m.Transition(ctx, TransitionRequest{
		IssueID: issue.ID, Actor: kanban.ActorCustomer, To: kanban.ColDone,
	})
	require.NoError(t, err)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ResolvedAt)
	assert.Equal(t, kanban.StatusResolved, got.Status)
}

func TestTransitionPublishesIssueUpdate(t *testing.T) {
	m, st, _, eventBus := newTestMachine(t)
	issue := seedIssue(t, st)

	received := make(chan *bus.Event, 4)
	sub, err := eventBus.Subscribe(events.IssueSubject(issue.ID), func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	moveTo(t, m, issue.ID, kanban.ColTodo)

	select {
	case event := <-received:
		assert.Equal(t, events.IssueUpdated, event.Type)
		assert.Equal(t, string(kanban.ColTodo), event.Data["kanban_column"])
	case <-time.After(time.Second):
		t.Fatal("no issue update published")
	}
}

func TestPostChatPersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	m, st, _, eventBus := newTestMachine(t)
	issue := seedIssue(t, st)

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(events.IssueSubject(issue.ID), func(ctx context.Context, event *bus.Event) error {
		if event.Type == events.ChatMessage {
			received <- event
		}
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	msg, err := m.PostChat(ctx, issue.ID, store.ChatRoleSystem, "sweep notice")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	thread, err := st.ListChat(ctx, issue.ID, 0)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "sweep notice", thread[0].Content)

	select {
	case event := <-received:
		assert.Equal(t, "sweep notice", event.Data["content"])
	case <-time.After(time.Second):
		t.Fatal("no chat event published")
	}
}
