package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/store"
)

func TestPMPostsVisibleReplyAndRecordsUsage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)
	env.llm.reply = "Thanks for the details. Could you share the exact error message you see?"

	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "my checkout is broken"))

	assert.Equal(t, "anthropic/claude-haiku-4", env.llm.model)
	assert.Contains(t, env.llm.system, "PM agent for SiteDoc")
	assert.Contains(t, env.llm.system, issue.Description)
	require.NotEmpty(t, env.llm.turns)
	assert.Equal(t, "my checkout is broken", env.llm.turns[len(env.llm.turns)-1].Content)

	contents := env.chatContents(t, issue.ID)
	require.Len(t, contents, 1)
	assert.Equal(t, env.llm.reply, contents[0])

	actions, err := env.store.ListAgentActions(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, store.ActionLLMCall, actions[0].ActionType)
	assert.Equal(t, int64(165), actions[0].TotalTokens)
}

func TestPMTicketConfirmed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)
	env.llm.reply = "Perfect, I've created your ticket.\n" +
		`{"ticket_confirmed": true, "title": "Checkout 500", "description": "Checkout returns HTTP 500 on submit.", "category": "bug_fix"}`

	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "yes, that's correct"))

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColReadyForUATApproval, got.KanbanColumn)
	assert.Equal(t, "Checkout 500", got.Title)
	assert.Equal(t, "Checkout returns HTTP 500 on submit.", got.Description)

	contents := env.chatContents(t, issue.ID)
	require.Len(t, contents, 1)
	assert.Equal(t, "Perfect, I've created your ticket.", contents[0])

	actions, err := env.store.ListAgentActions(ctx, issue.ID)
	require.NoError(t, err)
	var categories []string
	for _, a := range actions {
		if a.ActionType == "issue_categorized" {
			categories = append(categories, a.Detail)
		}
	}
	assert.Equal(t, []string{"bug_fix"}, categories)
}

func TestPMRelaysUATRejection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColReadyForUAT)
	env.queue.jobs = nil
	env.llm.reply = `{"update_description": true, "append": "Greeting shows above the form, should be below."}` +
		"\n" +
		`{"ticket_action": "transition", "to_col": "todo"}` +
		"\nGot it, sending this back to the team to fix."

	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "the greeting is in the wrong place"))

	got, err := env.store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, kanban.ColTodo, got.KanbanColumn)
	assert.Equal(t, 1, got.DevFailCount)
	assert.Contains(t, got.Description, "**Customer Feedback:**")
	assert.Contains(t, got.Description, "Greeting shows above the form")

	// The rejection re-queues the dev agent through the transition side effects
	assert.Contains(t, env.queue.names(), pipeline.JobDevRun)

	contents := env.chatContents(t, issue.ID)
	require.Len(t, contents, 1)
	assert.Equal(t, "Got it, sending this back to the team to fix.", contents[0])
}

func TestPMSavesCredentialFromChat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)
	env.llm.reply = "Got it, I've saved your ssh credentials securely.\n" +
		`{"save_credential": true, "credential_type": "ssh", "value": {"host": "1.2.3.4", "user": "root", "password": "s3cret"}}`

	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "ssh is root / s3cret at 1.2.3.4"))

	creds, err := env.vault.DecryptCredentials(ctx, issue.SiteID)
	require.NoError(t, err)
	byLabel := map[string]string{}
	for _, c := range creds {
		byLabel[c.Label] = c.Secret
	}
	require.Contains(t, byLabel, "ssh")
	assert.Contains(t, byLabel["ssh"], "s3cret")
	assert.Contains(t, byLabel["ssh"], "1.2.3.4")

	// The stored secret never leaks back into the visible thread
	for _, content := range env.chatContents(t, issue.ID) {
		assert.NotContains(t, content, "s3cret")
	}
}

func TestPMErrorPathApologizesAndAlerts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)
	env.llm.err = apperrors.ServiceUnavailable("llm gateway")

	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "hello?"))

	contents := env.chatContents(t, issue.ID)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0], "unexpected error")

	require.Len(t, env.notifier.calls, 1)
	assert.Equal(t, "pm", env.notifier.calls[0].Role)

	actions, err := env.store.ListAgentActions(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "agent_failure", actions[0].ActionType)
	assert.Equal(t, store.ActionStatusFailed, actions[0].Status)
}

func TestPMTurnClearsPendingMarker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)
	env.llm.reply = "Thanks, looking into it."

	require.NoError(t, env.store.MarkPMPending(ctx, issue.ID, "hello?", time.Now().UTC()))
	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "hello?"))

	pending, err := env.store.ListPMPending(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPMErrorPathStillClearsPendingMarker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issue := env.seedIssue(t, kanban.ColTriage)
	env.llm.err = apperrors.ServiceUnavailable("llm gateway")

	require.NoError(t, env.store.MarkPMPending(ctx, issue.ID, "hello?", time.Now().UTC()))
	require.NoError(t, env.pm.HandleMessage(ctx, issue.ID, "hello?"))

	// The apology counts as the turn; the sweep must not replay it
	pending, err := env.store.ListPMPending(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}
