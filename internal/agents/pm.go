package agents

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/secrets"
	"github.com/sitedoc/sitedoc/internal/store"
)

// PMAgent is the synchronous intake agent. It answers customer chat
// directly through the LLM gateway and executes the action markers
// embedded in its replies.
type PMAgent struct {
	store    *store.Store
	machine  *pipeline.StateMachine
	vault    *secrets.Vault
	llm      LLMClient
	notifier AdminNotifier
	models   config.AgentsConfig
	logger   *logger.Logger
}

// NewPMAgent creates the PM agent.
func NewPMAgent(st *store.Store, machine *pipeline.StateMachine, vault *secrets.Vault,
	llm LLMClient, notifier AdminNotifier, models config.AgentsConfig, log *logger.Logger) *PMAgent {
	return &PMAgent{
		store:    st,
		machine:  machine,
		vault:    vault,
		llm:      llm,
		notifier: notifier,
		models:   models,
		logger:   log.WithFields(zap.String("component", "pm_agent")),
	}
}

// HandleMessage answers one customer message. Failures never propagate:
// the customer gets an apology, an admin gets an alert, and the job is
// done either way.
func (p *PMAgent) HandleMessage(ctx context.Context, issueID, userMessage string) error {
	log := p.logger.WithIssueID(issueID)

	if err := p.handle(ctx, issueID, userMessage, log); err != nil {
		log.Error("PM agent run failed", zap.Error(err))

		if recErr := p.machine.RecordAction(ctx, &store.AgentAction{
			IssueID:    issueID,
			AgentRole:  store.ChatRolePM,
			ActionType: "agent_failure",
			Status:     store.ActionStatusFailed,
			Error:      errorClass(err) + ": " + clip(err.Error(), 500),
		}); recErr != nil {
			log.Warn("Failed to record failure action", zap.Error(recErr))
		}
		if p.notifier != nil {
			p.notifier.NotifyAdminFailure(ctx, issueID, "pm", errorClass(err), clip(err.Error(), 300))
		}
		if _, chatErr := p.machine.PostChat(ctx, issueID, store.ChatRolePM,
			"⚠️ I encountered an unexpected error. Please try again or contact support."); chatErr != nil {
			log.Warn("Failed to post error message", zap.Error(chatErr))
		}
	}

	// The turn ran, successfully or with the apology above; either way
	// the sweep must not re-dispatch it.
	if err := p.store.ClearPMPending(ctx, issueID); err != nil {
		log.Warn("Failed to clear pending marker", zap.Error(err))
	}
	return nil
}

func (p *PMAgent) handle(ctx context.Context, issueID, userMessage string, log *logger.Logger) error {
	issue, err := p.store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}

	history, err := p.chatHistory(ctx, issueID)
	if err != nil {
		return err
	}
	turns := append(history, ChatTurn{Role: "user", Content: userMessage})

	credSummary, err := p.credentialsSummary(ctx, issue)
	if err != nil {
		return err
	}

	model := p.models.ModelFor("pm")
	completion, err := p.llm.Complete(ctx, model, pmSystemPrompt(issue, credSummary), turns)
	if err != nil {
		return err
	}
	log.Info("PM reply generated",
		zap.String("model", completion.Model),
		zap.Int64("total_tokens", completion.TotalTokens))

	if err := p.machine.RecordAction(ctx, &store.AgentAction{
		IssueID:          issueID,
		AgentRole:        store.ChatRolePM,
		ActionType:       store.ActionLLMCall,
		Status:           store.ActionStatusCompleted,
		Detail:           "pm reply",
		Model:            completion.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		TotalTokens:      completion.TotalTokens,
	}); err != nil {
		log.Warn("Failed to record token usage", zap.Error(err))
	}

	markers := ParseMarkers(completion.Content)

	if markers.Visible != "" {
		if _, err := p.machine.PostChat(ctx, issueID, store.ChatRolePM, markers.Visible); err != nil {
			return err
		}
	}

	if markers.Credential != nil {
		p.saveCredential(ctx, issue, markers.Credential, log)
	}

	if markers.DescriptionAppend != "" {
		feedback := "---\n**Customer Feedback:**\n" + markers.DescriptionAppend
		if err := p.store.AppendDescription(ctx, issueID, feedback); err != nil {
			log.Error("Failed to append feedback to description", zap.Error(err))
		}
	}

	if markers.TransitionTo != "" {
		p.applyTransitionMarker(ctx, issue, markers.TransitionTo, log)
	}

	if markers.Confirmed != nil {
		p.confirmTicket(ctx, issueID, markers.Confirmed, log)
	}

	return nil
}

// applyTransitionMarker executes a ticket_action marker. These markers
// relay a customer decision (approve, reject, cancel), so they move the
// board as the customer.
func (p *PMAgent) applyTransitionMarker(ctx context.Context, issue *store.Issue, to kanban.Column, log *logger.Logger) {
	_, err := p.machine.Transition(ctx, pipeline.TransitionRequest{
		IssueID: issue.ID,
		Actor:   kanban.ActorCustomer,
		ActorID: issue.CustomerID,
		To:      to,
		Note:    "PM agent relayed the customer's decision.",
	})
	if err != nil {
		log.Error("Marker transition rejected",
			zap.String("to", string(to)), zap.Error(err))
		return
	}
	log.Info("Marker transition applied", zap.String("to", string(to)))
}

// confirmTicket finalizes the intake: the ticket gets its agreed title
// and description, the category is recorded, and the issue moves on to
// customer approval.
func (p *PMAgent) confirmTicket(ctx context.Context, issueID string, ticket *TicketConfirmation, log *logger.Logger) {
	title := ticket.Title
	if title == "" {
		title = "Untitled Issue"
	}
	if err := p.store.UpdateIssueDetails(ctx, issueID, title, ticket.Description); err != nil {
		log.Error("Failed to update confirmed ticket", zap.Error(err))
		return
	}

	category := ticket.Category
	if category == "" {
		category = "other"
	}
	if err := p.machine.RecordAction(ctx, &store.AgentAction{
		IssueID:    issueID,
		AgentRole:  store.ChatRolePM,
		ActionType: "issue_categorized",
		Status:     store.ActionStatusCompleted,
		Detail:     category,
	}); err != nil {
		log.Warn("Failed to record category", zap.Error(err))
	}

	_, err := p.machine.Transition(ctx, pipeline.TransitionRequest{
		IssueID: issueID,
		Actor:   kanban.ActorPMAgent,
		To:      kanban.ColReadyForUATApproval,
		Note:    "PM agent confirmed ticket details with customer.",
	})
	if err != nil {
		log.Error("Confirmation transition rejected", zap.Error(err))
		return
	}
	log.Info("Ticket confirmed", zap.String("title", title), zap.String("category", category))
}

// saveCredential stores a credential the customer shared in chat. The
// marker value is kept whole: it is serialized as the secret so shapes
// like ssh and database survive untouched. Values never hit the logs.
func (p *PMAgent) saveCredential(ctx context.Context, issue *store.Issue, cred *CredentialMarker, log *logger.Logger) {
	if issue.SiteID == "" {
		log.Warn("No site on issue, credential dropped",
			zap.String("credential_type", cred.Type))
		return
	}

	username := ""
	for _, key := range []string{"username", "user"} {
		if v, ok := cred.Value[key].(string); ok && v != "" {
			username = v
			break
		}
	}

	secret, err := json.Marshal(cred.Value)
	if err != nil {
		log.Error("Failed to encode credential value", zap.Error(err))
		return
	}

	if err := p.vault.SaveCredential(ctx, issue.SiteID, cred.Type, username, string(secret)); err != nil {
		log.Error("Failed to save credential",
			zap.String("credential_type", cred.Type), zap.Error(err))
		return
	}
	log.Info("Credential saved from chat", zap.String("credential_type", cred.Type))
}

// chatHistory maps the issue thread onto LLM conversation turns.
func (p *PMAgent) chatHistory(ctx context.Context, issueID string) ([]ChatTurn, error) {
	messages, err := p.store.ListChat(ctx, issueID, 0)
	if err != nil {
		return nil, err
	}
	turns := make([]ChatTurn, 0, len(messages))
	for _, msg := range messages {
		role := "assistant"
		if msg.Role == store.ChatRoleCustomer {
			role = "user"
		}
		turns = append(turns, ChatTurn{Role: role, Content: msg.Content})
	}
	return turns, nil
}

// credentialsSummary lists which credential labels are on file so the
// PM knows whether to ask for access. Labels only, never values.
func (p *PMAgent) credentialsSummary(ctx context.Context, issue *store.Issue) (string, error) {
	if issue.SiteID == "" {
		return "none", nil
	}
	creds, err := p.store.ListSiteCredentials(ctx, issue.SiteID)
	if err != nil {
		return "", err
	}
	if len(creds) == 0 {
		return "none", nil
	}
	labels := make([]string, 0, len(creds))
	for _, c := range creds {
		labels = append(labels, c.Label)
	}
	return strings.Join(labels, ", "), nil
}
