package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/locks"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/secrets"
	"github.com/sitedoc/sitedoc/internal/store"
)

// credentialTypes lists the credential labels the PM agent may store.
var credentialTypes = map[string]bool{
	"ssh":             true,
	"ftp":             true,
	"wp_admin":        true,
	"database":        true,
	"cpanel":          true,
	"wp_app_password": true,
	"api_key":         true,
}

// InternalHandler serves the agent callback surface.
type InternalHandler struct {
	store   *store.Store
	machine *pipeline.StateMachine
	vault   *secrets.Vault
	locks   locks.Service
	logger  *logger.Logger
}

// NewInternalHandler creates the internal callback handler.
func NewInternalHandler(st *store.Store, machine *pipeline.StateMachine, vault *secrets.Vault,
	lockSvc locks.Service, log *logger.Logger) *InternalHandler {
	return &InternalHandler{
		store:   st,
		machine: machine,
		vault:   vault,
		locks:   lockSvc,
		logger:  log.WithFields(zap.String("component", "api.internal")),
	}
}

type agentResultRequest struct {
	IssueID      string `json:"issue_id"`
	AgentRole    string `json:"agent_role"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	TransitionTo string `json:"transition_to"`
}

// AgentResult receives a spawned agent's report: post the message to
// chat, advance the ticket, release the role lock. A duplicate delivery
// is answered with a skipped marker and changes nothing.
func (h *InternalHandler) AgentResult(c *gin.Context) {
	var body agentResultRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if body.AgentRole == "" {
		body.AgentRole = "dev"
	}
	if body.Status != "success" && body.Status != "failure" {
		writeError(c, h.logger, apperrors.ValidationError("status", "must be success or failure"))
		return
	}

	issue, err := h.store.GetIssue(c.Request.Context(), body.IssueID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	log := h.logger.WithIssueID(issue.ID).WithFields(
		zap.String("agent_role", body.AgentRole),
		zap.String("status", body.Status),
		zap.String("transition_to", body.TransitionTo))
	log.Info("Agent result received")

	var target kanban.Column
	if body.TransitionTo != "" {
		target = kanban.Column(body.TransitionTo)
		if !target.Valid() {
			writeError(c, h.logger, apperrors.BadRequest(fmt.Sprintf("unknown column: %s", body.TransitionTo)))
			return
		}
		if kanban.SkipForIdempotency(issue.KanbanColumn, target) {
			log.Warn("Skipping callback, issue already at or past target",
				zap.String("current", string(issue.KanbanColumn)))
			c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": "already_at_or_past_target"})
			return
		}
	}

	prefix := "✅"
	if body.Status != "success" {
		prefix = "❌"
	}
	if _, err := h.machine.PostChat(c.Request.Context(), issue.ID,
		chatRoleFor(body.AgentRole), prefix+" "+body.Message); err != nil {
		writeError(c, h.logger, apperrors.InternalError("failed to post chat message", err))
		return
	}

	if body.TransitionTo != "" {
		_, err := h.machine.Transition(c.Request.Context(), pipeline.TransitionRequest{
			IssueID: issue.ID,
			Actor:   actorFor(body.AgentRole),
			To:      target,
			Note:    fmt.Sprintf("Agent %s: advanced to %s", body.Status, target),
		})
		if err != nil {
			// The message is already posted; a 5xx here would make the
			// agent retry the whole callback.
			log.Error("Callback transition failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{
				"ok":      true,
				"warning": "message posted but transition failed: " + err.Error(),
			})
			return
		}
	}

	if err := h.locks.Release(c.Request.Context(), locks.AgentKey(body.AgentRole, issue.ID)); err != nil {
		log.Warn("Failed to release agent lock", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type saveCredentialRequest struct {
	SiteID         string                 `json:"site_id"`
	CredentialType string                 `json:"credential_type"`
	Value          map[string]interface{} `json:"value"`
}

// SaveCredential stores a credential the PM agent collected in chat.
// The value is encrypted at rest; it is never logged.
func (h *InternalHandler) SaveCredential(c *gin.Context) {
	var body saveCredentialRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if !credentialTypes[body.CredentialType] {
		writeError(c, h.logger, apperrors.BadRequest(fmt.Sprintf("Unknown credential_type: %s", body.CredentialType)))
		return
	}
	if len(body.Value) == 0 {
		writeError(c, h.logger, apperrors.ValidationError("value", "value is required"))
		return
	}

	if _, err := h.store.GetSite(c.Request.Context(), body.SiteID); err != nil {
		writeError(c, h.logger, err)
		return
	}

	username := ""
	for _, key := range []string{"username", "user"} {
		if v, ok := body.Value[key].(string); ok && v != "" {
			username = v
			break
		}
	}
	secret, err := json.Marshal(body.Value)
	if err != nil {
		writeError(c, h.logger, apperrors.BadRequest("credential value is not serializable"))
		return
	}

	if err := h.vault.SaveCredential(c.Request.Context(), body.SiteID,
		body.CredentialType, username, string(secret)); err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Credential saved",
		zap.String("site_id", body.SiteID),
		zap.String("credential_type", body.CredentialType))
	c.JSON(http.StatusCreated, gin.H{"ok": true, "credential_type": body.CredentialType})
}

func chatRoleFor(role string) string {
	switch role {
	case "dev":
		return store.ChatRoleDev
	case "qa":
		return store.ChatRoleQA
	case "pm":
		return store.ChatRolePM
	case "tech_lead":
		return store.ChatRoleTechLead
	}
	return store.ChatRoleSystem
}

// actorFor maps the callback role onto a transition actor. Tech lead
// reports route through the system actor: the matrix only lets the
// tech_lead actor pull work into in_progress, while its callback hands
// the corrected fix to QA via ready_for_qa.
func actorFor(role string) kanban.Actor {
	switch role {
	case "dev":
		return kanban.ActorDevAgent
	case "qa":
		return kanban.ActorQAAgent
	case "pm":
		return kanban.ActorPMAgent
	}
	return kanban.ActorSystem
}
