// Package api exposes the customer HTTP surface and the internal agent
// callback surface over gin.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/store"
)

// Handler serves the tenant-scoped customer endpoints.
type Handler struct {
	store   *store.Store
	machine *pipeline.StateMachine
	logger  *logger.Logger
}

// NewHandler creates the customer API handler.
func NewHandler(st *store.Store, machine *pipeline.StateMachine, log *logger.Logger) *Handler {
	return &Handler{
		store:   st,
		machine: machine,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// writeError translates an error into the JSON error shape. AppError
// carries its own status; anything else is a 500 with no detail leaked.
func writeError(c *gin.Context, log *logger.Logger, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	log.Error("Unhandled API error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

type createIssueRequest struct {
	SiteID      string `json:"site_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateIssue opens a new ticket in triage.
func (h *Handler) CreateIssue(c *gin.Context) {
	var body createIssueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if body.Title == "" {
		writeError(c, h.logger, apperrors.ValidationError("title", "title is required"))
		return
	}

	issue := &store.Issue{
		CustomerID:  customerID(c),
		SiteID:      body.SiteID,
		Title:       body.Title,
		Description: body.Description,
	}
	if err := h.store.CreateIssue(c.Request.Context(), issue); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, issue)
}

// ListIssues returns the caller's tickets, newest first.
func (h *Handler) ListIssues(c *gin.Context) {
	issues, err := h.store.ListIssuesForCustomer(c.Request.Context(), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, issues)
}

// GetIssue returns one ticket the caller owns.
func (h *Handler) GetIssue(c *gin.Context) {
	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

type transitionRequest struct {
	ToCol string `json:"to_col"`
	Note  string `json:"note"`
}

// TransitionIssue applies a customer-initiated column move. The
// permission matrix decides what the customer may do from the current
// column; everything else comes back as a conflict.
func (h *Handler) TransitionIssue(c *gin.Context) {
	var body transitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}

	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	_, err = h.machine.Transition(c.Request.Context(), pipeline.TransitionRequest{
		IssueID: issue.ID,
		Actor:   kanban.ActorCustomer,
		ActorID: customerID(c),
		To:      kanban.Column(body.ToCol),
		Note:    body.Note,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.respondWithIssue(c, issue.ID)
}

// ApproveAndStart is the shorthand for the customer's sign-off on a
// triaged ticket: ready_for_uat_approval to todo, which dispatches the
// dev agent.
func (h *Handler) ApproveAndStart(c *gin.Context) {
	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	_, err = h.machine.Transition(c.Request.Context(), pipeline.TransitionRequest{
		IssueID: issue.ID,
		Actor:   kanban.ActorCustomer,
		ActorID: customerID(c),
		To:      kanban.ColTodo,
		Note:    "Approve & Start Work",
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.respondWithIssue(c, issue.ID)
}

type uatRejectRequest struct {
	Note string `json:"note"`
}

// UATReject sends a delivered fix back to development. The failure
// counter increments; the third rejection escalates to a tech lead
// through the transition side effects.
func (h *Handler) UATReject(c *gin.Context) {
	var body uatRejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
			return
		}
	}

	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	// The matrix also allows ready_for_uat_approval -> todo; this
	// endpoint is only the rejection path.
	if issue.KanbanColumn != kanban.ColReadyForUAT {
		writeError(c, h.logger, apperrors.Conflict("issue is not awaiting UAT review"))
		return
	}

	note := body.Note
	if note == "" {
		note = "UAT rejected by customer"
	}
	_, err = h.machine.Transition(c.Request.Context(), pipeline.TransitionRequest{
		IssueID: issue.ID,
		Actor:   kanban.ActorCustomer,
		ActorID: customerID(c),
		To:      kanban.ColTodo,
		Note:    note,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	attempt := issue.DevFailCount + 1
	if _, err := h.machine.PostChat(c.Request.Context(), issue.ID, store.ChatRoleSystem, fmt.Sprintf(
		"❌ Fix rejected during UAT review. Returning to development (attempt %d).", attempt)); err != nil {
		h.logger.Error("Failed to post rejection notice",
			zap.String("issue_id", issue.ID), zap.Error(err))
	}
	h.respondWithIssue(c, issue.ID)
}

// ListTransitions returns the full audit trail for a ticket.
func (h *Handler) ListTransitions(c *gin.Context) {
	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	transitions, err := h.store.ListTransitions(c.Request.Context(), issue.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, transitions)
}

// ListMessages returns the ticket's chat thread, oldest first.
func (h *Handler) ListMessages(c *gin.Context) {
	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	messages, err := h.store.ListChat(c.Request.Context(), issue.ID, 0)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage appends a customer chat message and hands it to the PM
// agent.
func (h *Handler) PostMessage(c *gin.Context) {
	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if body.Content == "" {
		writeError(c, h.logger, apperrors.ValidationError("content", "content is required"))
		return
	}

	issue, err := h.store.GetIssueForCustomer(c.Request.Context(), c.Param("id"), customerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	msg, err := h.machine.PostChat(c.Request.Context(), issue.ID, store.ChatRoleCustomer, body.Content)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	// Every customer message goes to the PM agent. The pending marker
	// behind EnqueuePM survives a lost job; the sweep re-dispatches it,
	// so an enqueue failure does not fail the post.
	if err := h.machine.EnqueuePM(c.Request.Context(), issue.ID, body.Content); err != nil {
		h.logger.Error("Failed to enqueue pm agent",
			zap.String("issue_id", issue.ID), zap.Error(err))
	}

	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) respondWithIssue(c *gin.Context, issueID string) {
	issue, err := h.store.GetIssue(c.Request.Context(), issueID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}
