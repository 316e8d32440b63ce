package store

import (
	"time"

	"github.com/sitedoc/sitedoc/internal/kanban"
)

// Customer is a tenant account. Every issue, site and conversation is
// scoped to exactly one customer.
type Customer struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Site is a customer-owned deployment that issues are filed against.
type Site struct {
	ID         string    `db:"id" json:"id"`
	CustomerID string    `db:"customer_id" json:"customer_id"`
	Name       string    `db:"name" json:"name"`
	URL        string    `db:"url" json:"url"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SiteCredential is an encrypted secret attached to a site. The
// plaintext exists only inside an agent runner while it assembles the
// work context; it is never stored or logged.
type SiteCredential struct {
	ID         string    `db:"id" json:"id"`
	SiteID     string    `db:"site_id" json:"site_id"`
	Label      string    `db:"label" json:"label"`
	Username   string    `db:"username" json:"username"`
	Ciphertext []byte    `db:"ciphertext" json:"-"`
	Nonce      []byte    `db:"nonce" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Issue is a customer ticket moving through the kanban pipeline.
type Issue struct {
	ID           string        `json:"id"`
	TicketNumber int           `json:"ticket_number"`
	CustomerID   string        `json:"customer_id"`
	SiteID       string        `json:"site_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Status       kanban.Status `json:"status"`
	KanbanColumn kanban.Column `json:"kanban_column"`
	Confidence   float64       `json:"confidence"`
	DevFailCount int           `json:"dev_fail_count"`
	StallCheckAt *time.Time    `json:"stall_check_at,omitempty"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Transition is one audit-trail entry for a column move.
type Transition struct {
	ID         string        `json:"id"`
	IssueID    string        `json:"issue_id"`
	FromColumn kanban.Column `json:"from_column"`
	ToColumn   kanban.Column `json:"to_column"`
	Actor      kanban.Actor  `json:"actor"`
	ActorID    string        `json:"actor_id,omitempty"`
	Note       string        `json:"note,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Conversation groups the chat thread for one issue.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	IssueID    string    `db:"issue_id" json:"issue_id"`
	CustomerID string    `db:"customer_id" json:"customer_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Chat message roles. Agent roles mirror kanban actors; "system" carries
// pipeline notices such as stall warnings.
const (
	ChatRoleCustomer = "customer"
	ChatRolePM       = "pm_agent"
	ChatRoleDev      = "dev_agent"
	ChatRoleQA       = "qa_agent"
	ChatRoleTechLead = "tech_lead"
	ChatRoleSystem   = "system"
)

// ChatMessage is one message in an issue conversation.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	IssueID        string    `json:"issue_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Agent action types and statuses.
const (
	ActionLLMCall = "llm_call"
	ActionSpawn   = "spawn"

	ActionStatusStarted   = "started"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
)

// AgentAction is the accounting record for one unit of agent work:
// a synchronous LLM call or an async session spawn.
type AgentAction struct {
	ID               string    `json:"id"`
	IssueID          string    `json:"issue_id"`
	AgentRole        string    `json:"agent_role"`
	ActionType       string    `json:"action_type"`
	Status           string    `json:"status"`
	Detail           string    `json:"detail,omitempty"`
	Model            string    `json:"model,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	Error            string    `json:"error,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// Attachment is a customer-supplied file linked to an issue.
type Attachment struct {
	ID          string    `db:"id" json:"id"`
	IssueID     string    `db:"issue_id" json:"issue_id"`
	FileName    string    `db:"file_name" json:"file_name"`
	ContentType string    `db:"content_type" json:"content_type"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	StoragePath string    `db:"storage_path" json:"storage_path"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// IssueSnapshot is the compact state pushed to websocket clients on
// connect and after every update.
type IssueSnapshot struct {
	IssueID      string        `json:"issue_id"`
	Status       kanban.Status `json:"status"`
	Confidence   float64       `json:"confidence"`
	KanbanColumn kanban.Column `json:"kanban_column"`
	ActionsCount int           `json:"actions_count"`
}

// StallCandidate pairs an issue eligible for the stall sweep with its
// last observed activity across transitions and chat.
type StallCandidate struct {
	Issue        *Issue
	LastActivity time.Time
}
