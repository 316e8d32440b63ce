// Package events defines the event types and subjects published on the bus.
package events

// Event types published for connected clients and internal consumers.
const (
	IssueUpdated    = "issue_updated"
	ChatMessage     = "message"
	ActionStarted   = "action_started"
	ActionCompleted = "action_completed"
	ActionFailed    = "action_failed"
)

// IssueSubject returns the bus subject carrying events for one issue.
func IssueSubject(issueID string) string {
	return "issue." + issueID
}

// IssueSubjectWildcard matches the event subjects of all issues.
const IssueSubjectWildcard = "issue.*"

// JobSubject returns the bus subject for a named dispatcher queue.
func JobSubject(queue string) string {
	return "jobs." + queue
}
