package notify

import (
	"context"
	"fmt"
	"html"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/events"
	"github.com/sitedoc/sitedoc/internal/events/bus"
	"github.com/sitedoc/sitedoc/internal/kanban"
	"github.com/sitedoc/sitedoc/internal/store"
)

// Service composes and sends lifecycle notifications. Every send is
// best effort: delivery failures are logged, never propagated, so mail
// trouble cannot fail a transition or an agent run.
type Service struct {
	store    *store.Store
	provider Provider
	cfg      config.SMTPConfig
	appURL   string
	logger   *logger.Logger
}

// New creates a notification service. appURL is the public base URL
// used for dashboard links in email bodies.
func New(st *store.Store, provider Provider, cfg config.SMTPConfig, appURL string, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		provider: provider,
		cfg:      cfg,
		appURL:   appURL,
		logger:   log.WithFields(zap.String("component", "notify")),
	}
}

// Subscribe attaches the service to the issue event stream. Customer
// lifecycle mail is driven off transitions: arrival in
// ready_for_uat_approval asks for sign-off, arrival in done confirms
// the fix.
func (s *Service) Subscribe(eventBus bus.EventBus) (bus.Subscription, error) {
	return eventBus.Subscribe(events.IssueSubjectWildcard, s.handleIssueEvent)
}

func (s *Service) handleIssueEvent(ctx context.Context, event *bus.Event) error {
	if event.Type != events.IssueUpdated {
		return nil
	}
	issueID, _ := event.Data["issue_id"].(string)
	column, _ := event.Data["kanban_column"].(string)
	if issueID == "" {
		return nil
	}

	switch kanban.Column(column) {
	case kanban.ColReadyForUATApproval:
		s.notifyApprovalNeeded(ctx, issueID)
	case kanban.ColDone:
		s.notifyFixComplete(ctx, issueID)
	}
	return nil
}

// NotifyAdminFailure emails the configured admin about a failed agent
// run.
func (s *Service) NotifyAdminFailure(ctx context.Context, issueID, role, errClass, detail string) {
	if !s.provider.Available() || s.cfg.AdminEmail == "" {
		s.logger.Debug("SMTP not configured, skipping admin alert",
			zap.String("issue_id", issueID), zap.String("role", role))
		return
	}

	// Ticket context is nice to have; the alert still goes out if the
	// lookup fails.
	title := issueID
	if issue, err := s.store.GetIssue(ctx, issueID); err == nil {
		title = fmt.Sprintf("#%d %s", issue.TicketNumber, issue.Title)
	}
	dashboard := s.dashboardURL(issueID)

	htmlBody := fmt.Sprintf(`
    <div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
      <h2 style="color: #dc2626;">🚨 SiteDoc — Agent Failure</h2>
      <p>The <strong>%s</strong> agent failed on <strong>%s</strong>.</p>
      <div style="background:#fef2f2; border-left:4px solid #dc2626; padding:12px; margin:16px 0;">
        <strong>%s</strong><br>%s
      </div>
      <a href="%s" style="display:inline-block; padding:12px 24px; background:#2563eb; color:white; border-radius:6px; text-decoration:none;">
        View Ticket →
      </a>
      %s
    </div>`,
		html.EscapeString(role), html.EscapeString(title),
		html.EscapeString(errClass), html.EscapeString(detail),
		dashboard, footerHTML)

	text := fmt.Sprintf("SiteDoc — Agent Failure\n\nAgent: %s\nTicket: %s\n%s: %s\n\nView: %s\n",
		role, title, errClass, detail, dashboard)

	s.deliver(ctx, issueID, Message{
		To:      s.cfg.AdminEmail,
		Subject: fmt.Sprintf("[SiteDoc] 🚨 Agent failure: %s on %s", role, title),
		HTML:    htmlBody,
		Text:    text,
	})
}

// notifyApprovalNeeded tells the customer their ticket is diagnosed
// and waiting on their go-ahead.
func (s *Service) notifyApprovalNeeded(ctx context.Context, issueID string) {
	if !s.provider.Available() {
		return
	}
	issue, customer, siteURL, ok := s.loadRecipients(ctx, issueID)
	if !ok {
		return
	}
	dashboard := s.dashboardURL(issueID)

	htmlBody := fmt.Sprintf(`
    <div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
      <h2 style="color: #d97706;">⚠️ SiteDoc — Approval Required</h2>
      <p>Hi %s,</p>
      <p>We've finished triaging the issue on <strong>%s</strong> and a fix plan is ready:</p>
      <p><strong>%s</strong></p>
      <p>Work starts as soon as you approve. Nothing changes on your site before then.</p>
      <div style="margin-top:16px;">
        <a href="%s?action=approve" style="display:inline-block; padding:12px 24px; background:#16a34a; color:white; border-radius:6px; text-decoration:none; margin-right:8px;">
          Approve Fix →
        </a>
        <a href="%s?action=reject" style="display:inline-block; padding:12px 24px; background:#dc2626; color:white; border-radius:6px; text-decoration:none;">
          Reject
        </a>
      </div>
      %s
    </div>`,
		html.EscapeString(greetingName(customer)), html.EscapeString(siteURL),
		html.EscapeString(issue.Title), dashboard, dashboard, footerHTML)

	text := fmt.Sprintf("SiteDoc — Approval Required\n\nHi %s,\n\n"+
		"A fix for %s is ready and needs your approval:\n%s\n\n"+
		"Approve or reject: %s\n",
		greetingName(customer), siteURL, issue.Title, dashboard)

	s.deliver(ctx, issueID, Message{
		To:      customer.Email,
		Subject: fmt.Sprintf("[SiteDoc] ⚠️ Approval needed: %s", issue.Title),
		HTML:    htmlBody,
		Text:    text,
	})
}

// notifyFixComplete tells the customer their ticket is resolved.
func (s *Service) notifyFixComplete(ctx context.Context, issueID string) {
	if !s.provider.Available() {
		return
	}
	issue, customer, siteURL, ok := s.loadRecipients(ctx, issueID)
	if !ok {
		return
	}
	dashboard := s.dashboardURL(issueID)

	htmlBody := fmt.Sprintf(`
    <div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
      <h2 style="color: #16a34a;">✅ SiteDoc — Fix Applied</h2>
      <p>Hi %s,</p>
      <p>Update on your site <strong>%s</strong>:</p>
      <div style="background:#f8fafc; border-left:4px solid #16a34a; padding:12px; margin:16px 0;">
        <strong>%s</strong> has been fixed and verified.
      </div>
      <a href="%s" style="display:inline-block; padding:12px 24px; background:#2563eb; color:white; border-radius:6px; text-decoration:none;">
        View Details →
      </a>
      %s
    </div>`,
		html.EscapeString(greetingName(customer)), html.EscapeString(siteURL),
		html.EscapeString(issue.Title), dashboard, footerHTML)

	text := fmt.Sprintf("SiteDoc — Fix Applied\n\nHi %s,\n\nUpdate on %s:\n%s has been fixed and verified.\n\nDetails: %s\n",
		greetingName(customer), siteURL, issue.Title, dashboard)

	s.deliver(ctx, issueID, Message{
		To:      customer.Email,
		Subject: fmt.Sprintf("[SiteDoc] ✅ %s — Fix Applied", issue.Title),
		HTML:    htmlBody,
		Text:    text,
	})
}

func (s *Service) loadRecipients(ctx context.Context, issueID string) (*store.Issue, *store.Customer, string, bool) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		s.logger.Warn("Notification skipped, issue lookup failed",
			zap.String("issue_id", issueID), zap.Error(err))
		return nil, nil, "", false
	}
	customer, err := s.store.GetCustomer(ctx, issue.CustomerID)
	if err != nil {
		s.logger.Warn("Notification skipped, customer lookup failed",
			zap.String("issue_id", issueID), zap.Error(err))
		return nil, nil, "", false
	}

	siteURL := "your site"
	if issue.SiteID != "" {
		if site, err := s.store.GetSite(ctx, issue.SiteID); err == nil {
			siteURL = site.URL
		}
	}
	return issue, customer, siteURL, true
}

func (s *Service) deliver(ctx context.Context, issueID string, msg Message) {
	if err := s.provider.Send(ctx, msg); err != nil {
		s.logger.Error("Failed to send notification",
			zap.String("issue_id", issueID),
			zap.String("to", msg.To),
			zap.Error(err))
		return
	}
	s.logger.Info("Notification sent",
		zap.String("issue_id", issueID),
		zap.String("subject", msg.Subject))
}

func (s *Service) dashboardURL(issueID string) string {
	return fmt.Sprintf("%s/issues/%s", s.appURL, issueID)
}

func greetingName(customer *store.Customer) string {
	if customer.Name != "" {
		return customer.Name
	}
	return "there"
}

const footerHTML = `<p style="color:#64748b; font-size:12px; margin-top:24px;">SiteDoc — AI-powered website maintenance</p>`
