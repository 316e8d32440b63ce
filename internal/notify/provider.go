// Package notify sends email for key ticket lifecycle events: an admin
// alert when an agent run fails, an approval request when a diagnosis
// is ready, and a confirmation when a fix lands. With no SMTP host
// configured every send is a silent no-op.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/common/config"
	apperrors "github.com/sitedoc/sitedoc/internal/common/errors"
	"github.com/sitedoc/sitedoc/internal/common/logger"
)

// Message is one outbound notification. Text is the plain fallback for
// the HTML body.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider delivers messages over one transport.
type Provider interface {
	// Available reports whether the provider is configured and usable.
	Available() bool

	// Send delivers the message.
	Send(ctx context.Context, msg Message) error
}

// SMTPProvider delivers mail through a configured SMTP relay.
type SMTPProvider struct {
	cfg    config.SMTPConfig
	logger *logger.Logger
}

// NewSMTPProvider creates an SMTP provider.
func NewSMTPProvider(cfg config.SMTPConfig, log *logger.Logger) *SMTPProvider {
	return &SMTPProvider{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "notify.smtp")),
	}
}

// Available reports whether an SMTP host is configured.
func (p *SMTPProvider) Available() bool {
	return p.cfg.Host != ""
}

// Send delivers one message. net/smtp has no context plumbing, so ctx
// only gates entry; an in-flight delivery runs to completion.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if !p.Available() {
		return apperrors.InternalError("smtp is not configured", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	client, err := smtp.Dial(addr)
	if err != nil {
		return apperrors.ServiceUnavailable("smtp relay")
	}
	defer client.Close()

	if p.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
			return apperrors.Wrap(err, "smtp starttls failed")
		}
	}
	if p.cfg.User != "" {
		auth := smtp.PlainAuth("", p.cfg.User, p.cfg.Password, p.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return apperrors.Wrap(err, "smtp auth failed")
		}
	}

	if err := client.Mail(p.cfg.From); err != nil {
		return apperrors.Wrap(err, "smtp mail from rejected")
	}
	if err := client.Rcpt(msg.To); err != nil {
		return apperrors.Wrap(err, "smtp recipient rejected")
	}
	w, err := client.Data()
	if err != nil {
		return apperrors.Wrap(err, "smtp data failed")
	}
	if _, err := w.Write(renderMIME(p.cfg.From, msg)); err != nil {
		_ = w.Close()
		return apperrors.Wrap(err, "smtp write failed")
	}
	if err := w.Close(); err != nil {
		return apperrors.Wrap(err, "smtp delivery failed")
	}

	p.logger.Info("Email sent",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return client.Quit()
}

const mimeBoundary = "sitedoc-alt-boundary"

// renderMIME builds a multipart/alternative body with plain-text and
// HTML parts. Subjects are Q-encoded so emoji survive the header.
func renderMIME(from string, msg Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n", mimeBoundary)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", mimeBoundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(msg.Text)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", mimeBoundary)
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	buf.WriteString(msg.HTML)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s--\r\n", mimeBoundary)
	return buf.Bytes()
}
