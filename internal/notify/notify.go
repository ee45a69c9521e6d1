// Package notify composes and sends the outcome notification every
// build and deploy attempt ends with.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"os"

	"log/slog"

	"github.com/jordan-wright/email"

	"github.com/mhutton/shipline/pkg/config"
)

// Message is one outcome notification. Attachment paths that no longer
// exist are skipped with a warning rather than failing the send; the
// notification itself matters more than any single log file.
type Message struct {
	To          []string
	Subject     string
	Body        string
	Attachments []string
}

// Notifier delivers outcome messages. Exactly one Send happens per
// pipeline attempt, after file logging has been disabled so attached
// logs are not locked.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPNotifier sends mail through the configured relay.
type SMTPNotifier struct {
	addr string
	from string
	auth smtp.Auth
	log  *slog.Logger
}

// NewSMTP returns a notifier for the SMTP settings in cfg.
func NewSMTP(cfg config.PipelineConfig, log *slog.Logger) *SMTPNotifier {
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &SMTPNotifier{
		addr: fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		from: cfg.MailFrom,
		auth: auth,
		log:  log,
	}
}

// Send delivers the message with its log attachments.
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("notification has no recipients")
	}
	e := email.NewEmail()
	e.From = n.from
	e.To = msg.To
	e.Subject = msg.Subject
	e.Text = []byte(msg.Body)
	for _, path := range msg.Attachments {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			n.log.Warn("skipping missing attachment", "path", path, "error", err)
			continue
		}
		if _, err := e.AttachFile(path); err != nil {
			n.log.Warn("could not attach log file", "path", path, "error", err)
		}
	}
	if err := e.Send(n.addr, n.auth); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	n.log.Info("notification sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// LogNotifier records would-be notifications in the log instead of
// sending them. Used for test builds and hosts with no mail relay.
type LogNotifier struct {
	Log *slog.Logger
}

// Send logs the message and always succeeds.
func (n LogNotifier) Send(ctx context.Context, msg Message) error {
	n.Log.Info("notification (mail disabled)", "to", msg.To, "subject", msg.Subject, "attachments", len(msg.Attachments))
	return nil
}
