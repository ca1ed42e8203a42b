package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"commgate/internal/config"
)

// EmailChannel delivers through SMTP. Bodies are plain text; confirmation
// messages carry a confirm/reject link pair built from the magic-link URL.
type EmailChannel struct {
	client *mail.Client
	from   string
	log    *slog.Logger
}

func NewEmailChannel(cfg config.EmailConfig, log *slog.Logger) (*EmailChannel, error) {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPass),
		)
	}
	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("email client: %w", err)
	}
	from := cfg.From
	if from == "" {
		from = "noreply@commgate.local"
	}
	return &EmailChannel{client: client, from: from, log: log}, nil
}

func (e *EmailChannel) Name() string { return Email }

func (e *EmailChannel) Deliver(ctx context.Context, to Recipient, msg Message) error {
	if to.Email == "" {
		return ErrNoRecipient
	}

	m := mail.NewMsg()
	if err := m.From(e.from); err != nil {
		return fmt.Errorf("email from: %w", err)
	}
	if err := m.To(to.Email); err != nil {
		return fmt.Errorf("email to: %w", err)
	}
	subject := msg.Subject
	if subject == "" {
		subject = "Notification"
	}
	m.Subject(subject)

	body := msg.Text
	if msg.Confirm != nil && msg.Confirm.URL != "" {
		body += fmt.Sprintf("\n\nConfirm: %s&action=confirm\nReject: %s&action=reject\n",
			msg.Confirm.URL, msg.Confirm.URL)
	}
	m.SetBodyString(mail.TypeTextPlain, body)

	if err := e.client.DialAndSendWithContext(ctx, m); err != nil {
		e.log.Warn("email delivery failed", slog.String("to", to.Email), slog.Any("err", err))
		return fmt.Errorf("email send: %w", err)
	}
	e.log.Debug("email delivered", slog.String("to", to.Email), slog.String("subject", subject))
	return nil
}
