package crm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenCRM-Dialog/internal/catalog"
	"OpenCRM-Dialog/pkg/logger"
)

// Message 是待发送的邮件。
type Message struct {
	ID      string
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer 负责实际投递邮件。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// AuditMailer 只把邮件写入审计日志，适用于未接入邮件服务的部署。
type AuditMailer struct{}

// Send 记录邮件。
func (AuditMailer) Send(_ context.Context, msg Message) error {
	logger.Audit().Info("邮件已提交",
		slog.String("message_id", msg.ID),
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

func (t *Toolkit) emailTools() []*catalog.Descriptor {
	return []*catalog.Descriptor{
		{
			Name:        "email.send",
			Domain:      catalog.DomainEmail,
			Description: "Send an email on the user's behalf",
			Schema: catalog.Schema{
				Required: []catalog.Field{
					rule(text("to", "Recipient email address"), "email"),
					text("subject", "Subject line"),
					text("body", "Message body"),
				},
				Optional: []catalog.Field{
					text("contactId", "Recipient contact"),
					text("contactName", "Recipient name when the id is unknown"),
				},
			},
			RequiresApproval:     true,
			IsAsync:              true,
			EstimatedDuration:    10 * time.Second,
			ConfirmationTemplate: "Shall I send \"{subject}\" to {to}?",
			Execute:              t.sendEmail,
		},
	}
}

func (t *Toolkit) sendEmail(ctx context.Context, args map[string]any, tc catalog.Context) (*catalog.Result, error) {
	msg := Message{
		ID:      uuid.NewString(),
		From:    tc.UserID,
		To:      str(args, "to"),
		Subject: str(args, "subject"),
		Body:    str(args, "body"),
	}
	if msg.To == "" || msg.Subject == "" {
		return failure("I need a recipient and a subject to send the email."), nil
	}
	if err := t.mailer.Send(ctx, msg); err != nil {
		t.log.Warn("邮件发送失败", slog.Any("error", err), slog.String("message_id", msg.ID))
		return failure("The email could not be sent. Please try again later."), nil
	}
	return &catalog.Result{Success: true, Data: map[string]any{
		"messageId": msg.ID,
		"to":        msg.To,
		"subject":   msg.Subject,
		"status":    "queued",
	}}, nil
}
