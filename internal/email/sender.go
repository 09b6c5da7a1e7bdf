// Package email delivers replies through SMTP or a hosted mail API.
package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/config"
	"github.com/iqstrade/payinbox/internal/metrics"
)

type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender returns the provider named in cfg. An empty provider means smtp.
func NewSender(cfg config.EmailConfig, logger *zap.Logger) (Sender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var s Sender
	switch cfg.Provider {
	case "", "smtp":
		s = NewSMTPSender(cfg.SMTP, cfg.From)
	case "sendgrid":
		s = NewSendGridSender(cfg.SendGrid.APIKey, cfg.From)
	case "resend":
		s = NewResendSender(cfg.Resend.APIKey, cfg.From)
	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
	return &observed{Sender: s, logger: logger.Named("email")}, nil
}

// observed records latency and logs the outcome of every send.
type observed struct {
	Sender
	logger *zap.Logger
}

func (o *observed) Send(ctx context.Context, msg Message) Result {
	start := time.Now()
	res := o.Sender.Send(ctx, msg)
	metrics.ObserveCall("email_"+o.Name(), res.Error, time.Since(start))
	if res.Error != nil {
		o.logger.Warn("send failed", zap.String("to", msg.To), zap.Error(res.Error))
	} else {
		o.logger.Info("sent", zap.String("to", msg.To), zap.String("message_id", res.MessageID))
	}
	return res
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	return nil
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	if s == "" {
		return "Re: your email"
	}
	return "Re: " + s
}
