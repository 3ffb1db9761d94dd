package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// SecurityNotice is an account security change worth telling the owner about.
type SecurityNotice struct {
	Email      string
	UserID     string
	Subject    string
	Body       string
	OccurredAt time.Time
}

// Notifier delivers security notices. Implementations must not block the
// caller on delivery and never report delivery failures back.
type Notifier interface {
	NotifySecurityEvent(ctx context.Context, notice SecurityNotice)
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SMTPNotifier sends notices by email through gomail.
type SMTPNotifier struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
	logger *zap.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	if cfg.FromName == "" {
		cfg.FromName = "Patient Portal Security"
	}
	return &SMTPNotifier{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}
}

func (n *SMTPNotifier) message(notice SecurityNotice) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(n.cfg.From, n.cfg.FromName))
	m.SetHeader("To", notice.Email)
	m.SetHeader("Subject", notice.Subject)
	m.SetBody("text/plain", securityNoticeText(notice))
	return m
}

func (n *SMTPNotifier) NotifySecurityEvent(_ context.Context, notice SecurityNotice) {
	if notice.Email == "" {
		return
	}
	m := n.message(notice)
	go func() {
		if err := n.dialer.DialAndSend(m); err != nil {
			n.logger.Error("Failed to send security notice",
				zap.String("user_id", notice.UserID),
				zap.String("subject", notice.Subject),
				zap.Error(err))
			return
		}
		n.logger.Info("Security notice sent",
			zap.String("user_id", notice.UserID),
			zap.String("subject", notice.Subject))
	}()
}

func securityNoticeText(notice SecurityNotice) string {
	return fmt.Sprintf(`%s

Time: %s

If you did not make this change, contact support immediately and sign in to
review your account security settings.

This message was sent automatically. Do not reply.`,
		notice.Body, notice.OccurredAt.UTC().Format(time.RFC1123))
}

// LogNotifier records notices in the application log. Used when SMTP is not configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifySecurityEvent(_ context.Context, notice SecurityNotice) {
	n.logger.Info("Security notice (email delivery disabled)",
		zap.String("user_id", notice.UserID),
		zap.String("subject", notice.Subject))
}
