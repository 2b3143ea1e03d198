package videoproc

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Message is an HTML email.
type Message struct {
	From     string
	To       string
	Subject  string
	HTMLBody string
}

// Mailer delivers approval requests.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	// Addr is the relay's host:port.
	Addr string
	// Auth may be nil for relays that accept unauthenticated mail.
	Auth smtp.Auth
}

// NewSMTPMailer returns a mailer for host:port using PLAIN auth when a
// username is given.
func NewSMTPMailer(host string, port int, username, password string) *SMTPMailer {
	m := &SMTPMailer{Addr: fmt.Sprintf("%s:%d", host, port)}
	if username != "" {
		m.Auth = smtp.PlainAuth("", username, password, host)
	}
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return smtp.SendMail(m.Addr, m.Auth, msg.From, []string{msg.To}, formatMessage(msg))
}

func formatMessage(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)
	return []byte(b.String())
}

// LogMailer logs messages instead of sending them. It is used when no SMTP
// relay is configured.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) Send(ctx context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("email",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.HTMLBody),
	)
	return nil
}
