// Package email sends sign-up confirmation mail and owns the confirmation
// token lifecycle.
package email

import (
	"context"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Sender delivers one HTML message.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSender returns an SMTP sender, or a sender that only logs when host is
// empty so local setups work without a mail server.
func NewSender(host string, port int, username, password, from string, log *zap.Logger) Sender {
	if host == "" {
		if log == nil {
			log = zap.NewNop()
		}
		return &logSender{log: log}
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

func (s *SMTPSender) Send(_ context.Context, to, subject, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	return s.dialer.DialAndSend(m)
}

type logSender struct {
	log *zap.Logger
}

func (s *logSender) Send(_ context.Context, to, subject, _ string) error {
	s.log.Info("smtp not configured, email not sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
