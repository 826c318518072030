/**
 * @description
 * SMTP mailer for transactional billing email. Receipt delivery is
 * best-effort: callers own retries and must never let a send failure reach
 * payment or subscription state.
 *
 * @dependencies
 * - gopkg.in/gomail.v2: SMTP message construction and delivery.
 */
package mailer

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

// Sender is the interface the notification worker depends on.
type Sender interface {
	Send(to, subject, htmlBody string) error
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPMailer creates a mailer for the given relay.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	return &SMTPMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

// Send delivers a single HTML message.
func (m *SMTPMailer) Send(to, subject, htmlBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", htmlBody)

	dialer := gomail.NewDialer(m.host, m.port, m.username, m.password)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}
