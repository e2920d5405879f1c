package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// sendTimeout bounds one SMTP conversation.
const sendTimeout = 30 * time.Second

// EmailSender delivers plain-text mail over SMTP. The data team address is
// copied on every message so the team sees what file owners were told.
type EmailSender struct {
	addr     string
	auth     smtp.Auth
	from     string
	dataTeam string
}

// NewEmailSender configures SMTP delivery. user may be empty for
// unauthenticated relays; dataTeam may be empty to skip the copy.
func NewEmailSender(host string, port int, user, password, from, dataTeam string) *EmailSender {
	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, password, host)
	}

	return &EmailSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		auth:     auth,
		from:     from,
		dataTeam: dataTeam,
	}
}

// Send delivers one message. net/smtp has no context support, so the send
// runs in a goroutine and the caller's context bounds the wait.
func (s *EmailSender) Send(ctx context.Context, to []string, subject, body string) error {
	recipients := s.recipients(to)
	msg := s.message(to, subject, body)

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- smtp.SendMail(s.addr, s.auth, s.from, recipients, []byte(msg))
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send timed out: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}

		return nil
	}
}

// recipients is the envelope list: the business addresses plus the data
// team copy.
func (s *EmailSender) recipients(to []string) []string {
	recipients := append([]string{}, to...)
	if s.dataTeam != "" && !contains(recipients, s.dataTeam) {
		recipients = append(recipients, s.dataTeam)
	}

	return recipients
}

func (s *EmailSender) message(to []string, subject, body string) string {
	var msg strings.Builder

	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))

	if s.dataTeam != "" {
		fmt.Fprintf(&msg, "Cc: %s\r\n", s.dataTeam)
	}

	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return msg.String()
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}

	return false
}
