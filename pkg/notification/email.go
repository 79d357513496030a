package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"gpubridge/pkg/config"
	"gpubridge/pkg/logger"

	"github.com/tidwall/pretty"
)

// EmailMessage is one plain-text email.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers mail through the configured SMTP relay.
type EmailSender struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
}

// NewEmailSender creates a sender. When no relay host is configured, Send is a no-op.
func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	if !cfg.Enabled() {
		logger.Warn("SMTP host not configured (check smtp.host or SMTP_HOST env), email notifications will be disabled")
	}
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Enabled reports whether a relay is configured.
func (s *EmailSender) Enabled() bool {
	return s.cfg.Enabled()
}

// Send delivers msg. It does not retry; the delivery queue owns retries.
func (s *EmailSender) Send(ctx context.Context, msg *EmailMessage) error {
	if !s.Enabled() {
		logger.WarnCtx(ctx, "SMTP not configured, skipping email to %s", msg.To)
		return nil
	}
	if msg.To == "" {
		return fmt.Errorf("email recipient is empty")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}

	if err := s.sendMail(addr, auth, s.cfg.From, []string{msg.To}, buildMIME(s.cfg.From, msg)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}
	logger.InfoCtx(ctx, "email sent to %s: %s", msg.To, msg.Subject)
	return nil
}

func buildMIME(from string, msg *EmailMessage) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// EventEmail renders the email for a single event.
func EventEmail(appName, to, eventType string, at time.Time, payload map[string]interface{}) *EmailMessage {
	details, err := json.Marshal(payload)
	if err != nil {
		details = []byte("{}")
	}
	body := fmt.Sprintf("Event: %s\nTime: %s\n\nDetails:\n%s",
		eventType, at.UTC().Format(time.RFC3339), pretty.Pretty(details))

	return &EmailMessage{
		To:      to,
		Subject: fmt.Sprintf("[%s] %s", appName, eventType),
		Body:    body,
	}
}

// DigestEmail renders one email summarising several events.
func DigestEmail(appName, to string, lines []string) *EmailMessage {
	return &EmailMessage{
		To:      to,
		Subject: fmt.Sprintf("[%s] Digest: %d new events", appName, len(lines)),
		Body:    strings.Join(lines, "\n"),
	}
}
