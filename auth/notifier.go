package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// SMTPNotifier delivers login links by email over SMTP.
type SMTPNotifier struct {
	addr     string
	auth     smtp.Auth
	from     string
	linkBase string
}

// NewSMTPNotifier creates an email notifier. addr is host:port, linkBase is
// the page the emailed link points at; the secret is appended as the token
// query parameter.
func NewSMTPNotifier(addr, username, password, from, linkBase string) (*SMTPNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("smtp address is required")
	}
	if from == "" {
		return nil, fmt.Errorf("from address is required")
	}
	if linkBase == "" {
		return nil, fmt.Errorf("link base URL is required")
	}

	var auth smtp.Auth
	if username != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		auth = smtp.PlainAuth("", username, password, host)
	}

	return &SMTPNotifier{
		addr:     addr,
		auth:     auth,
		from:     from,
		linkBase: linkBase,
	}, nil
}

// SendLoginToken emails the one-time login link to the address.
func (n *SMTPNotifier) SendLoginToken(ctx context.Context, email, secret string) error {
	link := fmt.Sprintf("%s?token=%s", n.linkBase, secret)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.from)
	fmt.Fprintf(&msg, "To: %s\r\n", email)
	msg.WriteString("Subject: Your login link\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "<p>Click the link below to sign in. It expires in %d minutes and can be used once.</p>", int(TokenTTL.Minutes()))
	fmt.Fprintf(&msg, `<p><a href="%s">Sign in</a></p>`, link)
	msg.WriteString("<p>If you did not request this, you can ignore this email.</p>")

	if err := smtp.SendMail(n.addr, n.auth, n.from, []string{email}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send login email: %w", err)
	}
	return nil
}

// LogNotifier writes login secrets to the log instead of delivering them.
// Development only.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs instead of sending.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// SendLoginToken logs the secret at warn level so it is hard to miss in
// development output.
func (n *LogNotifier) SendLoginToken(ctx context.Context, email, secret string) error {
	n.logger.Warn("Login token (log delivery, do not use in production)",
		"email", email,
		"token", secret)
	return nil
}
