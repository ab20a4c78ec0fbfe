package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// SMTPConfig configures the plain SMTP email sender.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// SMTPSender delivers email over SMTP. It is the fallback when no Brevo key
// is configured.
type SMTPSender struct {
	addr   string
	auth   smtp.Auth
	sender string
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.Sender == "" {
		return nil, errors.New("smtp sender is required")
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{
		addr:   net.JoinHostPort(cfg.Host, cfg.Port),
		auth:   auth,
		sender: cfg.Sender,
		send:   smtp.SendMail,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.New("smtp: header values must not contain line breaks")
	}
	if err := s.send(s.addr, s.auth, s.sender, []string{msg.To}, s.render(msg)); err != nil {
		return fmt.Errorf("smtp send via %s: %w", s.addr, err)
	}
	return nil
}

func (s *SMTPSender) render(msg Message) []byte {
	body, contentType := msg.HTML, "text/html"
	if body == "" {
		body, contentType = msg.Text, "text/plain"
	}
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.sender, msg.To, msg.Subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: " + contentType + "; charset=UTF-8\r\n\r\n" +
			body,
	)
}
