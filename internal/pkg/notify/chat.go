package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// ChatSender posts messages as JSON to a chat bridge webhook.
type ChatSender struct {
	url   string
	token string
}

type chatPayload struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// NewChatSender returns nil when url is empty.
func NewChatSender(url, token string) *ChatSender {
	if url == "" {
		return nil
	}
	return &ChatSender{url: url, token: token}
}

func (s *ChatSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.Post(s.url).
		Timeout(timeout).
		JSON(chatPayload{ChatID: msg.To, Title: msg.Subject, Text: msg.Text})
	if s.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+s.token)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("chat send: %w", errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("chat send: status %d: %s", code, truncate(string(body), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
