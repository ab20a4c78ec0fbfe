package notify

import (
	"context"
	"errors"
	"fmt"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// EmailConfig configures the Brevo transactional email sender.
type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// EmailSender sends messages through Brevo's transactional email API.
type EmailSender struct {
	client *brevo.APIClient
	from   brevo.SendSmtpEmailSender
}

// NewEmailSender returns an error when the API key or sender address is missing.
func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("brevo api key is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("sender email is required")
	}
	conf := brevo.NewConfiguration()
	conf.AddDefaultHeader("api-key", cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BasePath = cfg.BaseURL
	}
	return &EmailSender{
		client: brevo.NewAPIClient(conf),
		from:   brevo.SendSmtpEmailSender{Name: cfg.FromName, Email: cfg.FromEmail},
	}, nil
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	from := s.from
	_, resp, err := s.client.TransactionalEmailsApi.SendTransacEmail(ctx, brevo.SendSmtpEmail{
		Sender:      &from,
		To:          []brevo.SendSmtpEmailTo{{Email: msg.To}},
		Subject:     msg.Subject,
		HtmlContent: msg.HTML,
		TextContent: msg.Text,
	})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("brevo send: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("brevo send: %w", err)
	}
	return nil
}
