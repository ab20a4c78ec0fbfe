package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// SignatureHeader carries the gateway's payload signature.
const SignatureHeader = "Stripe-Signature"

var ErrMissingSecret = errors.New("webhook signing secret is required in production")

// AuthConfig configures the event authenticator.
type AuthConfig struct {
	Secret     string
	Production bool
	// AllowInsecure accepts unsigned payloads when no secret is configured.
	// Ignored in production.
	AllowInsecure bool
	Tolerance     time.Duration
}

// Authenticator verifies webhook signatures and turns payloads into envelopes.
type Authenticator struct {
	secret    string
	insecure  bool
	tolerance time.Duration
}

// NewAuthenticator refuses to build without a secret in production. In
// development it needs AllowInsecure to run unverified.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	if cfg.Secret != "" {
		return &Authenticator{secret: cfg.Secret, tolerance: tolerance}, nil
	}
	if cfg.Production {
		return nil, ErrMissingSecret
	}
	if !cfg.AllowInsecure {
		return nil, errors.New("webhook signing secret is not set and insecure mode is not enabled")
	}
	log.Warnf("[Ingress] INSECURE MODE: webhook signatures will NOT be verified")
	return &Authenticator{insecure: true, tolerance: tolerance}, nil
}

// Insecure reports whether signatures are skipped.
func (a *Authenticator) Insecure() bool { return a.insecure }

// Authenticate verifies payload against the signature header. The returned
// bool is false when the payload was accepted without verification.
func (a *Authenticator) Authenticate(payload []byte, signature string) (billing.Envelope, bool, error) {
	var (
		event stripe.Event
		err   error
	)
	if a.insecure {
		log.Warnf("[Ingress] INSECURE MODE: accepting unverified webhook payload (%d bytes)", len(payload))
		if err := json.Unmarshal(payload, &event); err != nil {
			return billing.Envelope{}, false, malformedPayload(err)
		}
	} else {
		if signature == "" {
			return billing.Envelope{}, false, invalidSignature(errors.New("missing signature header"))
		}
		event, err = webhook.ConstructEventWithOptions(payload, signature, a.secret, webhook.ConstructEventOptions{
			Tolerance:                a.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return billing.Envelope{}, false, invalidSignature(err)
		}
	}

	env, err := envelopeFromEvent(event)
	if err != nil {
		return billing.Envelope{}, false, err
	}
	return env, !a.insecure, nil
}

func envelopeFromEvent(event stripe.Event) (billing.Envelope, error) {
	if event.Type == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return billing.Envelope{}, malformedPayload(fmt.Errorf("event %q has no type or object", event.ID))
	}
	env := billing.Envelope{
		ID:       event.ID,
		Kind:     string(event.Type),
		Livemode: event.Livemode,
		Data:     event.Data.Raw,
	}
	if event.Created > 0 {
		env.Created = time.Unix(event.Created, 0).UTC()
	}
	return env, nil
}

func invalidSignature(err error) error {
	return &billing.SecurityError{Code: CodeInvalidSignature, Status: fiber.StatusBadRequest, Err: err}
}

func malformedPayload(err error) error {
	return &billing.SecurityError{Code: CodeMalformedPayload, Status: fiber.StatusBadRequest, Err: err}
}
