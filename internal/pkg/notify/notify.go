package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// Channel names.
const (
	ChannelEmail = "email"
	ChannelChat  = "chat"
)

// ErrNoChannel is returned when neither channel can reach the subscriber.
var ErrNoChannel = errors.New("no notification channel for subscriber")

// Message is a rendered notification.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher routes renewal reminders to chat or email.
type Dispatcher struct {
	email       Sender
	chat        Sender
	chatLocales map[string]bool
}

var _ billing.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Either sender may be nil. chatLocales
// lists the locales (e.g. "de", "pt-br") that prefer chat over email.
func NewDispatcher(email, chat Sender, chatLocales []string) *Dispatcher {
	locales := make(map[string]bool, len(chatLocales))
	for _, l := range chatLocales {
		if l = normalizeLocale(l); l != "" {
			locales[l] = true
		}
	}
	return &Dispatcher{email: email, chat: chat, chatLocales: locales}
}

// Channel reports which channel a reminder would use, or "" when none fits.
func (d *Dispatcher) Channel(r billing.Reminder) string {
	if d.chat != nil && r.Profile != nil && r.Profile.ChatID != "" && d.prefersChat(r.Profile.Locale) {
		return ChannelChat
	}
	if d.email != nil && recipientEmail(r) != "" {
		return ChannelEmail
	}
	return ""
}

// RenewalReminder sends the upcoming-renewal notice.
func (d *Dispatcher) RenewalReminder(ctx context.Context, r billing.Reminder) error {
	msg := renderReminder(r)
	switch d.Channel(r) {
	case ChannelChat:
		msg.To = r.Profile.ChatID
		log.Infof("[Notify] renewal reminder for %s via chat", r.ExternalSubscriptionID)
		return d.chat.Send(ctx, msg)
	case ChannelEmail:
		msg.To = recipientEmail(r)
		log.Infof("[Notify] renewal reminder for %s via email", r.ExternalSubscriptionID)
		return d.email.Send(ctx, msg)
	}
	return ErrNoChannel
}

func (d *Dispatcher) prefersChat(locale string) bool {
	l := normalizeLocale(locale)
	if l == "" {
		return false
	}
	if d.chatLocales[l] {
		return true
	}
	lang, _, _ := strings.Cut(l, "-")
	return d.chatLocales[lang]
}

func normalizeLocale(l string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(l)), "_", "-")
}

func recipientEmail(r billing.Reminder) string {
	if r.Email != "" {
		return r.Email
	}
	if r.Profile != nil {
		return r.Profile.Email
	}
	return ""
}

// FormatAmount renders minor units as "12.34 EUR".
func FormatAmount(cents int64, currency string) string {
	amount := decimal.New(cents, -2).StringFixed(2)
	if currency == "" {
		return amount
	}
	return amount + " " + strings.ToUpper(currency)
}

func renderReminder(r billing.Reminder) Message {
	amount := FormatAmount(r.AmountCents, r.Currency)
	when := "soon"
	if r.DueAt != nil && !r.DueAt.IsZero() {
		when = "on " + r.DueAt.UTC().Format("2006-01-02")
	}
	text := fmt.Sprintf("Your subscription renews %s. You will be charged %s.", when, amount)
	if r.PlanID != "" {
		text = fmt.Sprintf("Your %s subscription renews %s. You will be charged %s.", r.PlanID, when, amount)
	}
	return Message{
		Subject: "Your subscription renews " + when,
		Text:    text,
		HTML:    "<p>" + html.EscapeString(text) + "</p>",
	}
}

// Timeout bounds a single delivery attempt.
const Timeout = 10 * time.Second
