package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errNotFound = errors.New("resource_missing")

// fakeGateway is an in-memory gateway. Metadata updates merge like the real API.
type fakeGateway struct {
	mu               sync.Mutex
	subscriptions    map[string]*Subscription
	invoices         map[string]*Invoice
	customers        map[string]*Customer
	links            map[string]*PaymentLink
	sessions         map[string]*CheckoutSession
	customerSessions map[string][]*CheckoutSession
	fees             map[string]int64
	calls            map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subscriptions:    make(map[string]*Subscription),
		invoices:         make(map[string]*Invoice),
		customers:        make(map[string]*Customer),
		links:            make(map[string]*PaymentLink),
		sessions:         make(map[string]*CheckoutSession),
		customerSessions: make(map[string][]*CheckoutSession),
		fees:             make(map[string]int64),
		calls:            make(map[string]int),
	}
}

func (g *fakeGateway) called(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) addSubscription(id string, md map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[id] = &Subscription{ID: id, Status: "active", Metadata: copyMap(md)}
}

func (g *fakeGateway) metadata(id string) map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub, ok := g.subscriptions[id]; ok {
		return copyMap(sub.Metadata)
	}
	return nil
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["get_subscription"]++
	sub, ok := g.subscriptions[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *sub
	cp.Metadata = copyMap(sub.Metadata)
	return &cp, nil
}

func (g *fakeGateway) UpdateSubscriptionMetadata(_ context.Context, id string, md map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["update_subscription"]++
	sub, ok := g.subscriptions[id]
	if !ok {
		return errNotFound
	}
	if sub.Metadata == nil {
		sub.Metadata = make(map[string]string)
	}
	for k, v := range md {
		sub.Metadata[k] = v
	}
	return nil
}

func (g *fakeGateway) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["get_invoice"]++
	inv, ok := g.invoices[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *inv
	return &cp, nil
}

func (g *fakeGateway) GetCustomer(_ context.Context, id string) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["get_customer"]++
	c, ok := g.customers[id]
	if !ok {
		return &Customer{ID: id}, nil
	}
	return c, nil
}

func (g *fakeGateway) GetPaymentLink(_ context.Context, id string) (*PaymentLink, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["get_payment_link"]++
	l, ok := g.links[id]
	if !ok {
		return nil, errNotFound
	}
	return l, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["get_checkout_session"]++
	s, ok := g.sessions[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}

func (g *fakeGateway) ListCheckoutSessions(_ context.Context, customerID string, limit int) ([]*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["list_checkout_sessions"]++
	out := g.customerSessions[customerID]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *fakeGateway) GetChargeFee(_ context.Context, chargeID string) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["get_charge"]++
	fee, ok := g.fees[chargeID]
	return fee, ok, nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// recordingScheduler remembers every schedule call.
type recordingScheduler struct {
	mu     sync.Mutex
	delays map[string][]time.Duration
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{delays: make(map[string][]time.Duration)}
}

func (s *recordingScheduler) ScheduleTaxRecheck(_ context.Context, invoiceID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[invoiceID] = append(s.delays[invoiceID], delay)
	return nil
}

func (s *recordingScheduler) scheduled(invoiceID string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[invoiceID]
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Reminder
	err  error
}

func (n *recordingNotifier) RenewalReminder(_ context.Context, r Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, r)
	return n.err
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Subscription{},
		&models.AppliedInvoice{},
		&models.CheckoutAttempt{},
		&models.TaxTransaction{},
		&models.Plan{},
		&models.SubscriberProfile{},
		&models.WebhookEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func noSleep(context.Context, time.Duration) error { return nil }
