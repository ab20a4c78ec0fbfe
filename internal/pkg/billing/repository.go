package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the record store operations the engine needs. Lookups
// return gorm.ErrRecordNotFound when nothing matches.
type Repository interface {
	FindSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
	UpdateSubscriptionByExternalID(ctx context.Context, externalID string, updates map[string]interface{}) (bool, error)
	ApplyInvoice(ctx context.Context, applied *models.AppliedInvoice, updates map[string]interface{}) (bool, error)
	FindCheckoutByReference(ctx context.Context, reference string) (*models.CheckoutAttempt, error)
	FindCheckoutBySessionID(ctx context.Context, sessionID string) (*models.CheckoutAttempt, error)
	UpdateCheckoutStatus(ctx context.Context, reference, status, sessionID string) error
	FindTaxTransactionByInvoiceID(ctx context.Context, invoiceID string) (*models.TaxTransaction, error)
	InsertTaxTransaction(ctx context.Context, tx *models.TaxTransaction) (bool, error)
	IncrementSubscriptionTaxTotal(ctx context.Context, subscriptionID uint, cents int64) error
	AttachOrphanTaxTransactions(ctx context.Context, sub *models.Subscription) (int, error)
	FindPlan(ctx context.Context, planID string) (*models.Plan, error)
	ListPlansWithPaymentLinks(ctx context.Context) ([]models.Plan, error)
	FindSubscriberProfile(ctx context.Context, subscriberID string) (*models.SubscriberProfile, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("external_subscription_id = ?", externalID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// InsertSubscription inserts sub unless a row with the same external id or
// idempotency key exists. The bool reports whether this call created it. The
// invoice that paid for the new record is marked applied alongside it.
func (r *gormRepository) InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(sub)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		created = true
		if sub.LastInvoiceID == "" {
			return nil
		}
		_, err := markApplied(tx, &models.AppliedInvoice{
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			InvoiceID:              sub.LastInvoiceID,
			IdempotencyKey:         sub.IdempotencyKey,
		})
		return err
	})
	return created, err
}

// ApplyInvoice marks an invoice applied and, only if it was not applied
// before, writes updates to its subscription in the same transaction. The
// bool is false for an invoice seen earlier.
func (r *gormRepository) ApplyInvoice(ctx context.Context, applied *models.AppliedInvoice, updates map[string]interface{}) (bool, error) {
	fresh := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := markApplied(tx, applied)
		if err != nil || !ok {
			return err
		}
		fresh = true
		if len(updates) == 0 {
			return nil
		}
		return subscriptionUpdate(tx, applied.ExternalSubscriptionID, updates).Error
	})
	return fresh, err
}

func markApplied(tx *gorm.DB, applied *models.AppliedInvoice) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_subscription_id"}, {Name: "invoice_id"}},
		DoNothing: true,
	}).Create(applied)
	return res.RowsAffected > 0, res.Error
}

// UpdateSubscriptionByExternalID applies updates to one subscription. Updates
// moving the status anywhere but cancelled never touch a cancelled row.
func (r *gormRepository) UpdateSubscriptionByExternalID(ctx context.Context, externalID string, updates map[string]interface{}) (bool, error) {
	tx := subscriptionUpdate(r.db.WithContext(ctx), externalID, updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func subscriptionUpdate(db *gorm.DB, externalID string, updates map[string]interface{}) *gorm.DB {
	q := db.Model(&models.Subscription{}).Where("external_subscription_id = ?", externalID)
	if status, ok := updates["status"]; ok && status != models.SubscriptionStatusCancelled {
		q = q.Where("status <> ?", models.SubscriptionStatusCancelled)
	}
	return q.Updates(updates)
}

func (r *gormRepository) FindCheckoutByReference(ctx context.Context, reference string) (*models.CheckoutAttempt, error) {
	var attempt models.CheckoutAttempt
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *gormRepository) FindCheckoutBySessionID(ctx context.Context, sessionID string) (*models.CheckoutAttempt, error) {
	var attempt models.CheckoutAttempt
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *gormRepository) UpdateCheckoutStatus(ctx context.Context, reference, status, sessionID string) error {
	updates := map[string]interface{}{"status": status}
	if status == models.CheckoutStatusCompleted {
		updates["completed_at"] = time.Now()
	}
	if sessionID != "" {
		updates["session_id"] = sessionID
	}
	tx := r.db.WithContext(ctx).Model(&models.CheckoutAttempt{}).Where("reference = ?", reference).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) FindTaxTransactionByInvoiceID(ctx context.Context, invoiceID string) (*models.TaxTransaction, error) {
	var t models.TaxTransaction
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTaxTransaction records t once per invoice id. When the row is new and
// a local subscription exists, it is linked and the subscription's cumulative
// tax is incremented in the same transaction.
func (r *gormRepository) InsertTaxTransaction(ctx context.Context, t *models.TaxTransaction) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.SubscriptionID == nil && t.ExternalSubscriptionID != "" {
			var sub models.Subscription
			err := tx.Select("id").Where("external_subscription_id = ?", t.ExternalSubscriptionID).First(&sub).Error
			switch {
			case err == nil:
				t.SubscriptionID = &sub.ID
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "invoice_id"}},
			DoNothing: true,
		}).Create(t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		if t.SubscriptionID == nil || t.TaxAmountCents == 0 {
			return nil
		}
		return incrementTaxTotal(tx, *t.SubscriptionID, t.TaxAmountCents)
	})
	return created, err
}

func (r *gormRepository) IncrementSubscriptionTaxTotal(ctx context.Context, subscriptionID uint, cents int64) error {
	return incrementTaxTotal(r.db.WithContext(ctx), subscriptionID, cents)
}

func incrementTaxTotal(db *gorm.DB, subscriptionID uint, cents int64) error {
	return db.Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		UpdateColumn("tax_paid_cents", gorm.Expr("tax_paid_cents + ?", cents)).Error
}

// AttachOrphanTaxTransactions links tax rows recorded before sub existed and
// adds their tax to the subscription total. Each row is claimed at most once.
func (r *gormRepository) AttachOrphanTaxTransactions(ctx context.Context, sub *models.Subscription) (int, error) {
	attached := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []models.TaxTransaction
		if err := tx.Where("external_subscription_id = ? AND subscription_id IS NULL", sub.ExternalSubscriptionID).
			Find(&orphans).Error; err != nil {
			return err
		}
		var total int64
		for _, o := range orphans {
			res := tx.Model(&models.TaxTransaction{}).
				Where("id = ? AND subscription_id IS NULL", o.ID).
				Update("subscription_id", sub.ID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			attached++
			total += o.TaxAmountCents
		}
		if total == 0 {
			return nil
		}
		return incrementTaxTotal(tx, sub.ID, total)
	})
	return attached, err
}

func (r *gormRepository) FindPlan(ctx context.Context, planID string) (*models.Plan, error) {
	var p models.Plan
	if err := r.db.WithContext(ctx).Where("id = ?", planID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) ListPlansWithPaymentLinks(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND (payment_link_id <> '' OR payment_link_url <> '')", true).
		Find(&plans).Error
	return plans, err
}

func (r *gormRepository) FindSubscriberProfile(ctx context.Context, subscriberID string) (*models.SubscriberProfile, error) {
	var p models.SubscriberProfile
	if err := r.db.WithContext(ctx).Where("subscriber_id = ?", subscriberID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	if !created {
		db.Model(&models.WebhookEvent{}).
			Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
			UpdateColumn("attempts", gorm.Expr("attempts + 1"))
	}
	var stored models.WebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// PruneWebhookEvents deletes settled ledger entries created before the cutoff.
// Entries that failed or never finished are kept.
func (r *gormRepository) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("created_at < ? AND processed_at IS NOT NULL AND (processing_error = '' OR processing_error IS NULL)", before).
		Delete(&models.WebhookEvent{})
	return tx.RowsAffected, tx.Error
}
