package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// StateResult describes a status transition attempt.
type StateResult struct {
	ExternalSubscriptionID string
	Found                  bool
	Previous               string
	Status                 string
	Changed                bool
}

// StateReconciler moves local subscriptions between active, past_due and
// cancelled. Cancelled is terminal: nothing but another cancellation touches
// a cancelled record.
type StateReconciler struct {
	repo Repository
}

func NewStateReconciler(repo Repository) *StateReconciler {
	return &StateReconciler{repo: repo}
}

// mapGatewayStatus translates a gateway subscription status to a local one.
// Unknown statuses map to "".
func mapGatewayStatus(remote string) string {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "active", "trialing":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid", "incomplete", "paused":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return models.SubscriptionStatusCancelled
	}
	return ""
}

// reconcileStatus picks the local status after a gateway update. A local
// cancellation always stands, and a pending cancel-at-period-end counts as
// cancelled even while the gateway still reports active.
func reconcileStatus(local, remote string, cancelAtPeriodEnd bool) string {
	if local == models.SubscriptionStatusCancelled {
		return models.SubscriptionStatusCancelled
	}
	if cancelAtPeriodEnd {
		return models.SubscriptionStatusCancelled
	}
	if mapped := mapGatewayStatus(remote); mapped != "" {
		return mapped
	}
	return local
}

// InvoiceFailed marks the subscription past_due.
func (s *StateReconciler) InvoiceFailed(ctx context.Context, externalID string) (*StateResult, error) {
	sub, res, err := s.load(ctx, externalID)
	if sub == nil || err != nil {
		return res, err
	}
	if sub.Status != models.SubscriptionStatusActive {
		return res, nil
	}
	return s.apply(ctx, sub, res, map[string]interface{}{"status": models.SubscriptionStatusPastDue})
}

// SubscriptionDeleted cancels the subscription and stamps its end time, taken
// from the gateway's ended_at or canceled_at, else deletedAt.
func (s *StateReconciler) SubscriptionDeleted(ctx context.Context, remote *Subscription, deletedAt time.Time) (*StateResult, error) {
	sub, res, err := s.load(ctx, remote.ID)
	if sub == nil || err != nil {
		return res, err
	}
	endedAt := unixTime(remote.EndedAt)
	if endedAt == nil {
		endedAt = unixTime(remote.CanceledAt)
	}
	if endedAt == nil {
		t := deletedAt.UTC()
		endedAt = &t
	}

	updates := map[string]interface{}{}
	if !sub.IsCancelled() {
		updates["status"] = models.SubscriptionStatusCancelled
	}
	if sub.EndedAt == nil || !sub.IsCancelled() {
		updates["ended_at"] = *endedAt
	}
	if len(updates) == 0 {
		return res, nil
	}
	return s.apply(ctx, sub, res, updates)
}

// SubscriptionUpdated applies the gateway's view of the subscription to the
// local record, subject to terminal-state preservation.
func (s *StateReconciler) SubscriptionUpdated(ctx context.Context, remote *Subscription) (*StateResult, error) {
	sub, res, err := s.load(ctx, remote.ID)
	if sub == nil || err != nil {
		return res, err
	}
	if sub.IsCancelled() {
		if mapGatewayStatus(remote.Status) != models.SubscriptionStatusCancelled {
			log.Infof("[StateReconciler] subscription %s is cancelled locally, ignoring remote status %q", sub.ExternalSubscriptionID, remote.Status)
		}
		return res, nil
	}

	target := reconcileStatus(sub.Status, remote.Status, remote.CancelAtPeriodEnd)
	updates := map[string]interface{}{}
	if target != sub.Status {
		updates["status"] = target
	}
	if remote.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		updates["cancel_at_period_end"] = remote.CancelAtPeriodEnd
	}
	if start := unixTime(remote.CurrentPeriodStart); start != nil && !sameTime(sub.CurrentPeriodStart, start) {
		updates["current_period_start"] = *start
	}
	if end := unixTime(remote.CurrentPeriodEnd); end != nil && !sameTime(sub.CurrentPeriodEnd, end) {
		updates["current_period_end"] = *end
	}
	if target == models.SubscriptionStatusCancelled && sub.EndedAt == nil {
		if ended := cancellationEnd(remote); ended != nil {
			updates["ended_at"] = *ended
		}
	}
	if len(updates) == 0 {
		return res, nil
	}
	return s.apply(ctx, sub, res, updates)
}

func (s *StateReconciler) load(ctx context.Context, externalID string) (*models.Subscription, *StateResult, error) {
	res := &StateResult{ExternalSubscriptionID: externalID}
	if externalID == "" {
		return nil, res, nil
	}
	sub, err := s.repo.FindSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debugf("[StateReconciler] no local subscription %s, nothing to transition", externalID)
			return nil, res, nil
		}
		return nil, res, storageErr("find_subscription", err)
	}
	res.Found = true
	res.Previous = sub.Status
	res.Status = sub.Status
	return sub, res, nil
}

func (s *StateReconciler) apply(ctx context.Context, sub *models.Subscription, res *StateResult, updates map[string]interface{}) (*StateResult, error) {
	changed, err := s.repo.UpdateSubscriptionByExternalID(ctx, sub.ExternalSubscriptionID, updates)
	if err != nil {
		return res, storageErr("update_subscription", err)
	}
	status, ok := updates["status"].(string)
	if !ok {
		return res, nil
	}
	if !changed {
		// Lost a race with a concurrent cancellation.
		log.Infof("[StateReconciler] subscription %s: %s -> %s not applied", sub.ExternalSubscriptionID, sub.Status, status)
		return res, nil
	}
	res.Status = status
	res.Changed = true
	log.Infof("[StateReconciler] subscription %s: %s -> %s", sub.ExternalSubscriptionID, sub.Status, status)
	return res, nil
}

// cancellationEnd is when a cancelled-by-update subscription stops: the
// gateway's end stamp, or the period end for cancel-at-period-end.
func cancellationEnd(remote *Subscription) *time.Time {
	if t := unixTime(remote.EndedAt); t != nil {
		return t
	}
	if remote.CancelAtPeriodEnd {
		if t := unixTime(remote.CurrentPeriodEnd); t != nil {
			return t
		}
	}
	return unixTime(remote.CanceledAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
