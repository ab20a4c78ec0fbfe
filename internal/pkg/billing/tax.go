package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Tax sources, in extraction order.
const (
	TaxSourceLineItems  = "line_items"
	TaxSourceInvoiceTax = "invoice_tax"
	TaxSourceTotals     = "totals"
	TaxSourceBreakdown  = "breakdown"
	TaxSourceEstimate   = "estimate"
)

// DefaultRecheckDelays are the delays after the original event at which an
// invoice without tax is fetched again.
var DefaultRecheckDelays = []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}

// An estimate at or above this share of the total means the rate lookup was wrong.
var maxEstimateShare = decimal.RequireFromString("0.15")

// FeeSchedule approximates the gateway processing fee as percent of total
// plus a fixed amount.
type FeeSchedule struct {
	Percent    decimal.Decimal
	FixedCents int64
}

func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{Percent: decimal.RequireFromString("0.029"), FixedCents: 30}
}

// Estimate returns the approximated fee for totalCents.
func (f FeeSchedule) Estimate(totalCents int64) int64 {
	if totalCents <= 0 {
		return 0
	}
	return decimal.NewFromInt(totalCents).Mul(f.Percent).Round(0).IntPart() + f.FixedCents
}

// TaxResult reports the outcome of a reconciliation pass for one invoice.
type TaxResult struct {
	InvoiceID         string
	TaxCents          int64
	Source            string
	Estimated         bool
	Recorded          bool
	AlreadyRecorded   bool
	RechecksScheduled int
}

// TaxOption customizes a TaxEngine.
type TaxOption func(*TaxEngine)

func WithFeeSchedule(f FeeSchedule) TaxOption {
	return func(e *TaxEngine) { e.fees = f }
}

func WithRecheckDelays(delays ...time.Duration) TaxOption {
	return func(e *TaxEngine) { e.delays = delays }
}

// TaxEngine extracts or estimates invoice tax and records it once per invoice.
type TaxEngine struct {
	repo      Repository
	gateway   Gateway
	rates     RateLookup
	scheduler Scheduler
	fees      FeeSchedule
	delays    []time.Duration
}

func NewTaxEngine(repo Repository, gateway Gateway, rates RateLookup, scheduler Scheduler, opts ...TaxOption) *TaxEngine {
	e := &TaxEngine{
		repo:      repo,
		gateway:   gateway,
		rates:     rates,
		scheduler: scheduler,
		fees:      DefaultFeeSchedule(),
		delays:    DefaultRecheckDelays,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractTax returns the first non-zero tax amount the invoice reports and
// the field it came from. Line-item tax wins over every invoice-level field.
func ExtractTax(inv *Invoice) (int64, string) {
	var lines int64
	for _, line := range inv.Lines {
		for _, ta := range line.TaxAmounts {
			lines += ta.Amount
		}
	}
	if lines > 0 {
		return lines, TaxSourceLineItems
	}
	if inv.Tax > 0 {
		return inv.Tax, TaxSourceInvoiceTax
	}
	if inv.TotalExcludingTax > 0 && inv.Total > inv.TotalExcludingTax {
		return inv.Total - inv.TotalExcludingTax, TaxSourceTotals
	}
	var breakdown int64
	for _, ta := range inv.TotalTaxAmounts {
		breakdown += ta.Amount
	}
	if breakdown > 0 {
		return breakdown, TaxSourceBreakdown
	}
	return 0, ""
}

// EstimateInclusiveTax splits an inclusive total into base and tax at rate:
// base = total / (1 + rate), tax = total - base. ok is false when the
// estimate reaches 15% of the total.
func EstimateInclusiveTax(totalCents int64, rate decimal.Decimal) (int64, bool) {
	if totalCents <= 0 || !rate.IsPositive() {
		return 0, false
	}
	total := decimal.NewFromInt(totalCents)
	base := total.Div(decimal.NewFromInt(1).Add(rate)).Round(0)
	tax := total.Sub(base)
	if !tax.IsPositive() || tax.GreaterThanOrEqual(total.Mul(maxEstimateShare)) {
		return 0, false
	}
	return tax.IntPart(), true
}

// Reconcile records the invoice's tax, estimating it when the gateway's
// automatic tax produced nothing yet. Zero tax under automatic tax schedules
// delayed re-checks.
func (e *TaxEngine) Reconcile(ctx context.Context, inv *Invoice) (*TaxResult, error) {
	res := &TaxResult{InvoiceID: inv.ID}
	if inv.ID == "" {
		return res, nil
	}
	if done, err := e.alreadyRecorded(ctx, res); done || err != nil {
		return res, err
	}

	tax, source := ExtractTax(inv)
	var breakdown []models.TaxBreakdownLine
	if tax == 0 && inv.AutomaticTaxEnabled() {
		if est, line, ok := e.estimate(ctx, inv); ok {
			tax, source = est, TaxSourceEstimate
			res.Estimated = true
			breakdown = []models.TaxBreakdownLine{line}
		}
	}

	if tax > 0 {
		if breakdown == nil {
			breakdown = breakdownFromInvoice(inv)
		}
		res.TaxCents, res.Source = tax, source
		created, err := e.record(ctx, inv, tax, source, res.Estimated, breakdown)
		if err != nil {
			return res, err
		}
		res.Recorded = created
		res.AlreadyRecorded = !created
		return res, nil
	}

	if inv.AutomaticTaxEnabled() {
		res.RechecksScheduled = e.scheduleRechecks(ctx, inv.ID)
	}
	return res, nil
}

// Recheck fetches the invoice again and records tax found by direct
// extraction. It never estimates.
func (e *TaxEngine) Recheck(ctx context.Context, invoiceID string) (*TaxResult, error) {
	res := &TaxResult{InvoiceID: invoiceID}
	if done, err := e.alreadyRecorded(ctx, res); done || err != nil {
		return res, err
	}

	inv, err := e.gateway.GetInvoice(ctx, invoiceID)
	if err != nil {
		return res, gatewayErr("get_invoice", invoiceID, err)
	}
	tax, source := ExtractTax(inv)
	if tax == 0 {
		log.Debugf("[TaxEngine] re-check: invoice %s still without tax", invoiceID)
		return res, nil
	}
	res.TaxCents, res.Source = tax, source
	created, err := e.record(ctx, inv, tax, source, false, breakdownFromInvoice(inv))
	if err != nil {
		return res, err
	}
	res.Recorded = created
	res.AlreadyRecorded = !created
	if created {
		log.Infof("[TaxEngine] re-check recorded %d tax for invoice %s (%s)", tax, invoiceID, source)
	}
	return res, nil
}

// RecheckFunc adapts Recheck to the scheduler callback shape.
func (e *TaxEngine) RecheckFunc() RecheckFunc {
	return func(ctx context.Context, invoiceID string) error {
		_, err := e.Recheck(ctx, invoiceID)
		return err
	}
}

func (e *TaxEngine) alreadyRecorded(ctx context.Context, res *TaxResult) (bool, error) {
	existing, err := e.repo.FindTaxTransactionByInvoiceID(ctx, res.InvoiceID)
	if err == nil {
		res.TaxCents = existing.TaxAmountCents
		res.Source = existing.Source
		res.Estimated = existing.Estimated
		res.AlreadyRecorded = true
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, storageErr("find_tax_transaction", err)
}

func (e *TaxEngine) record(ctx context.Context, inv *Invoice, tax int64, source string, estimated bool, breakdown []models.TaxBreakdownLine) (bool, error) {
	total := inv.Total
	if total == 0 {
		total = inv.AmountPaid
	}
	base := total - tax
	if base < 0 {
		base = 0
	}
	fee, feeEstimated := e.processingFee(ctx, inv, total)

	t := &models.TaxTransaction{
		InvoiceID:              inv.ID,
		ExternalSubscriptionID: inv.Subscription,
		BaseAmountCents:        base,
		TaxAmountCents:         tax,
		TotalAmountCents:       total,
		Currency:               inv.Currency,
		Breakdown:              breakdownJSON(breakdown),
		ProcessingFeeCents:     fee,
		FeeEstimated:           feeEstimated,
		BillingAddress:         addressJSON(inv.CustomerAddress),
		Estimated:              estimated,
		Source:                 source,
	}
	created, err := e.repo.InsertTaxTransaction(ctx, t)
	if err != nil {
		return false, storageErr("insert_tax_transaction", err)
	}
	if created {
		log.Infof("[TaxEngine] recorded tax %d/%d for invoice %s (source=%s estimated=%t)", tax, total, inv.ID, source, estimated)
	}
	return created, nil
}

func (e *TaxEngine) processingFee(ctx context.Context, inv *Invoice, total int64) (int64, bool) {
	if inv.Charge != "" {
		fee, ok, err := e.gateway.GetChargeFee(ctx, inv.Charge)
		switch {
		case err != nil:
			log.Warnf("[TaxEngine] fee lookup for invoice %s: %v", inv.ID, gatewayErr("get_charge", inv.Charge, err))
		case ok:
			return fee, false
		}
	}
	return e.fees.Estimate(total), true
}

func (e *TaxEngine) estimate(ctx context.Context, inv *Invoice) (int64, models.TaxBreakdownLine, bool) {
	if e.rates == nil {
		return 0, models.TaxBreakdownLine{}, false
	}
	country, region := e.regionFor(ctx, inv)
	if country == "" && region == "" {
		log.Debugf("[TaxEngine] no region known for invoice %s, skipping estimate", inv.ID)
		return 0, models.TaxBreakdownLine{}, false
	}
	rate, ok := e.rates.RateFor(country, region)
	if !ok {
		return 0, models.TaxBreakdownLine{}, false
	}
	tax, ok := EstimateInclusiveTax(inv.Total, rate)
	if !ok {
		log.Warnf("[TaxEngine] discarding estimate for invoice %s: rate %s for %s/%s out of bounds", inv.ID, rate, country, region)
		return 0, models.TaxBreakdownLine{}, false
	}
	jurisdiction := region
	if jurisdiction == "" {
		jurisdiction = country
	}
	return tax, models.TaxBreakdownLine{
		Jurisdiction: jurisdiction,
		Rate:         rate.InexactFloat64(),
		AmountCents:  tax,
		Inclusive:    true,
	}, true
}

// regionFor looks for the billing region on the invoice, then on the gateway
// customer, then on the local subscriber profile.
func (e *TaxEngine) regionFor(ctx context.Context, inv *Invoice) (string, string) {
	if a := inv.CustomerAddress; a != nil && (a.State != "" || a.Country != "") {
		return a.Country, a.State
	}
	if inv.Customer != "" {
		cust, err := e.gateway.GetCustomer(ctx, inv.Customer)
		if err != nil {
			log.Warnf("[TaxEngine] %v", gatewayErr("get_customer", inv.Customer, err))
		} else if a := cust.Address; a != nil && (a.State != "" || a.Country != "") {
			return a.Country, a.State
		}
	}

	subscriberID := ""
	if inv.Subscription != "" {
		if sub, err := e.repo.FindSubscriptionByExternalID(ctx, inv.Subscription); err == nil {
			subscriberID = sub.SubscriberID
		}
	}
	if subscriberID == "" {
		var id Identity
		for _, md := range inv.metadataSources() {
			id.fill(identityFromMetadata(md), StepInline)
		}
		subscriberID = id.SubscriberID
	}
	if subscriberID == "" {
		return "", ""
	}
	profile, err := e.repo.FindSubscriberProfile(ctx, subscriberID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[TaxEngine] subscriber profile %s: %v", subscriberID, err)
		}
		return "", ""
	}
	return profile.Country, profile.Region
}

func (e *TaxEngine) scheduleRechecks(ctx context.Context, invoiceID string) int {
	if e.scheduler == nil {
		log.Warnf("[TaxEngine] no scheduler configured, invoice %s will not be re-checked", invoiceID)
		return 0
	}
	n := 0
	for _, d := range e.delays {
		if err := e.scheduler.ScheduleTaxRecheck(ctx, invoiceID, d); err != nil {
			log.Errorf("[TaxEngine] scheduling re-check of invoice %s in %s: %v", invoiceID, d, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Infof("[TaxEngine] invoice %s has no tax yet, scheduled %d re-check(s)", invoiceID, n)
	}
	return n
}

func breakdownFromInvoice(inv *Invoice) []models.TaxBreakdownLine {
	var out []models.TaxBreakdownLine
	for _, ta := range inv.TotalTaxAmounts {
		line := models.TaxBreakdownLine{AmountCents: ta.Amount, Inclusive: ta.Inclusive}
		if r := ta.TaxRate; r != nil {
			line.Rate = r.Percentage / 100
			line.Jurisdiction = firstNonEmpty(r.Jurisdiction, r.DisplayName, r.State, r.Country, r.ID)
		}
		out = append(out, line)
	}
	return out
}

func breakdownJSON(lines []models.TaxBreakdownLine) datatypes.JSON {
	if len(lines) == 0 {
		return nil
	}
	b, err := json.Marshal(lines)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
