package billing

import (
	"context"
	"testing"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func autoTax() *AutomaticTax {
	return &AutomaticTax{Enabled: true, Status: "complete"}
}

func TestExtractTax(t *testing.T) {
	tests := []struct {
		name       string
		inv        Invoice
		wantTax    int64
		wantSource string
	}{
		{
			name: "line items win over invoice fields",
			inv: Invoice{
				Tax:   999,
				Lines: []InvoiceLine{{TaxAmounts: []TaxAmount{{Amount: 300}, {Amount: 200}}}, {TaxAmounts: []TaxAmount{{Amount: 100}}}},
			},
			wantTax: 600, wantSource: TaxSourceLineItems,
		},
		{
			name:    "invoice tax field",
			inv:     Invoice{Tax: 450, Total: 5450, TotalExcludingTax: 5000},
			wantTax: 450, wantSource: TaxSourceInvoiceTax,
		},
		{
			name:    "total minus total excluding tax",
			inv:     Invoice{Total: 10800, TotalExcludingTax: 10000},
			wantTax: 800, wantSource: TaxSourceTotals,
		},
		{
			name:    "breakdown sum",
			inv:     Invoice{Total: 10000, TotalTaxAmounts: []TaxAmount{{Amount: 500}, {Amount: 225}}},
			wantTax: 725, wantSource: TaxSourceBreakdown,
		},
		{
			name: "nothing",
			inv:  Invoice{Total: 10000, TotalExcludingTax: 10000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tax, source := ExtractTax(&tt.inv)
			assert.Equal(t, tt.wantTax, tax)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestEstimateInclusiveTax(t *testing.T) {
	tests := []struct {
		name   string
		total  int64
		rate   string
		want   int64
		wantOK bool
	}{
		{"eight percent", 10800, "0.08", 800, true},
		{"california", 10725, "0.0725", 725, true},
		{"rounds base to cents", 999, "0.07", 65, true},
		{"fifteen percent share rejected", 11765, "0.1765", 0, false},
		{"absurd rate rejected", 10000, "0.5", 0, false},
		{"zero total", 0, "0.08", 0, false},
		{"zero rate", 10000, "0", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EstimateInclusiveTax(tt.total, decimal.RequireFromString(tt.rate))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFeeScheduleEstimate(t *testing.T) {
	f := DefaultFeeSchedule()
	assert.Equal(t, int64(343), f.Estimate(10800)) // 313.2 + 30
	assert.Zero(t, f.Estimate(0))
}

type taxFixture struct {
	db        *gorm.DB
	repo      Repository
	gateway   *fakeGateway
	scheduler *recordingScheduler
	engine    *TaxEngine
}

func newTaxFixture(t *testing.T) *taxFixture {
	t.Helper()
	db := setupTestDB(t)
	f := &taxFixture{
		db:        db,
		repo:      NewRepository(db),
		gateway:   newFakeGateway(),
		scheduler: newRecordingScheduler(),
	}
	f.engine = NewTaxEngine(f.repo, f.gateway, DefaultRateTable(), f.scheduler)
	return f
}

func TestReconcileEstimatesFromRegionOnce(t *testing.T) {
	f := newTaxFixture(t)
	ctx := context.Background()
	_, err := f.repo.InsertSubscription(ctx, newSubscription("sub_1"))
	require.NoError(t, err)

	rates := StaticRateTable{"US-CA": decimal.RequireFromString("0.08")}
	f.engine = NewTaxEngine(f.repo, f.gateway, rates, f.scheduler)

	inv := &Invoice{
		ID:              "in_1",
		Subscription:    "sub_1",
		Currency:        "usd",
		Total:           10800,
		AutomaticTax:    autoTax(),
		CustomerAddress: &Address{Country: "US", State: "CA"},
	}
	for i := 0; i < 2; i++ {
		res, err := f.engine.Reconcile(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, int64(800), res.TaxCents)
		assert.Equal(t, i == 0, res.Recorded)
		assert.True(t, res.Estimated)
	}

	tx, err := f.repo.FindTaxTransactionByInvoiceID(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), tx.BaseAmountCents)
	assert.Equal(t, TaxSourceEstimate, tx.Source)
	assert.True(t, tx.FeeEstimated)
	assert.Equal(t, int64(343), tx.ProcessingFeeCents)

	sub, err := f.repo.FindSubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), sub.TaxPaidCents)
	assert.Empty(t, f.scheduler.scheduled("in_1"))
}

func TestReconcileUsesGatewayFee(t *testing.T) {
	f := newTaxFixture(t)
	f.gateway.fees["ch_1"] = 344

	res, err := f.engine.Reconcile(context.Background(), &Invoice{
		ID:                "in_1",
		Total:             10800,
		TotalExcludingTax: 10000,
		Charge:            "ch_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Recorded)

	tx, err := f.repo.FindTaxTransactionByInvoiceID(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, int64(344), tx.ProcessingFeeCents)
	assert.False(t, tx.FeeEstimated)
	assert.False(t, tx.Estimated)
}

func TestReconcileRegionFromSubscriberProfile(t *testing.T) {
	f := newTaxFixture(t)
	require.NoError(t, f.db.Create(&models.SubscriberProfile{SubscriberID: "u-1", Country: "TH"}).Error)

	res, err := f.engine.Reconcile(context.Background(), &Invoice{
		ID:           "in_1",
		Customer:     "cus_1",
		Total:        10700,
		AutomaticTax: autoTax(),
		Metadata:     map[string]string{MetaSubscriberID: "u-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Recorded)
	assert.Equal(t, int64(700), res.TaxCents)
	assert.Equal(t, 1, f.gateway.called("get_customer"))
}

func TestReconcileSchedulesRechecksWithoutTax(t *testing.T) {
	f := newTaxFixture(t)

	res, err := f.engine.Reconcile(context.Background(), &Invoice{ID: "in_1", Total: 10000, AutomaticTax: autoTax()})
	require.NoError(t, err)
	assert.False(t, res.Recorded)
	assert.Equal(t, 3, res.RechecksScheduled)
	assert.Equal(t, DefaultRecheckDelays, f.scheduler.scheduled("in_1"))

	// Without automatic tax there is nothing to wait for.
	res, err = f.engine.Reconcile(context.Background(), &Invoice{ID: "in_2", Total: 10000})
	require.NoError(t, err)
	assert.Zero(t, res.RechecksScheduled)
}

func TestRecheckRecordsLateTaxOnce(t *testing.T) {
	f := newTaxFixture(t)
	ctx := context.Background()
	f.gateway.invoices["in_1"] = &Invoice{ID: "in_1", Total: 10000, AutomaticTax: autoTax()}

	res, err := f.engine.Recheck(ctx, "in_1")
	require.NoError(t, err)
	assert.False(t, res.Recorded)

	f.gateway.invoices["in_1"] = &Invoice{
		ID:              "in_1",
		Total:           10725,
		Tax:             725,
		AutomaticTax:    autoTax(),
		TotalTaxAmounts: []TaxAmount{{Amount: 725, TaxRate: &TaxRate{ID: "txr_1", Jurisdiction: "CA", Percentage: 7.25}}},
	}
	res, err = f.engine.Recheck(ctx, "in_1")
	require.NoError(t, err)
	assert.True(t, res.Recorded)
	assert.Equal(t, TaxSourceInvoiceTax, res.Source)

	res, err = f.engine.Recheck(ctx, "in_1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyRecorded)
	assert.Equal(t, 2, f.gateway.called("get_invoice"), "a recorded invoice is not fetched again")
}

func TestRecheckNeverEstimates(t *testing.T) {
	f := newTaxFixture(t)
	f.gateway.invoices["in_1"] = &Invoice{
		ID:              "in_1",
		Total:           10725,
		AutomaticTax:    autoTax(),
		CustomerAddress: &Address{Country: "US", State: "CA"},
	}

	res, err := f.engine.Recheck(context.Background(), "in_1")
	require.NoError(t, err)
	assert.False(t, res.Recorded)
	assert.Zero(t, res.TaxCents)
}
