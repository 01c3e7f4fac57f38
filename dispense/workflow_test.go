package dispense_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
	"github.com/warp/pharmacy-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	amox   = stock.MedicineID("AMOX500")
	amoxcl = stock.MedicineID("AMOXCL875")
	morph  = stock.MedicineID("MORPH10")

	pharmacist = int64(7)
)

var today = stock.Date(2025, time.March, 1)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	clock   *stock.FixedClock
	ledger  *stock.Ledger
	wf      *dispense.Workflow
	billing *billingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clock := stock.NewFixedClock(today.Add(10 * time.Hour))
	ledger := stock.NewLedger(store, clock)
	wf := dispense.NewWorkflow(store, ledger, stock.NewAllocator(store, clock))
	billing := &billingRecorder{}
	wf.Billing = billing

	f := &fixture{t: t, ctx: context.Background(), store: store, clock: clock, ledger: ledger, wf: wf, billing: billing}
	f.medicine(amox, "0.50", false)
	f.medicine(amoxcl, "1.20", false)
	f.medicine(morph, "3.00", true)
	return f
}

func (f *fixture) medicine(id stock.MedicineID, price string, controlled bool) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveMedicine(f.ctx, stock.Medicine{
		ID:         id,
		Name:       string(id),
		Unit:       "tablet",
		UnitPrice:  decimal.RequireFromString(price),
		MinStock:   10,
		MaxStock:   500,
		Controlled: controlled,
		Enabled:    true,
	}))
}

func (f *fixture) stockIn(id stock.MedicineID, batch string, qty int64, days int) {
	f.t.Helper()
	_, err := f.ledger.StockIn(f.ctx, stock.StockIn{
		MedicineID:  id,
		BatchNumber: batch,
		Quantity:    qty,
		Expiry:      today.AddDate(0, 0, days),
		UnitCost:    decimal.RequireFromString("0.10"),
	}, stock.Meta{Operator: "test"})
	require.NoError(f.t, err)
}

func (f *fixture) quantities(id stock.MedicineID, batch string) stock.Quantities {
	f.t.Helper()
	b, err := f.ledger.Batch(f.ctx, stock.BatchKey{MedicineID: id, BatchNumber: batch})
	require.NoError(f.t, err)
	return b.Quantities
}

// started opens and starts a single-line prescription.
func (f *fixture) started(id string, line dispense.Line) *dispense.Record {
	f.t.Helper()
	rec, err := f.wf.Start(f.ctx, rx(id, line), pharmacist)
	require.NoError(f.t, err)
	require.Equal(f.t, dispense.StatusInProgress, rec.Status)
	return rec
}

// dispensed drives a single-line prescription to DISPENSED.
func (f *fixture) dispensed(id string, line dispense.Line) *dispense.Record {
	f.t.Helper()
	rec := f.started(id, line)
	_, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(f.t, err)
	rec, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) requireInSync(id stock.MedicineID, batch string) {
	f.t.Helper()
	d, err := stock.NewTransactionLog(f.store).Verify(f.ctx, stock.BatchKey{MedicineID: id, BatchNumber: batch})
	require.NoError(f.t, err)
	require.True(f.t, d.InSync(), "live %+v replayed %+v", d.Live, d.Replayed)
}

func rx(id string, lines ...dispense.Line) dispense.Prescription {
	return dispense.Prescription{ID: id, PatientID: 501, DoctorID: 9, Lines: lines}
}

func line(id stock.MedicineID, qty int64) dispense.Line {
	return dispense.Line{MedicineID: id, Quantity: qty}
}

func qty(current, available, reserved, locked int64) stock.Quantities {
	return stock.Quantities{Current: current, Available: available, Reserved: reserved, Locked: locked}
}

type billingRecorder struct {
	mu         sync.Mutex
	deliveries []dispense.Delivery
	err        error
}

func (b *billingRecorder) Charge(_ context.Context, d dispense.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliveries = append(b.deliveries, d)
	return b.err
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestFullCycle_DeliverAndReturn(t *testing.T) {
	// GIVEN: 100 units on one batch
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)

	// WHEN: A prescription for 30 is dispensed
	rec := f.started("RX-1", line(amox, 30))
	rec, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)
	assert.Equal(t, dispense.ItemDispensed, rec.Items[0].Status)
	assert.Equal(t, int64(30), rec.Items[0].Dispensed)
	assert.Equal(t, dispense.StockSufficient, rec.StockCheck)
	assert.Equal(t, qty(100, 70, 30, 0), f.quantities(amox, "B1"))

	rec, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusDispensed, rec.Status)
	assert.False(t, rec.RequiresReview)

	// THEN: Delivery consumes the reservation and bills it
	rec, delivery, err := f.wf.Deliver(f.ctx, rec.ID, pharmacist, "handed to patient")
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusDelivered, rec.Status)
	assert.Equal(t, "15.00", delivery.Total.StringFixed(2))
	require.Len(t, delivery.Charges, 1)
	assert.Equal(t, "B1", delivery.Charges[0].BatchNumber)
	assert.Equal(t, qty(70, 70, 0, 0), f.quantities(amox, "B1"))
	require.Len(t, f.billing.deliveries, 1)
	assert.Equal(t, rec.ID, f.billing.deliveries[0].RecordID)

	// AND: Partial then full return restock the batch
	rec, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{
		Pharmacist: pharmacist,
		Reason:     "adverse reaction",
		Lines:      []dispense.ReturnLine{{Line: 0, Quantity: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusDelivered, rec.Status)
	assert.Equal(t, int64(20), rec.Outstanding())
	assert.Equal(t, qty(80, 80, 0, 0), f.quantities(amox, "B1"))

	rec, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Pharmacist: pharmacist})
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusReturned, rec.Status)
	assert.Equal(t, dispense.ItemReturned, rec.Items[0].Status)
	assert.Equal(t, int64(30), rec.Items[0].Returned)
	assert.NotNil(t, rec.ReturnedAt)
	assert.Equal(t, qty(100, 100, 0, 0), f.quantities(amox, "B1"))

	// Every movement is traceable to the record.
	txs, err := stock.NewTransactionLog(f.store).ForDocument(f.ctx, rec.ID)
	require.NoError(t, err)
	var got []stock.Kind
	for _, tx := range txs {
		got = append(got, tx.Kind)
	}
	assert.Equal(t, []stock.Kind{stock.KindReserve, stock.KindOut, stock.KindIn, stock.KindIn}, got)
}

func TestDispenseItem_FEFOAcrossBatches(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "LATE", 100, 400)
	f.stockIn(amox, "SOON", 20, 20)

	rec := f.started("RX-1", line(amox, 30))
	rec, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)

	allocs := rec.Items[0].Allocations
	require.Len(t, allocs, 2)
	assert.Equal(t, "SOON", allocs[0].BatchNumber)
	assert.Equal(t, int64(20), allocs[0].Quantity)
	assert.Equal(t, "LATE", allocs[1].BatchNumber)
	assert.Equal(t, int64(10), allocs[1].Quantity)

	_, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(t, err)
	_, _, err = f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	require.NoError(t, err)
	assert.Equal(t, qty(0, 0, 0, 0), f.quantities(amox, "SOON"))
	assert.Equal(t, qty(90, 90, 0, 0), f.quantities(amox, "LATE"))

	// Returns go back to the latest allocation first.
	_, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Lines: []dispense.ReturnLine{{Line: 0, Quantity: 15}}})
	require.NoError(t, err)
	assert.Equal(t, qty(100, 100, 0, 0), f.quantities(amox, "LATE"))
	assert.Equal(t, qty(5, 5, 0, 0), f.quantities(amox, "SOON"))
}

// =============================================================================
// DUPLICATES & VALIDATION
// =============================================================================

func TestStart_DuplicatePrescription(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	first := f.started("RX-1", line(amox, 5))

	_, err := f.wf.Start(f.ctx, rx("RX-1", line(amox, 5)), pharmacist)
	var dup *dispense.DuplicateDispenseError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, dispense.StatusInProgress, dup.Status)

	_, err = f.wf.Open(f.ctx, rx("RX-1", line(amox, 5)))
	assert.ErrorIs(t, err, dispense.ErrDuplicateDispense)

	// A cancelled record no longer blocks the prescription.
	_, err = f.wf.Cancel(f.ctx, first.ID, "wrong patient")
	require.NoError(t, err)
	second := f.started("RX-1", line(amox, 5))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStart_PicksUpPendingRecord(t *testing.T) {
	f := newFixture(t)
	opened, err := f.wf.Open(f.ctx, rx("RX-1", line(amox, 5)))
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusPending, opened.Status)

	started := f.started("RX-1", line(amox, 5))
	assert.Equal(t, opened.ID, started.ID)
	assert.Equal(t, pharmacist, started.StartedBy)
	assert.NotNil(t, started.StartedAt)
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		p    dispense.Prescription
		want error
	}{
		{"missing id", rx("", line(amox, 1)), dispense.ErrInvalidPrescription},
		{"no lines", rx("RX-1"), dispense.ErrInvalidPrescription},
		{"zero quantity", rx("RX-1", line(amox, 0)), dispense.ErrInvalidPrescription},
		{"no medicine", rx("RX-1", line("", 1)), dispense.ErrInvalidPrescription},
		{"unknown medicine", rx("RX-1", line("NOPE", 1)), stock.ErrMedicineNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wf.Open(f.ctx, tt.p)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, dispense.IsClientError(err) || dispense.IsNotFound(err))
		})
	}

	records, err := f.wf.List(f.ctx, dispense.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestItemActions_RequireInProgress(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	opened, err := f.wf.Open(f.ctx, rx("RX-1", line(amox, 5)))
	require.NoError(t, err)

	_, err = f.wf.DispenseItem(f.ctx, opened.ID, 0, pharmacist)
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition)

	rec := f.started("RX-1", line(amox, 5))
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 3, pharmacist)
	assert.ErrorIs(t, err, dispense.ErrItemNotFound)

	_, err = f.wf.DispenseItem(f.ctx, "missing", 0, pharmacist)
	assert.ErrorIs(t, err, dispense.ErrRecordNotFound)

	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition, "a dispensed line is not reserved twice")
	assert.Equal(t, qty(100, 95, 5, 0), f.quantities(amox, "B1"))
}

// =============================================================================
// SHORTAGES & SUBSTITUTION
// =============================================================================

func TestDispenseItem_ShortageThenAcceptShort(t *testing.T) {
	// GIVEN: 10 units for a line of 30
	f := newFixture(t)
	f.stockIn(amox, "B1", 10, 90)
	rec := f.started("RX-1", line(amox, 30))

	// WHEN: The line is dispensed
	got, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)

	// THEN: The record is saved as short and nothing is reserved
	var short *stock.InsufficientStockError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, int64(20), short.Shortfall)
	require.NotNil(t, got)
	assert.Equal(t, dispense.ItemOutOfStock, got.Items[0].Status)
	assert.Equal(t, int64(20), got.Items[0].Shortfall)
	assert.Equal(t, dispense.StockShort, got.StockCheck)
	assert.Equal(t, qty(10, 10, 0, 0), f.quantities(amox, "B1"))

	stored, err := f.wf.Get(f.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, dispense.ItemOutOfStock, stored.Items[0].Status)

	_, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	var incomplete *dispense.IncompleteItemsError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []int{0}, incomplete.Lines)

	// AND: Accepting the short fill reserves what is left
	got, err = f.wf.AcceptShort(f.ctx, rec.ID, 0, pharmacist, "patient agreed")
	require.NoError(t, err)
	it := got.Items[0]
	assert.True(t, it.Accepted)
	assert.Equal(t, int64(10), it.Dispensed)
	assert.Equal(t, int64(20), it.Shortfall)
	assert.Equal(t, "patient agreed", it.AcceptReason)
	assert.Equal(t, qty(10, 0, 10, 0), f.quantities(amox, "B1"))

	_, err = f.wf.AcceptShort(f.ctx, rec.ID, 0, pharmacist, "")
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition)

	got, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusDispensed, got.Status)
}

func TestDispenseItem_RetryAfterRestock(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 10, 90)
	rec := f.started("RX-1", line(amox, 30))
	_, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	f.stockIn(amox, "B2", 50, 120)
	got, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)
	assert.Equal(t, dispense.ItemDispensed, got.Items[0].Status)
	assert.Equal(t, int64(0), got.Items[0].Shortfall)
}

func TestSubstituteAndReset(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amoxcl, "C1", 50, 90)
	rec := f.started("RX-1", line(amox, 20))

	_, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	_, err = f.wf.Substitute(f.ctx, rec.ID, 0, amox, "same", pharmacist)
	assert.ErrorIs(t, err, dispense.ErrInvalidSubstitute)

	got, err := f.wf.Substitute(f.ctx, rec.ID, 0, amoxcl, "out of stock", pharmacist)
	require.NoError(t, err)
	it := got.Items[0]
	assert.Equal(t, dispense.ItemSubstituted, it.Status)
	assert.Equal(t, amoxcl, it.MedicineID)
	assert.Equal(t, amox, it.OriginalMedicineID)
	assert.Equal(t, qty(50, 30, 20, 0), f.quantities(amoxcl, "C1"))

	_, err = f.wf.Substitute(f.ctx, rec.ID, 0, morph, "", pharmacist)
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition, "held stock must be reset first")

	got, err = f.wf.ResetItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)
	it = got.Items[0]
	assert.Equal(t, dispense.ItemPending, it.Status)
	assert.Equal(t, amox, it.MedicineID)
	assert.Empty(t, it.OriginalMedicineID)
	assert.Empty(t, it.Allocations)
	assert.Equal(t, qty(50, 50, 0, 0), f.quantities(amoxcl, "C1"))

	_, err = f.wf.ResetItem(f.ctx, rec.ID, 0, pharmacist)
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition)
}

func TestSubstitute_ShortSubstituteKeepsItemOutOfStock(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amoxcl, "C1", 5, 90)
	rec := f.started("RX-1", line(amox, 20))

	got, err := f.wf.Substitute(f.ctx, rec.ID, 0, amoxcl, "", pharmacist)
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.NotNil(t, got)
	assert.Equal(t, dispense.ItemOutOfStock, got.Items[0].Status)
	assert.Equal(t, amox, got.Items[0].MedicineID)
	assert.Equal(t, int64(15), got.Items[0].Shortfall, "what the substitute could not cover")
	assert.Equal(t, qty(5, 5, 0, 0), f.quantities(amoxcl, "C1"))
}

func TestSubstitute_ShortAfterShortageRecordsSubstituteShortfall(t *testing.T) {
	// GIVEN: A line already out of stock on its own medicine
	f := newFixture(t)
	f.stockIn(amox, "B1", 2, 90)
	f.stockIn(amoxcl, "C1", 12, 90)
	rec := f.started("RX-1", line(amox, 20))
	got, err := f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	require.Equal(t, int64(18), got.Items[0].Shortfall)

	// WHEN: The substitute is short too
	got, err = f.wf.Substitute(f.ctx, rec.ID, 0, amoxcl, "", pharmacist)

	// THEN: The shortfall is the substitute's
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Equal(t, dispense.ItemOutOfStock, got.Items[0].Status)
	assert.Equal(t, int64(8), got.Items[0].Shortfall)
}

// =============================================================================
// REVIEW
// =============================================================================

func TestReview_GatesFlaggedDelivery(t *testing.T) {
	// GIVEN: A line with an allergy warning
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	flagged := line(amox, 10)
	flagged.AllergyWarning = true
	rec := f.dispensed("RX-1", flagged)
	require.True(t, rec.RequiresReview)

	// WHEN: Delivery is attempted without approval
	_, _, err := f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	assert.ErrorIs(t, err, dispense.ErrReviewRequired)

	// THEN: Rejection reopens the record with reservations intact
	rec, err = f.wf.Review(f.ctx, rec.ID, 8, false, "wrong strength")
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusInProgress, rec.Status)
	assert.Equal(t, dispense.ReviewRejected, rec.Review)
	assert.Equal(t, "FAILED", rec.Items[0].QualityCheck)
	assert.Equal(t, qty(100, 90, 10, 0), f.quantities(amox, "B1"))

	rec, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(t, err)
	_, _, err = f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	assert.ErrorIs(t, err, dispense.ErrReviewRequired, "completing again clears the old review")

	rec, err = f.wf.Review(f.ctx, rec.ID, 8, true, "")
	require.NoError(t, err)
	assert.Equal(t, dispense.ReviewApproved, rec.Review)
	assert.Equal(t, int64(8), rec.ReviewedBy)

	_, _, err = f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	require.NoError(t, err)
	assert.Equal(t, qty(90, 90, 0, 0), f.quantities(amox, "B1"))
}

func TestComplete_ControlledMedicineRequiresReview(t *testing.T) {
	f := newFixture(t)
	f.stockIn(morph, "M1", 20, 90)
	rec := f.dispensed("RX-1", line(morph, 2))
	assert.True(t, rec.RequiresReview)
	assert.True(t, rec.Items[0].Controlled)
}

func TestComplete_PrescriptionWarningsRequireReview(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 20, 90)
	p := rx("RX-1", line(amox, 2))
	p.Warnings = []string{"duplicate therapy"}

	rec, err := f.wf.Start(f.ctx, p, pharmacist)
	require.NoError(t, err)
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)
	rec, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(t, err)
	assert.True(t, rec.RequiresReview)
	assert.Equal(t, []string{"duplicate therapy"}, rec.Warnings)
}

// =============================================================================
// CANCEL & RETURN
// =============================================================================

func TestCancel_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	f.stockIn(amoxcl, "C1", 100, 90)
	rec, err := f.wf.Start(f.ctx, rx("RX-1", line(amox, 30), line(amoxcl, 10)), pharmacist)
	require.NoError(t, err)
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.NoError(t, err)
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 1, pharmacist)
	require.NoError(t, err)

	rec, err = f.wf.Cancel(f.ctx, rec.ID, "patient left")
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusCancelled, rec.Status)
	assert.Equal(t, "patient left", rec.CancelReason)
	assert.Equal(t, qty(100, 100, 0, 0), f.quantities(amox, "B1"))
	assert.Equal(t, qty(100, 100, 0, 0), f.quantities(amoxcl, "C1"))

	_, err = f.wf.Cancel(f.ctx, rec.ID, "again")
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition)
}

func TestCancel_NotAfterDispensed(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	rec := f.dispensed("RX-1", line(amox, 5))

	_, err := f.wf.Cancel(f.ctx, rec.ID, "")
	var it *dispense.InvalidTransitionError
	require.True(t, errors.As(err, &it))
	assert.Equal(t, dispense.StatusDispensed, it.From)
}

func TestReturn_BeforeDeliveryReleases(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	rec := f.dispensed("RX-1", line(amox, 30))

	_, err := f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Lines: []dispense.ReturnLine{{Line: 0, Quantity: 31}}})
	assert.ErrorIs(t, err, dispense.ErrReturnExceeds)
	assert.Equal(t, qty(100, 70, 30, 0), f.quantities(amox, "B1"))

	_, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Lines: []dispense.ReturnLine{{Line: 0, Quantity: 0}}})
	assert.ErrorIs(t, err, stock.ErrInvalidQuantity)

	_, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Lines: []dispense.ReturnLine{{Line: 4, Quantity: 1}}})
	assert.ErrorIs(t, err, dispense.ErrItemNotFound)

	rec, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Reason: "not collected"})
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusReturned, rec.Status)
	assert.Equal(t, qty(100, 100, 0, 0), f.quantities(amox, "B1"))

	_, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{})
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition)
}

func TestReturn_RecalledBatchStillReleases(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	rec := f.dispensed("RX-1", line(amox, 30))

	_, err := f.ledger.Recall(f.ctx, stock.BatchKey{MedicineID: amox, BatchNumber: "B1"}, stock.Meta{Reason: "supplier notice"})
	require.NoError(t, err)

	rec, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{Reason: "recall"})
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusReturned, rec.Status)
	assert.Equal(t, qty(100, 0, 0, 100), f.quantities(amox, "B1"), "released units join the recalled stock")
	f.requireInSync(amox, "B1")
}

func TestReturn_AfterDeliveryOfRecalledBatch(t *testing.T) {
	// GIVEN: 30 units delivered from B1, then B1 is recalled
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	rec := f.dispensed("RX-1", line(amox, 30))
	rec, _, err := f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	require.NoError(t, err)
	_, err = f.ledger.Recall(f.ctx, stock.BatchKey{MedicineID: amox, BatchNumber: "B1"}, stock.Meta{Reason: "supplier notice"})
	require.NoError(t, err)
	require.Equal(t, qty(70, 0, 0, 70), f.quantities(amox, "B1"))

	// WHEN: The patient brings everything back
	rec, err = f.wf.Return(f.ctx, rec.ID, dispense.ReturnRequest{
		Reason: "recall",
		Lines:  []dispense.ReturnLine{{Line: 0, Quantity: 30}},
	})

	// THEN: The return goes through and the units are quarantined
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusReturned, rec.Status)
	assert.Equal(t, int64(30), rec.Items[0].Returned)
	assert.Equal(t, qty(100, 0, 0, 100), f.quantities(amox, "B1"))
	f.requireInSync(amox, "B1")

	txs, err := stock.NewTransactionLog(f.store).ForDocument(f.ctx, rec.ID)
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, stock.KindIn, last.Kind)
	assert.True(t, last.Quarantined)
}

// =============================================================================
// DELIVERY
// =============================================================================

func TestDeliver_BillingFailureDoesNotUndoDelivery(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	f.billing.err = errors.New("billing offline")
	rec := f.dispensed("RX-1", line(amox, 4))

	rec, delivery, err := f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	require.NoError(t, err)
	assert.Equal(t, dispense.StatusDelivered, rec.Status)
	assert.Equal(t, "2.00", delivery.Total.StringFixed(2))
	assert.Equal(t, qty(96, 96, 0, 0), f.quantities(amox, "B1"))
}

func TestDeliver_ShortAcceptedLineBillsWhatWasGiven(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 10, 90)
	f.stockIn(amoxcl, "C1", 10, 90)
	rec, err := f.wf.Start(f.ctx, rx("RX-1", line(amox, 30), line(amoxcl, 5)), pharmacist)
	require.NoError(t, err)
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 0, pharmacist)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
	_, err = f.wf.AcceptShort(f.ctx, rec.ID, 0, pharmacist, "")
	require.NoError(t, err)
	_, err = f.wf.DispenseItem(f.ctx, rec.ID, 1, pharmacist)
	require.NoError(t, err)
	_, err = f.wf.Complete(f.ctx, rec.ID, pharmacist)
	require.NoError(t, err)

	_, delivery, err := f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	require.NoError(t, err)
	// 10 x 0.50 + 5 x 1.20
	assert.Equal(t, "11.00", delivery.Total.StringFixed(2))
	assert.Len(t, delivery.Charges, 2)
}

func TestDeliver_Twice(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	rec := f.dispensed("RX-1", line(amox, 4))
	_, _, err := f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	require.NoError(t, err)

	_, _, err = f.wf.Deliver(f.ctx, rec.ID, pharmacist, "")
	assert.ErrorIs(t, err, dispense.ErrInvalidTransition)
	assert.Equal(t, qty(96, 96, 0, 0), f.quantities(amox, "B1"))
	assert.Len(t, f.billing.deliveries, 1)
}

// =============================================================================
// LISTING
// =============================================================================

func TestList_Filters(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	a := f.started("RX-1", line(amox, 1))
	f.clock.Set(f.clock.Now().Add(time.Minute))
	b := f.started("RX-2", line(amox, 1))
	_, err := f.wf.Cancel(f.ctx, a.ID, "")
	require.NoError(t, err)

	all, err := f.wf.List(f.ctx, dispense.Filter{PatientID: 501})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	active, err := f.wf.List(f.ctx, dispense.Filter{Statuses: dispense.ActiveStatuses})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "RX-2", active[0].PrescriptionID)

	got, err := f.wf.ActiveForPrescription(f.ctx, "RX-2")
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = f.wf.ActiveForPrescription(f.ctx, "RX-1")
	assert.ErrorIs(t, err, dispense.ErrRecordNotFound)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStart_ConcurrentStartsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		dups    int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.wf.Start(f.ctx, rx("RX-1", line(amox, 5)), int64(i+1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, rec.ID)
			case errors.Is(err, dispense.ErrDuplicateDispense):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, winners, 1)
	assert.Equal(t, 9, dups)
	records, err := f.wf.List(f.ctx, dispense.Filter{PrescriptionID: "RX-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDispenseItem_ConcurrentPrescriptionsNeverOversell(t *testing.T) {
	// GIVEN: 100 units and five prescriptions of 30
	f := newFixture(t)
	f.stockIn(amox, "B1", 100, 90)
	f.ledger.MaxRetries = 50
	f.wf.MaxReplans = 50

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.started(fmt.Sprintf("RX-%d", i), line(amox, 30)).ID
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ok    int
		short int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.wf.DispenseItem(f.ctx, id, 0, pharmacist)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, stock.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	// THEN: Three fit, two are short, the batch stays consistent
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, short)
	assert.Equal(t, qty(100, 10, 90, 0), f.quantities(amox, "B1"))

	d, err := stock.NewTransactionLog(f.store).Verify(f.ctx, stock.BatchKey{MedicineID: amox, BatchNumber: "B1"})
	require.NoError(t, err)
	assert.True(t, d.InSync())
}
