/*
Package storetest is the shared contract test for storage backends.

PURPOSE:
  store/memory and store/sqlite must behave identically for the ledger and
  the dispense workflow. Each backend's _test.go calls Run with a
  constructor and gets the same assertions:
  - catalog upserts keep CreatedAt
  - Commit is all-or-nothing and checks versions
  - the transaction log keeps append order, filters and settles once
  - one active dispense record per prescription

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) storetest.Backend { return memory.New() })
  }
*/
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
)

// Backend is every storage interface a production store implements.
type Backend interface {
	stock.Store
	stock.ReconciliationStore
	dispense.Store
	Reset(ctx context.Context) error
}

// Run executes the contract against fresh backends from newBackend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"Catalog", testCatalog},
		{"CommitCreatesAndUpdates", testCommit},
		{"CommitIsAtomic", testCommitAtomic},
		{"TransactionLog", testTransactionLog},
		{"CancelSettlesOnce", testCancel},
		{"StockTakes", testStockTakes},
		{"DispenseRecords", testRecords},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

var (
	t0  = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	amx = stock.MedicineID("AMOX500")
	par = stock.MedicineID("PARA500")
)

func saveMedicines(t *testing.T, s Backend) {
	t.Helper()
	for _, id := range []stock.MedicineID{par, amx} {
		require.NoError(t, s.SaveMedicine(context.Background(), stock.Medicine{
			ID:        id,
			Name:      string(id),
			Unit:      "tablet",
			UnitPrice: decimal.RequireFromString("0.50"),
			MinStock:  10,
			MaxStock:  100,
			Enabled:   true,
			CreatedAt: t0,
			UpdatedAt: t0,
		}))
	}
}

func newBatch(id stock.MedicineID, number string, expiryDays int, qty int64) stock.Batch {
	return stock.Batch{
		ID:          string(id) + "-" + number,
		MedicineID:  id,
		BatchNumber: number,
		Expiry:      stock.Date(2025, time.June, 1).AddDate(0, 0, expiryDays),
		UnitCost:    decimal.RequireFromString("0.25"),
		Quantities:  stock.Quantities{Current: qty, Available: qty},
		Status:      stock.BatchNormal,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

// pending appends a PENDING entry and returns its number.
func pending(t *testing.T, s Backend, tx stock.Transaction) string {
	t.Helper()
	ctx := context.Background()
	seq, err := s.NextTxSequence(ctx, tx.MedicineID)
	require.NoError(t, err)
	tx.Number = stock.TxNumber(tx.MedicineID, seq)
	tx.Status = stock.TxPending
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = t0
	}
	require.NoError(t, s.AppendTx(ctx, tx))
	return tx.Number
}

// create inserts a batch through Commit the way the ledger does.
func create(t *testing.T, s Backend, b stock.Batch) stock.Batch {
	t.Helper()
	ctx := context.Background()
	number := pending(t, s, stock.Transaction{MedicineID: b.MedicineID, BatchNumber: b.BatchNumber, Kind: stock.KindIn, Delta: b.Current})
	require.NoError(t, s.Commit(ctx, stock.Commit{
		Writes:    []stock.BatchWrite{{Batch: b, Create: true}},
		TxNumber:  number,
		SettledAt: t0,
	}))
	stored, err := s.Batch(ctx, b.Key())
	require.NoError(t, err)
	return stored
}

// =============================================================================
// CATALOG
// =============================================================================

func testCatalog(t *testing.T, s Backend) {
	ctx := context.Background()
	saveMedicines(t, s)

	meds, err := s.Medicines(ctx)
	require.NoError(t, err)
	require.Len(t, meds, 2)
	assert.Equal(t, amx, meds[0].ID, "ordered by id")

	m, err := s.Medicine(ctx, amx)
	require.NoError(t, err)
	assert.Equal(t, "0.5", m.UnitPrice.String())
	assert.True(t, m.Enabled)
	assert.True(t, m.CreatedAt.Equal(t0))

	// An update without CreatedAt keeps the original one.
	m.CreatedAt = time.Time{}
	m.MinStock = 40
	m.Controlled = true
	require.NoError(t, s.SaveMedicine(ctx, m))
	m, err = s.Medicine(ctx, amx)
	require.NoError(t, err)
	assert.Equal(t, int64(40), m.MinStock)
	assert.True(t, m.Controlled)
	assert.True(t, m.CreatedAt.Equal(t0))

	_, err = s.Medicine(ctx, "NOPE")
	assert.ErrorIs(t, err, stock.ErrMedicineNotFound)
}

// =============================================================================
// BATCHES & COMMIT
// =============================================================================

func testCommit(t *testing.T, s Backend) {
	ctx := context.Background()
	saveMedicines(t, s)

	late := create(t, s, newBatch(amx, "LATE", 90, 10))
	soon := create(t, s, newBatch(amx, "SOON", 10, 5))
	create(t, s, newBatch(par, "P1", 0, 0))

	assert.Equal(t, int64(1), late.Version)
	assert.Less(t, late.Seq, soon.Seq)
	assert.Equal(t, stock.Date(2025, time.August, 30), late.Expiry)
	assert.Equal(t, "0.25", late.UnitCost.String())

	// Update at the expected version.
	late.Available, late.Reserved = 6, 4
	number := pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "LATE", Kind: stock.KindReserve, Delta: -4})
	require.NoError(t, s.Commit(ctx, stock.Commit{
		Writes:    []stock.BatchWrite{{Batch: late, ExpectedVersion: 1}},
		TxNumber:  number,
		SettledAt: t0.Add(time.Minute),
	}))
	got, err := s.Batch(ctx, late.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, late.Seq, got.Seq)
	assert.Equal(t, stock.Quantities{Current: 10, Available: 6, Reserved: 4}, got.Quantities)

	tx, err := s.Transaction(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, stock.TxConfirmed, tx.Status)
	require.NotNil(t, tx.SettledAt)
	assert.True(t, tx.SettledAt.Equal(t0.Add(time.Minute)))

	// Stale version.
	number = pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "LATE", Kind: stock.KindReserve, Delta: -1})
	err = s.Commit(ctx, stock.Commit{
		Writes:    []stock.BatchWrite{{Batch: late, ExpectedVersion: 1}},
		TxNumber:  number,
		SettledAt: t0,
	})
	assert.ErrorIs(t, err, stock.ErrVersionConflict)

	// Creating an existing batch.
	err = s.Commit(ctx, stock.Commit{
		Writes:    []stock.BatchWrite{{Batch: newBatch(amx, "SOON", 10, 1), Create: true}},
		TxNumber:  number,
		SettledAt: t0,
	})
	assert.ErrorIs(t, err, stock.ErrVersionConflict)

	_, err = s.Batch(ctx, stock.BatchKey{MedicineID: amx, BatchNumber: "NOPE"})
	assert.ErrorIs(t, err, stock.ErrBatchNotFound)

	// Ordering and filters.
	all, err := s.Batches(ctx, stock.BatchFilter{})
	require.NoError(t, err)
	var order []string
	for _, b := range all {
		order = append(order, b.BatchNumber)
	}
	assert.Equal(t, []string{"SOON", "LATE", "P1"}, order)

	nonEmpty, err := s.Batches(ctx, stock.BatchFilter{NonEmpty: true, MedicineID: amx})
	require.NoError(t, err)
	assert.Len(t, nonEmpty, 2)

	cutoff := stock.Date(2025, time.June, 20)
	before, err := s.Batches(ctx, stock.BatchFilter{ExpiryBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, "SOON", before[0].BatchNumber)
	assert.Equal(t, "P1", before[1].BatchNumber)

	normal, err := s.Batches(ctx, stock.BatchFilter{Statuses: []stock.BatchStatus{stock.BatchRecalled}})
	require.NoError(t, err)
	assert.Empty(t, normal)
}

func testCommitAtomic(t *testing.T, s Backend) {
	ctx := context.Background()
	saveMedicines(t, s)
	src := create(t, s, newBatch(amx, "SRC", 30, 10))
	dst := create(t, s, newBatch(amx, "DST", 60, 10))

	// The destination write is stale, so the source must not move either.
	src.Current, src.Available = 7, 7
	dst.Current, dst.Available = 13, 13
	number := pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "SRC", ToBatch: "DST", Kind: stock.KindTransfer, Delta: -3})
	err := s.Commit(ctx, stock.Commit{
		Writes: []stock.BatchWrite{
			{Batch: src, ExpectedVersion: 1},
			{Batch: dst, ExpectedVersion: 5},
		},
		TxNumber:  number,
		SettledAt: t0,
	})
	require.ErrorIs(t, err, stock.ErrVersionConflict)

	got, err := s.Batch(ctx, src.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Current)
	assert.Equal(t, int64(1), got.Version)

	tx, err := s.Transaction(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, stock.TxPending, tx.Status, "a failed commit confirms nothing")
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func testTransactionLog(t *testing.T, s Backend) {
	ctx := context.Background()

	// Sequences are per medicine.
	a1, err := s.NextTxSequence(ctx, amx)
	require.NoError(t, err)
	a2, err := s.NextTxSequence(ctx, amx)
	require.NoError(t, err)
	p1, err := s.NextTxSequence(ctx, par)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 1}, []int64{a1, a2, p1})

	n1 := pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "B1", Kind: stock.KindIn, Delta: 10, Operator: "alice"})
	n2 := pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "B1", ToBatch: "B2", Kind: stock.KindTransfer, Delta: -2, CreatedAt: t0.Add(time.Hour)})
	n3 := pending(t, s, stock.Transaction{MedicineID: par, BatchNumber: "P1", Kind: stock.KindIn, Delta: 5, RelatedDoc: "DOC"})
	n4 := pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "B2", Kind: stock.KindRelease, Delta: 1, Quarantined: true, RelatedDoc: "DOC", CreatedAt: t0.Add(2 * time.Hour)})
	assert.Equal(t, "AMOX500-000003", n1)

	numbers := func(filter stock.TxFilter) []string {
		txs, err := s.Transactions(ctx, filter)
		require.NoError(t, err)
		var out []string
		for _, tx := range txs {
			out = append(out, tx.Number)
		}
		return out
	}
	from := t0.Add(time.Hour)
	to := t0.Add(2 * time.Hour)

	assert.Equal(t, []string{n1, n2, n3, n4}, numbers(stock.TxFilter{}))
	assert.Equal(t, []string{n1, n2, n4}, numbers(stock.TxFilter{MedicineID: amx}))
	assert.Equal(t, []string{n2, n4}, numbers(stock.TxFilter{MedicineID: amx, BatchNumber: "B2"}))
	assert.Equal(t, []string{n3, n4}, numbers(stock.TxFilter{RelatedDoc: "DOC"}))
	assert.Equal(t, []string{n1, n3}, numbers(stock.TxFilter{Kinds: []stock.Kind{stock.KindIn}}))
	assert.Equal(t, []string{n2}, numbers(stock.TxFilter{From: &from, To: &to}))
	assert.Equal(t, []string{n1, n2}, numbers(stock.TxFilter{Limit: 2}))
	assert.Empty(t, numbers(stock.TxFilter{Statuses: []stock.TxStatus{stock.TxConfirmed}}))

	tx, err := s.Transaction(ctx, n2)
	require.NoError(t, err)
	assert.Equal(t, "B2", tx.ToBatch)
	assert.Equal(t, int64(-2), tx.Delta)
	assert.Nil(t, tx.SettledAt)
	assert.True(t, tx.CreatedAt.Equal(t0.Add(time.Hour)))
	assert.False(t, tx.Quarantined)

	tx, err = s.Transaction(ctx, n4)
	require.NoError(t, err)
	assert.True(t, tx.Quarantined)
	assert.Equal(t, stock.KindRelease, tx.Kind)

	_, err = s.Transaction(ctx, "NOPE-000001")
	assert.ErrorIs(t, err, stock.ErrTransactionNotFound)

	err = s.AppendTx(ctx, stock.Transaction{Number: n1, MedicineID: amx, Kind: stock.KindIn, Status: stock.TxPending, CreatedAt: t0})
	assert.Error(t, err, "numbers are unique")
}

func testCancel(t *testing.T, s Backend) {
	ctx := context.Background()
	number := pending(t, s, stock.Transaction{MedicineID: amx, BatchNumber: "B1", Kind: stock.KindReserve, Delta: -5})

	require.NoError(t, s.CancelTx(ctx, number, "insufficient stock", t0.Add(time.Second)))
	tx, err := s.Transaction(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, stock.TxCancelled, tx.Status)
	assert.Equal(t, "insufficient stock", tx.CancelReason)
	require.NotNil(t, tx.SettledAt)

	assert.Error(t, s.CancelTx(ctx, number, "again", t0))
	assert.Error(t, s.Commit(ctx, stock.Commit{TxNumber: number, SettledAt: t0}), "settled entries stay settled")
}

// =============================================================================
// STOCK TAKES
// =============================================================================

func testStockTakes(t *testing.T, s Backend) {
	ctx := context.Background()
	key := stock.BatchKey{MedicineID: amx, BatchNumber: "B1"}

	require.NoError(t, s.SaveStockTake(ctx, stock.StockTake{
		ID: "st-1", MedicineID: amx, BatchNumber: "B1", Expected: 10, Counted: 10, Operator: "bob", CreatedAt: t0,
	}))
	require.NoError(t, s.SaveStockTake(ctx, stock.StockTake{
		ID: "st-2", MedicineID: amx, BatchNumber: "B1", Expected: 10, Counted: 7, Delta: -3,
		TxNumber: "AMOX500-000009", CreatedAt: t0.AddDate(0, 0, 3),
		Mismatch: &stock.ReconciliationMismatch{Key: key, Expected: 10, Counted: 7, Delta: -3},
	}))
	require.NoError(t, s.SaveStockTake(ctx, stock.StockTake{
		ID: "st-3", MedicineID: par, BatchNumber: "P1", Expected: 5, Counted: 5, CreatedAt: t0,
	}))

	all, err := s.StockTakes(ctx, stock.StockTakeFilter{MedicineID: amx, BatchNumber: "B1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "st-1", all[0].ID)
	assert.Nil(t, all[0].Mismatch)

	since := t0.AddDate(0, 0, 1)
	mismatches, err := s.StockTakes(ctx, stock.StockTakeFilter{MismatchOnly: true, Since: &since})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	require.NotNil(t, mismatches[0].Mismatch)
	assert.Equal(t, int64(-3), mismatches[0].Mismatch.Delta)
	assert.Equal(t, key, mismatches[0].Mismatch.Key)
	assert.Equal(t, "AMOX500-000009", mismatches[0].TxNumber)

	later := t0.AddDate(0, 0, 4)
	none, err := s.StockTakes(ctx, stock.StockTakeFilter{Since: &later})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// DISPENSE RECORDS
// =============================================================================

func newRecord(id, prescription string, status dispense.Status, created time.Time) dispense.Record {
	return dispense.Record{
		ID:             id,
		PrescriptionID: prescription,
		PatientID:      501,
		Status:         status,
		Items: []dispense.Item{{
			Line:       0,
			MedicineID: amx,
			Requested:  30,
			Status:     dispense.ItemDispensed,
			Allocations: []dispense.Allocation{{
				BatchNumber: "B1",
				Expiry:      stock.Date(2025, time.June, 1),
				UnitCost:    decimal.RequireFromString("0.25"),
				Quantity:    30,
			}},
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func testRecords(t *testing.T, s Backend) {
	ctx := context.Background()

	first := newRecord("r-1", "RX-1", dispense.StatusInProgress, t0)
	require.NoError(t, s.CreateRecord(ctx, first))

	got, err := s.Record(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(30), got.Items[0].Allocations[0].Quantity)
	assert.Equal(t, "0.25", got.Items[0].Allocations[0].UnitCost.String())

	// One active record per prescription.
	err = s.CreateRecord(ctx, newRecord("r-2", "RX-1", dispense.StatusPending, t0))
	var dup *dispense.DuplicateDispenseError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.Equal(t, "r-1", dup.ExistingID)
	assert.Equal(t, dispense.StatusInProgress, dup.Status)

	active, err := s.ActiveRecord(ctx, "RX-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", active.ID)

	// Versioned update.
	got.Status = dispense.StatusCancelled
	got.CancelReason = "patient left"
	require.NoError(t, s.UpdateRecord(ctx, got, 1))
	assert.ErrorIs(t, s.UpdateRecord(ctx, got, 1), dispense.ErrStaleRecord)
	assert.ErrorIs(t, s.UpdateRecord(ctx, newRecord("missing", "RX-9", dispense.StatusPending, t0), 1), dispense.ErrRecordNotFound)

	got, err = s.Record(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "patient left", got.CancelReason)

	_, err = s.ActiveRecord(ctx, "RX-1")
	assert.ErrorIs(t, err, dispense.ErrRecordNotFound)

	// The cancelled record no longer blocks the prescription.
	require.NoError(t, s.CreateRecord(ctx, newRecord("r-2", "RX-1", dispense.StatusPending, t0.Add(time.Minute))))
	require.NoError(t, s.CreateRecord(ctx, newRecord("r-3", "RX-2", dispense.StatusDelivered, t0.Add(2*time.Minute))))

	ids := func(filter dispense.Filter) []string {
		records, err := s.Records(ctx, filter)
		require.NoError(t, err)
		var out []string
		for _, r := range records {
			out = append(out, r.ID)
		}
		return out
	}
	assert.Equal(t, []string{"r-3", "r-2", "r-1"}, ids(dispense.Filter{}), "newest first")
	assert.Equal(t, []string{"r-2", "r-1"}, ids(dispense.Filter{PrescriptionID: "RX-1"}))
	assert.Equal(t, []string{"r-3", "r-2"}, ids(dispense.Filter{Statuses: dispense.ActiveStatuses}))
	assert.Empty(t, ids(dispense.Filter{PatientID: 777}))

	_, err = s.Record(ctx, "nope")
	assert.ErrorIs(t, err, dispense.ErrRecordNotFound)
}

// =============================================================================
// RESET
// =============================================================================

func testReset(t *testing.T, s Backend) {
	ctx := context.Background()
	saveMedicines(t, s)
	create(t, s, newBatch(amx, "B1", 30, 10))
	require.NoError(t, s.CreateRecord(ctx, newRecord("r-1", "RX-1", dispense.StatusPending, t0)))
	require.NoError(t, s.SaveStockTake(ctx, stock.StockTake{ID: "st-1", MedicineID: amx, BatchNumber: "B1", CreatedAt: t0}))

	require.NoError(t, s.Reset(ctx))

	meds, err := s.Medicines(ctx)
	require.NoError(t, err)
	assert.Empty(t, meds)
	batches, err := s.Batches(ctx, stock.BatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, batches)
	txs, err := s.Transactions(ctx, stock.TxFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
	takes, err := s.StockTakes(ctx, stock.StockTakeFilter{})
	require.NoError(t, err)
	assert.Empty(t, takes)
	records, err := s.Records(ctx, dispense.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	// Sequences restart.
	seq, err := s.NextTxSequence(ctx, amx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}
