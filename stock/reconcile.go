/*
reconcile.go - Stock-take reconciliation

PURPOSE:
  A stock take is a physical recount of one batch. The count is of TOTAL
  units on the shelf, so reserved and locked portions are preserved and only
  the available pool absorbs the difference.

FLOW:
  1. Read ledger current stock, delta = counted - current
  2. delta == 0: nothing is written to the ledger, no mismatch
  3. delta != 0: Ledger.Adjust, and the StockTake carries a
     ReconciliationMismatch warning for managerial review
  4. Every stock take is persisted, matching or not

  A recount below reserved+locked clamps available at zero. The units that
  cannot be explained are reported as the mismatch Anomaly.

SEE ALSO:
  - ledger.go: Adjust
  - report.go: Mismatches surface as alerts
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StockTake is the persisted outcome of one recount.
type StockTake struct {
	ID          string
	MedicineID  MedicineID
	BatchNumber string
	Expected    int64 // ledger current stock before the count
	Counted     int64
	Delta       int64 // applied change to current stock
	Anomaly     int64
	Operator    string
	Notes       string
	TxNumber    string // empty when nothing was adjusted
	Mismatch    *ReconciliationMismatch
	CreatedAt   time.Time
}

func (st StockTake) Key() BatchKey {
	return BatchKey{MedicineID: st.MedicineID, BatchNumber: st.BatchNumber}
}

type Reconciler struct {
	Ledger *Ledger
	Store  ReconciliationStore
	Logger zerolog.Logger
}

func NewReconciler(ledger *Ledger, store ReconciliationStore) *Reconciler {
	return &Reconciler{Ledger: ledger, Store: store, Logger: zerolog.Nop()}
}

// Reconcile records a recount of one batch and adjusts the ledger to it.
func (r *Reconciler) Reconcile(ctx context.Context, key BatchKey, counted int64, operator, notes string) (*StockTake, error) {
	if counted < 0 {
		return nil, &InvalidQuantityError{Quantity: counted}
	}
	batch, err := r.Ledger.Batch(ctx, key)
	if err != nil {
		return nil, err
	}

	st := &StockTake{
		ID:          uuid.NewString(),
		MedicineID:  key.MedicineID,
		BatchNumber: key.BatchNumber,
		Expected:    batch.Current,
		Counted:     counted,
		Operator:    operator,
		Notes:       notes,
		CreatedAt:   r.Ledger.Clock.Now(),
	}

	if counted != batch.Current {
		res, err := r.Ledger.Adjust(ctx, key, counted, Meta{
			Operator:   operator,
			RelatedDoc: st.ID,
			Reason:     reconcileReason(notes),
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", key, err)
		}
		st.Expected = res.Previous.Current
		st.Delta = res.Delta
		st.Anomaly = res.Anomaly
		if res.Transaction == nil {
			return r.save(ctx, st)
		}
		st.TxNumber = res.Transaction.Number
		st.Mismatch = &ReconciliationMismatch{
			Key:      key,
			Expected: res.Previous.Current,
			Counted:  counted,
			Delta:    counted - res.Previous.Current,
			Anomaly:  res.Anomaly,
		}
		r.Logger.Warn().
			Str("batch", key.String()).
			Int64("expected", st.Expected).
			Int64("counted", counted).
			Int64("anomaly", st.Anomaly).
			Str("operator", operator).
			Msg("stock take mismatch")
	}

	return r.save(ctx, st)
}

func (r *Reconciler) save(ctx context.Context, st *StockTake) (*StockTake, error) {
	if err := r.Store.SaveStockTake(ctx, *st); err != nil {
		return nil, fmt.Errorf("save stock take: %w", err)
	}
	return st, nil
}

// Mismatches lists stock takes that found a discrepancy since the given time.
func (r *Reconciler) Mismatches(ctx context.Context, since time.Time) ([]StockTake, error) {
	return r.Store.StockTakes(ctx, StockTakeFilter{MismatchOnly: true, Since: &since})
}

// History lists every stock take of a batch.
func (r *Reconciler) History(ctx context.Context, key BatchKey) ([]StockTake, error) {
	return r.Store.StockTakes(ctx, StockTakeFilter{MedicineID: key.MedicineID, BatchNumber: key.BatchNumber})
}

func reconcileReason(notes string) string {
	if notes == "" {
		return "stock take"
	}
	return "stock take: " + notes
}
