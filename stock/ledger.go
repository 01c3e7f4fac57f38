/*
ledger.go - The only mutation path for batch quantities

PURPOSE:
  Every pool movement (stock-in, reserve, release, consume, lock, unlock,
  transfer, loss, adjust) goes through the Ledger. Each call reads the
  batch row, computes the new counters on a copy, and commits the row
  together with its transaction log entry.

TRANSACTION LIFECYCLE:
  1. Arguments are validated and the batch is read. Failures here return
     without touching the log.
  2. A PENDING transaction is appended.
  3. The batch write and PENDING -> CONFIRMED commit as one store unit.
  4. Any failure after step 2 settles the entry as CANCELLED with the reason.

OPTIMISTIC CONCURRENCY:
  Commits are conditioned on the batch version read in step 1. A conflict
  re-reads and re-applies the whole movement, up to MaxRetries attempts,
  then fails with ConcurrentModificationError. Two writers on different
  batches never wait on each other.

EXAMPLE:
  // Two concurrent reserves of 6 against available 10:
  //   writer A commits version 3 -> 4
  //   writer B conflicts, re-reads available 4, fails InsufficientStock
  _, err := ledger.Reserve(ctx, key, 6, stock.Meta{RelatedDoc: recordID})

SEE ALSO:
  - store.go: Commit contract
  - fefo.go: Plans that ReservePlan turns into reservations
  - txlog.go: Replay that re-derives counters from CONFIRMED entries
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultMaxRetries bounds optimistic-concurrency attempts per ledger call.
const DefaultMaxRetries = 3

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store      Store
	Clock      Clock
	MaxRetries int
	Logger     zerolog.Logger
}

func NewLedger(store Store, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{
		Store:      store,
		Clock:      clock,
		MaxRetries: DefaultMaxRetries,
		Logger:     zerolog.Nop(),
	}
}

// StockIn describes a goods receipt.
type StockIn struct {
	MedicineID  MedicineID
	BatchNumber string
	Quantity    int64
	Expiry      time.Time
	UnitCost    decimal.Decimal
	Supplier    string
}

// AdjustResult reports what an Adjust did. Transaction is nil when the
// batch already held the requested quantity.
type AdjustResult struct {
	Transaction *Transaction
	Previous    Quantities
	New         Quantities
	Delta       int64
	Anomaly     int64
}

// =============================================================================
// MUTATIONS
// =============================================================================

// StockIn creates a batch or augments an existing one.
func (l *Ledger) StockIn(ctx context.Context, in StockIn, meta Meta) (Batch, error) {
	if err := checkQuantity(in.Quantity); err != nil {
		return Batch{}, err
	}
	if strings.TrimSpace(in.BatchNumber) == "" {
		return Batch{}, fmt.Errorf("%w: batch number is required", ErrInvalidArgument)
	}
	if in.Expiry.IsZero() {
		return Batch{}, fmt.Errorf("%w: expiry date is required", ErrInvalidArgument)
	}
	if _, err := l.Store.Medicine(ctx, in.MedicineID); err != nil {
		return Batch{}, err
	}

	now := l.Clock.Now()
	template := Batch{
		ID:          uuid.NewString(),
		MedicineID:  in.MedicineID,
		BatchNumber: in.BatchNumber,
		Expiry:      DateOf(in.Expiry),
		UnitCost:    in.UnitCost,
		Supplier:    in.Supplier,
		Status:      BatchNormal,
		CreatedAt:   now,
	}
	key := template.Key()
	q := in.Quantity

	res, err := l.execute(ctx, operation{
		kind:    KindIn,
		keys:    []BatchKey{key},
		nominal: q,
		meta:    meta,
		create:  &template,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Version > 0 {
				if !DateOf(b.Expiry).Equal(DateOf(in.Expiry)) {
					return 0, fmt.Errorf("%w: %s expires %s, receipt says %s", ErrBatchMismatch,
						key, b.Expiry.Format(time.DateOnly), in.Expiry.Format(time.DateOnly))
				}
				if b.Status == BatchRecalled {
					return 0, fmt.Errorf("%w: %s is recalled", ErrBatchUnavailable, key)
				}
			}
			b.Current += q
			b.Available += q
			return q, nil
		},
	})
	if err != nil {
		return Batch{}, err
	}
	return res.batches[0], nil
}

// Reserve moves q units from available to reserved. It never reserves
// partially.
func (l *Ledger) Reserve(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:    KindReserve,
		keys:    []BatchKey{key},
		nominal: -q,
		meta:    meta,
		apply: func(bs []Batch, today time.Time) (int64, error) {
			b := &bs[0]
			if b.Status == BatchRecalled {
				return 0, fmt.Errorf("%w: %s is recalled", ErrBatchUnavailable, key)
			}
			if b.ExpiredAt(today) {
				return 0, &ExpiredBatchError{Key: key, Expiry: b.Expiry.Format(time.DateOnly)}
			}
			if b.Available < q {
				return 0, &InsufficientStockError{
					MedicineID:  key.MedicineID,
					BatchNumber: key.BatchNumber,
					Available:   b.Available,
					Requested:   q,
					Shortfall:   q - b.Available,
				}
			}
			b.Available -= q
			b.Reserved += q
			return -q, nil
		},
	})
	return res.tx, err
}

// Release moves q units from reserved back to available. On a recalled
// batch the units go to locked instead.
func (l *Ledger) Release(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:       KindRelease,
		keys:       []BatchKey{key},
		nominal:    q,
		meta:       meta,
		quarantine: true,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Reserved < q {
				return 0, &OverReleaseError{Key: key, Pool: "reserved", Held: b.Reserved, Requested: q}
			}
			b.Reserved -= q
			if b.Status == BatchRecalled {
				b.Locked += q
			} else {
				b.Available += q
			}
			return q, nil
		},
	})
	return res.tx, err
}

// Consume permanently removes q reserved units.
func (l *Ledger) Consume(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:    KindOut,
		keys:    []BatchKey{key},
		nominal: -q,
		meta:    meta,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Reserved < q {
				return 0, &OverConsumeError{Key: key, Reserved: b.Reserved, Requested: q}
			}
			b.Reserved -= q
			b.Current -= q
			return -q, nil
		},
	})
	return res.tx, err
}

// Lock freezes q available units.
func (l *Ledger) Lock(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:    KindLock,
		keys:    []BatchKey{key},
		nominal: -q,
		meta:    meta,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Available < q {
				return 0, &InsufficientStockError{
					MedicineID:  key.MedicineID,
					BatchNumber: key.BatchNumber,
					Available:   b.Available,
					Requested:   q,
					Shortfall:   q - b.Available,
				}
			}
			b.Available -= q
			b.Locked += q
			return -q, nil
		},
	})
	return res.tx, err
}

// Unlock returns q locked units to available.
func (l *Ledger) Unlock(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:    KindUnlock,
		keys:    []BatchKey{key},
		nominal: q,
		meta:    meta,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Locked < q {
				return 0, &OverReleaseError{Key: key, Pool: "locked", Held: b.Locked, Requested: q}
			}
			b.Locked -= q
			b.Available += q
			return q, nil
		},
	})
	return res.tx, err
}

// Transfer moves q available units between two batches of the same
// medicine. Both rows and the single TRANSFER entry commit together.
func (l *Ledger) Transfer(ctx context.Context, medicineID MedicineID, from, to string, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	if from == to {
		return Transaction{}, fmt.Errorf("%w: source and destination are both %s", ErrInvalidTransfer, from)
	}
	src := BatchKey{MedicineID: medicineID, BatchNumber: from}
	dst := BatchKey{MedicineID: medicineID, BatchNumber: to}

	res, err := l.execute(ctx, operation{
		kind:    KindTransfer,
		keys:    []BatchKey{src, dst},
		nominal: -q,
		meta:    meta,
		apply: func(bs []Batch, today time.Time) (int64, error) {
			s, d := &bs[0], &bs[1]
			if s.Status == BatchRecalled {
				return 0, fmt.Errorf("%w: %s is recalled", ErrBatchUnavailable, src)
			}
			if d.Status == BatchRecalled {
				return 0, fmt.Errorf("%w: %s is recalled", ErrBatchUnavailable, dst)
			}
			if d.ExpiredAt(today) {
				return 0, &ExpiredBatchError{Key: dst, Expiry: d.Expiry.Format(time.DateOnly)}
			}
			if s.Available < q {
				return 0, &InsufficientStockError{
					MedicineID:  medicineID,
					BatchNumber: from,
					Available:   s.Available,
					Requested:   q,
					Shortfall:   q - s.Available,
				}
			}
			s.Available -= q
			s.Current -= q
			d.Available += q
			d.Current += q
			return -q, nil
		},
	})
	return res.tx, err
}

// RecordLoss writes off q available units (breakage, shrinkage, expiry).
func (l *Ledger) RecordLoss(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:    KindLoss,
		keys:    []BatchKey{key},
		nominal: -q,
		meta:    meta,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Available < q {
				return 0, &InsufficientStockError{
					MedicineID:  key.MedicineID,
					BatchNumber: key.BatchNumber,
					Available:   b.Available,
					Requested:   q,
					Shortfall:   q - b.Available,
				}
			}
			b.Available -= q
			b.Current -= q
			return -q, nil
		},
	})
	return res.tx, err
}

// Adjust sets the batch's current stock to actual. Reserved and locked
// units are preserved and available absorbs the difference. When actual is
// below reserved+locked, available is clamped at zero and the remainder is
// reported as Anomaly. On a recalled batch locked absorbs the difference
// instead, so a recount never frees recalled units.
func (l *Ledger) Adjust(ctx context.Context, key BatchKey, actual int64, meta Meta) (AdjustResult, error) {
	if actual < 0 {
		return AdjustResult{}, &InvalidQuantityError{Quantity: actual}
	}
	b, err := l.Store.Batch(ctx, key)
	if err != nil {
		return AdjustResult{}, err
	}
	if b.Current == actual {
		return AdjustResult{Previous: b.Quantities, New: b.Quantities}, nil
	}

	var out AdjustResult
	res, err := l.execute(ctx, operation{
		kind:       KindAdjust,
		keys:       []BatchKey{key},
		nominal:    actual - b.Current,
		meta:       meta,
		quarantine: true,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			out = AdjustResult{Previous: b.Quantities}
			recalled := b.Status == BatchRecalled
			held := b.Reserved + b.Locked
			if recalled {
				held = b.Reserved + b.Available
			}
			target := actual
			if target < held {
				out.Anomaly = held - target
				target = held
			}
			delta := target - b.Current
			b.Current = target
			if recalled {
				b.Locked = target - held
			} else {
				b.Available = target - held
			}
			out.New = b.Quantities
			out.Delta = delta
			return delta, nil
		},
	})
	if err != nil {
		return AdjustResult{}, err
	}
	out.Transaction = &res.tx
	if out.Anomaly > 0 {
		l.Logger.Warn().
			Str("batch", key.String()).
			Int64("counted", actual).
			Int64("anomaly", out.Anomaly).
			Msg("adjustment clamped: held stock exceeds count")
	}
	return out, nil
}

// Restock puts q units back into available on an existing batch. Used to
// compensate a consumption when delivered goods are returned. Units
// returned to a recalled batch are quarantined in locked.
func (l *Ledger) Restock(ctx context.Context, key BatchKey, q int64, meta Meta) (Transaction, error) {
	if err := checkQuantity(q); err != nil {
		return Transaction{}, err
	}
	res, err := l.execute(ctx, operation{
		kind:       KindIn,
		keys:       []BatchKey{key},
		nominal:    q,
		meta:       meta,
		quarantine: true,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			b.Current += q
			if b.Status == BatchRecalled {
				b.Locked += q
			} else {
				b.Available += q
			}
			return q, nil
		},
	})
	return res.tx, err
}

// Recall marks a batch RECALLED and locks all of its available stock.
// Reserved units stay reserved so open dispenses can be returned.
func (l *Ledger) Recall(ctx context.Context, key BatchKey, meta Meta) (Transaction, error) {
	res, err := l.execute(ctx, operation{
		kind: KindLock,
		keys: []BatchKey{key},
		meta: meta,
		apply: func(bs []Batch, _ time.Time) (int64, error) {
			b := &bs[0]
			if b.Status == BatchRecalled {
				return 0, fmt.Errorf("%w: %s is already recalled", ErrBatchUnavailable, key)
			}
			moved := b.Available
			b.Locked += moved
			b.Available = 0
			b.Status = BatchRecalled
			return -moved, nil
		},
	})
	return res.tx, err
}

// =============================================================================
// PLAN RESERVATION - all-or-compensate
// =============================================================================

// ReservePlan reserves every allocation of the plan. If one reservation
// fails, the ones already made are released before the error is returned.
func (l *Ledger) ReservePlan(ctx context.Context, plan *Plan, meta Meta) ([]Transaction, error) {
	txs := make([]Transaction, 0, len(plan.Allocations))
	done := make([]Allocation, 0, len(plan.Allocations))

	for _, a := range plan.Allocations {
		key := BatchKey{MedicineID: plan.MedicineID, BatchNumber: a.BatchNumber}
		tx, err := l.Reserve(ctx, key, a.Quantity, meta)
		if err != nil {
			if cerr := l.compensate(ctx, plan.MedicineID, done, meta, err); cerr != nil {
				return nil, errors.Join(err, cerr)
			}
			return nil, err
		}
		txs = append(txs, tx)
		done = append(done, a)
	}
	return txs, nil
}

func (l *Ledger) compensate(ctx context.Context, medicineID MedicineID, done []Allocation, meta Meta, cause error) error {
	if len(done) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	meta.Reason = "compensate failed plan reservation: " + cause.Error()

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		key := BatchKey{MedicineID: medicineID, BatchNumber: done[i].BatchNumber}
		if _, err := l.Release(ctx, key, done[i].Quantity, meta); err != nil {
			l.Logger.Error().Err(err).Str("batch", key.String()).Msg("compensating release failed")
			errs = append(errs, err)
		}
	}
	l.Logger.Warn().
		Str("medicine", string(medicineID)).
		Int("released", len(done)-len(errs)).
		Err(cause).
		Msg("plan reservation rolled back")
	return errors.Join(errs...)
}

// =============================================================================
// READS
// =============================================================================

// Batch returns the batch with its status evaluated for today.
func (l *Ledger) Batch(ctx context.Context, key BatchKey) (Batch, error) {
	b, err := l.Store.Batch(ctx, key)
	if err != nil {
		return Batch{}, err
	}
	return b.Refresh(Today(l.Clock)), nil
}

// Batches lists batches. Status filtering uses the status evaluated for
// today, not the last persisted one.
func (l *Ledger) Batches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	statuses := filter.Statuses
	filter.Statuses = nil

	batches, err := l.Store.Batches(ctx, filter)
	if err != nil {
		return nil, err
	}
	today := Today(l.Clock)
	out := batches[:0]
	for _, b := range batches {
		b = b.Refresh(today)
		if len(statuses) > 0 && !containsStatus(statuses, b.Status) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// operation is one ledger call. apply mutates the freshly read batches in
// place and returns the signed delta for the log entry.
type operation struct {
	kind    Kind
	keys    []BatchKey // TRANSFER: source, destination
	nominal int64
	meta    Meta
	create  *Batch
	apply   func(bs []Batch, today time.Time) (int64, error)

	// quarantine marks the entry Quarantined when the first batch is
	// recalled at read time.
	quarantine bool
}

type result struct {
	tx      Transaction
	batches []Batch
}

func (l *Ledger) execute(ctx context.Context, op operation) (result, error) {
	var (
		tx       Transaction
		opened   bool
		attempts = l.maxRetries()
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		current, created, err := l.read(ctx, op)
		if err != nil {
			if opened {
				l.cancel(ctx, &tx, err)
			}
			return result{tx: tx}, err
		}

		today := Today(l.Clock)
		next := make([]Batch, len(current))
		copy(next, current)

		delta, applyErr := op.apply(next, today)
		if applyErr != nil {
			delta = op.nominal
		}

		quarantined := op.quarantine && current[0].Status == BatchRecalled

		if opened && (tx.Delta != delta || tx.Quarantined != quarantined) {
			l.cancel(ctx, &tx, errors.New("superseded on retry"))
			opened = false
		}
		if !opened {
			tx, err = l.open(ctx, op, delta, quarantined)
			if err != nil {
				return result{}, err
			}
			opened = true
		}

		if applyErr != nil {
			l.cancel(ctx, &tx, applyErr)
			if IsFatal(applyErr) {
				l.Logger.Error().Err(applyErr).Str("tx", tx.Number).Msg("ledger integrity error")
			}
			return result{tx: tx}, applyErr
		}

		now := l.Clock.Now()
		writes := make([]BatchWrite, len(next))
		for i := range next {
			next[i] = next[i].Refresh(today)
			next[i].UpdatedAt = now
			if err := next[i].Quantities.Check(); err != nil {
				err = fmt.Errorf("%s: %w", next[i].Key(), err)
				l.cancel(ctx, &tx, err)
				l.Logger.Error().Err(err).Str("tx", tx.Number).Msg("ledger integrity error")
				return result{tx: tx}, err
			}
			writes[i] = BatchWrite{Batch: next[i], ExpectedVersion: current[i].Version, Create: created[i]}
		}

		err = l.Store.Commit(ctx, Commit{Writes: writes, TxNumber: tx.Number, SettledAt: now})
		if errors.Is(err, ErrVersionConflict) {
			l.Logger.Warn().
				Str("tx", tx.Number).
				Str("batch", op.keys[0].String()).
				Int("attempt", attempt).
				Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			err = fmt.Errorf("commit %s: %w", tx.Number, err)
			l.cancel(ctx, &tx, err)
			return result{tx: tx}, err
		}

		for i := range next {
			next[i].Version = current[i].Version + 1
			if created[i] {
				if stored, err := l.Store.Batch(ctx, next[i].Key()); err == nil {
					next[i] = stored
				}
			}
		}
		tx.Status = TxConfirmed
		tx.SettledAt = &now

		l.Logger.Debug().
			Str("tx", tx.Number).
			Str("kind", string(tx.Kind)).
			Str("batch", op.keys[0].String()).
			Int64("delta", tx.Delta).
			Str("related", tx.RelatedDoc).
			Msg("ledger commit")
		return result{tx: tx, batches: next}, nil
	}

	cmErr := &ConcurrentModificationError{Key: op.keys[0], Attempts: attempts}
	l.cancel(ctx, &tx, cmErr)
	l.Logger.Warn().Err(cmErr).Msg("ledger retries exhausted")
	return result{tx: tx}, cmErr
}

func (l *Ledger) read(ctx context.Context, op operation) ([]Batch, []bool, error) {
	batches := make([]Batch, len(op.keys))
	created := make([]bool, len(op.keys))
	for i, key := range op.keys {
		b, err := l.Store.Batch(ctx, key)
		switch {
		case errors.Is(err, ErrBatchNotFound) && i == 0 && op.create != nil:
			b = *op.create
			created[i] = true
		case err != nil:
			return nil, nil, err
		}
		batches[i] = b
	}
	return batches, created, nil
}

func (l *Ledger) open(ctx context.Context, op operation, delta int64, quarantined bool) (Transaction, error) {
	medicineID := op.keys[0].MedicineID
	seq, err := l.Store.NextTxSequence(ctx, medicineID)
	if err != nil {
		return Transaction{}, fmt.Errorf("allocate transaction number: %w", err)
	}
	tx := Transaction{
		Number:      TxNumber(medicineID, seq),
		MedicineID:  medicineID,
		BatchNumber: op.keys[0].BatchNumber,
		Kind:        op.kind,
		Delta:       delta,
		Quarantined: quarantined,
		Status:      TxPending,
		Operator:    op.meta.Operator,
		RelatedDoc:  op.meta.RelatedDoc,
		Reason:      op.meta.Reason,
		CreatedAt:   l.Clock.Now(),
	}
	if len(op.keys) > 1 {
		tx.ToBatch = op.keys[1].BatchNumber
	}
	if err := l.Store.AppendTx(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("append transaction: %w", err)
	}
	return tx, nil
}

// cancel settles a PENDING entry. It runs even when ctx is done so no entry
// is left dangling.
func (l *Ledger) cancel(ctx context.Context, tx *Transaction, cause error) {
	now := l.Clock.Now()
	if err := l.Store.CancelTx(context.WithoutCancel(ctx), tx.Number, cause.Error(), now); err != nil {
		l.Logger.Error().Err(err).Str("tx", tx.Number).Msg("failed to cancel transaction")
		return
	}
	tx.Status = TxCancelled
	tx.CancelReason = cause.Error()
	tx.SettledAt = &now
}

func (l *Ledger) maxRetries() int {
	if l.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return l.MaxRetries
}

func checkQuantity(q int64) error {
	if q <= 0 {
		return &InvalidQuantityError{Quantity: q}
	}
	return nil
}

func containsStatus(statuses []BatchStatus, s BatchStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}
