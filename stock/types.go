/*
Package stock provides the pharmacy stock ledger.

PURPOSE:
  Tracks physical medicine stock split across expiring batches. Every unit
  on the shelf belongs to exactly one of three pools on its batch:
  available (free to allocate), reserved (claimed by a dispense that has not
  been delivered yet) and locked (administratively frozen). The Ledger is
  the only legal way to move units between pools, and every move is written
  to the transaction log in the same atomic unit as the batch row.

KEY CONCEPTS IN THIS FILE (types.go):
  - Medicine:    Catalog entry (thresholds, price, controlled flag)
  - Batch:       One receipt lot of one medicine with its own expiry
  - Quantities:  The four counters carried by every batch
  - Transaction: Immutable ledger row describing one pool movement

BATCH INVARIANTS:
  1. Current == Available + Reserved + Locked
  2. All four counters are >= 0
  3. Batches are never deleted, depleted ones stay as DEPLETED

USAGE:
  ledger := stock.NewLedger(store, stock.SystemClock{})
  batch, err := ledger.StockIn(ctx, stock.StockIn{
      MedicineID:  "AMOX500",
      BatchNumber: "B-2024-001",
      Quantity:    100,
      Expiry:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
  }, stock.Meta{Operator: "alice"})

SEE ALSO:
  - ledger.go: Pool movements with optimistic concurrency
  - fefo.go: Earliest-expiry-first allocation planning
  - txlog.go: Query, totals and replay over the transaction log
*/
package stock

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// MedicineID is the catalog identity code of a medicine.
type MedicineID string

// BatchKey identifies a batch row. Batch numbers are only unique per medicine.
type BatchKey struct {
	MedicineID  MedicineID
	BatchNumber string
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%s", k.MedicineID, k.BatchNumber)
}

// =============================================================================
// MEDICINE - Catalog entry, read-only to the ledger
// =============================================================================

type Medicine struct {
	ID         MedicineID
	Name       string
	Unit       string // dispensing unit, e.g. "tablet", "ml"
	UnitPrice  decimal.Decimal
	MinStock   int64
	MaxStock   int64
	Controlled bool
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// BATCH - One receipt lot
// =============================================================================

type BatchStatus string

const (
	BatchNormal   BatchStatus = "NORMAL"
	BatchExpired  BatchStatus = "EXPIRED"
	BatchRecalled BatchStatus = "RECALLED"
	BatchDepleted BatchStatus = "DEPLETED"
)

// Quantities are the four counters of a batch.
type Quantities struct {
	Current   int64 `json:"current"`
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
	Locked    int64 `json:"locked"`
}

// Check verifies the pool invariants.
func (q Quantities) Check() error {
	if q.Current < 0 || q.Available < 0 || q.Reserved < 0 || q.Locked < 0 {
		return fmt.Errorf("%w: negative pool %+v", ErrInvariantViolation, q)
	}
	if q.Current != q.Available+q.Reserved+q.Locked {
		return fmt.Errorf("%w: current %d != available %d + reserved %d + locked %d",
			ErrInvariantViolation, q.Current, q.Available, q.Reserved, q.Locked)
	}
	return nil
}

func (q Quantities) Add(o Quantities) Quantities {
	return Quantities{
		Current:   q.Current + o.Current,
		Available: q.Available + o.Available,
		Reserved:  q.Reserved + o.Reserved,
		Locked:    q.Locked + o.Locked,
	}
}

type Batch struct {
	ID          string
	MedicineID  MedicineID
	BatchNumber string
	Expiry      time.Time
	UnitCost    decimal.Decimal
	Supplier    string
	Quantities
	Status BatchStatus

	// Seq is the stock-in order, assigned by the store on insert.
	Seq int64

	// Version is bumped on every committed write.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b Batch) Key() BatchKey {
	return BatchKey{MedicineID: b.MedicineID, BatchNumber: b.BatchNumber}
}

// ExpiredAt reports whether the batch expiry date lies before today.
func (b Batch) ExpiredAt(today time.Time) bool {
	return DateOf(b.Expiry).Before(DateOf(today))
}

// StatusAt returns the status the batch has on the given day.
// RECALLED is sticky. Otherwise DEPLETED wins over EXPIRED.
func (b Batch) StatusAt(today time.Time) BatchStatus {
	switch {
	case b.Status == BatchRecalled:
		return BatchRecalled
	case b.Current == 0:
		return BatchDepleted
	case b.ExpiredAt(today):
		return BatchExpired
	default:
		return BatchNormal
	}
}

// Refresh returns a copy with the status evaluated at today.
func (b Batch) Refresh(today time.Time) Batch {
	b.Status = b.StatusAt(today)
	return b
}

// Allocatable reports whether FEFO may pick units from this batch.
func (b Batch) Allocatable(today time.Time) bool {
	return b.StatusAt(today) == BatchNormal && b.Available > 0
}

// =============================================================================
// TRANSACTIONS - Immutable ledger rows
// =============================================================================

type Kind string

const (
	KindIn       Kind = "IN"
	KindOut      Kind = "OUT"
	KindReserve  Kind = "RESERVE"
	KindRelease  Kind = "RELEASE"
	KindLock     Kind = "LOCK"
	KindUnlock   Kind = "UNLOCK"
	KindTransfer Kind = "TRANSFER"
	KindLoss     Kind = "LOSS"
	KindAdjust   Kind = "ADJUST"
)

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxCancelled TxStatus = "CANCELLED"
)

// Transaction is one ledger row. Only Status, SettledAt and CancelReason
// change after the row is appended.
//
// Delta is signed relative to the pool the kind draws from:
//
//	IN +q, OUT -q, RESERVE -q, RELEASE +q, LOCK -q, UNLOCK +q,
//	TRANSFER -q (source side), LOSS -q, ADJUST +/-d
type Transaction struct {
	Number       string
	MedicineID   MedicineID
	BatchNumber  string
	ToBatch      string // TRANSFER destination
	Kind         Kind
	Delta        int64
	Quarantined  bool // IN/RELEASE/ADJUST on a recalled batch: locked moves instead of available
	Status       TxStatus
	Operator     string
	RelatedDoc   string // e.g. dispense record id, stock-take id
	Reason       string
	CancelReason string
	CreatedAt    time.Time
	SettledAt    *time.Time
}

// Quantity is the absolute number of units moved.
func (t Transaction) Quantity() int64 {
	if t.Delta < 0 {
		return -t.Delta
	}
	return t.Delta
}

// Touches reports whether the transaction references the batch on either side.
func (t Transaction) Touches(batchNumber string) bool {
	return t.BatchNumber == batchNumber || (t.ToBatch != "" && t.ToBatch == batchNumber)
}

// Meta carries audit context for a ledger call.
type Meta struct {
	Operator   string
	RelatedDoc string
	Reason     string
}

// TxNumber formats a transaction number. Sequences are per medicine.
func TxNumber(medicineID MedicineID, seq int64) string {
	return fmt.Sprintf("%s-%06d", medicineID, seq)
}
