/*
store.go - Persistence interfaces for batches, transactions and stock takes

PURPOSE:
  Defines the boundary between ledger logic and the database. Stores never
  compute pool movements themselves; they persist what the Ledger hands them
  and refuse writes whose expected version is stale.

KEY INTERFACES:
  Catalog:             Read-only medicine lookups
  CatalogStore:        Catalog plus medicine upserts (catalog management)
  Store:               Batches + transaction log + atomic commit
  ReconciliationStore: Stock-take records

APPEND-ONLY CONTRACT:
  Transactions are appended PENDING and only ever settled to CONFIRMED or
  CANCELLED afterwards. There is no Delete for transactions or batches.

ATOMIC COMMIT:
  Commit writes every batch row of one ledger call and confirms its PENDING
  transaction as one unit. A batch whose stored version differs from
  ExpectedVersion aborts the whole commit with ErrVersionConflict.

IMPLEMENTATIONS:
  - store/memory: In-memory for tests and dev
  - store/sqlite: SQLite

SEE ALSO:
  - ledger.go: The only caller of Commit
*/
package stock

import (
	"context"
	"time"
)

// =============================================================================
// CATALOG
// =============================================================================

// Catalog resolves medicines. Returns ErrMedicineNotFound for unknown ids.
type Catalog interface {
	Medicine(ctx context.Context, id MedicineID) (Medicine, error)
	Medicines(ctx context.Context) ([]Medicine, error)
}

type CatalogStore interface {
	Catalog
	SaveMedicine(ctx context.Context, m Medicine) error
}

// =============================================================================
// STORE
// =============================================================================

// BatchFilter selects batches. Zero fields match everything.
type BatchFilter struct {
	MedicineID   MedicineID
	Statuses     []BatchStatus
	NonEmpty     bool       // current > 0
	ExpiryBefore *time.Time // expiry < ExpiryBefore
}

// TxFilter is the single query surface over the transaction log.
type TxFilter struct {
	MedicineID  MedicineID
	BatchNumber string // matches source or transfer destination
	RelatedDoc  string
	Kinds       []Kind
	Statuses    []TxStatus
	From        *time.Time // CreatedAt >= From
	To          *time.Time // CreatedAt < To
	Limit       int        // caps the result size, 0 means no cap
}

// BatchWrite is one row of a Commit.
type BatchWrite struct {
	Batch           Batch
	ExpectedVersion int64
	Create          bool
}

// Commit is the atomic unit of one ledger call.
type Commit struct {
	Writes    []BatchWrite
	TxNumber  string
	SettledAt time.Time
}

type Store interface {
	CatalogStore

	// Batch returns ErrBatchNotFound for unknown keys.
	Batch(ctx context.Context, key BatchKey) (Batch, error)

	// Batches returns matching batches ordered by medicine, expiry, seq.
	Batches(ctx context.Context, filter BatchFilter) ([]Batch, error)

	// NextTxSequence returns the next per-medicine transaction sequence.
	NextTxSequence(ctx context.Context, medicineID MedicineID) (int64, error)

	// AppendTx persists a new PENDING transaction.
	AppendTx(ctx context.Context, tx Transaction) error

	// Commit applies batch writes and confirms the transaction atomically.
	Commit(ctx context.Context, c Commit) error

	// CancelTx settles a PENDING transaction as CANCELLED.
	CancelTx(ctx context.Context, number, reason string, at time.Time) error

	Transaction(ctx context.Context, number string) (Transaction, error)
	Transactions(ctx context.Context, filter TxFilter) ([]Transaction, error)
}

// =============================================================================
// RECONCILIATION STORE
// =============================================================================

type StockTakeFilter struct {
	MedicineID   MedicineID
	BatchNumber  string
	MismatchOnly bool
	Since        *time.Time
}

type ReconciliationStore interface {
	SaveStockTake(ctx context.Context, st StockTake) error
	StockTakes(ctx context.Context, filter StockTakeFilter) ([]StockTake, error)
}

// =============================================================================
// FILTER MATCHING - shared by in-memory implementations
// =============================================================================

func (f BatchFilter) Match(b Batch) bool {
	if f.MedicineID != "" && b.MedicineID != f.MedicineID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, b.Status) {
		return false
	}
	if f.NonEmpty && b.Current == 0 {
		return false
	}
	if f.ExpiryBefore != nil && !DateOf(b.Expiry).Before(DateOf(*f.ExpiryBefore)) {
		return false
	}
	return true
}

func (f TxFilter) Match(tx Transaction) bool {
	if f.MedicineID != "" && tx.MedicineID != f.MedicineID {
		return false
	}
	if f.BatchNumber != "" && !tx.Touches(f.BatchNumber) {
		return false
	}
	if f.RelatedDoc != "" && tx.RelatedDoc != f.RelatedDoc {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, tx.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !containsTxStatus(f.Statuses, tx.Status) {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !tx.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (f StockTakeFilter) Match(st StockTake) bool {
	if f.MedicineID != "" && st.MedicineID != f.MedicineID {
		return false
	}
	if f.BatchNumber != "" && st.BatchNumber != f.BatchNumber {
		return false
	}
	if f.MismatchOnly && st.Mismatch == nil {
		return false
	}
	if f.Since != nil && st.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func containsTxStatus(statuses []TxStatus, s TxStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}
