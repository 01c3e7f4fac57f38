/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the engine on one database so a
  ledger commit, a stock take and a dispense record all live side by side.

INTERFACES IMPLEMENTED:
  stock.Store:               Catalog, batches, transaction log, atomic commit
  stock.ReconciliationStore: Stock takes
  dispense.Store:            Dispense records

APPEND-ONLY ENFORCEMENT:
  - stock_transactions rows are never deleted
  - the only UPDATE on stock_transactions settles a PENDING row
  - stock_batches rows are never deleted, depleted batches stay

KEY TABLES:
  medicines:          Catalog entries
  stock_batches:      One row per (medicine, batch number), versioned
  stock_transactions: The ledger
  tx_sequences:       Per-medicine transaction number counters
  stock_takes:        Recount outcomes
  dispense_records:   Records as JSON plus indexed lookup columns

CONSTRAINTS DOING REAL WORK:
  - UNIQUE(medicine_id, batch_number): two racing stock-ins of a new batch
    cannot both create it (the loser gets ErrVersionConflict and retries)
  - idx_dispense_active: at most one active record per prescription

OPTIMISTIC CONCURRENCY:
  Commit updates batches with "WHERE version = ?". Zero affected rows means
  someone else committed first and the whole SQL transaction rolls back.

WAL MODE:
  Opened with WAL so readers do not block the single writer.

USAGE:
  store, err := sqlite.New("./data/pharmacy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := stock.NewLedger(store, stock.SystemClock{})

SEE ALSO:
  - stock/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS medicines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		unit_price TEXT NOT NULL DEFAULT '0',
		min_stock INTEGER NOT NULL DEFAULT 0,
		max_stock INTEGER NOT NULL DEFAULT 0,
		controlled INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- seq doubles as stock-in order for FEFO tie breaks
	CREATE TABLE IF NOT EXISTS stock_batches (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		medicine_id TEXT NOT NULL REFERENCES medicines(id),
		batch_number TEXT NOT NULL,
		expiry TEXT NOT NULL,
		unit_cost TEXT NOT NULL DEFAULT '0',
		supplier TEXT NOT NULL DEFAULT '',
		current_qty INTEGER NOT NULL CHECK (current_qty >= 0),
		available_qty INTEGER NOT NULL CHECK (available_qty >= 0),
		reserved_qty INTEGER NOT NULL CHECK (reserved_qty >= 0),
		locked_qty INTEGER NOT NULL CHECK (locked_qty >= 0),
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(medicine_id, batch_number),
		CHECK (current_qty = available_qty + reserved_qty + locked_qty)
	);

	-- FEFO scan (hot path)
	CREATE INDEX IF NOT EXISTS idx_batches_medicine_expiry
		ON stock_batches(medicine_id, expiry, seq);

	CREATE TABLE IF NOT EXISTS stock_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		number TEXT NOT NULL UNIQUE,
		medicine_id TEXT NOT NULL,
		batch_number TEXT NOT NULL,
		to_batch TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		quarantined INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		operator TEXT NOT NULL DEFAULT '',
		related_doc TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		settled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_medicine_batch
		ON stock_transactions(medicine_id, batch_number);
	CREATE INDEX IF NOT EXISTS idx_transactions_to_batch
		ON stock_transactions(medicine_id, to_batch) WHERE to_batch != '';
	CREATE INDEX IF NOT EXISTS idx_transactions_related
		ON stock_transactions(related_doc) WHERE related_doc != '';
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON stock_transactions(created_at);

	CREATE TABLE IF NOT EXISTS tx_sequences (
		medicine_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stock_takes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		medicine_id TEXT NOT NULL,
		batch_number TEXT NOT NULL,
		expected INTEGER NOT NULL,
		counted INTEGER NOT NULL,
		delta INTEGER NOT NULL,
		anomaly INTEGER NOT NULL DEFAULT 0,
		operator TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		tx_number TEXT NOT NULL DEFAULT '',
		mismatch_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_takes_batch
		ON stock_takes(medicine_id, batch_number);

	CREATE TABLE IF NOT EXISTS dispense_records (
		id TEXT PRIMARY KEY,
		prescription_id TEXT NOT NULL,
		patient_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dispense_patient
		ON dispense_records(patient_id);

	-- CRITICAL: one active dispense per prescription
	CREATE UNIQUE INDEX IF NOT EXISTS idx_dispense_active
		ON dispense_records(prescription_id)
		WHERE status IN ('PENDING', 'IN_PROGRESS', 'DISPENSED', 'DELIVERED');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Databases created before quarantined entries existed.
	return s.addColumn("stock_transactions", "quarantined", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn adds a column unless the table already has it.
func (s *Store) addColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CATALOG (stock.CatalogStore)
// =============================================================================

func (s *Store) SaveMedicine(ctx context.Context, m stock.Medicine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}

	query := `
		INSERT INTO medicines
		(id, name, unit, unit_price, min_stock, max_stock, controlled, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit = excluded.unit,
			unit_price = excluded.unit_price,
			min_stock = excluded.min_stock,
			max_stock = excluded.max_stock,
			controlled = excluded.controlled,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.Name, m.Unit, m.UnitPrice.String(), m.MinStock, m.MaxStock,
		m.Controlled, m.Enabled, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save medicine: %w", err)
	}
	return nil
}

const medicineColumns = `id, name, unit, unit_price, min_stock, max_stock, controlled, enabled, created_at, updated_at`

func (s *Store) Medicine(ctx context.Context, id stock.MedicineID) (stock.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+medicineColumns+" FROM medicines WHERE id = ?", id)
	m, err := scanMedicine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Medicine{}, fmt.Errorf("%w: %s", stock.ErrMedicineNotFound, id)
	}
	return m, err
}

func (s *Store) Medicines(ctx context.Context) ([]stock.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+medicineColumns+" FROM medicines ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query medicines: %w", err)
	}
	defer rows.Close()

	var out []stock.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMedicine(row scanner) (stock.Medicine, error) {
	var (
		m                    stock.Medicine
		price                string
		createdAt, updatedAt string
	)
	err := row.Scan(&m.ID, &m.Name, &m.Unit, &price, &m.MinStock, &m.MaxStock,
		&m.Controlled, &m.Enabled, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan medicine: %w", err)
	}
	m.UnitPrice = parseDecimal(price)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `seq, id, medicine_id, batch_number, expiry, unit_cost, supplier,
	current_qty, available_qty, reserved_qty, locked_qty, status, version, created_at, updated_at`

func (s *Store) Batch(ctx context.Context, key stock.BatchKey) (stock.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batch(ctx, s.db, key)
}

func (s *Store) batch(ctx context.Context, db queryer, key stock.BatchKey) (stock.Batch, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM stock_batches WHERE medicine_id = ? AND batch_number = ?",
		key.MedicineID, key.BatchNumber)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Batch{}, fmt.Errorf("%w: %s", stock.ErrBatchNotFound, key)
	}
	return b, err
}

func (s *Store) Batches(ctx context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.MedicineID != "" {
		where = append(where, "medicine_id = ?")
		args = append(args, filter.MedicineID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.NonEmpty {
		where = append(where, "current_qty > 0")
	}
	if filter.ExpiryBefore != nil {
		where = append(where, "expiry < ?")
		args = append(args, formatDate(*filter.ExpiryBefore))
	}

	query := "SELECT " + batchColumns + " FROM stock_batches" + whereClause(where) +
		" ORDER BY medicine_id, expiry, seq"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []stock.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row scanner) (stock.Batch, error) {
	var (
		b                    stock.Batch
		expiry, cost         string
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&b.Seq, &b.ID, &b.MedicineID, &b.BatchNumber, &expiry, &cost, &b.Supplier,
		&b.Current, &b.Available, &b.Reserved, &b.Locked, &status, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.Expiry = parseDate(expiry)
	b.UnitCost = parseDecimal(cost)
	b.Status = stock.BatchStatus(status)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (s *Store) NextTxSequence(ctx context.Context, medicineID stock.MedicineID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tx_sequences (medicine_id, seq) VALUES (?, 1)
		ON CONFLICT(medicine_id) DO UPDATE SET seq = seq + 1
		RETURNING seq
	`, medicineID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) AppendTx(ctx context.Context, tx stock.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO stock_transactions
		(number, medicine_id, batch_number, to_batch, kind, delta, quarantined, status,
		 operator, related_doc, reason, cancel_reason, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		tx.Number, tx.MedicineID, tx.BatchNumber, tx.ToBatch, tx.Kind, tx.Delta, tx.Quarantined, tx.Status,
		tx.Operator, tx.RelatedDoc, tx.Reason, tx.CancelReason,
		formatTime(tx.CreatedAt), nullTime(tx.SettledAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("transaction %s already exists", tx.Number)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Commit writes every batch row and confirms the transaction in one SQL
// transaction.
func (s *Store) Commit(ctx context.Context, c stock.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, w := range c.Writes {
		if w.Create {
			if err := insertBatch(ctx, sqlTx, w.Batch); err != nil {
				return err
			}
			continue
		}
		if err := updateBatch(ctx, sqlTx, w.Batch, w.ExpectedVersion); err != nil {
			return err
		}
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE stock_transactions SET status = ?, settled_at = ?
		WHERE number = ? AND status = ?
	`, stock.TxConfirmed, formatTime(c.SettledAt), c.TxNumber, stock.TxPending)
	if err != nil {
		return fmt.Errorf("failed to confirm transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no pending transaction %s", stock.ErrTransactionNotFound, c.TxNumber)
	}

	return sqlTx.Commit()
}

func insertBatch(ctx context.Context, db execer, b stock.Batch) error {
	query := `
		INSERT INTO stock_batches
		(id, medicine_id, batch_number, expiry, unit_cost, supplier,
		 current_qty, available_qty, reserved_qty, locked_qty, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		b.ID, b.MedicineID, b.BatchNumber, formatDate(b.Expiry), b.UnitCost.String(), b.Supplier,
		b.Current, b.Available, b.Reserved, b.Locked, b.Status,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s created concurrently", stock.ErrVersionConflict, b.Key())
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func updateBatch(ctx context.Context, db execer, b stock.Batch, expectedVersion int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE stock_batches SET
			current_qty = ?, available_qty = ?, reserved_qty = ?, locked_qty = ?,
			status = ?, version = version + 1, updated_at = ?
		WHERE medicine_id = ? AND batch_number = ? AND version = ?
	`, b.Current, b.Available, b.Reserved, b.Locked, b.Status, formatTime(b.UpdatedAt),
		b.MedicineID, b.BatchNumber, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s moved past version %d", stock.ErrVersionConflict, b.Key(), expectedVersion)
	}
	return nil
}

func (s *Store) CancelTx(ctx context.Context, number, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_transactions SET status = ?, cancel_reason = ?, settled_at = ?
		WHERE number = ? AND status = ?
	`, stock.TxCancelled, reason, formatTime(at), number, stock.TxPending)
	if err != nil {
		return fmt.Errorf("failed to cancel transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no pending transaction %s", stock.ErrTransactionNotFound, number)
	}
	return nil
}

const txColumns = `number, medicine_id, batch_number, to_batch, kind, delta, quarantined, status,
	operator, related_doc, reason, cancel_reason, created_at, settled_at`

func (s *Store) Transaction(ctx context.Context, number string) (stock.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+txColumns+" FROM stock_transactions WHERE number = ?", number)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stock.Transaction{}, fmt.Errorf("%w: %s", stock.ErrTransactionNotFound, number)
	}
	return tx, err
}

// Transactions returns matches in append order. Limit keeps the oldest.
func (s *Store) Transactions(ctx context.Context, filter stock.TxFilter) ([]stock.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.MedicineID != "" {
		where = append(where, "medicine_id = ?")
		args = append(args, filter.MedicineID)
	}
	if filter.BatchNumber != "" {
		where = append(where, "(batch_number = ? OR to_batch = ?)")
		args = append(args, filter.BatchNumber, filter.BatchNumber)
	}
	if filter.RelatedDoc != "" {
		where = append(where, "related_doc = ?")
		args = append(args, filter.RelatedDoc)
	}
	if len(filter.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*filter.To))
	}

	query := "SELECT " + txColumns + " FROM stock_transactions" + whereClause(where) + " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []stock.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row scanner) (stock.Transaction, error) {
	var (
		tx           stock.Transaction
		kind, status string
		createdAt    string
		settledAt    sql.NullString
	)
	err := row.Scan(&tx.Number, &tx.MedicineID, &tx.BatchNumber, &tx.ToBatch, &kind, &tx.Delta, &tx.Quarantined, &status,
		&tx.Operator, &tx.RelatedDoc, &tx.Reason, &tx.CancelReason, &createdAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.Kind = stock.Kind(kind)
	tx.Status = stock.TxStatus(status)
	tx.CreatedAt = parseTime(createdAt)
	if settledAt.Valid {
		t := parseTime(settledAt.String)
		tx.SettledAt = &t
	}
	return tx, nil
}

// =============================================================================
// STOCK TAKES (stock.ReconciliationStore)
// =============================================================================

func (s *Store) SaveStockTake(ctx context.Context, st stock.StockTake) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mismatch sql.NullString
	if st.Mismatch != nil {
		data, err := json.Marshal(st.Mismatch)
		if err != nil {
			return fmt.Errorf("failed to encode mismatch: %w", err)
		}
		mismatch = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO stock_takes
		(id, medicine_id, batch_number, expected, counted, delta, anomaly,
		 operator, notes, tx_number, mismatch_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		st.ID, st.MedicineID, st.BatchNumber, st.Expected, st.Counted, st.Delta, st.Anomaly,
		st.Operator, st.Notes, st.TxNumber, mismatch, formatTime(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save stock take: %w", err)
	}
	return nil
}

func (s *Store) StockTakes(ctx context.Context, filter stock.StockTakeFilter) ([]stock.StockTake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.MedicineID != "" {
		where = append(where, "medicine_id = ?")
		args = append(args, filter.MedicineID)
	}
	if filter.BatchNumber != "" {
		where = append(where, "batch_number = ?")
		args = append(args, filter.BatchNumber)
	}
	if filter.MismatchOnly {
		where = append(where, "mismatch_json IS NOT NULL")
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, medicine_id, batch_number, expected, counted, delta, anomaly,
		       operator, notes, tx_number, mismatch_json, created_at
		FROM stock_takes`+whereClause(where)+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock takes: %w", err)
	}
	defer rows.Close()

	var out []stock.StockTake
	for rows.Next() {
		var (
			st        stock.StockTake
			mismatch  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&st.ID, &st.MedicineID, &st.BatchNumber, &st.Expected, &st.Counted,
			&st.Delta, &st.Anomaly, &st.Operator, &st.Notes, &st.TxNumber, &mismatch, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock take: %w", err)
		}
		if mismatch.Valid {
			st.Mismatch = &stock.ReconciliationMismatch{}
			if err := json.Unmarshal([]byte(mismatch.String), st.Mismatch); err != nil {
				return nil, fmt.Errorf("failed to decode mismatch: %w", err)
			}
		}
		st.CreatedAt = parseTime(createdAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// DISPENSE RECORDS (dispense.Store)
// =============================================================================

func (s *Store) CreateRecord(ctx context.Context, r dispense.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Version = 1
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode dispense record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispense_records
		(id, prescription_id, patient_id, status, version, record_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
	`, r.ID, r.PrescriptionID, r.PatientID, r.Status, string(data),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			dup := &dispense.DuplicateDispenseError{PrescriptionID: r.PrescriptionID}
			var existingID, status string
			if qerr := s.db.QueryRowContext(ctx, `
				SELECT id, status FROM dispense_records
				WHERE prescription_id = ? AND status IN (`+placeholders(len(dispense.ActiveStatuses))+`)
			`, activeArgs(r.PrescriptionID)...).Scan(&existingID, &status); qerr == nil {
				dup.ExistingID = existingID
				dup.Status = dispense.Status(status)
			}
			return dup
		}
		return fmt.Errorf("failed to create dispense record: %w", err)
	}
	return nil
}

func (s *Store) UpdateRecord(ctx context.Context, r dispense.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Version = expectedVersion + 1
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode dispense record: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE dispense_records SET status = ?, version = ?, record_json = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, r.Status, r.Version, string(data), formatTime(r.UpdatedAt), r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update dispense record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM dispense_records WHERE id = ?", r.ID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", dispense.ErrRecordNotFound, r.ID)
		}
		return fmt.Errorf("%w: %s moved past version %d", dispense.ErrStaleRecord, r.ID, expectedVersion)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, id string) (dispense.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT record_json, version FROM dispense_records WHERE id = ?", id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispense.Record{}, fmt.Errorf("%w: %s", dispense.ErrRecordNotFound, id)
	}
	return r, err
}

func (s *Store) ActiveRecord(ctx context.Context, prescriptionID string) (dispense.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT record_json, version FROM dispense_records
		WHERE prescription_id = ? AND status IN (`+placeholders(len(dispense.ActiveStatuses))+`)
	`, activeArgs(prescriptionID)...)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dispense.Record{}, fmt.Errorf("%w: no active dispense for %s", dispense.ErrRecordNotFound, prescriptionID)
	}
	return r, err
}

func (s *Store) Records(ctx context.Context, filter dispense.Filter) ([]dispense.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.PatientID != 0 {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.PrescriptionID != "" {
		where = append(where, "prescription_id = ?")
		args = append(args, filter.PrescriptionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT record_json, version FROM dispense_records"+whereClause(where)+" ORDER BY created_at DESC, id DESC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispense records: %w", err)
	}
	defer rows.Close()

	var out []dispense.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (dispense.Record, error) {
	var (
		r       dispense.Record
		data    string
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan dispense record: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return r, fmt.Errorf("failed to decode dispense record: %w", err)
	}
	r.Version = version
	return r, nil
}

func activeArgs(prescriptionID string) []any {
	args := []any{prescriptionID}
	for _, st := range dispense.ActiveStatuses {
		args = append(args, string(st))
	}
	return args
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"dispense_records", "stock_takes", "stock_transactions", "tx_sequences", "stock_batches", "medicines"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ stock.Store               = (*Store)(nil)
	_ stock.ReconciliationStore = (*Store)(nil)
	_ dispense.Store            = (*Store)(nil)
)
