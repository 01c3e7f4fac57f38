// Package memory provides an in-memory store for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// MEMORY STORE - implements stock.Store, stock.ReconciliationStore and
// dispense.Store behind one lock
// =============================================================================

type Store struct {
	mu sync.RWMutex

	medicines map[stock.MedicineID]stock.Medicine
	batches   map[stock.BatchKey]stock.Batch
	batchSeq  int64

	txs     []stock.Transaction
	txIndex map[string]int
	txSeq   map[stock.MedicineID]int64

	takes   []stock.StockTake
	records map[string]dispense.Record
}

func New() *Store {
	return &Store{
		medicines: make(map[stock.MedicineID]stock.Medicine),
		batches:   make(map[stock.BatchKey]stock.Batch),
		txIndex:   make(map[string]int),
		txSeq:     make(map[stock.MedicineID]int64),
		records:   make(map[string]dispense.Record),
	}
}

// =============================================================================
// CATALOG
// =============================================================================

func (s *Store) SaveMedicine(_ context.Context, m stock.Medicine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.medicines[m.ID]; ok && m.CreatedAt.IsZero() {
		m.CreatedAt = prev.CreatedAt
	}
	s.medicines[m.ID] = m
	return nil
}

func (s *Store) Medicine(_ context.Context, id stock.MedicineID) (stock.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.medicines[id]
	if !ok {
		return stock.Medicine{}, fmt.Errorf("%w: %s", stock.ErrMedicineNotFound, id)
	}
	return m, nil
}

func (s *Store) Medicines(_ context.Context) ([]stock.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]stock.Medicine, 0, len(s.medicines))
	for _, m := range s.medicines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (s *Store) Batch(_ context.Context, key stock.BatchKey) (stock.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[key]
	if !ok {
		return stock.Batch{}, fmt.Errorf("%w: %s", stock.ErrBatchNotFound, key)
	}
	return b, nil
}

func (s *Store) Batches(_ context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []stock.Batch
	for _, b := range s.batches {
		if filter.Match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MedicineID != out[j].MedicineID {
			return out[i].MedicineID < out[j].MedicineID
		}
		if !out[i].Expiry.Equal(out[j].Expiry) {
			return out[i].Expiry.Before(out[j].Expiry)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (s *Store) NextTxSequence(_ context.Context, medicineID stock.MedicineID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txSeq[medicineID]++
	return s.txSeq[medicineID], nil
}

func (s *Store) AppendTx(_ context.Context, tx stock.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txIndex[tx.Number]; ok {
		return fmt.Errorf("transaction %s already exists", tx.Number)
	}
	s.txIndex[tx.Number] = len(s.txs)
	s.txs = append(s.txs, cloneTx(tx))
	return nil
}

// Commit checks every write before applying any of them.
func (s *Store) Commit(_ context.Context, c stock.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.txIndex[c.TxNumber]
	if !ok {
		return fmt.Errorf("%w: %s", stock.ErrTransactionNotFound, c.TxNumber)
	}
	if s.txs[i].Status != stock.TxPending {
		return fmt.Errorf("transaction %s already %s", c.TxNumber, s.txs[i].Status)
	}

	for _, w := range c.Writes {
		stored, exists := s.batches[w.Batch.Key()]
		switch {
		case w.Create && exists:
			return fmt.Errorf("%w: %s created concurrently", stock.ErrVersionConflict, w.Batch.Key())
		case !w.Create && !exists:
			return fmt.Errorf("%w: %s", stock.ErrBatchNotFound, w.Batch.Key())
		case !w.Create && stored.Version != w.ExpectedVersion:
			return fmt.Errorf("%w: %s at version %d, expected %d",
				stock.ErrVersionConflict, w.Batch.Key(), stored.Version, w.ExpectedVersion)
		}
	}

	for _, w := range c.Writes {
		b := w.Batch
		if w.Create {
			s.batchSeq++
			b.Seq = s.batchSeq
			b.Version = 1
		} else {
			b.Seq = s.batches[b.Key()].Seq
			b.Version = w.ExpectedVersion + 1
		}
		s.batches[b.Key()] = b
	}

	settled := c.SettledAt
	s.txs[i].Status = stock.TxConfirmed
	s.txs[i].SettledAt = &settled
	return nil
}

func (s *Store) CancelTx(_ context.Context, number, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.txIndex[number]
	if !ok {
		return fmt.Errorf("%w: %s", stock.ErrTransactionNotFound, number)
	}
	if s.txs[i].Status != stock.TxPending {
		return fmt.Errorf("transaction %s already %s", number, s.txs[i].Status)
	}
	s.txs[i].Status = stock.TxCancelled
	s.txs[i].CancelReason = reason
	s.txs[i].SettledAt = &at
	return nil
}

func (s *Store) Transaction(_ context.Context, number string) (stock.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.txIndex[number]
	if !ok {
		return stock.Transaction{}, fmt.Errorf("%w: %s", stock.ErrTransactionNotFound, number)
	}
	return cloneTx(s.txs[i]), nil
}

// Transactions returns matches in append order. Limit keeps the oldest.
func (s *Store) Transactions(_ context.Context, filter stock.TxFilter) ([]stock.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []stock.Transaction
	for _, tx := range s.txs {
		if !filter.Match(tx) {
			continue
		}
		out = append(out, cloneTx(tx))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func cloneTx(tx stock.Transaction) stock.Transaction {
	if tx.SettledAt != nil {
		at := *tx.SettledAt
		tx.SettledAt = &at
	}
	return tx
}

// =============================================================================
// STOCK TAKES
// =============================================================================

func (s *Store) SaveStockTake(_ context.Context, st stock.StockTake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takes = append(s.takes, cloneTake(st))
	return nil
}

func (s *Store) StockTakes(_ context.Context, filter stock.StockTakeFilter) ([]stock.StockTake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []stock.StockTake
	for _, st := range s.takes {
		if filter.Match(st) {
			out = append(out, cloneTake(st))
		}
	}
	return out, nil
}

func cloneTake(st stock.StockTake) stock.StockTake {
	if st.Mismatch != nil {
		m := *st.Mismatch
		st.Mismatch = &m
	}
	return st
}

// =============================================================================
// DISPENSE RECORDS
// =============================================================================

// CreateRecord checks for an active record and inserts under one lock.
func (s *Store) CreateRecord(_ context.Context, r dispense.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("dispense record %s already exists", r.ID)
	}
	if r.Status.Active() {
		if existing, ok := s.activeLocked(r.PrescriptionID); ok {
			return &dispense.DuplicateDispenseError{
				PrescriptionID: r.PrescriptionID,
				ExistingID:     existing.ID,
				Status:         existing.Status,
			}
		}
	}
	r.Version = 1
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *Store) UpdateRecord(_ context.Context, r dispense.Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", dispense.ErrRecordNotFound, r.ID)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d",
			dispense.ErrStaleRecord, r.ID, stored.Version, expectedVersion)
	}
	r.Version = expectedVersion + 1
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *Store) Record(_ context.Context, id string) (dispense.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return dispense.Record{}, fmt.Errorf("%w: %s", dispense.ErrRecordNotFound, id)
	}
	return r.Clone(), nil
}

func (s *Store) ActiveRecord(_ context.Context, prescriptionID string) (dispense.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.activeLocked(prescriptionID)
	if !ok {
		return dispense.Record{}, fmt.Errorf("%w: no active dispense for %s", dispense.ErrRecordNotFound, prescriptionID)
	}
	return r.Clone(), nil
}

func (s *Store) activeLocked(prescriptionID string) (dispense.Record, bool) {
	for _, r := range s.records {
		if r.PrescriptionID == prescriptionID && r.Status.Active() {
			return r, true
		}
	}
	return dispense.Record{}, false
}

func (s *Store) Records(_ context.Context, filter dispense.Filter) ([]dispense.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dispense.Record
	for _, r := range s.records {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset drops all data.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.medicines = make(map[stock.MedicineID]stock.Medicine)
	s.batches = make(map[stock.BatchKey]stock.Batch)
	s.batchSeq = 0
	s.txs = nil
	s.txIndex = make(map[string]int)
	s.txSeq = make(map[stock.MedicineID]int64)
	s.takes = nil
	s.records = make(map[string]dispense.Record)
	return nil
}

var (
	_ stock.Store               = (*Store)(nil)
	_ stock.ReconciliationStore = (*Store)(nil)
	_ dispense.Store            = (*Store)(nil)
)
