package stock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/pharmacy-engine/stock"
	"github.com/warp/pharmacy-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const amox = stock.MedicineID("AMOX500")

// today of every fixture clock.
var today = stock.Date(2025, time.March, 1)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	clock  *stock.FixedClock
	ledger *stock.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clock := stock.NewFixedClock(today.Add(9 * time.Hour))
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		clock:  clock,
		ledger: stock.NewLedger(store, clock),
	}
	f.medicine(amox, 20, 500)
	return f
}

func (f *fixture) medicine(id stock.MedicineID, min, max int64) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveMedicine(f.ctx, stock.Medicine{
		ID:        id,
		Name:      string(id),
		Unit:      "tablet",
		UnitPrice: decimal.RequireFromString("0.50"),
		MinStock:  min,
		MaxStock:  max,
		Enabled:   true,
	}))
}

// stockIn receives qty units of batch expiring days after today.
func (f *fixture) stockIn(id stock.MedicineID, batch string, qty int64, days int) stock.Batch {
	f.t.Helper()
	b, err := f.ledger.StockIn(f.ctx, stock.StockIn{
		MedicineID:  id,
		BatchNumber: batch,
		Quantity:    qty,
		Expiry:      today.AddDate(0, 0, days),
		UnitCost:    decimal.RequireFromString("0.20"),
	}, stock.Meta{Operator: "test"})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) batch(id stock.MedicineID, batch string) stock.Batch {
	f.t.Helper()
	b, err := f.ledger.Batch(f.ctx, stock.BatchKey{MedicineID: id, BatchNumber: batch})
	require.NoError(f.t, err)
	return b
}

func key(batch string) stock.BatchKey {
	return stock.BatchKey{MedicineID: amox, BatchNumber: batch}
}

func qty(current, available, reserved, locked int64) stock.Quantities {
	return stock.Quantities{Current: current, Available: available, Reserved: reserved, Locked: locked}
}

// requireInSync replays the batch log and compares it with the live row.
func (f *fixture) requireInSync(k stock.BatchKey) {
	f.t.Helper()
	d, err := stock.NewTransactionLog(f.store).Verify(f.ctx, k)
	require.NoError(f.t, err)
	require.True(f.t, d.InSync(), "live %+v replayed %+v", d.Live, d.Replayed)
}

// conflictingStore fails the next `failures` commits with a version conflict.
type conflictingStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	commits  int
}

func (s *conflictingStore) Commit(ctx context.Context, c stock.Commit) error {
	s.mu.Lock()
	s.commits++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return stock.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.Commit(ctx, c)
}
