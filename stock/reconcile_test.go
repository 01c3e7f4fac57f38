package stock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pharmacy-engine/stock"
)

func newReconciler(f *fixture) *stock.Reconciler {
	return stock.NewReconciler(f.ledger, f.store)
}

func TestReconcile_MatchingCountWritesNoEntry(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 50, 60)
	r := newReconciler(f)

	st, err := r.Reconcile(f.ctx, key("B1"), 50, "bob", "monthly count")
	require.NoError(t, err)
	assert.Nil(t, st.Mismatch)
	assert.Empty(t, st.TxNumber)
	assert.Equal(t, int64(50), st.Expected)
	assert.Equal(t, int64(0), st.Delta)

	adjusts, _ := f.store.Transactions(f.ctx, stock.TxFilter{Kinds: []stock.Kind{stock.KindAdjust}})
	assert.Empty(t, adjusts)

	history, err := r.History(f.ctx, key("B1"))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, st.ID, history[0].ID)
}

func TestReconcile_ShrinkageAdjustsLedger(t *testing.T) {
	// GIVEN: 50 units on the ledger
	f := newFixture(t)
	f.stockIn(amox, "B1", 50, 60)
	r := newReconciler(f)

	// WHEN: Only 45 are counted
	st, err := r.Reconcile(f.ctx, key("B1"), 45, "bob", "")
	require.NoError(t, err)

	// THEN: The ledger follows the count and the take carries a mismatch
	require.NotNil(t, st.Mismatch)
	assert.Equal(t, int64(50), st.Mismatch.Expected)
	assert.Equal(t, int64(45), st.Mismatch.Counted)
	assert.Equal(t, int64(-5), st.Mismatch.Delta)
	assert.Equal(t, int64(0), st.Mismatch.Anomaly)
	assert.Equal(t, int64(-5), st.Delta)
	assert.Equal(t, qty(45, 45, 0, 0), f.batch(amox, "B1").Quantities)

	tx, err := f.store.Transaction(f.ctx, st.TxNumber)
	require.NoError(t, err)
	assert.Equal(t, stock.KindAdjust, tx.Kind)
	assert.Equal(t, st.ID, tx.RelatedDoc)
	assert.Equal(t, "stock take", tx.Reason)
	f.requireInSync(key("B1"))
}

func TestReconcile_CountBelowHeldStock(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 50, 60)
	_, err := f.ledger.Reserve(f.ctx, key("B1"), 30, stock.Meta{})
	require.NoError(t, err)
	r := newReconciler(f)

	st, err := r.Reconcile(f.ctx, key("B1"), 20, "bob", "shelf damage")
	require.NoError(t, err)

	assert.Equal(t, int64(10), st.Anomaly)
	require.NotNil(t, st.Mismatch)
	assert.Equal(t, int64(10), st.Mismatch.Anomaly)
	assert.Contains(t, st.Mismatch.String(), "10 units unaccounted for")
	assert.Equal(t, qty(30, 0, 30, 0), f.batch(amox, "B1").Quantities)
	f.requireInSync(key("B1"))
}

func TestReconcile_Rejections(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 5, 60)
	r := newReconciler(f)

	_, err := r.Reconcile(f.ctx, key("B1"), -1, "bob", "")
	assert.ErrorIs(t, err, stock.ErrInvalidQuantity)

	_, err = r.Reconcile(f.ctx, key("NOPE"), 1, "bob", "")
	assert.ErrorIs(t, err, stock.ErrBatchNotFound)

	takes, _ := f.store.StockTakes(f.ctx, stock.StockTakeFilter{})
	assert.Empty(t, takes)
}

func TestReconcile_MismatchesSince(t *testing.T) {
	f := newFixture(t)
	f.stockIn(amox, "B1", 50, 90)
	f.stockIn(amox, "B2", 50, 90)
	r := newReconciler(f)

	_, err := r.Reconcile(f.ctx, key("B1"), 49, "bob", "")
	require.NoError(t, err)
	f.clock.AdvanceDays(10)
	_, err = r.Reconcile(f.ctx, key("B2"), 48, "bob", "")
	require.NoError(t, err)
	_, err = r.Reconcile(f.ctx, key("B1"), 49, "bob", "recount")
	require.NoError(t, err)

	recent, err := r.Mismatches(f.ctx, today.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "B2", recent[0].BatchNumber)

	all, err := r.Mismatches(f.ctx, today)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	history, err := r.History(f.ctx, key("B1"))
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
