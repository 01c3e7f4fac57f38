/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Catalog create/update/get
- Stock in and batch movements, error status mapping
- Transaction log queries and batch verification
- Stock takes and reports
- Dispense workflow through HTTP, including partial outcomes
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/pharmacy-engine/stock"
	"github.com/warp/pharmacy-engine/store/sqlite"
)

type testAPI struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
	clock   *stock.FixedClock
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := stock.NewFixedClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	h := NewHandler(store, clock, zerolog.Nop())
	return &testAPI{t: t, handler: h, router: NewRouter(h, nil), clock: clock}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedAmox creates AMOX500 with one batch of qty units expiring on expiry.
func (a *testAPI) seedAmox(batch string, qty int64, expiry string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/medicines", map[string]any{
		"id": "AMOX500", "name": "Amoxicillin 500mg", "unit": "capsule",
		"unit_price": "0.50", "min_stock": 20, "max_stock": 500,
	})
	require.Contains(a.t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/batches", map[string]any{
		"medicine_id": "AMOX500", "batch_number": batch, "quantity": qty,
		"expiry": expiry, "unit_cost": "0.20", "operator": "alice",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// CATALOG
// =============================================================================

func TestHealth(t *testing.T) {
	api := setupTestAPI(t)
	rec := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestSaveMedicine_CreateThenUpdate(t *testing.T) {
	api := setupTestAPI(t)

	// WHEN: A medicine is posted
	rec := api.do(http.MethodPost, "/api/medicines", map[string]any{
		"id": "IBU400", "name": "Ibuprofen 400mg", "unit_price": "0.15", "min_stock": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[MedicineDTO](t, rec)
	assert.Equal(t, "unit", created.Unit)
	assert.True(t, created.Enabled)
	assert.Equal(t, "0.15", created.UnitPrice)

	// WHEN: It is disabled through PUT
	rec = api.do(http.MethodPut, "/api/medicines/IBU400", map[string]any{
		"name": "Ibuprofen 400mg", "unit_price": "0.15", "min_stock": 10, "enabled": false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The stored entry reflects it
	rec = api.do(http.MethodGet, "/api/medicines/IBU400", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[MedicineDTO](t, rec)
	assert.False(t, got.Enabled)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}

func TestSaveMedicine_Invalid(t *testing.T) {
	api := setupTestAPI(t)
	rec := api.do(http.MethodPost, "/api/medicines", map[string]any{"id": "X", "name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/medicines/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BATCHES
// =============================================================================

func TestBatchActions_ReserveConsume(t *testing.T) {
	// GIVEN: 100 units on one batch
	api := setupTestAPI(t)
	api.seedAmox("B1", 100, "2026-01-01")

	// WHEN: 30 are reserved then consumed
	rec := api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/reserve", map[string]any{"quantity": 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[TransactionDTO](t, rec)
	assert.Equal(t, "RESERVE", tx.Kind)
	assert.Equal(t, "CONFIRMED", tx.Status)
	assert.Equal(t, int64(-30), tx.Delta)

	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/batches/B1", nil)
	b := decode[BatchDTO](t, rec)
	assert.Equal(t, stock.Quantities{Current: 100, Available: 70, Reserved: 30}, b.Quantities)

	rec = api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/consume", map[string]any{"quantity": 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: Current dropped to 70 and the log replays to the same counters
	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/batches/B1", nil)
	b = decode[BatchDTO](t, rec)
	assert.Equal(t, stock.Quantities{Current: 70, Available: 70}, b.Quantities)

	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/batches/B1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DriftDTO](t, rec).InSync)
}

func TestBatchActions_ErrorStatuses(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 10, "2026-01-01")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"insufficient", "/api/medicines/AMOX500/batches/B1/reserve", map[string]any{"quantity": 11}, http.StatusUnprocessableEntity},
		{"zero quantity", "/api/medicines/AMOX500/batches/B1/lock", map[string]any{"quantity": 0}, http.StatusBadRequest},
		{"over release", "/api/medicines/AMOX500/batches/B1/release", map[string]any{"quantity": 1}, http.StatusInternalServerError},
		{"unknown batch", "/api/medicines/AMOX500/batches/NOPE/reserve", map[string]any{"quantity": 1}, http.StatusNotFound},
		{"unknown action", "/api/medicines/AMOX500/batches/B1/explode", map[string]any{"quantity": 1}, http.StatusNotFound},
		{"malformed body", "/api/medicines/AMOX500/batches/B1/reserve", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestStockIn_ExpiryMismatchConflicts(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 10, "2026-01-01")

	rec := api.do(http.MethodPost, "/api/batches", map[string]any{
		"medicine_id": "AMOX500", "batch_number": "B1", "quantity": 5, "expiry": "2026-02-01",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, "/api/batches", map[string]any{
		"medicine_id": "AMOX500", "batch_number": "B2", "quantity": 5, "expiry": "01/02/2026",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecallAndTransfer(t *testing.T) {
	// GIVEN: Two batches of one medicine
	api := setupTestAPI(t)
	api.seedAmox("B1", 40, "2025-06-01")
	api.seedAmox("B2", 10, "2026-06-01")

	// WHEN: 15 units move from B1 to B2
	rec := api.do(http.MethodPost, "/api/transfers", map[string]any{
		"medicine_id": "AMOX500", "from_batch": "B1", "to_batch": "B2", "quantity": 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// AND: B1 is recalled
	rec = api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/recall", map[string]any{"reason": "supplier notice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b1 := decode[BatchDTO](t, rec)

	// THEN: B1 holds its remaining 25 units locked
	assert.Equal(t, "RECALLED", b1.Status)
	assert.Equal(t, stock.Quantities{Current: 25, Locked: 25}, b1.Quantities)

	rec = api.do(http.MethodGet, "/api/batches?medicine_id=AMOX500&status=normal", nil)
	normal := decode[[]BatchDTO](t, rec)
	require.Len(t, normal, 1)
	assert.Equal(t, "B2", normal[0].BatchNumber)
	assert.Equal(t, int64(25), normal[0].Current)

	// AND: A second recall is rejected
	rec = api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/recall", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdjustBatch(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 50, "2026-01-01")

	rec := api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/adjust", map[string]any{"actual": 47, "reason": "breakage"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[AdjustResultDTO](t, rec)
	assert.Equal(t, int64(-3), res.Delta)
	assert.Equal(t, int64(47), res.New.Current)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, "ADJUST", res.Transaction.Kind)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func TestListTransactions_Filters(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 100, "2026-01-01")
	api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/reserve", map[string]any{"quantity": 5, "related_doc": "DOC-1"})
	api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/loss", map[string]any{"quantity": 2, "reason": "damaged"})

	rec := api.do(http.MethodGet, "/api/transactions?medicine_id=AMOX500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]TransactionDTO](t, rec)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"IN", "RESERVE", "LOSS"}, []string{all[0].Kind, all[1].Kind, all[2].Kind})

	rec = api.do(http.MethodGet, "/api/transactions?kind=loss,reserve&limit=1", nil)
	limited := decode[[]TransactionDTO](t, rec)
	require.Len(t, limited, 1)
	assert.Equal(t, "RESERVE", limited[0].Kind)

	rec = api.do(http.MethodGet, "/api/transactions?related_doc=DOC-1", nil)
	assert.Len(t, decode[[]TransactionDTO](t, rec), 1)

	rec = api.do(http.MethodGet, "/api/transactions/"+all[2].Number, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "damaged", decode[TransactionDTO](t, rec).Reason)

	rec = api.do(http.MethodGet, "/api/transactions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/totals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	totals := decode[stock.Totals](t, rec)
	assert.Equal(t, int64(100), totals.Inbound)
	assert.Equal(t, int64(2), totals.Losses)
}

// =============================================================================
// STOCK TAKES & REPORTS
// =============================================================================

func TestStockTake_MismatchSurfacesInAlerts(t *testing.T) {
	// GIVEN: 50 units, 10 reserved
	api := setupTestAPI(t)
	api.seedAmox("B1", 50, "2026-01-01")
	api.do(http.MethodPost, "/api/medicines/AMOX500/batches/B1/reserve", map[string]any{"quantity": 10})

	// WHEN: The shelf count is 45
	rec := api.do(http.MethodPost, "/api/stock-takes", map[string]any{
		"medicine_id": "AMOX500", "batch_number": "B1", "counted": 45, "operator": "auditor",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	st := decode[StockTakeDTO](t, rec)

	// THEN: The adjustment lands on available and a mismatch is recorded
	assert.Equal(t, int64(50), st.Expected)
	assert.Equal(t, int64(-5), st.Delta)
	assert.NotEmpty(t, st.Mismatch)
	assert.NotEmpty(t, st.TxNumber)

	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/batches/B1", nil)
	assert.Equal(t, stock.Quantities{Current: 45, Available: 35, Reserved: 10}, decode[BatchDTO](t, rec).Quantities)

	rec = api.do(http.MethodGet, "/api/stock-takes/mismatches", nil)
	assert.Len(t, decode[[]StockTakeDTO](t, rec), 1)

	rec = api.do(http.MethodGet, "/api/reports/alerts", nil)
	alerts := decode[[]AlertDTO](t, rec)
	var kinds []string
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, "STOCK_TAKE_MISMATCH")
}

func TestReports(t *testing.T) {
	// GIVEN: One expired batch, one expiring in 10 days, stock under minimum
	api := setupTestAPI(t)
	api.seedAmox("OLD", 5, "2025-02-01")
	api.seedAmox("SOON", 12, "2025-03-11")

	rec := api.do(http.MethodGet, "/api/reports/expired", nil)
	expired := decode[[]BatchDTO](t, rec)
	require.Len(t, expired, 1)
	assert.Equal(t, "EXPIRED", expired[0].Status)

	rec = api.do(http.MethodGet, "/api/reports/expiring?days=10", nil)
	assert.Len(t, decode[[]BatchDTO](t, rec), 1)
	rec = api.do(http.MethodGet, "/api/reports/expiring?days=5", nil)
	assert.Empty(t, decode[[]BatchDTO](t, rec))
	rec = api.do(http.MethodGet, "/api/reports/expiring?days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/reports/low-stock", nil)
	low := decode[[]SummaryDTO](t, rec)
	require.Len(t, low, 1)
	assert.Equal(t, int64(12), low[0].Usable.Current)
	assert.Equal(t, int64(17), low[0].Total.Current)

	rec = api.do(http.MethodGet, "/api/reports/inventory", nil)
	assert.Len(t, decode[[]SummaryDTO](t, rec), 1)
}

// =============================================================================
// DISPENSE
// =============================================================================

func prescriptionBody(id string, qty int64, flags map[string]any) map[string]any {
	line := map[string]any{"medicine_id": "AMOX500", "quantity": qty}
	for k, v := range flags {
		line[k] = v
	}
	return map[string]any{"id": id, "patient_id": 501, "lines": []any{line}}
}

func TestDispense_FullCycleThroughHTTP(t *testing.T) {
	// GIVEN: 100 units in stock
	api := setupTestAPI(t)
	api.seedAmox("B1", 100, "2026-01-01")

	// WHEN: A prescription for 30 is started, dispensed, completed, delivered
	rec := api.do(http.MethodPost, "/api/dispenses/start", map[string]any{
		"prescription": prescriptionBody("RX-1", 30, nil), "pharmacist_id": 7,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[RecordDTO](t, rec)
	assert.Equal(t, "IN_PROGRESS", started.Status)
	base := "/api/dispenses/" + started.ID

	rec = api.do(http.MethodPost, base+"/items/0/dispense", map[string]any{"pharmacist_id": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RecordResponse](t, rec)
	assert.Empty(t, resp.Warning)
	assert.Equal(t, "DISPENSED", resp.Record.Items[0].Status)

	rec = api.do(http.MethodPost, base+"/complete", map[string]any{"pharmacist_id": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, base+"/deliver", map[string]any{"pharmacist_id": 7, "notes": "counselled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	delivery := decode[DeliveryDTO](t, rec)
	assert.Equal(t, "DELIVERED", delivery.Record.Status)
	assert.Equal(t, "15.00", delivery.Total)

	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/summary", nil)
	assert.Equal(t, int64(70), decode[SummaryDTO](t, rec).Total.Current)

	// AND: 10 units come back
	rec = api.do(http.MethodPost, base+"/return", map[string]any{
		"pharmacist_id": 7, "reason": "adverse reaction", "lines": []any{map[string]any{"line": 0, "quantity": 10}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	returned := decode[RecordResponse](t, rec).Record
	assert.Equal(t, "DELIVERED", returned.Status)
	assert.Equal(t, int64(20), returned.Outstanding)

	// THEN: Stock is back to 80 and the ledger shows every step for the record
	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/summary", nil)
	assert.Equal(t, int64(80), decode[SummaryDTO](t, rec).Total.Current)

	rec = api.do(http.MethodGet, base+"/transactions", nil)
	var kinds []string
	for _, tx := range decode[[]TransactionDTO](t, rec) {
		kinds = append(kinds, tx.Kind)
	}
	assert.Equal(t, []string{"RESERVE", "OUT", "IN"}, kinds)

	// AND: Returning more than is outstanding is rejected
	rec = api.do(http.MethodPost, base+"/return", map[string]any{
		"lines": []any{map[string]any{"line": 0, "quantity": 21}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDispense_DuplicateStartConflicts(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 100, "2026-01-01")

	body := map[string]any{"prescription": prescriptionBody("RX-2", 10, nil), "pharmacist_id": 7}
	rec := api.do(http.MethodPost, "/api/dispenses/start", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[RecordDTO](t, rec)

	rec = api.do(http.MethodPost, "/api/dispenses/start", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodGet, "/api/prescriptions/RX-2/dispense", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[RecordDTO](t, rec).ID)
}

func TestDispense_ShortLineIsSavedWithWarning(t *testing.T) {
	// GIVEN: Only 20 units for a prescription of 30
	api := setupTestAPI(t)
	api.seedAmox("B1", 20, "2026-01-01")

	rec := api.do(http.MethodPost, "/api/dispenses/start", map[string]any{
		"prescription": prescriptionBody("RX-3", 30, nil), "pharmacist_id": 7,
	})
	id := decode[RecordDTO](t, rec).ID
	base := "/api/dispenses/" + id

	// WHEN: The line is dispensed
	rec = api.do(http.MethodPost, base+"/items/0/dispense", map[string]any{"pharmacist_id": 7})

	// THEN: The record is saved with the item OUT_OF_STOCK and a warning
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RecordResponse](t, rec)
	assert.NotEmpty(t, resp.Warning)
	assert.Equal(t, "OUT_OF_STOCK", resp.Record.Items[0].Status)
	assert.Equal(t, int64(10), resp.Record.Items[0].Shortfall)
	assert.Equal(t, "SHORT", resp.Record.StockCheck)

	// AND: Complete is blocked until the short fill is accepted
	rec = api.do(http.MethodPost, base+"/complete", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(http.MethodPost, base+"/items/0/accept-short", map[string]any{"pharmacist_id": 7, "reason": "patient agreed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	item := decode[RecordResponse](t, rec).Record.Items[0]
	assert.Equal(t, int64(20), item.Dispensed)
	assert.True(t, item.Accepted)

	rec = api.do(http.MethodPost, base+"/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDispense_ReviewGatesDelivery(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 100, "2026-01-01")

	rec := api.do(http.MethodPost, "/api/dispenses/start", map[string]any{
		"prescription":  prescriptionBody("RX-4", 5, map[string]any{"allergy_warning": true}),
		"pharmacist_id": 7,
	})
	base := "/api/dispenses/" + decode[RecordDTO](t, rec).ID
	api.do(http.MethodPost, base+"/items/0/dispense", nil)
	rec = api.do(http.MethodPost, base+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[RecordResponse](t, rec).Record.RequiresReview)

	rec = api.do(http.MethodPost, base+"/deliver", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(http.MethodPost, base+"/review", map[string]any{"pharmacist_id": 9, "approved": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, base+"/deliver", map[string]any{"pharmacist_id": 7})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDispense_CancelReleasesStock(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 100, "2026-01-01")

	rec := api.do(http.MethodPost, "/api/dispenses/start", map[string]any{
		"prescription": prescriptionBody("RX-5", 25, nil), "pharmacist_id": 7,
	})
	base := "/api/dispenses/" + decode[RecordDTO](t, rec).ID
	api.do(http.MethodPost, base+"/items/0/dispense", nil)

	rec = api.do(http.MethodPost, base+"/cancel", map[string]any{"reason": "patient left"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decode[RecordResponse](t, rec).Record.Status)

	rec = api.do(http.MethodGet, "/api/medicines/AMOX500/batches/B1", nil)
	assert.Equal(t, stock.Quantities{Current: 100, Available: 100}, decode[BatchDTO](t, rec).Quantities)

	rec = api.do(http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodGet, "/api/dispenses?status=cancelled", nil)
	assert.Len(t, decode[[]RecordDTO](t, rec), 1)

	rec = api.do(http.MethodGet, "/api/dispenses/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenDispense_Validation(t *testing.T) {
	api := setupTestAPI(t)
	api.seedAmox("B1", 10, "2026-01-01")

	rec := api.do(http.MethodPost, "/api/dispenses", map[string]any{"id": "RX-6", "patient_id": 1, "lines": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/api/dispenses", prescriptionBody("RX-6", 3, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", decode[RecordDTO](t, rec).Status)
}

func TestBodyLimit(t *testing.T) {
	api := setupTestAPI(t)
	big := bytes.Repeat([]byte("x"), MaxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/api/medicines", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
