/*
handlers.go - HTTP API handlers for the pharmacy engine

PURPOSE:
  Exposes the stock ledger, reports and dispense workflow via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Catalog:
    GET    /api/medicines                         List medicines
    POST   /api/medicines                         Create or update a medicine
    GET    /api/medicines/{id}                    Medicine details
    GET    /api/medicines/{id}/summary            Stock summary
    GET    /api/medicines/{id}/totals             Transaction log totals
    GET    /api/medicines/{id}/batches            Batches of one medicine

  Batches:
    GET    /api/batches                           Query batches
    POST   /api/batches                           Stock in (goods receipt)
    GET    /api/medicines/{id}/batches/{batch}    Batch details
    POST   /api/medicines/{id}/batches/{batch}/{action}
           action: reserve, release, consume, lock, unlock, loss, restock,
                   adjust, recall
    GET    /api/medicines/{id}/batches/{batch}/verify  Replay vs live
    POST   /api/transfers                         Move stock between batches

  Transaction log:
    GET    /api/transactions                      Query the log
    GET    /api/transactions/{number}             One entry

  Stock takes:
    POST   /api/stock-takes                       Record a recount
    GET    /api/stock-takes/mismatches            Recent mismatches
    GET    /api/medicines/{id}/batches/{batch}/stock-takes  Batch history

  Reports:
    GET    /api/reports/inventory                 Per-medicine summary
    GET    /api/reports/low-stock                 Below minimum
    GET    /api/reports/expiring?days=N           Expiring within N days
    GET    /api/reports/expired                   Past expiry with stock
    GET    /api/reports/alerts?days=N             All alerts

  Dispense: see dispense_handlers.go
  Scenarios: see scenarios.go

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, invalid quantity or argument
  - 404: Medicine, batch, transaction or record not found
  - 409: Duplicate dispense, invalid transition, batch attribute mismatch
  - 422: Insufficient, expired or unavailable stock; blocked workflow step
  - 503: Concurrent modification after the retry bound
  - 500: Internal errors and ledger integrity failures

SECURITY NOTE:
  No authentication. Operator and pharmacist ids are taken from the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - dispense_handlers.go: Dispense workflow endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/factory"
	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is everything the API needs from persistence. Both store/sqlite
// and store/memory satisfy it.
type Backend interface {
	stock.Store
	stock.ReconciliationStore
	dispense.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Backend
	Ledger     *stock.Ledger
	Allocator  *stock.Allocator
	Log        *stock.TransactionLog
	Reconciler *stock.Reconciler
	Reporter   *stock.Reporter
	Workflow   *dispense.Workflow
	Factory    *factory.Factory
	Clock      stock.Clock
	Logger     zerolog.Logger

	// ExpiringSoonDays is the default window of expiry reports and alerts.
	ExpiringSoonDays int

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the domain services over one store.
func NewHandler(store Backend, clock stock.Clock, logger zerolog.Logger) *Handler {
	if clock == nil {
		clock = stock.SystemClock{}
	}
	ledger := stock.NewLedger(store, clock)
	ledger.Logger = logger.With().Str("component", "ledger").Logger()
	allocator := stock.NewAllocator(store, clock)

	reconciler := stock.NewReconciler(ledger, store)
	reconciler.Logger = logger.With().Str("component", "reconcile").Logger()

	workflow := dispense.NewWorkflow(store, ledger, allocator)
	workflow.Logger = logger.With().Str("component", "dispense").Logger()

	return &Handler{
		Store:            store,
		Ledger:           ledger,
		Allocator:        allocator,
		Log:              stock.NewTransactionLog(store),
		Reconciler:       reconciler,
		Reporter:         stock.NewReporter(store, store, clock),
		Workflow:         workflow,
		Factory:          factory.New(),
		Clock:            clock,
		Logger:           logger,
		ExpiringSoonDays: 30,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListMedicines returns the catalog.
func (h *Handler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	meds, err := h.Store.Medicines(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list medicines", err)
		return
	}
	dtos := make([]MedicineDTO, len(meds))
	for i, m := range meds {
		dtos[i] = toMedicineDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveMedicine creates or replaces a catalog entry.
func (h *Handler) SaveMedicine(w http.ResponseWriter, r *http.Request) {
	var req factory.MedicineJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	med, err := h.Factory.Medicine(req)
	if err != nil {
		h.fail(w, r, "Invalid medicine", err)
		return
	}

	status := http.StatusCreated
	now := h.Clock.Now()
	if prev, err := h.Store.Medicine(r.Context(), med.ID); err == nil {
		med.CreatedAt = prev.CreatedAt
		status = http.StatusOK
	} else {
		med.CreatedAt = now
	}
	med.UpdatedAt = now

	if err := h.Store.SaveMedicine(r.Context(), med); err != nil {
		h.fail(w, r, "Failed to save medicine", err)
		return
	}
	writeJSON(w, status, toMedicineDTO(med))
}

// GetMedicine returns one catalog entry.
func (h *Handler) GetMedicine(w http.ResponseWriter, r *http.Request) {
	med, err := h.Store.Medicine(r.Context(), medicineParam(r))
	if err != nil {
		h.fail(w, r, "Medicine not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicineDTO(med))
}

// GetSummary returns the stock summary of one medicine.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Reporter.Summary(r.Context(), medicineParam(r))
	if err != nil {
		h.fail(w, r, "Failed to summarize stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

// GetTotals returns running totals over the confirmed log of one medicine.
func (h *Handler) GetTotals(w http.ResponseWriter, r *http.Request) {
	id := medicineParam(r)
	if _, err := h.Store.Medicine(r.Context(), id); err != nil {
		h.fail(w, r, "Medicine not found", err)
		return
	}
	totals, err := h.Log.Totals(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to compute totals", err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches queries batches. Status is evaluated as of today.
//
// Query: medicine_id, status (comma list), non_empty=true
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stock.BatchFilter{
		MedicineID: stock.MedicineID(q.Get("medicine_id")),
		NonEmpty:   q.Get("non_empty") == "true",
	}
	if id := chi.URLParam(r, "id"); id != "" {
		filter.MedicineID = stock.MedicineID(id)
	}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, stock.BatchStatus(strings.ToUpper(s)))
	}

	// Stored status can lag the calendar, so the status filter is applied
	// after refreshing.
	statuses := filter.Statuses
	filter.Statuses = nil
	batches, err := h.Ledger.Batches(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, 0, len(batches))
	for _, b := range batches {
		if len(statuses) > 0 && !(stock.BatchFilter{Statuses: statuses}).Match(b) {
			continue
		}
		dtos = append(dtos, toBatchDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns one batch.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Batch(r.Context(), batchParam(r))
	if err != nil {
		h.fail(w, r, "Batch not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// StockIn records a goods receipt.
func (h *Handler) StockIn(w http.ResponseWriter, r *http.Request) {
	var req StockInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	in, err := h.Factory.Receipt(req.ReceiptJSON)
	if err != nil {
		h.fail(w, r, "Invalid receipt", err)
		return
	}
	b, err := h.Ledger.StockIn(r.Context(), in, req.meta())
	if err != nil {
		h.fail(w, r, "Stock in failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(b))
}

// BatchAction runs one quantity-based ledger movement on a batch.
func (h *Handler) BatchAction(w http.ResponseWriter, r *http.Request) {
	key := batchParam(r)
	action := chi.URLParam(r, "action")

	var req QuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var move func(context.Context, stock.BatchKey, int64, stock.Meta) (stock.Transaction, error)
	switch action {
	case "reserve":
		move = h.Ledger.Reserve
	case "release":
		move = h.Ledger.Release
	case "consume":
		move = h.Ledger.Consume
	case "lock":
		move = h.Ledger.Lock
	case "unlock":
		move = h.Ledger.Unlock
	case "loss":
		move = h.Ledger.RecordLoss
	case "restock":
		move = h.Ledger.Restock
	default:
		writeError(w, http.StatusNotFound, "Unknown batch action", errors.New(action))
		return
	}

	tx, err := move(r.Context(), key, req.Quantity, req.meta())
	if err != nil {
		h.fail(w, r, "Failed to "+action+" stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// AdjustBatch sets a batch's current stock to an observed total.
func (h *Handler) AdjustBatch(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Ledger.Adjust(r.Context(), batchParam(r), req.Actual, req.meta())
	if err != nil {
		h.fail(w, r, "Failed to adjust stock", err)
		return
	}
	dto := AdjustResultDTO{
		Previous: res.Previous,
		New:      res.New,
		Delta:    res.Delta,
		Anomaly:  res.Anomaly,
	}
	if res.Transaction != nil {
		tx := toTransactionDTO(*res.Transaction)
		dto.Transaction = &tx
	}
	writeJSON(w, http.StatusOK, dto)
}

// RecallBatch marks a batch RECALLED and locks what is available.
func (h *Handler) RecallBatch(w http.ResponseWriter, r *http.Request) {
	var req MetaDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key := batchParam(r)
	if _, err := h.Ledger.Recall(r.Context(), key, req.meta()); err != nil {
		h.fail(w, r, "Failed to recall batch", err)
		return
	}
	b, err := h.Ledger.Batch(r.Context(), key)
	if err != nil {
		h.fail(w, r, "Failed to load batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(b))
}

// VerifyBatch replays the log of a batch and compares it with the live row.
func (h *Handler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	d, err := h.Log.Verify(r.Context(), batchParam(r))
	if err != nil {
		h.fail(w, r, "Failed to verify batch", err)
		return
	}
	writeJSON(w, http.StatusOK, DriftDTO{
		MedicineID:  string(d.Key.MedicineID),
		BatchNumber: d.Key.BatchNumber,
		Live:        d.Live,
		Replayed:    d.Replayed,
		InSync:      d.InSync(),
	})
}

// Transfer moves available stock between two batches of one medicine.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tx, err := h.Ledger.Transfer(r.Context(), stock.MedicineID(req.MedicineID), req.From, req.To, req.Quantity, req.meta())
	if err != nil {
		h.fail(w, r, "Transfer failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// TRANSACTION LOG HANDLERS
// =============================================================================

// ListTransactions queries the log, oldest first.
//
// Query: medicine_id, batch, related_doc, kind, status (comma lists),
// from, to (RFC3339 or YYYY-MM-DD), limit
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stock.TxFilter{
		MedicineID:  stock.MedicineID(q.Get("medicine_id")),
		BatchNumber: q.Get("batch"),
		RelatedDoc:  q.Get("related_doc"),
	}
	for _, k := range splitParam(q.Get("kind")) {
		filter.Kinds = append(filter.Kinds, stock.Kind(strings.ToUpper(k)))
	}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, stock.TxStatus(strings.ToUpper(s)))
	}

	var err error
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = n
	}

	txs, err := h.Log.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to query transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// GetTransaction returns one log entry by number.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Log.Get(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, "Transaction not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// STOCK TAKE HANDLERS
// =============================================================================

// CreateStockTake records a physical recount and reconciles the ledger.
func (h *Handler) CreateStockTake(w http.ResponseWriter, r *http.Request) {
	var req StockTakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key := stock.BatchKey{MedicineID: stock.MedicineID(req.MedicineID), BatchNumber: req.BatchNumber}
	st, err := h.Reconciler.Reconcile(r.Context(), key, req.Counted, req.Operator, req.Notes)
	if err != nil {
		h.fail(w, r, "Stock take failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStockTakeDTO(*st))
}

// ListMismatches returns stock takes with a discrepancy in the last N days.
func (h *Handler) ListMismatches(w http.ResponseWriter, r *http.Request) {
	days, err := h.daysParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}
	since := stock.Today(h.Clock).AddDate(0, 0, -days)
	takes, err := h.Reconciler.Mismatches(r.Context(), since)
	if err != nil {
		h.fail(w, r, "Failed to list mismatches", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockTakeDTOs(takes))
}

// StockTakeHistory lists every recount of one batch.
func (h *Handler) StockTakeHistory(w http.ResponseWriter, r *http.Request) {
	takes, err := h.Reconciler.History(r.Context(), batchParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list stock takes", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockTakeDTOs(takes))
}

func toStockTakeDTOs(takes []stock.StockTake) []StockTakeDTO {
	dtos := make([]StockTakeDTO, len(takes))
	for i, st := range takes {
		dtos[i] = toStockTakeDTO(st)
	}
	return dtos
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) InventoryReport(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Reporter.Inventory(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to build inventory", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTOs(inv))
}

func (h *Handler) LowStockReport(w http.ResponseWriter, r *http.Request) {
	low, err := h.Reporter.LowStock(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to build low stock report", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTOs(low))
}

func (h *Handler) ExpiringReport(w http.ResponseWriter, r *http.Request) {
	days, err := h.daysParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}
	batches, err := h.Reporter.ExpiringSoon(r.Context(), days)
	if err != nil {
		h.fail(w, r, "Failed to build expiry report", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

func (h *Handler) ExpiredReport(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Reporter.Expired(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to build expired report", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTOs(batches))
}

func (h *Handler) AlertsReport(w http.ResponseWriter, r *http.Request) {
	days, err := h.daysParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid days", err)
		return
	}
	alerts, err := h.Reporter.Alerts(r.Context(), days)
	if err != nil {
		h.fail(w, r, "Failed to compute alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTOs(alerts))
}

func toSummaryDTOs(summaries []stock.Summary) []SummaryDTO {
	dtos := make([]SummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = toSummaryDTO(s)
	}
	return dtos
}

func toBatchDTOs(batches []stock.Batch) []BatchDTO {
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	return dtos
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a domain error to its HTTP status and writes it. Server-side
// failures are logged with the request id.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).
			Bool("integrity", stock.IsFatal(err)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case dispense.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dispense.ErrDuplicateDispense),
		errors.Is(err, dispense.ErrInvalidTransition),
		errors.Is(err, stock.ErrBatchMismatch):
		return http.StatusConflict
	case errors.Is(err, stock.ErrInsufficientStock),
		errors.Is(err, stock.ErrExpiredBatch),
		errors.Is(err, stock.ErrBatchUnavailable),
		errors.Is(err, stock.ErrMedicineDisabled),
		errors.Is(err, dispense.ErrReturnExceeds),
		errors.Is(err, dispense.ErrItemsIncomplete),
		errors.Is(err, dispense.ErrReviewRequired):
		return http.StatusUnprocessableEntity
	case dispense.IsClientError(err):
		return http.StatusBadRequest
	case dispense.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func medicineParam(r *http.Request) stock.MedicineID {
	return stock.MedicineID(chi.URLParam(r, "id"))
}

func batchParam(r *http.Request) stock.BatchKey {
	return stock.BatchKey{MedicineID: medicineParam(r), BatchNumber: chi.URLParam(r, "batch")}
}

func splitParam(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *Handler) daysParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("days")
	if s == "" {
		return h.ExpiringSoonDays, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("days must not be negative")
	}
	return n, nil
}
