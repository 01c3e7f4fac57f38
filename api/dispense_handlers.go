/*
dispense_handlers.go - HTTP handlers for the dispense workflow

ENDPOINTS:
  GET    /api/dispenses                                List (patient_id, prescription_id, status)
  POST   /api/dispenses                                Open a PENDING record
  POST   /api/dispenses/start                          Open if needed and start
  GET    /api/dispenses/{rid}                          Record details
  GET    /api/dispenses/{rid}/transactions             Ledger entries of the record
  GET    /api/prescriptions/{pid}/dispense             Active record of a prescription

  POST   /api/dispenses/{rid}/items/{line}/dispense     FEFO reserve one line
  POST   /api/dispenses/{rid}/items/{line}/accept-short Accept a partial fill
  POST   /api/dispenses/{rid}/items/{line}/substitute   Use another medicine
  POST   /api/dispenses/{rid}/items/{line}/reset        Release and start over

  POST   /api/dispenses/{rid}/complete
  POST   /api/dispenses/{rid}/review
  POST   /api/dispenses/{rid}/deliver
  POST   /api/dispenses/{rid}/return
  POST   /api/dispenses/{rid}/cancel

PARTIAL OUTCOMES:
  A line that cannot be covered is saved as OUT_OF_STOCK. The response is
  200 with the record and a warning, not an error, because the record did
  change. Any other failure that still saved the record does the same.

SEE ALSO:
  - dispense/workflow.go: Transitions
  - handlers.go: Error mapping
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
)

// ListDispenses lists records, newest first.
func (h *Handler) ListDispenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := dispense.Filter{PrescriptionID: q.Get("prescription_id")}
	if s := q.Get("patient_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid patient_id", err)
			return
		}
		filter.PatientID = id
	}
	for _, s := range splitParam(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, dispense.Status(strings.ToUpper(s)))
	}

	records, err := h.Workflow.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list dispenses", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(records))
}

// OpenDispense creates a PENDING record for a validated prescription.
func (h *Handler) OpenDispense(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.Factory.ParsePrescription(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := h.Workflow.Open(r.Context(), p)
	if err != nil {
		h.fail(w, r, "Failed to open dispense", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordDTO(*rec))
}

// StartDispense opens the record if needed and moves it to IN_PROGRESS.
func (h *Handler) StartDispense(w http.ResponseWriter, r *http.Request) {
	var req StartDispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := h.Workflow.Start(r.Context(), h.Factory.Prescription(req.Prescription), req.PharmacistID)
	if err != nil {
		h.fail(w, r, "Failed to start dispense", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(*rec))
}

// GetDispense returns one record.
func (h *Handler) GetDispense(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Workflow.Get(r.Context(), chi.URLParam(r, "rid"))
	if err != nil {
		h.fail(w, r, "Dispense not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(*rec))
}

// GetActiveDispense returns the active record of a prescription.
func (h *Handler) GetActiveDispense(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Workflow.ActiveForPrescription(r.Context(), chi.URLParam(r, "pid"))
	if err != nil {
		h.fail(w, r, "No active dispense", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTO(*rec))
}

// DispenseTransactions lists every ledger entry written for a record.
func (h *Handler) DispenseTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "rid")
	if _, err := h.Workflow.Get(r.Context(), id); err != nil {
		h.fail(w, r, "Dispense not found", err)
		return
	}
	txs, err := h.Log.ForDocument(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ITEM ACTIONS
// =============================================================================

// ItemAction runs one per-line step.
func (h *Handler) ItemAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "rid")
	action := chi.URLParam(r, "action")
	line, err := strconv.Atoi(chi.URLParam(r, "line"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid line", err)
		return
	}
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	var rec *dispense.Record
	switch action {
	case "dispense":
		rec, err = h.Workflow.DispenseItem(ctx, id, line, req.PharmacistID)
	case "accept-short":
		rec, err = h.Workflow.AcceptShort(ctx, id, line, req.PharmacistID, req.Reason)
	case "substitute":
		rec, err = h.Workflow.Substitute(ctx, id, line, stock.MedicineID(req.MedicineID), req.Reason, req.PharmacistID)
	case "reset":
		rec, err = h.Workflow.ResetItem(ctx, id, line, req.PharmacistID)
	default:
		writeError(w, http.StatusNotFound, "Unknown item action", errors.New(action))
		return
	}
	h.respondRecord(w, r, rec, err, fmt.Sprintf("Failed to %s line %d", action, line))
}

// =============================================================================
// RECORD ACTIONS
// =============================================================================

func (h *Handler) CompleteDispense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	rec, err := h.Workflow.Complete(r.Context(), chi.URLParam(r, "rid"), req.PharmacistID)
	h.respondRecord(w, r, rec, err, "Failed to complete dispense")
}

func (h *Handler) ReviewDispense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	rec, err := h.Workflow.Review(r.Context(), chi.URLParam(r, "rid"), req.PharmacistID, req.Approved, req.Comments)
	h.respondRecord(w, r, rec, err, "Failed to review dispense")
}

// DeliverDispense consumes the held stock and returns the priced charges.
func (h *Handler) DeliverDispense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	rec, delivery, err := h.Workflow.Deliver(r.Context(), chi.URLParam(r, "rid"), req.PharmacistID, req.Notes)
	if err != nil {
		h.respondRecord(w, r, rec, err, "Failed to deliver dispense")
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryDTO(*rec, delivery))
}

// ReturnDispense takes units back. No lines means everything outstanding.
func (h *Handler) ReturnDispense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	ret := dispense.ReturnRequest{Pharmacist: req.PharmacistID, Reason: req.Reason}
	for _, l := range req.Lines {
		ret.Lines = append(ret.Lines, dispense.ReturnLine{Line: l.Line, Quantity: l.Quantity})
	}
	rec, err := h.Workflow.Return(r.Context(), chi.URLParam(r, "rid"), ret)
	h.respondRecord(w, r, rec, err, "Failed to return dispense")
}

func (h *Handler) CancelDispense(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	rec, err := h.Workflow.Cancel(r.Context(), chi.URLParam(r, "rid"), req.Reason)
	h.respondRecord(w, r, rec, err, "Failed to cancel dispense")
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeAction reads an optional action body. An empty body is accepted.
func decodeAction(w http.ResponseWriter, r *http.Request) (DispenseActionRequest, bool) {
	var req DispenseActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	return req, true
}

// respondRecord writes the outcome of a transition. A record returned next
// to an error was saved anyway.
func (h *Handler) respondRecord(w http.ResponseWriter, r *http.Request, rec *dispense.Record, err error, message string) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, RecordResponse{Record: toRecordDTO(*rec)})
	case rec != nil:
		writeJSON(w, http.StatusOK, RecordResponse{Record: toRecordDTO(*rec), Warning: err.Error()})
	default:
		h.fail(w, r, message, err)
	}
}
