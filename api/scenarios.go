/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	pharmacy data for demos. Each scenario seeds a catalog and goods receipts
	through the factory, then drives the ledger and the dispense workflow to
	show one feature.

AVAILABLE SCENARIOS:

	basic-stock:    Small catalog with one or two batches per medicine
	fefo-dispense:  Three amoxicillin batches, a dispense reserving from the
	                earliest expiry first
	expiry-alerts:  Expired, expiring and low stock, plus a stock take mismatch
	recall:         A recalled batch skipped by allocation

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Parse a seed JSON document via factory.ParseSeed
 3. Save medicines, stock in receipts through the ledger
 4. Optionally drive ledger calls or a dispense record

	Expiry dates are relative to the handler clock so a scenario looks the
	same whenever it is loaded.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "fefo-dispense"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - factory/catalog.go: Seed JSON schema
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-stock",
		Name:        "Basic Stock",
		Description: "Small catalog with opening stock on every medicine",
		Category:    "stock",
	},
	{
		ID:          "fefo-dispense",
		Name:        "FEFO Dispense",
		Description: "Three amoxicillin batches and a dispense that reserves the earliest expiry first",
		Category:    "dispense",
	},
	{
		ID:          "expiry-alerts",
		Name:        "Expiry Alerts",
		Description: "Expired, expiring and low stock plus a stock take mismatch",
		Category:    "reports",
	},
	{
		ID:          "recall",
		Name:        "Batch Recall",
		Description: "A recalled paracetamol batch that allocation skips",
		Category:    "stock",
	},
}

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "basic-stock":
		load = h.loadBasicStockScenario
	case "fefo-dispense":
		load = h.loadFEFODispenseScenario
	case "expiry-alerts":
		load = h.loadExpiryAlertsScenario
	case "recall":
		load = h.loadRecallScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadSeed saves the seed's medicines and stocks in its receipts.
func (h *Handler) LoadSeed(ctx context.Context, data []byte) error {
	seed, err := h.Factory.ParseSeed(data)
	if err != nil {
		return err
	}
	now := h.Clock.Now()
	for _, m := range seed.Medicines {
		m.CreatedAt, m.UpdatedAt = now, now
		if err := h.Store.SaveMedicine(ctx, m); err != nil {
			return fmt.Errorf("save medicine %s: %w", m.ID, err)
		}
	}
	for _, in := range seed.Receipts {
		if _, err := h.Ledger.StockIn(ctx, in, stock.Meta{Operator: "seed", Reason: "opening stock"}); err != nil {
			return fmt.Errorf("stock in %s/%s: %w", in.MedicineID, in.BatchNumber, err)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// day formats today + offset days as a seed expiry.
func (h *Handler) day(offset int) string {
	return stock.Today(h.Clock).AddDate(0, 0, offset).Format(time.DateOnly)
}

func (h *Handler) loadBasicStockScenario(ctx context.Context) error {
	seed := fmt.Sprintf(`{
		"medicines": [
			{"id": "AMOX500", "name": "Amoxicillin 500mg", "unit": "capsule", "unit_price": "0.45", "min_stock": 50, "max_stock": 1000},
			{"id": "PARA500", "name": "Paracetamol 500mg", "unit": "tablet", "unit_price": "0.10", "min_stock": 100, "max_stock": 2000},
			{"id": "IBU400", "name": "Ibuprofen 400mg", "unit": "tablet", "unit_price": "0.15", "min_stock": 50, "max_stock": 1000},
			{"id": "MORPH10", "name": "Morphine 10mg/ml", "unit": "ampoule", "unit_price": "3.20", "min_stock": 5, "max_stock": 50, "controlled": true}
		],
		"receipts": [
			{"medicine_id": "AMOX500", "batch_number": "AMX-001", "quantity": 200, "expiry": %q, "unit_cost": "0.20", "supplier": "MedSupply"},
			{"medicine_id": "PARA500", "batch_number": "PAR-001", "quantity": 500, "expiry": %q, "unit_cost": "0.03", "supplier": "MedSupply"},
			{"medicine_id": "PARA500", "batch_number": "PAR-002", "quantity": 300, "expiry": %q, "unit_cost": "0.04", "supplier": "PharmaDirect"},
			{"medicine_id": "IBU400", "batch_number": "IBU-001", "quantity": 250, "expiry": %q, "unit_cost": "0.06", "supplier": "PharmaDirect"},
			{"medicine_id": "MORPH10", "batch_number": "MOR-001", "quantity": 20, "expiry": %q, "unit_cost": "1.50", "supplier": "ControlledMed"}
		]
	}`, h.day(365), h.day(200), h.day(400), h.day(300), h.day(180))
	return h.LoadSeed(ctx, []byte(seed))
}

func (h *Handler) loadFEFODispenseScenario(ctx context.Context) error {
	seed := fmt.Sprintf(`{
		"medicines": [
			{"id": "AMOX500", "name": "Amoxicillin 500mg", "unit": "capsule", "unit_price": "0.45", "min_stock": 20, "max_stock": 500}
		],
		"receipts": [
			{"medicine_id": "AMOX500", "batch_number": "AMX-LATE", "quantity": 100, "expiry": %q, "unit_cost": "0.22"},
			{"medicine_id": "AMOX500", "batch_number": "AMX-SOON", "quantity": 20, "expiry": %q, "unit_cost": "0.18"},
			{"medicine_id": "AMOX500", "batch_number": "AMX-MID", "quantity": 50, "expiry": %q, "unit_cost": "0.20"}
		]
	}`, h.day(400), h.day(20), h.day(120))
	if err := h.LoadSeed(ctx, []byte(seed)); err != nil {
		return err
	}

	// 30 capsules: 20 from AMX-SOON then 10 from AMX-MID.
	rec, err := h.Workflow.Start(ctx, dispense.Prescription{
		ID:        "RX-1001",
		PatientID: 501,
		DoctorID:  42,
		Lines:     []dispense.Line{{MedicineID: "AMOX500", Quantity: 30, Instructions: "1 capsule three times daily"}},
	}, 7)
	if err != nil {
		return err
	}
	_, err = h.Workflow.DispenseItem(ctx, rec.ID, 0, 7)
	return err
}

func (h *Handler) loadExpiryAlertsScenario(ctx context.Context) error {
	seed := fmt.Sprintf(`{
		"medicines": [
			{"id": "INS100", "name": "Insulin 100IU/ml", "unit": "vial", "unit_price": "12.00", "min_stock": 10, "max_stock": 60},
			{"id": "SALB100", "name": "Salbutamol inhaler", "unit": "inhaler", "unit_price": "4.50", "min_stock": 15, "max_stock": 40},
			{"id": "CETI10", "name": "Cetirizine 10mg", "unit": "tablet", "unit_price": "0.08", "min_stock": 30, "max_stock": 100}
		],
		"receipts": [
			{"medicine_id": "INS100", "batch_number": "INS-OLD", "quantity": 6, "expiry": %q, "unit_cost": "7.00"},
			{"medicine_id": "INS100", "batch_number": "INS-NEW", "quantity": 8, "expiry": %q, "unit_cost": "7.20"},
			{"medicine_id": "SALB100", "batch_number": "SAL-001", "quantity": 12, "expiry": %q, "unit_cost": "2.10"},
			{"medicine_id": "CETI10", "batch_number": "CET-001", "quantity": 150, "expiry": %q, "unit_cost": "0.02"}
		]
	}`, h.day(-10), h.day(15), h.day(200), h.day(500))
	if err := h.LoadSeed(ctx, []byte(seed)); err != nil {
		return err
	}

	// Shelf count finds four inhalers missing.
	key := stock.BatchKey{MedicineID: "SALB100", BatchNumber: "SAL-001"}
	_, err := h.Reconciler.Reconcile(ctx, key, 8, "auditor", "monthly count")
	return err
}

func (h *Handler) loadRecallScenario(ctx context.Context) error {
	seed := fmt.Sprintf(`{
		"medicines": [
			{"id": "PARA500", "name": "Paracetamol 500mg", "unit": "tablet", "unit_price": "0.10", "min_stock": 100, "max_stock": 2000}
		],
		"receipts": [
			{"medicine_id": "PARA500", "batch_number": "PAR-BAD", "quantity": 400, "expiry": %q, "unit_cost": "0.03", "supplier": "MedSupply"},
			{"medicine_id": "PARA500", "batch_number": "PAR-GOOD", "quantity": 300, "expiry": %q, "unit_cost": "0.04", "supplier": "PharmaDirect"}
		]
	}`, h.day(90), h.day(300))
	if err := h.LoadSeed(ctx, []byte(seed)); err != nil {
		return err
	}
	_, err := h.Ledger.Recall(ctx, stock.BatchKey{MedicineID: "PARA500", BatchNumber: "PAR-BAD"}, stock.Meta{
		Operator: "qa",
		Reason:   "supplier recall notice",
	})
	return err
}
