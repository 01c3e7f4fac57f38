/*
Package factory provides JSON to Go conversion for pharmacy inputs.

PURPOSE:
  Converts JSON catalog entries, goods receipts and validated prescriptions
  into stock and dispense types. Seed files, demo scenarios and API bodies
  all go through here so defaults and validation live in one place.

JSON SCHEMA (seed file):
  {
    "medicines": [
      {
        "id": "AMOX500",
        "name": "Amoxicillin 500mg",
        "unit": "capsule",
        "unit_price": "0.45",
        "min_stock": 50,
        "max_stock": 1000,
        "controlled": false
      }
    ],
    "receipts": [
      {
        "medicine_id": "AMOX500",
        "batch_number": "B-2024-001",
        "quantity": 100,
        "expiry": "2026-06-01",
        "unit_cost": "0.20",
        "supplier": "MedSupply"
      }
    ]
  }

DEFAULTS:
  - enabled defaults to true
  - unit defaults to "unit"
  - prices and costs default to 0

USAGE:
  f := factory.New()
  seed, err := f.ParseSeed(data)
  for _, m := range seed.Medicines {
      store.SaveMedicine(ctx, m)
  }
  for _, in := range seed.Receipts {
      ledger.StockIn(ctx, in, stock.Meta{Operator: "seed"})
  }

SEE ALSO:
  - stock/types.go: Medicine
  - stock/ledger.go: StockIn
  - dispense/types.go: Prescription
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// MedicineJSON is the JSON representation of a catalog entry.
type MedicineJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Unit       string `json:"unit,omitempty"`
	UnitPrice  string `json:"unit_price,omitempty"`
	MinStock   int64  `json:"min_stock,omitempty"`
	MaxStock   int64  `json:"max_stock,omitempty"`
	Controlled bool   `json:"controlled,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"` // default true
}

// ReceiptJSON is one goods receipt (stock-in).
type ReceiptJSON struct {
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number"`
	Quantity    int64  `json:"quantity"`
	Expiry      string `json:"expiry"` // YYYY-MM-DD
	UnitCost    string `json:"unit_cost,omitempty"`
	Supplier    string `json:"supplier,omitempty"`
}

// PrescriptionJSON is a prescription already validated upstream.
type PrescriptionJSON struct {
	ID        string     `json:"id"`
	PatientID int64      `json:"patient_id"`
	DoctorID  int64      `json:"doctor_id,omitempty"`
	Lines     []LineJSON `json:"lines"`
	Warnings  []string   `json:"warnings,omitempty"`
}

type LineJSON struct {
	MedicineID         string `json:"medicine_id"`
	Quantity           int64  `json:"quantity"`
	InteractionWarning bool   `json:"interaction_warning,omitempty"`
	AllergyWarning     bool   `json:"allergy_warning,omitempty"`
	Controlled         bool   `json:"controlled,omitempty"`
	Instructions       string `json:"instructions,omitempty"`
}

// SeedJSON bundles a catalog with its opening stock.
type SeedJSON struct {
	Medicines []MedicineJSON `json:"medicines"`
	Receipts  []ReceiptJSON  `json:"receipts,omitempty"`
}

// Seed is a parsed SeedJSON.
type Seed struct {
	Medicines []stock.Medicine
	Receipts  []stock.StockIn
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON inputs to domain types.
type Factory struct{}

func New() *Factory {
	return &Factory{}
}

// ParseSeed parses a seed file. Receipts must reference medicines of the
// same file or ones already in the catalog; that is checked at stock-in.
func (f *Factory) ParseSeed(data []byte) (*Seed, error) {
	var sj SeedJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("failed to parse seed JSON: %w", err)
	}

	seed := &Seed{}
	seen := make(map[string]bool)
	for i, mj := range sj.Medicines {
		m, err := f.Medicine(mj)
		if err != nil {
			return nil, fmt.Errorf("medicine %d: %w", i, err)
		}
		if seen[mj.ID] {
			return nil, fmt.Errorf("medicine %d: duplicate id %s", i, mj.ID)
		}
		seen[mj.ID] = true
		seed.Medicines = append(seed.Medicines, m)
	}
	for i, rj := range sj.Receipts {
		in, err := f.Receipt(rj)
		if err != nil {
			return nil, fmt.Errorf("receipt %d: %w", i, err)
		}
		seed.Receipts = append(seed.Receipts, in)
	}
	return seed, nil
}

// Medicine converts and validates a catalog entry.
func (f *Factory) Medicine(mj MedicineJSON) (stock.Medicine, error) {
	if strings.TrimSpace(mj.ID) == "" {
		return stock.Medicine{}, fmt.Errorf("%w: medicine id is required", stock.ErrInvalidArgument)
	}
	if strings.TrimSpace(mj.Name) == "" {
		return stock.Medicine{}, fmt.Errorf("%w: medicine %s has no name", stock.ErrInvalidArgument, mj.ID)
	}
	if mj.MinStock < 0 || mj.MaxStock < 0 {
		return stock.Medicine{}, fmt.Errorf("%w: negative stock threshold on %s", stock.ErrInvalidArgument, mj.ID)
	}
	if mj.MaxStock > 0 && mj.MinStock > mj.MaxStock {
		return stock.Medicine{}, fmt.Errorf("%w: min stock %d above max stock %d on %s",
			stock.ErrInvalidArgument, mj.MinStock, mj.MaxStock, mj.ID)
	}
	price, err := parseMoney(mj.UnitPrice, "unit_price")
	if err != nil {
		return stock.Medicine{}, err
	}

	unit := mj.Unit
	if unit == "" {
		unit = "unit"
	}
	enabled := true
	if mj.Enabled != nil {
		enabled = *mj.Enabled
	}

	return stock.Medicine{
		ID:         stock.MedicineID(mj.ID),
		Name:       mj.Name,
		Unit:       unit,
		UnitPrice:  price,
		MinStock:   mj.MinStock,
		MaxStock:   mj.MaxStock,
		Controlled: mj.Controlled,
		Enabled:    enabled,
	}, nil
}

// Receipt converts a goods receipt. Quantity and batch checks are left to
// the ledger.
func (f *Factory) Receipt(rj ReceiptJSON) (stock.StockIn, error) {
	expiry, err := time.Parse(time.DateOnly, rj.Expiry)
	if err != nil {
		return stock.StockIn{}, fmt.Errorf("%w: invalid expiry %q: %v", stock.ErrInvalidArgument, rj.Expiry, err)
	}
	cost, err := parseMoney(rj.UnitCost, "unit_cost")
	if err != nil {
		return stock.StockIn{}, err
	}
	return stock.StockIn{
		MedicineID:  stock.MedicineID(rj.MedicineID),
		BatchNumber: rj.BatchNumber,
		Quantity:    rj.Quantity,
		Expiry:      expiry,
		UnitCost:    cost,
		Supplier:    rj.Supplier,
	}, nil
}

// ParsePrescription parses a prescription JSON document.
func (f *Factory) ParsePrescription(data []byte) (dispense.Prescription, error) {
	var pj PrescriptionJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return dispense.Prescription{}, fmt.Errorf("failed to parse prescription JSON: %w", err)
	}
	return f.Prescription(pj), nil
}

// Prescription converts a prescription. The workflow validates it.
func (f *Factory) Prescription(pj PrescriptionJSON) dispense.Prescription {
	p := dispense.Prescription{
		ID:        pj.ID,
		PatientID: pj.PatientID,
		DoctorID:  pj.DoctorID,
		Warnings:  append([]string(nil), pj.Warnings...),
	}
	for _, lj := range pj.Lines {
		p.Lines = append(p.Lines, dispense.Line{
			MedicineID:         stock.MedicineID(lj.MedicineID),
			Quantity:           lj.Quantity,
			InteractionWarning: lj.InteractionWarning,
			AllergyWarning:     lj.AllergyWarning,
			Controlled:         lj.Controlled,
			Instructions:       lj.Instructions,
		})
	}
	return p
}

// ToJSON converts a Medicine back to its JSON form.
func (f *Factory) ToJSON(m stock.Medicine) MedicineJSON {
	enabled := m.Enabled
	return MedicineJSON{
		ID:         string(m.ID),
		Name:       m.Name,
		Unit:       m.Unit,
		UnitPrice:  m.UnitPrice.String(),
		MinStock:   m.MinStock,
		MaxStock:   m.MaxStock,
		Controlled: m.Controlled,
		Enabled:    &enabled,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseMoney(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid %s %q", stock.ErrInvalidArgument, field, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %s %s", stock.ErrInvalidArgument, field, s)
	}
	return d, nil
}
