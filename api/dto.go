/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types carry no
  JSON tags of their own (except a few stock report types), so every wire
  shape is declared here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Catalog:     MedicineDTO (request side is factory.MedicineJSON)
  Batches:     BatchDTO, StockInRequest, QuantityRequest, AdjustRequest,
               TransferRequest, AdjustResultDTO
  Log:         TransactionDTO, DriftDTO
  Stock takes: StockTakeRequest, StockTakeDTO
  Dispense:    StartDispenseRequest, DispenseActionRequest, RecordDTO,
               ItemDTO, AllocationDTO, DeliveryDTO
  Reports:     SummaryDTO, AlertDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go, dispense_handlers.go: Use these types
  - factory/catalog.go: Catalog, receipt and prescription JSON
*/
package api

import (
	"time"

	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/factory"
	"github.com/warp/pharmacy-engine/stock"
)

// =============================================================================
// CATALOG & BATCHES
// =============================================================================

type MedicineDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	UnitPrice  string `json:"unit_price"`
	MinStock   int64  `json:"min_stock"`
	MaxStock   int64  `json:"max_stock"`
	Controlled bool   `json:"controlled"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type BatchDTO struct {
	ID          string `json:"id"`
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number"`
	Expiry      string `json:"expiry"`
	UnitCost    string `json:"unit_cost"`
	Supplier    string `json:"supplier,omitempty"`
	stock.Quantities
	Status  string `json:"status"`
	Seq     int64  `json:"seq"`
	Version int64  `json:"version"`
}

// MetaDTO is the audit context accepted by every ledger call.
type MetaDTO struct {
	Operator   string `json:"operator,omitempty"`
	RelatedDoc string `json:"related_doc,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (m MetaDTO) meta() stock.Meta {
	return stock.Meta{Operator: m.Operator, RelatedDoc: m.RelatedDoc, Reason: m.Reason}
}

type StockInRequest struct {
	factory.ReceiptJSON
	MetaDTO
}

type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
	MetaDTO
}

type AdjustRequest struct {
	Actual int64 `json:"actual"`
	MetaDTO
}

type TransferRequest struct {
	MedicineID string `json:"medicine_id"`
	From       string `json:"from_batch"`
	To         string `json:"to_batch"`
	Quantity   int64  `json:"quantity"`
	MetaDTO
}

type AdjustResultDTO struct {
	Transaction *TransactionDTO  `json:"transaction,omitempty"`
	Previous    stock.Quantities `json:"previous"`
	New         stock.Quantities `json:"new"`
	Delta       int64            `json:"delta"`
	Anomaly     int64            `json:"anomaly"`
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

type TransactionDTO struct {
	Number       string  `json:"number"`
	MedicineID   string  `json:"medicine_id"`
	BatchNumber  string  `json:"batch_number"`
	ToBatch      string  `json:"to_batch,omitempty"`
	Kind         string  `json:"kind"`
	Delta        int64   `json:"delta"`
	Quarantined  bool    `json:"quarantined,omitempty"`
	Status       string  `json:"status"`
	Operator     string  `json:"operator,omitempty"`
	RelatedDoc   string  `json:"related_doc,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	CancelReason string  `json:"cancel_reason,omitempty"`
	CreatedAt    string  `json:"created_at"`
	SettledAt    *string `json:"settled_at,omitempty"`
}

type DriftDTO struct {
	MedicineID  string           `json:"medicine_id"`
	BatchNumber string           `json:"batch_number"`
	Live        stock.Quantities `json:"live"`
	Replayed    stock.Quantities `json:"replayed"`
	InSync      bool             `json:"in_sync"`
}

// =============================================================================
// STOCK TAKES
// =============================================================================

type StockTakeRequest struct {
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number"`
	Counted     int64  `json:"counted"`
	Operator    string `json:"operator"`
	Notes       string `json:"notes,omitempty"`
}

type StockTakeDTO struct {
	ID          string `json:"id"`
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number"`
	Expected    int64  `json:"expected"`
	Counted     int64  `json:"counted"`
	Delta       int64  `json:"delta"`
	Anomaly     int64  `json:"anomaly"`
	Operator    string `json:"operator,omitempty"`
	Notes       string `json:"notes,omitempty"`
	TxNumber    string `json:"tx_number,omitempty"`
	Mismatch    string `json:"mismatch,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// =============================================================================
// DISPENSE
// =============================================================================

type StartDispenseRequest struct {
	Prescription factory.PrescriptionJSON `json:"prescription"`
	PharmacistID int64                    `json:"pharmacist_id"`
}

// DispenseActionRequest is the body of every record action. Each action
// reads the fields it needs.
type DispenseActionRequest struct {
	PharmacistID int64           `json:"pharmacist_id"`
	Reason       string          `json:"reason,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Comments     string          `json:"comments,omitempty"`
	Approved     bool            `json:"approved,omitempty"`
	MedicineID   string          `json:"medicine_id,omitempty"` // substitute
	Lines        []ReturnLineDTO `json:"lines,omitempty"`       // return
}

type ReturnLineDTO struct {
	Line     int   `json:"line"`
	Quantity int64 `json:"quantity"`
}

type AllocationDTO struct {
	BatchNumber string `json:"batch_number"`
	Expiry      string `json:"expiry"`
	UnitCost    string `json:"unit_cost"`
	Quantity    int64  `json:"quantity"`
	Released    int64  `json:"released"`
	Consumed    int64  `json:"consumed"`
	Restocked   int64  `json:"restocked"`
}

type ItemDTO struct {
	Line               int             `json:"line"`
	MedicineID         string          `json:"medicine_id"`
	OriginalMedicineID string          `json:"original_medicine_id,omitempty"`
	Requested          int64           `json:"requested"`
	Dispensed          int64           `json:"dispensed"`
	Shortfall          int64           `json:"shortfall"`
	Returned           int64           `json:"returned"`
	Status             string          `json:"status"`
	Accepted           bool            `json:"accepted,omitempty"`
	AcceptReason       string          `json:"accept_reason,omitempty"`
	SubstituteReason   string          `json:"substitute_reason,omitempty"`
	InteractionWarning bool            `json:"interaction_warning,omitempty"`
	AllergyWarning     bool            `json:"allergy_warning,omitempty"`
	Controlled         bool            `json:"controlled,omitempty"`
	Instructions       string          `json:"instructions,omitempty"`
	QualityCheck       string          `json:"quality_check,omitempty"`
	Allocations        []AllocationDTO `json:"allocations"`
}

type RecordDTO struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescription_id"`
	PatientID      int64     `json:"patient_id"`
	Status         string    `json:"status"`
	StockCheck     string    `json:"stock_check,omitempty"`
	RequiresReview bool      `json:"requires_review"`
	Review         string    `json:"review,omitempty"`
	ReviewComments string    `json:"review_comments,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	Items          []ItemDTO `json:"items"`
	Outstanding    int64     `json:"outstanding"`
	CancelReason   string    `json:"cancel_reason,omitempty"`
	ReturnReason   string    `json:"return_reason,omitempty"`
	DeliveryNotes  string    `json:"delivery_notes,omitempty"`
	CreatedAt      string    `json:"created_at"`
	UpdatedAt      string    `json:"updated_at"`
	Version        int64     `json:"version"`
}

// RecordResponse wraps a record saved together with a non-fatal problem,
// e.g. a line that could only be marked OUT_OF_STOCK.
type RecordResponse struct {
	Record  RecordDTO `json:"record"`
	Warning string    `json:"warning,omitempty"`
}

type ChargeDTO struct {
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number"`
	Quantity    int64  `json:"quantity"`
	UnitCost    string `json:"unit_cost"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
}

type DeliveryDTO struct {
	Record  RecordDTO   `json:"record"`
	Charges []ChargeDTO `json:"charges"`
	Total   string      `json:"total"`
}

// =============================================================================
// REPORTS
// =============================================================================

type SummaryDTO struct {
	MedicineID string           `json:"medicine_id"`
	Name       string           `json:"name"`
	Enabled    bool             `json:"enabled"`
	MinStock   int64            `json:"min_stock"`
	MaxStock   int64            `json:"max_stock"`
	Total      stock.Quantities `json:"total"`
	Usable     stock.Quantities `json:"usable"`
	Batches    int              `json:"batches"`
	Low        bool             `json:"low"`
	Over       bool             `json:"over"`
}

type AlertDTO struct {
	Kind        string `json:"kind"`
	MedicineID  string `json:"medicine_id"`
	BatchNumber string `json:"batch_number,omitempty"`
	Message     string `json:"message"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for all API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toMedicineDTO(m stock.Medicine) MedicineDTO {
	dto := MedicineDTO{
		ID:         string(m.ID),
		Name:       m.Name,
		Unit:       m.Unit,
		UnitPrice:  m.UnitPrice.StringFixed(2),
		MinStock:   m.MinStock,
		MaxStock:   m.MaxStock,
		Controlled: m.Controlled,
		Enabled:    m.Enabled,
	}
	if !m.CreatedAt.IsZero() {
		dto.CreatedAt = m.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toBatchDTO(b stock.Batch) BatchDTO {
	return BatchDTO{
		ID:          b.ID,
		MedicineID:  string(b.MedicineID),
		BatchNumber: b.BatchNumber,
		Expiry:      b.Expiry.Format(time.DateOnly),
		UnitCost:    b.UnitCost.String(),
		Supplier:    b.Supplier,
		Quantities:  b.Quantities,
		Status:      string(b.Status),
		Seq:         b.Seq,
		Version:     b.Version,
	}
}

func toTransactionDTO(tx stock.Transaction) TransactionDTO {
	dto := TransactionDTO{
		Number:       tx.Number,
		MedicineID:   string(tx.MedicineID),
		BatchNumber:  tx.BatchNumber,
		ToBatch:      tx.ToBatch,
		Kind:         string(tx.Kind),
		Delta:        tx.Delta,
		Quarantined:  tx.Quarantined,
		Status:       string(tx.Status),
		Operator:     tx.Operator,
		RelatedDoc:   tx.RelatedDoc,
		Reason:       tx.Reason,
		CancelReason: tx.CancelReason,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.SettledAt != nil {
		s := tx.SettledAt.Format(time.RFC3339)
		dto.SettledAt = &s
	}
	return dto
}

func toTransactionDTOs(txs []stock.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toStockTakeDTO(st stock.StockTake) StockTakeDTO {
	dto := StockTakeDTO{
		ID:          st.ID,
		MedicineID:  string(st.MedicineID),
		BatchNumber: st.BatchNumber,
		Expected:    st.Expected,
		Counted:     st.Counted,
		Delta:       st.Delta,
		Anomaly:     st.Anomaly,
		Operator:    st.Operator,
		Notes:       st.Notes,
		TxNumber:    st.TxNumber,
		CreatedAt:   st.CreatedAt.Format(time.RFC3339),
	}
	if st.Mismatch != nil {
		dto.Mismatch = st.Mismatch.String()
	}
	return dto
}

func toRecordDTO(r dispense.Record) RecordDTO {
	dto := RecordDTO{
		ID:             r.ID,
		PrescriptionID: r.PrescriptionID,
		PatientID:      r.PatientID,
		Status:         string(r.Status),
		StockCheck:     string(r.StockCheck),
		RequiresReview: r.RequiresReview,
		Review:         string(r.Review),
		ReviewComments: r.ReviewComments,
		Warnings:       r.Warnings,
		Items:          make([]ItemDTO, len(r.Items)),
		Outstanding:    r.Outstanding(),
		CancelReason:   r.CancelReason,
		ReturnReason:   r.ReturnReason,
		DeliveryNotes:  r.DeliveryNotes,
		CreatedAt:      r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.Format(time.RFC3339),
		Version:        r.Version,
	}
	for i, it := range r.Items {
		item := ItemDTO{
			Line:               it.Line,
			MedicineID:         string(it.MedicineID),
			OriginalMedicineID: string(it.OriginalMedicineID),
			Requested:          it.Requested,
			Dispensed:          it.Dispensed,
			Shortfall:          it.Shortfall,
			Returned:           it.Returned,
			Status:             string(it.Status),
			Accepted:           it.Accepted,
			AcceptReason:       it.AcceptReason,
			SubstituteReason:   it.SubstituteReason,
			InteractionWarning: it.InteractionWarning,
			AllergyWarning:     it.AllergyWarning,
			Controlled:         it.Controlled,
			Instructions:       it.Instructions,
			QualityCheck:       it.QualityCheck,
			Allocations:        make([]AllocationDTO, len(it.Allocations)),
		}
		for j, a := range it.Allocations {
			item.Allocations[j] = AllocationDTO{
				BatchNumber: a.BatchNumber,
				Expiry:      a.Expiry.Format(time.DateOnly),
				UnitCost:    a.UnitCost.String(),
				Quantity:    a.Quantity,
				Released:    a.Released,
				Consumed:    a.Consumed,
				Restocked:   a.Restocked,
			}
		}
		dto.Items[i] = item
	}
	return dto
}

func toRecordDTOs(records []dispense.Record) []RecordDTO {
	dtos := make([]RecordDTO, len(records))
	for i, r := range records {
		dtos[i] = toRecordDTO(r)
	}
	return dtos
}

func toDeliveryDTO(r dispense.Record, d *dispense.Delivery) DeliveryDTO {
	dto := DeliveryDTO{
		Record:  toRecordDTO(r),
		Charges: make([]ChargeDTO, len(d.Charges)),
		Total:   d.Total.StringFixed(2),
	}
	for i, c := range d.Charges {
		dto.Charges[i] = ChargeDTO{
			MedicineID:  string(c.MedicineID),
			BatchNumber: c.BatchNumber,
			Quantity:    c.Quantity,
			UnitCost:    c.UnitCost.String(),
			UnitPrice:   c.UnitPrice.StringFixed(2),
			Amount:      c.Amount.StringFixed(2),
		}
	}
	return dto
}

func toSummaryDTO(s stock.Summary) SummaryDTO {
	return SummaryDTO{
		MedicineID: string(s.MedicineID),
		Name:       s.Name,
		Enabled:    s.Enabled,
		MinStock:   s.MinStock,
		MaxStock:   s.MaxStock,
		Total:      s.Total,
		Usable:     s.Usable,
		Batches:    s.Batches,
		Low:        s.Low(),
		Over:       s.Over(),
	}
}

func toAlertDTOs(alerts []stock.Alert) []AlertDTO {
	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = AlertDTO{
			Kind:        string(a.Kind),
			MedicineID:  string(a.MedicineID),
			BatchNumber: a.BatchNumber,
			Message:     a.Message,
		}
	}
	return dtos
}
