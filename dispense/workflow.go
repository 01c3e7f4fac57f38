/*
workflow.go - Dispense state machine

PURPOSE:
  Orchestrates one prescription's fulfilment. Each transition loads the
  record, applies the change to a copy, performs the ledger calls it needs
  and saves the record with a version check.

SERIALIZATION:
  Transitions on one record run one at a time (per-record mutex) and the
  store rejects saves against a moved version. Different records never wait
  on each other.

FAILURE SEMANTICS:
  A failed transition leaves the record as it was. Reservations made during
  the attempt are released again before the error is returned. Two cases
  persist partial progress because the ledger effect cannot be undone
  silently:
    - a short allocation marks the item OUT_OF_STOCK with its shortfall
    - a delivery, return or cancel that fails half way records which
      allocations were already consumed, released or restocked, so a retry
      resumes instead of repeating them

USAGE:
  wf := dispense.NewWorkflow(store, ledger, allocator)
  rec, err := wf.Start(ctx, prescription, pharmacistID)
  rec, err = wf.DispenseItem(ctx, rec.ID, 0, pharmacistID)
  rec, err = wf.Complete(ctx, rec.ID, pharmacistID)
  rec, delivery, err := wf.Deliver(ctx, rec.ID, pharmacistID, "")

SEE ALSO:
  - types.go: Record, Item, transitions table
  - stock/ledger.go: Reserve, Consume, Release, Restock
*/
package dispense

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/pharmacy-engine/stock"
)

// BillingSink receives the charges of each delivery.
type BillingSink interface {
	Charge(ctx context.Context, d Delivery) error
}

// ReturnLine returns Quantity units of one item.
type ReturnLine struct {
	Line     int
	Quantity int64
}

// ReturnRequest describes a return. No lines means everything outstanding.
type ReturnRequest struct {
	Pharmacist int64
	Reason     string
	Lines      []ReturnLine
}

type Workflow struct {
	Store     Store
	Ledger    *stock.Ledger
	Allocator *stock.Allocator
	Catalog   stock.Catalog
	Clock     stock.Clock
	Billing   BillingSink
	Logger    zerolog.Logger

	// MaxReplans bounds how often a plan invalidated by concurrent
	// reservations is recomputed.
	MaxReplans int

	locks [lockStripes]sync.Mutex // striped by record id
}

const lockStripes = 64

func NewWorkflow(store Store, ledger *stock.Ledger, allocator *stock.Allocator) *Workflow {
	return &Workflow{
		Store:      store,
		Ledger:     ledger,
		Allocator:  allocator,
		Catalog:    ledger.Store,
		Clock:      ledger.Clock,
		Logger:     zerolog.Nop(),
		MaxReplans: stock.DefaultMaxRetries,
	}
}

// =============================================================================
// CREATION & START
// =============================================================================

// Open creates a PENDING record from a validated prescription.
func (w *Workflow) Open(ctx context.Context, p Prescription) (*Record, error) {
	if err := validatePrescription(p); err != nil {
		return nil, err
	}
	existing, err := w.Store.ActiveRecord(ctx, p.ID)
	if err == nil {
		return nil, &DuplicateDispenseError{PrescriptionID: p.ID, ExistingID: existing.ID, Status: existing.Status}
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	items := make([]Item, len(p.Lines))
	for i, line := range p.Lines {
		med, err := w.Catalog.Medicine(ctx, line.MedicineID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		items[i] = Item{
			Line:               i,
			MedicineID:         line.MedicineID,
			Requested:          line.Quantity,
			Status:             ItemPending,
			InteractionWarning: line.InteractionWarning,
			AllergyWarning:     line.AllergyWarning,
			Controlled:         line.Controlled || med.Controlled,
			Instructions:       line.Instructions,
		}
	}

	now := w.Clock.Now()
	rec := Record{
		ID:             uuid.NewString(),
		PrescriptionID: p.ID,
		PatientID:      p.PatientID,
		Status:         StatusPending,
		Items:          items,
		Warnings:       append([]string(nil), p.Warnings...),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := w.Store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	w.Logger.Info().
		Str("record", rec.ID).
		Str("prescription", p.ID).
		Int64("patient", p.PatientID).
		Int("items", len(items)).
		Msg("dispense opened")
	return &rec, nil
}

// Start moves the prescription's record to IN_PROGRESS, creating it first
// when none exists. A record that is already past PENDING makes this a
// duplicate dispense.
func (w *Workflow) Start(ctx context.Context, p Prescription, pharmacist int64) (*Record, error) {
	rec, err := w.Store.ActiveRecord(ctx, p.ID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		created, err := w.Open(ctx, p)
		if err != nil {
			return nil, err
		}
		rec = *created
	case err != nil:
		return nil, err
	}

	started, err := w.mutate(ctx, rec.ID, "start", func(r *Record, _ *step) error {
		if r.Status != StatusPending {
			return &DuplicateDispenseError{PrescriptionID: r.PrescriptionID, ExistingID: r.ID, Status: r.Status}
		}
		now := w.Clock.Now()
		r.Status = StatusInProgress
		r.StartedBy = pharmacist
		r.StartedAt = &now
		return nil
	})
	if errors.Is(err, ErrStaleRecord) {
		// Another process moved the record first.
		if cur, gerr := w.Store.Record(ctx, rec.ID); gerr == nil && cur.Status != StatusPending {
			return nil, &DuplicateDispenseError{PrescriptionID: cur.PrescriptionID, ExistingID: cur.ID, Status: cur.Status}
		}
	}
	return started, err
}

// =============================================================================
// ITEMS
// =============================================================================

// DispenseItem plans and reserves one line with FEFO. A shortage marks the
// item OUT_OF_STOCK and returns the *stock.InsufficientStockError together
// with the saved record.
func (w *Workflow) DispenseItem(ctx context.Context, id string, line int, pharmacist int64) (*Record, error) {
	return w.mutate(ctx, id, "dispense item", func(r *Record, s *step) error {
		it, err := itemAt(r, line, "dispense item", StatusInProgress)
		if err != nil {
			return err
		}
		if it.Status != ItemPending && !(it.Status == ItemOutOfStock && it.Held() == 0) {
			return &InvalidTransitionError{
				RecordID: r.ID,
				From:     r.Status,
				Action:   fmt.Sprintf("dispense line %d (%s)", line, it.Status),
			}
		}

		plan, err := w.reserve(ctx, r, it.MedicineID, it.Requested, false, pharmacist, s)
		var short *stock.InsufficientStockError
		if errors.As(err, &short) {
			it.Status = ItemOutOfStock
			it.Shortfall = short.Shortfall
			it.Dispensed = 0
			it.Allocations = nil
			it.Accepted = false
			r.StockCheck = stockCheck(r)
			return keep(err)
		}
		if err != nil {
			return err
		}

		it.Allocations = allocationsOf(plan)
		it.Dispensed = plan.Planned
		it.Shortfall = 0
		it.Accepted = false
		it.Status = ItemDispensed
		r.StockCheck = stockCheck(r)
		return nil
	})
}

// AcceptShort accepts a partial fill for an OUT_OF_STOCK item. Whatever
// FEFO can still cover is reserved, possibly nothing.
func (w *Workflow) AcceptShort(ctx context.Context, id string, line int, pharmacist int64, reason string) (*Record, error) {
	return w.mutate(ctx, id, "accept short", func(r *Record, s *step) error {
		it, err := itemAt(r, line, "accept short", StatusInProgress)
		if err != nil {
			return err
		}
		if it.Status != ItemOutOfStock || it.Accepted {
			return &InvalidTransitionError{
				RecordID: r.ID,
				From:     r.Status,
				Action:   fmt.Sprintf("accept short on line %d (%s)", line, it.Status),
			}
		}

		plan, err := w.reserve(ctx, r, it.MedicineID, it.Requested, true, pharmacist, s)
		if err != nil {
			return err
		}
		it.Allocations = allocationsOf(plan)
		it.Dispensed = plan.Planned
		it.Shortfall = it.Requested - plan.Planned
		if it.Shortfall == 0 {
			it.Status = ItemDispensed
			if it.OriginalMedicineID != "" {
				it.Status = ItemSubstituted
			}
		} else {
			it.Accepted = true
			it.AcceptReason = reason
		}
		r.StockCheck = stockCheck(r)
		return nil
	})
}

// Substitute re-runs allocation for the line against another medicine.
// When the substitute is short too, the item stays OUT_OF_STOCK.
func (w *Workflow) Substitute(ctx context.Context, id string, line int, substitute stock.MedicineID, reason string, pharmacist int64) (*Record, error) {
	return w.mutate(ctx, id, "substitute", func(r *Record, s *step) error {
		it, err := itemAt(r, line, "substitute", StatusInProgress)
		if err != nil {
			return err
		}
		if (it.Status != ItemPending && it.Status != ItemOutOfStock) || it.Held() > 0 {
			return &InvalidTransitionError{
				RecordID: r.ID,
				From:     r.Status,
				Action:   fmt.Sprintf("substitute line %d (%s)", line, it.Status),
			}
		}
		if substitute == "" || substitute == it.MedicineID {
			return fmt.Errorf("%w: %q for line %d", ErrInvalidSubstitute, substitute, line)
		}
		med, err := w.Catalog.Medicine(ctx, substitute)
		if err != nil {
			return err
		}

		plan, err := w.reserve(ctx, r, substitute, it.Requested, false, pharmacist, s)
		var short *stock.InsufficientStockError
		if errors.As(err, &short) {
			it.Status = ItemOutOfStock
			it.Shortfall = short.Shortfall
			r.StockCheck = stockCheck(r)
			return keep(fmt.Errorf("substitute %s: %w", substitute, err))
		}
		if err != nil {
			return err
		}

		if it.OriginalMedicineID == "" {
			it.OriginalMedicineID = it.MedicineID
		}
		it.MedicineID = substitute
		it.SubstituteReason = reason
		it.Controlled = it.Controlled || med.Controlled
		it.Allocations = allocationsOf(plan)
		it.Dispensed = plan.Planned
		it.Shortfall = 0
		it.Accepted = false
		it.Status = ItemSubstituted
		r.StockCheck = stockCheck(r)
		return nil
	})
}

// ResetItem releases an item's reservations and returns it to PENDING on
// its original medicine, typically after a rejected review.
func (w *Workflow) ResetItem(ctx context.Context, id string, line int, pharmacist int64) (*Record, error) {
	return w.mutate(ctx, id, "reset item", func(r *Record, _ *step) error {
		it, err := itemAt(r, line, "reset item", StatusInProgress)
		if err != nil {
			return err
		}
		if it.Status == ItemPending {
			return &InvalidTransitionError{
				RecordID: r.ID,
				From:     r.Status,
				Action:   fmt.Sprintf("reset line %d (%s)", line, it.Status),
			}
		}
		meta := stock.Meta{Operator: operator(pharmacist), RelatedDoc: r.ID, Reason: "reset line " + strconv.Itoa(line)}
		if err := w.releaseHeld(ctx, it, meta); err != nil {
			return keep(err)
		}

		if it.OriginalMedicineID != "" {
			it.MedicineID = it.OriginalMedicineID
			it.OriginalMedicineID = ""
			it.SubstituteReason = ""
		}
		it.Allocations = nil
		it.Dispensed = 0
		it.Shortfall = 0
		it.Accepted = false
		it.AcceptReason = ""
		it.QualityCheck = ""
		it.Status = ItemPending
		r.StockCheck = stockCheck(r)
		return nil
	})
}

// =============================================================================
// RECORD TRANSITIONS
// =============================================================================

// Complete closes physical dispensing. Reservations stay held.
func (w *Workflow) Complete(ctx context.Context, id string, pharmacist int64) (*Record, error) {
	return w.mutate(ctx, id, "complete", func(r *Record, _ *step) error {
		if r.Status != StatusInProgress {
			return &InvalidTransitionError{RecordID: r.ID, From: r.Status, Action: "complete"}
		}
		var open []int
		review := len(r.Warnings) > 0
		for _, it := range r.Items {
			if !it.Settled() {
				open = append(open, it.Line)
			}
			if it.Flagged() {
				review = true
			}
		}
		if len(open) > 0 {
			return &IncompleteItemsError{Lines: open}
		}

		now := w.Clock.Now()
		r.Status = StatusDispensed
		r.DispensedBy = pharmacist
		r.DispensedAt = &now
		r.RequiresReview = review
		r.Review = ReviewNone
		return nil
	})
}

// Review records the quality-control decision. Rejection sends the record
// back to IN_PROGRESS with its reservations intact.
func (w *Workflow) Review(ctx context.Context, id string, pharmacist int64, approved bool, comments string) (*Record, error) {
	return w.mutate(ctx, id, "review", func(r *Record, _ *step) error {
		if r.Status != StatusDispensed {
			return &InvalidTransitionError{RecordID: r.ID, From: r.Status, Action: "review"}
		}
		now := w.Clock.Now()
		r.ReviewedBy = pharmacist
		r.ReviewedAt = &now
		r.ReviewComments = comments

		outcome := "PASSED"
		if approved {
			r.Review = ReviewApproved
		} else {
			r.Review = ReviewRejected
			r.Status = StatusInProgress
			outcome = "FAILED"
		}
		for i := range r.Items {
			r.Items[i].QualityCheck = outcome
		}
		return nil
	})
}

// Deliver consumes every held allocation and hands the charges to billing.
func (w *Workflow) Deliver(ctx context.Context, id string, pharmacist int64, notes string) (*Record, *Delivery, error) {
	var delivery *Delivery
	rec, err := w.mutate(ctx, id, "deliver", func(r *Record, _ *step) error {
		if r.Status != StatusDispensed {
			return &InvalidTransitionError{RecordID: r.ID, From: r.Status, Action: "deliver"}
		}
		if r.RequiresReview && r.Review != ReviewApproved {
			return fmt.Errorf("deliver %s: %w", r.ID, ErrReviewRequired)
		}

		meta := stock.Meta{Operator: operator(pharmacist), RelatedDoc: r.ID, Reason: "deliver " + r.PrescriptionID}
		for i := range r.Items {
			it := &r.Items[i]
			for j := range it.Allocations {
				a := &it.Allocations[j]
				n := a.Held()
				if n == 0 {
					continue
				}
				key := stock.BatchKey{MedicineID: it.MedicineID, BatchNumber: a.BatchNumber}
				if _, err := w.Ledger.Consume(ctx, key, n, meta); err != nil {
					return keep(fmt.Errorf("deliver line %d from %s: %w", it.Line, key, err))
				}
				a.Consumed += n
			}
		}

		d, err := w.charges(ctx, r)
		if err != nil {
			return keep(err)
		}
		now := w.Clock.Now()
		r.Status = StatusDelivered
		r.DeliveredBy = pharmacist
		r.DeliveredAt = &now
		r.DeliveryNotes = notes
		d.DeliveredAt = now
		delivery = d
		return nil
	})
	if err != nil {
		return rec, nil, err
	}

	if w.Billing != nil {
		if err := w.Billing.Charge(ctx, *delivery); err != nil {
			w.Logger.Error().Err(err).Str("record", rec.ID).Msg("billing handoff failed")
		}
	}
	return rec, delivery, nil
}

// Return takes units back. Before delivery the reservations are released,
// after delivery the consumed batches are restocked. The record becomes
// RETURNED once nothing is outstanding.
func (w *Workflow) Return(ctx context.Context, id string, req ReturnRequest) (*Record, error) {
	return w.mutate(ctx, id, "return", func(r *Record, _ *step) error {
		if r.Status != StatusDispensed && r.Status != StatusDelivered {
			return &InvalidTransitionError{RecordID: r.ID, From: r.Status, Action: "return"}
		}
		delivered := r.Status == StatusDelivered

		outstanding := func(it *Item) int64 {
			if delivered {
				return it.Returnable()
			}
			return it.Held()
		}

		// Validate the whole request before any ledger call.
		want := make(map[int]int64)
		if len(req.Lines) == 0 {
			for i := range r.Items {
				if n := outstanding(&r.Items[i]); n > 0 {
					want[i] = n
				}
			}
		}
		for _, rl := range req.Lines {
			if rl.Line < 0 || rl.Line >= len(r.Items) {
				return fmt.Errorf("%w: line %d", ErrItemNotFound, rl.Line)
			}
			if rl.Quantity <= 0 {
				return &stock.InvalidQuantityError{Quantity: rl.Quantity}
			}
			want[rl.Line] += rl.Quantity
		}
		lines := make([]int, 0, len(want))
		for line, q := range want {
			if have := outstanding(&r.Items[line]); q > have {
				return fmt.Errorf("%w: line %d has %d outstanding, %d requested", ErrReturnExceeds, line, have, q)
			}
			lines = append(lines, line)
		}
		sort.Ints(lines)

		meta := stock.Meta{Operator: operator(req.Pharmacist), RelatedDoc: r.ID, Reason: returnReason(req.Reason)}
		for _, line := range lines {
			it := &r.Items[line]
			left := want[line]
			for j := len(it.Allocations) - 1; j >= 0 && left > 0; j-- {
				a := &it.Allocations[j]
				key := stock.BatchKey{MedicineID: it.MedicineID, BatchNumber: a.BatchNumber}
				if delivered {
					n := min(left, a.Returnable())
					if n == 0 {
						continue
					}
					if _, err := w.Ledger.Restock(ctx, key, n, meta); err != nil {
						return keep(fmt.Errorf("return line %d to %s: %w", line, key, err))
					}
					a.Restocked += n
					it.Returned += n
					left -= n
				} else {
					n := min(left, a.Held())
					if n == 0 {
						continue
					}
					if _, err := w.Ledger.Release(ctx, key, n, meta); err != nil {
						return keep(fmt.Errorf("return line %d from %s: %w", line, key, err))
					}
					a.Released += n
					it.Returned += n
					left -= n
				}
			}
			it.ReturnReason = req.Reason
			if it.Held()+it.Returnable() == 0 {
				it.Status = ItemReturned
			}
		}

		r.ReturnReason = req.Reason
		if r.Outstanding() == 0 {
			now := w.Clock.Now()
			r.Status = StatusReturned
			r.ReturnedAt = &now
		}
		return nil
	})
}

// Cancel abandons a record that has not been dispensed yet and releases
// everything it holds.
func (w *Workflow) Cancel(ctx context.Context, id string, reason string) (*Record, error) {
	return w.mutate(ctx, id, "cancel", func(r *Record, _ *step) error {
		if r.Status != StatusPending && r.Status != StatusInProgress {
			return &InvalidTransitionError{RecordID: r.ID, From: r.Status, Action: "cancel"}
		}
		meta := stock.Meta{Operator: "system", RelatedDoc: r.ID, Reason: "cancel: " + reason}
		for i := range r.Items {
			if err := w.releaseHeld(ctx, &r.Items[i], meta); err != nil {
				return keep(err)
			}
		}
		now := w.Clock.Now()
		r.Status = StatusCancelled
		r.CancelReason = reason
		r.CancelledAt = &now
		return nil
	})
}

// =============================================================================
// READS
// =============================================================================

func (w *Workflow) Get(ctx context.Context, id string) (*Record, error) {
	r, err := w.Store.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (w *Workflow) ActiveForPrescription(ctx context.Context, prescriptionID string) (*Record, error) {
	r, err := w.Store.ActiveRecord(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (w *Workflow) List(ctx context.Context, filter Filter) ([]Record, error) {
	return w.Store.Records(ctx, filter)
}

// =============================================================================
// INTERNALS
// =============================================================================

// step collects compensations for ledger effects made during a transition.
// They run when the record cannot be saved.
type step struct {
	undo []func(context.Context) error
}

func (s *step) onAbort(fn func(context.Context) error) {
	s.undo = append(s.undo, fn)
}

// keptError marks a failure whose record changes must still be saved.
type keptError struct{ err error }

func (k *keptError) Error() string { return k.err.Error() }
func (k *keptError) Unwrap() error { return k.err }

func keep(err error) error { return &keptError{err: err} }

// mutate runs fn on a copy of the record under the record's lock and saves
// the result with a version check.
func (w *Workflow) mutate(ctx context.Context, id, action string, fn func(r *Record, s *step) error) (*Record, error) {
	unlock := w.lock(id)
	defer unlock()

	cur, err := w.Store.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()

	var s step
	var kept *keptError
	if ferr := fn(&next, &s); ferr != nil && !errors.As(ferr, &kept) {
		w.abort(ctx, &s, id, ferr)
		return nil, ferr
	}

	next.UpdatedAt = w.Clock.Now()
	if err := w.Store.UpdateRecord(ctx, next, cur.Version); err != nil {
		w.abort(ctx, &s, id, err)
		return nil, fmt.Errorf("%s %s: %w", action, id, err)
	}
	next.Version = cur.Version + 1

	if kept != nil {
		w.Logger.Warn().Err(kept.err).Str("record", id).Str("action", action).Msg("dispense step incomplete")
		return &next, kept.err
	}
	evt := w.Logger.Debug()
	if cur.Status != next.Status {
		evt = w.Logger.Info()
	}
	evt.Str("record", id).
		Str("action", action).
		Str("from", string(cur.Status)).
		Str("to", string(next.Status)).
		Msg("dispense transition")
	return &next, nil
}

func (w *Workflow) abort(ctx context.Context, s *step, id string, cause error) {
	if len(s.undo) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(s.undo) - 1; i >= 0; i-- {
		if err := s.undo[i](ctx); err != nil {
			w.Logger.Error().Err(err).Str("record", id).Msg("compensation failed")
		}
	}
	w.Logger.Warn().Err(cause).Str("record", id).Msg("dispense step rolled back")
}

// lock serializes mutations of one record. Records sharing a stripe also
// wait on each other; mutate never holds two stripes.
func (w *Workflow) lock(id string) func() {
	mu := &w.locks[stripe(id)]
	mu.Lock()
	return mu.Unlock
}

func stripe(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32() % lockStripes
}

// reserve plans quantity units of medicineID and reserves the plan. With
// partial set a shortage is not an error and whatever is eligible gets
// reserved. Plans invalidated by concurrent reservations are recomputed.
func (w *Workflow) reserve(ctx context.Context, r *Record, medicineID stock.MedicineID, quantity int64, partial bool, pharmacist int64, s *step) (*stock.Plan, error) {
	meta := stock.Meta{Operator: operator(pharmacist), RelatedDoc: r.ID, Reason: "dispense " + r.PrescriptionID}

	attempts := w.MaxReplans
	if attempts <= 0 {
		attempts = stock.DefaultMaxRetries
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		plan, err := w.Allocator.Plan(ctx, medicineID, quantity)
		if err != nil && !(partial && errors.Is(err, stock.ErrInsufficientStock)) {
			return plan, err
		}
		if plan.Planned == 0 {
			return plan, nil
		}

		_, err = w.Ledger.ReservePlan(ctx, plan, meta)
		if err == nil {
			s.onAbort(func(ctx context.Context) error {
				return w.releasePlan(ctx, plan, meta)
			})
			return plan, nil
		}
		if !staleAllocation(err) {
			return nil, err
		}
		w.Logger.Warn().
			Err(err).
			Str("record", r.ID).
			Str("medicine", string(medicineID)).
			Int("attempt", attempt).
			Msg("allocation plan went stale, replanning")
	}
	return nil, &stock.ConcurrentModificationError{
		Key:      stock.BatchKey{MedicineID: medicineID},
		Attempts: attempts,
	}
}

// staleAllocation reports whether a reservation failed because stock moved
// between planning and committing.
func staleAllocation(err error) bool {
	return errors.Is(err, stock.ErrInsufficientStock) ||
		errors.Is(err, stock.ErrExpiredBatch) ||
		errors.Is(err, stock.ErrBatchUnavailable) ||
		errors.Is(err, stock.ErrConcurrentModification)
}

func (w *Workflow) releasePlan(ctx context.Context, plan *stock.Plan, meta stock.Meta) error {
	meta.Reason = "rollback: " + meta.Reason
	var errs []error
	for _, a := range plan.Allocations {
		key := stock.BatchKey{MedicineID: plan.MedicineID, BatchNumber: a.BatchNumber}
		if _, err := w.Ledger.Release(ctx, key, a.Quantity, meta); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Workflow) releaseHeld(ctx context.Context, it *Item, meta stock.Meta) error {
	for j := range it.Allocations {
		a := &it.Allocations[j]
		n := a.Held()
		if n == 0 {
			continue
		}
		key := stock.BatchKey{MedicineID: it.MedicineID, BatchNumber: a.BatchNumber}
		if _, err := w.Ledger.Release(ctx, key, n, meta); err != nil {
			return fmt.Errorf("release line %d from %s: %w", it.Line, key, err)
		}
		a.Released += n
	}
	return nil
}

func (w *Workflow) charges(ctx context.Context, r *Record) (*Delivery, error) {
	d := &Delivery{
		RecordID:       r.ID,
		PrescriptionID: r.PrescriptionID,
		PatientID:      r.PatientID,
		Total:          decimal.Zero,
	}
	prices := make(map[stock.MedicineID]decimal.Decimal)
	for _, it := range r.Items {
		for _, a := range it.Allocations {
			if a.Consumed == 0 {
				continue
			}
			price, ok := prices[it.MedicineID]
			if !ok {
				med, err := w.Catalog.Medicine(ctx, it.MedicineID)
				if err != nil {
					return nil, fmt.Errorf("price %s: %w", it.MedicineID, err)
				}
				price = med.UnitPrice
				prices[it.MedicineID] = price
			}
			amount := price.Mul(decimal.NewFromInt(a.Consumed))
			d.Charges = append(d.Charges, ChargeLine{
				MedicineID:  it.MedicineID,
				BatchNumber: a.BatchNumber,
				Quantity:    a.Consumed,
				UnitCost:    a.UnitCost,
				UnitPrice:   price,
				Amount:      amount,
			})
			d.Total = d.Total.Add(amount)
		}
	}
	return d, nil
}

func itemAt(r *Record, line int, action string, allowed Status) (*Item, error) {
	if r.Status != allowed {
		return nil, &InvalidTransitionError{RecordID: r.ID, From: r.Status, Action: action}
	}
	if line < 0 || line >= len(r.Items) {
		return nil, fmt.Errorf("%w: line %d of %s", ErrItemNotFound, line, r.ID)
	}
	return &r.Items[line], nil
}

func allocationsOf(plan *stock.Plan) []Allocation {
	if plan == nil {
		return nil
	}
	out := make([]Allocation, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		out = append(out, Allocation{
			BatchNumber: a.BatchNumber,
			Expiry:      a.Expiry,
			UnitCost:    a.UnitCost,
			Quantity:    a.Quantity,
		})
	}
	return out
}

func stockCheck(r *Record) StockCheck {
	pending := false
	for _, it := range r.Items {
		switch it.Status {
		case ItemOutOfStock:
			return StockShort
		case ItemPending:
			pending = true
		}
	}
	if pending {
		return StockUnchecked
	}
	return StockSufficient
}

func validatePrescription(p Prescription) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: missing prescription id", ErrInvalidPrescription)
	}
	if len(p.Lines) == 0 {
		return fmt.Errorf("%w: %s has no lines", ErrInvalidPrescription, p.ID)
	}
	for i, l := range p.Lines {
		if l.MedicineID == "" {
			return fmt.Errorf("%w: line %d has no medicine", ErrInvalidPrescription, i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity %d", ErrInvalidPrescription, i, l.Quantity)
		}
	}
	return nil
}

func operator(pharmacist int64) string {
	if pharmacist == 0 {
		return "system"
	}
	return "pharmacist:" + strconv.FormatInt(pharmacist, 10)
}

func returnReason(reason string) string {
	if reason == "" {
		return "return"
	}
	return "return: " + reason
}
