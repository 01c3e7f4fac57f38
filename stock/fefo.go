/*
fefo.go - First-Expired-First-Out allocation planning

PURPOSE:
  Given a medicine and a required quantity, decide which batches to take
  units from. The Allocator only plans. It never mutates stock, so a plan
  can be computed speculatively and thrown away.

ALGORITHM:
  1. Eligible batches: status NORMAL today, available > 0, expiry >= today
  2. Sort by expiry ascending, then by stock-in order (Seq)
  3. Greedily take min(remaining, available) from each batch in order

  Expired batches are skipped silently here. Reserving one explicitly
  through the Ledger is a hard ExpiredBatchError.

SHORTFALL:
  When eligible stock is insufficient the partial plan is returned TOGETHER
  with an *InsufficientStockError. Callers decide whether to substitute,
  accept a partial fill or abort.

EXAMPLE:
  B1 (expiry 2024-06-01, available 5), B2 (expiry 2024-08-01, available 10)
  Plan(8)  -> [(B1,5), (B2,3)]
  Plan(20) -> [(B1,5), (B2,10)], InsufficientStockError{Shortfall: 5}

SEE ALSO:
  - ledger.go: ReservePlan turns a plan into reservations
*/
package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Allocation is the quantity planned from one batch.
type Allocation struct {
	BatchNumber string
	Expiry      time.Time
	UnitCost    decimal.Decimal
	Quantity    int64
}

type Plan struct {
	MedicineID  MedicineID
	Requested   int64
	Planned     int64
	Shortfall   int64
	Allocations []Allocation
}

// Satisfied reports whether the plan covers the requested quantity.
func (p *Plan) Satisfied() bool {
	return p.Shortfall == 0
}

// Allocator plans FEFO allocations against the batches in Store.
type Allocator struct {
	Store Store
	Clock Clock
}

func NewAllocator(store Store, clock Clock) *Allocator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Allocator{Store: store, Clock: clock}
}

// Plan returns the FEFO plan for required units of medicineID.
func (a *Allocator) Plan(ctx context.Context, medicineID MedicineID, required int64) (*Plan, error) {
	if required <= 0 {
		return nil, &InvalidQuantityError{Quantity: required}
	}
	med, err := a.Store.Medicine(ctx, medicineID)
	if err != nil {
		return nil, err
	}
	if !med.Enabled {
		return nil, ErrMedicineDisabled
	}

	batches, err := a.Store.Batches(ctx, BatchFilter{MedicineID: medicineID})
	if err != nil {
		return nil, err
	}
	return Allocate(medicineID, batches, required, Today(a.Clock))
}

// Allocate is the pure planning step over an explicit batch list.
func Allocate(medicineID MedicineID, batches []Batch, required int64, today time.Time) (*Plan, error) {
	eligible := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.MedicineID == medicineID && b.Allocatable(today) {
			eligible = append(eligible, b)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ei, ej := DateOf(eligible[i].Expiry), DateOf(eligible[j].Expiry)
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		return eligible[i].Seq < eligible[j].Seq
	})

	plan := &Plan{MedicineID: medicineID, Requested: required}
	remaining := required
	for _, b := range eligible {
		if remaining == 0 {
			break
		}
		take := min(remaining, b.Available)
		plan.Allocations = append(plan.Allocations, Allocation{
			BatchNumber: b.BatchNumber,
			Expiry:      b.Expiry,
			UnitCost:    b.UnitCost,
			Quantity:    take,
		})
		remaining -= take
	}
	plan.Planned = required - remaining
	plan.Shortfall = remaining

	if remaining > 0 {
		return plan, &InsufficientStockError{
			MedicineID: medicineID,
			Available:  plan.Planned,
			Requested:  required,
			Shortfall:  remaining,
		}
	}
	return plan, nil
}
