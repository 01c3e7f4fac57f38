package stock

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// REPORTER - Read-only stock views and on-demand alerts
// =============================================================================

// Summary aggregates a medicine's batches.
type Summary struct {
	MedicineID MedicineID
	Name       string
	Enabled    bool
	MinStock   int64
	MaxStock   int64

	// Total counts every batch. Usable counts NORMAL batches only, which is
	// what low-stock checks compare against MinStock.
	Total   Quantities
	Usable  Quantities
	Batches int
}

// Low compares Usable, not Total, with MinStock.
func (s Summary) Low() bool {
	return s.Enabled && s.Usable.Current <= s.MinStock
}

func (s Summary) Over() bool {
	return s.MaxStock > 0 && s.Total.Current > s.MaxStock
}

type AlertKind string

const (
	AlertLowStock     AlertKind = "LOW_STOCK"
	AlertOverStock    AlertKind = "OVER_STOCK"
	AlertExpiringSoon AlertKind = "EXPIRING_SOON"
	AlertExpired      AlertKind = "EXPIRED"
	AlertMismatch     AlertKind = "STOCK_TAKE_MISMATCH"
)

type Alert struct {
	Kind        AlertKind
	MedicineID  MedicineID
	BatchNumber string
	Message     string
}

type Reporter struct {
	Store Store
	Takes ReconciliationStore // optional, enables mismatch alerts
	Clock Clock
}

func NewReporter(store Store, takes ReconciliationStore, clock Clock) *Reporter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reporter{Store: store, Takes: takes, Clock: clock}
}

func (r *Reporter) Summary(ctx context.Context, id MedicineID) (Summary, error) {
	med, err := r.Store.Medicine(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	batches, err := r.Store.Batches(ctx, BatchFilter{MedicineID: id})
	if err != nil {
		return Summary{}, err
	}
	return summarize(med, batches, Today(r.Clock)), nil
}

// Inventory summarizes every medicine in the catalog.
func (r *Reporter) Inventory(ctx context.Context) ([]Summary, error) {
	meds, err := r.Store.Medicines(ctx)
	if err != nil {
		return nil, err
	}
	batches, err := r.Store.Batches(ctx, BatchFilter{})
	if err != nil {
		return nil, err
	}
	byMed := make(map[MedicineID][]Batch)
	for _, b := range batches {
		byMed[b.MedicineID] = append(byMed[b.MedicineID], b)
	}

	today := Today(r.Clock)
	out := make([]Summary, 0, len(meds))
	for _, m := range meds {
		out = append(out, summarize(m, byMed[m.ID], today))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicineID < out[j].MedicineID })
	return out, nil
}

// LowStock lists enabled medicines whose usable stock is at or below MinStock.
// Usable is the current stock of NORMAL batches: expired, recalled and
// depleted batches do not count, so a medicine can be listed while
// Total.Current is still above MinStock. Compare Total for the raw on-hand
// figure.
func (r *Reporter) LowStock(ctx context.Context) ([]Summary, error) {
	inv, err := r.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, s := range inv {
		if s.Low() {
			out = append(out, s)
		}
	}
	return out, nil
}

// ExpiringSoon lists non-empty, unexpired batches whose expiry falls within
// the next days days.
func (r *Reporter) ExpiringSoon(ctx context.Context, days int) ([]Batch, error) {
	today := Today(r.Clock)
	cutoff := today.AddDate(0, 0, days+1)
	batches, err := r.Store.Batches(ctx, BatchFilter{NonEmpty: true, ExpiryBefore: &cutoff})
	if err != nil {
		return nil, err
	}
	var out []Batch
	for _, b := range batches {
		b = b.Refresh(today)
		if b.Status == BatchNormal {
			out = append(out, b)
		}
	}
	return out, nil
}

// Expired lists non-empty batches past their expiry date.
func (r *Reporter) Expired(ctx context.Context) ([]Batch, error) {
	today := Today(r.Clock)
	batches, err := r.Store.Batches(ctx, BatchFilter{NonEmpty: true, ExpiryBefore: &today})
	if err != nil {
		return nil, err
	}
	out := make([]Batch, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Refresh(today))
	}
	return out, nil
}

// Alerts derives warnings on demand. Nothing is swept in the background.
func (r *Reporter) Alerts(ctx context.Context, days int) ([]Alert, error) {
	var alerts []Alert

	inv, err := r.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range inv {
		if s.Low() {
			alerts = append(alerts, Alert{
				Kind:       AlertLowStock,
				MedicineID: s.MedicineID,
				Message: fmt.Sprintf("%s low on stock: %d usable, minimum %d",
					s.Name, s.Usable.Current, s.MinStock),
			})
		}
		if s.Over() {
			alerts = append(alerts, Alert{
				Kind:       AlertOverStock,
				MedicineID: s.MedicineID,
				Message: fmt.Sprintf("%s over stocked: %d on hand, maximum %d",
					s.Name, s.Total.Current, s.MaxStock),
			})
		}
	}

	soon, err := r.ExpiringSoon(ctx, days)
	if err != nil {
		return nil, err
	}
	for _, b := range soon {
		alerts = append(alerts, Alert{
			Kind:        AlertExpiringSoon,
			MedicineID:  b.MedicineID,
			BatchNumber: b.BatchNumber,
			Message: fmt.Sprintf("batch %s expires %s with %d units on hand",
				b.Key(), b.Expiry.Format(time.DateOnly), b.Current),
		})
	}

	expired, err := r.Expired(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range expired {
		alerts = append(alerts, Alert{
			Kind:        AlertExpired,
			MedicineID:  b.MedicineID,
			BatchNumber: b.BatchNumber,
			Message: fmt.Sprintf("batch %s expired %s with %d units still on hand",
				b.Key(), b.Expiry.Format(time.DateOnly), b.Current),
		})
	}

	if r.Takes != nil {
		since := Today(r.Clock).AddDate(0, 0, -days)
		takes, err := r.Takes.StockTakes(ctx, StockTakeFilter{MismatchOnly: true, Since: &since})
		if err != nil {
			return nil, err
		}
		for _, st := range takes {
			if st.Mismatch == nil {
				continue
			}
			alerts = append(alerts, Alert{
				Kind:        AlertMismatch,
				MedicineID:  st.MedicineID,
				BatchNumber: st.BatchNumber,
				Message:     st.Mismatch.String(),
			})
		}
	}
	return alerts, nil
}

func summarize(m Medicine, batches []Batch, today time.Time) Summary {
	s := Summary{
		MedicineID: m.ID,
		Name:       m.Name,
		Enabled:    m.Enabled,
		MinStock:   m.MinStock,
		MaxStock:   m.MaxStock,
		Batches:    len(batches),
	}
	for _, b := range batches {
		s.Total = s.Total.Add(b.Quantities)
		if b.StatusAt(today) == BatchNormal {
			s.Usable = s.Usable.Add(b.Quantities)
		}
	}
	return s
}
