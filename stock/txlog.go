/*
txlog.go - Read side of the transaction log

PURPOSE:
  Query, running totals and replay over ledger entries. The log is the
  audit trail: replaying CONFIRMED entries of a batch must reproduce its
  live counters exactly.

REPLAY RULES (per CONFIRMED entry, q = |delta|):
  IN        current +q, available +q
  OUT       current -q, reserved  -q
  RESERVE   available -q, reserved +q
  RELEASE   reserved  -q, available +q
  LOCK      available -q, locked   +q
  UNLOCK    locked    -q, available +q
  TRANSFER  source: current -q, available -q
            destination: current +q, available +q
  LOSS      current -q, available -q
  ADJUST    current +d, available +d (signed)

  Quarantined entries (IN, RELEASE and ADJUST on a recalled batch) move
  locked instead of available.

SEE ALSO:
  - ledger.go: Writes the entries
*/
package stock

import "context"

// Totals are running quantities over CONFIRMED entries of one medicine.
type Totals struct {
	MedicineID  MedicineID `json:"medicine_id"`
	Inbound     int64      `json:"inbound"`     // IN
	Outbound    int64      `json:"outbound"`    // OUT
	Losses      int64      `json:"losses"`      // LOSS
	Adjustments int64      `json:"adjustments"` // net ADJUST
	Transferred int64      `json:"transferred"` // between batches, net zero
	Entries     int        `json:"entries"`
}

// Drift compares a live batch with the replay of its log.
type Drift struct {
	Key      BatchKey
	Live     Quantities
	Replayed Quantities
}

func (d Drift) InSync() bool {
	return d.Live == d.Replayed
}

type TransactionLog struct {
	Store Store
}

func NewTransactionLog(store Store) *TransactionLog {
	return &TransactionLog{Store: store}
}

// Query runs the filter against the log, oldest first.
func (t *TransactionLog) Query(ctx context.Context, filter TxFilter) ([]Transaction, error) {
	return t.Store.Transactions(ctx, filter)
}

func (t *TransactionLog) Get(ctx context.Context, number string) (Transaction, error) {
	return t.Store.Transaction(ctx, number)
}

// ForDocument returns every entry written on behalf of one related document,
// e.g. all movements of one dispense record.
func (t *TransactionLog) ForDocument(ctx context.Context, relatedDoc string) ([]Transaction, error) {
	return t.Store.Transactions(ctx, TxFilter{RelatedDoc: relatedDoc})
}

func (t *TransactionLog) Totals(ctx context.Context, medicineID MedicineID) (Totals, error) {
	txs, err := t.Store.Transactions(ctx, TxFilter{
		MedicineID: medicineID,
		Statuses:   []TxStatus{TxConfirmed},
	})
	if err != nil {
		return Totals{}, err
	}
	totals := Totals{MedicineID: medicineID, Entries: len(txs)}
	for _, tx := range txs {
		switch tx.Kind {
		case KindIn:
			totals.Inbound += tx.Quantity()
		case KindOut:
			totals.Outbound += tx.Quantity()
		case KindLoss:
			totals.Losses += tx.Quantity()
		case KindAdjust:
			totals.Adjustments += tx.Delta
		case KindTransfer:
			totals.Transferred += tx.Quantity()
		}
	}
	return totals, nil
}

// Replay recomputes a batch's counters from its CONFIRMED entries.
func (t *TransactionLog) Replay(ctx context.Context, key BatchKey) (Quantities, error) {
	txs, err := t.Store.Transactions(ctx, TxFilter{
		MedicineID:  key.MedicineID,
		BatchNumber: key.BatchNumber,
		Statuses:    []TxStatus{TxConfirmed},
	})
	if err != nil {
		return Quantities{}, err
	}

	var q Quantities
	for _, tx := range txs {
		q = q.Add(effect(tx, key.BatchNumber))
	}
	return q, nil
}

// Verify replays the batch and compares it with the stored row.
func (t *TransactionLog) Verify(ctx context.Context, key BatchKey) (Drift, error) {
	live, err := t.Store.Batch(ctx, key)
	if err != nil {
		return Drift{}, err
	}
	replayed, err := t.Replay(ctx, key)
	if err != nil {
		return Drift{}, err
	}
	return Drift{Key: key, Live: live.Quantities, Replayed: replayed}, nil
}

// effect is the pool change an entry caused on batchNumber.
func effect(tx Transaction, batchNumber string) Quantities {
	q := tx.Quantity()
	switch tx.Kind {
	case KindIn:
		if tx.Quarantined {
			return Quantities{Current: q, Locked: q}
		}
		return Quantities{Current: q, Available: q}
	case KindOut:
		return Quantities{Current: -q, Reserved: -q}
	case KindReserve:
		return Quantities{Available: -q, Reserved: q}
	case KindRelease:
		if tx.Quarantined {
			return Quantities{Locked: q, Reserved: -q}
		}
		return Quantities{Available: q, Reserved: -q}
	case KindLock:
		return Quantities{Available: -q, Locked: q}
	case KindUnlock:
		return Quantities{Available: q, Locked: -q}
	case KindLoss:
		return Quantities{Current: -q, Available: -q}
	case KindAdjust:
		if tx.Quarantined {
			return Quantities{Current: tx.Delta, Locked: tx.Delta}
		}
		return Quantities{Current: tx.Delta, Available: tx.Delta}
	case KindTransfer:
		if tx.ToBatch == batchNumber {
			return Quantities{Current: q, Available: q}
		}
		return Quantities{Current: -q, Available: -q}
	}
	return Quantities{}
}
