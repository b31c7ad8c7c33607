package sqlite

import (
	"context"
	"fmt"

	"signalrelay/internal/model"
)

// JournalEntry is one recorded dispatch outcome.
type JournalEntry struct {
	ID        int64          `json:"id"`
	SignalID  int64          `json:"signal_id"`
	Category  model.Category `json:"category"`
	CreatedAt int64          `json:"created_at"` // unix nanos
	model.Outcome
}

// RecordOutcomes appends the outcomes of one dispatch to the journal in a
// single transaction. Every leg is kept, including skipped and failed ones,
// so operators can see what each trader received.
func (s *Store) RecordOutcomes(ctx context.Context, signalID int64, cat model.Category, outcomes []model.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_journal (signal_id, category, trader_id, broker, status, error_kind,
			reason, order_id, broker_order_id, price, qty, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := nanos(now())
	for _, o := range outcomes {
		if _, err := stmt.ExecContext(ctx, signalID, string(cat), o.TraderID, string(o.Broker), string(o.Status),
			string(o.ErrorKind), o.Reason, o.OrderID, o.BrokerOrderID, o.Price, o.Qty, ts); err != nil {
			return fmt.Errorf("journal insert: %w", err)
		}
	}
	return tx.Commit()
}

// Journal returns recorded outcomes for a signal, oldest first.
func (s *Store) Journal(ctx context.Context, signalID int64) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_id, category, trader_id, broker, status, error_kind, reason,
			order_id, broker_order_id, price, qty, created_at
		FROM dispatch_journal WHERE signal_id = ? ORDER BY id`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var cat, broker, status, kind string
		if err := rows.Scan(&e.ID, &e.SignalID, &cat, &e.TraderID, &broker, &status, &kind, &e.Reason,
			&e.OrderID, &e.BrokerOrderID, &e.Price, &e.Qty, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Category = model.Category(cat)
		e.Broker = model.Broker(broker)
		e.Status = model.OutcomeStatus(status)
		e.ErrorKind = model.ErrorKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
