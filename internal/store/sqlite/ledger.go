package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signalrelay/internal/model"
	"signalrelay/internal/portfolio"
)

const orderColumns = `id, trader_id, broker, signal_id, unique_id, instrument_token, strike_token,
	symbol, exchange, underlying, option_type, side, qty, entry_price, exit_price, status,
	entry_time, exit_time, broker_order_id, exit_broker_order_id, exit_reason, pnl, pnl_percent,
	is_deleted, created_at, updated_at`

// Open inserts o as an OPEN order and sets o.ID. A second OPEN order on the
// same (trader, broker, signal) leg fails with ErrDuplicateOrder.
func (s *Store) Open(ctx context.Context, o *model.Order) error {
	if o.Qty <= 0 {
		return model.ErrInvalidQty
	}
	ts := now()
	if o.EntryTime.IsZero() {
		o.EntryTime = ts
	}
	o.Status = model.StatusOpen
	o.CreatedAt = ts
	o.UpdatedAt = ts

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (trader_id, broker, signal_id, unique_id, instrument_token, strike_token,
			symbol, exchange, underlying, option_type, side, qty, entry_price, status, entry_time,
			broker_order_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.TraderID, o.Broker, o.SignalID, o.UniqueID, o.InstrumentToken, o.StrikeToken,
		o.Symbol, o.Exchange, o.Underlying, o.OptionType, o.Side, o.Qty, o.EntryPrice, o.Status,
		nanos(o.EntryTime), o.BrokerOrderID, nanos(o.CreatedAt), nanos(o.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trader %d %s signal %d: %w", o.TraderID, o.Broker, o.SignalID, model.ErrDuplicateOrder)
		}
		return fmt.Errorf("sqlite insert order: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// FindOpen returns the OPEN order of a trader leg for a signal, or ErrNotFound.
func (s *Store) FindOpen(ctx context.Context, traderID int64, broker model.Broker, signalID int64) (*model.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		  WHERE trader_id = ? AND broker = ? AND signal_id = ? AND status = 'OPEN' AND is_deleted = 0`,
		traderID, broker, signalID))
}

// CloseOrder moves an OPEN order to CLOSED and stores its realized P&L.
// Closing a CLOSED order returns the stored row with ErrAlreadyClosed.
func (s *Store) CloseOrder(ctx context.Context, id int64, c model.CloseFill) (*model.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ? AND is_deleted = 0`, id))
	if err != nil {
		return nil, err
	}
	if o.Status == model.StatusClosed {
		return o, model.ErrAlreadyClosed
	}

	if c.Time.IsZero() {
		c.Time = now()
	}
	portfolio.Close(o, c)

	_, err = tx.ExecContext(ctx,
		`UPDATE orders
		    SET status = ?, exit_price = ?, exit_time = ?, exit_broker_order_id = ?, exit_reason = ?,
		        pnl = ?, pnl_percent = ?, updated_at = ?
		  WHERE id = ? AND status = 'OPEN'`,
		o.Status, o.ExitPrice, nullNanos(o.ExitTime), o.ExitBrokerOrderID, o.ExitReason,
		o.PnL, o.PnLPercent, nanos(o.UpdatedAt), o.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlite close order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite commit: %w", err)
	}
	return o, nil
}

// ListOpen returns every OPEN, non-deleted order, oldest first.
func (s *Store) ListOpen(ctx context.Context) ([]model.Order, error) {
	return s.List(ctx, model.OrderFilter{Status: model.StatusOpen})
}

// ListOpenBySignal returns the OPEN orders fanned out for one signal.
func (s *Store) ListOpenBySignal(ctx context.Context, signalID int64) ([]model.Order, error) {
	return s.List(ctx, model.OrderFilter{SignalID: signalID, Status: model.StatusOpen})
}

// List returns non-deleted orders matching f, oldest first.
func (s *Store) List(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	where := []string{"is_deleted = 0"}
	var args []any
	if f.TraderID != 0 {
		where = append(where, "trader_id = ?")
		args = append(args, f.TraderID)
	}
	if f.SignalID != 0 {
		where = append(where, "signal_id = ?")
		args = append(args, f.SignalID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite list orders: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// SoftDelete hides an order from every listing. Rows are never removed.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		nanos(now()), id)
	if err != nil {
		return fmt.Errorf("sqlite soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanOrder(r rowScanner) (*model.Order, error) {
	var (
		o                           model.Order
		broker, side, status, rsn   string
		entryTime, created, updated int64
		exitTime                    sql.NullInt64
	)
	err := r.Scan(&o.ID, &o.TraderID, &broker, &o.SignalID, &o.UniqueID, &o.InstrumentToken,
		&o.StrikeToken, &o.Symbol, &o.Exchange, &o.Underlying, &o.OptionType, &side, &o.Qty,
		&o.EntryPrice, &o.ExitPrice, &status, &entryTime, &exitTime, &o.BrokerOrderID,
		&o.ExitBrokerOrderID, &rsn, &o.PnL, &o.PnLPercent, &o.IsDeleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite scan order: %w", err)
	}
	o.Broker = model.Broker(broker)
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	o.ExitReason = model.ExitReason(rsn)
	o.EntryTime = fromNanos(entryTime)
	o.ExitTime = timePtr(exitTime)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}
