package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"signalrelay/internal/model"
)

const signalColumns = `id, unique_id, category, instrument_token, strike_token, strategy_code,
	side, stop_loss, target, ts, created_at`

// RecordEntry appends an ENTRY row. The (unique_id, category) unique index
// makes concurrent duplicates fail with ErrDuplicateSignal.
func (s *Store) RecordEntry(ctx context.Context, in model.NewEntry) (*model.Signal, error) {
	sig := &model.Signal{
		UniqueID:        in.UniqueID,
		InstrumentToken: in.InstrumentToken,
		StrikeToken:     in.StrikeToken,
		StrategyCode:    in.StrategyCode,
		Side:            in.Side,
		Category:        model.CategoryEntry,
		StopLoss:        in.StopLoss,
		Target:          in.Target,
		Timestamp:       in.Timestamp.UTC(),
		CreatedAt:       now(),
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = sig.CreatedAt
	}

	id, err := s.insertSignal(ctx, s.db, sig)
	if err != nil {
		return nil, err
	}
	sig.ID = id
	return sig, nil
}

// RecordExit appends an EXIT row. A missing ENTRY is reported as
// ErrUnknownSignal alongside the recorded row.
func (s *Store) RecordExit(ctx context.Context, in model.NewExit) (*model.Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	entry, err := scanSignal(tx.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE unique_id = ? AND category = ?`,
		in.UniqueID, model.CategoryEntry))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	sig := &model.Signal{
		UniqueID:     in.UniqueID,
		StrikeToken:  in.StrikeToken,
		StrategyCode: in.StrategyCode,
		Category:     model.CategoryExit,
		Timestamp:    in.Timestamp.UTC(),
		CreatedAt:    now(),
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = sig.CreatedAt
	}
	if entry != nil {
		sig.InstrumentToken = entry.InstrumentToken
		sig.Side = entry.Side
		if sig.StrikeToken == "" {
			sig.StrikeToken = entry.StrikeToken
		}
	}

	id, err := s.insertSignal(ctx, tx, sig)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite commit: %w", err)
	}
	sig.ID = id

	if entry == nil {
		return sig, model.ErrUnknownSignal
	}
	return sig, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertSignal(ctx context.Context, ex execer, sig *model.Signal) (int64, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO signals (unique_id, category, instrument_token, strike_token, strategy_code,
			side, stop_loss, target, ts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.UniqueID, sig.Category, sig.InstrumentToken, sig.StrikeToken, sig.StrategyCode,
		sig.Side, sig.StopLoss, sig.Target, nanos(sig.Timestamp), nanos(sig.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s %s: %w", sig.Category, sig.UniqueID, model.ErrDuplicateSignal)
		}
		return 0, fmt.Errorf("sqlite insert signal: %w", err)
	}
	return res.LastInsertId()
}

// ReviseRiskParameters updates stop_loss and/or target on the ENTRY row.
func (s *Store) ReviseRiskParameters(ctx context.Context, uniqueID string, stopLoss, target *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals
		    SET stop_loss = COALESCE(?, stop_loss),
		        target    = COALESCE(?, target)
		  WHERE unique_id = ? AND category = ?`,
		stopLoss, target, uniqueID, model.CategoryEntry)
	if err != nil {
		return fmt.Errorf("sqlite revise risk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite revise risk: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %s: %w", uniqueID, model.ErrNotFound)
	}
	return nil
}

// GetEntry returns the ENTRY row for uniqueID or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, uniqueID string) (*model.Signal, error) {
	return s.getSignal(ctx, uniqueID, model.CategoryEntry)
}

// GetExit returns the EXIT row for uniqueID or ErrNotFound.
func (s *Store) GetExit(ctx context.Context, uniqueID string) (*model.Signal, error) {
	return s.getSignal(ctx, uniqueID, model.CategoryExit)
}

func (s *Store) getSignal(ctx context.Context, uniqueID string, cat model.Category) (*model.Signal, error) {
	return scanSignal(s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE unique_id = ? AND category = ?`, uniqueID, cat))
}

// GetByID returns a signal row by its primary key.
func (s *Store) GetByID(ctx context.Context, id int64) (*model.Signal, error) {
	return scanSignal(s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = ?`, id))
}

// ListOpenEntries returns ENTRY signals that still have OPEN orders.
func (s *Store) ListOpenEntries(ctx context.Context) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+signalColumns+` FROM signals
		  WHERE category = ? AND id IN (
		        SELECT DISTINCT signal_id FROM orders WHERE status = 'OPEN' AND is_deleted = 0)
		  ORDER BY id`, model.CategoryEntry)
	if err != nil {
		return nil, fmt.Errorf("sqlite list open entries: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func scanSignal(r rowScanner) (*model.Signal, error) {
	var (
		sig       model.Signal
		ts, cts   int64
		side, cat string
	)
	err := r.Scan(&sig.ID, &sig.UniqueID, &cat, &sig.InstrumentToken, &sig.StrikeToken,
		&sig.StrategyCode, &side, &sig.StopLoss, &sig.Target, &ts, &cts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite scan signal: %w", err)
	}
	sig.Side = model.Side(side)
	sig.Category = model.Category(cat)
	sig.Timestamp = fromNanos(ts)
	sig.CreatedAt = fromNanos(cts)
	return &sig, nil
}
