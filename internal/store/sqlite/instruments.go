package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"signalrelay/internal/model"
)

// Instrument looks up a contract by strike token.
func (s *Store) Instrument(ctx context.Context, token string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.db.QueryRowContext(ctx,
		`SELECT token, exchange, trading_symbol, underlying, option_type, strike, expiry, lot_size
		   FROM instruments WHERE token = ?`, token).
		Scan(&in.Token, &in.Exchange, &in.TradingSymbol, &in.Underlying, &in.OptionType,
			&in.Strike, &in.Expiry, &in.LotSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instrument %s: %w", token, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get instrument: %w", err)
	}
	return &in, nil
}

// PutInstruments upserts instrument master rows in one transaction.
func (s *Store) PutInstruments(ctx context.Context, instruments []model.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO instruments (token, exchange, trading_symbol, underlying, option_type, strike, expiry, lot_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		   exchange = excluded.exchange, trading_symbol = excluded.trading_symbol,
		   underlying = excluded.underlying, option_type = excluded.option_type,
		   strike = excluded.strike, expiry = excluded.expiry, lot_size = excluded.lot_size`)
	if err != nil {
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, in := range instruments {
		lot := in.LotSize
		if lot <= 0 {
			lot = 1
		}
		if _, err := stmt.ExecContext(ctx, in.Token, in.Exchange, in.TradingSymbol, in.Underlying,
			in.OptionType, in.Strike, in.Expiry, lot); err != nil {
			return fmt.Errorf("sqlite put instrument %s: %w", in.Token, err)
		}
	}
	return tx.Commit()
}
