package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"signalrelay/internal/model"
)

// ActivateKillSwitch records a new active switch and sets k.ID.
func (s *Store) ActivateKillSwitch(ctx context.Context, k *model.KillSwitch) error {
	if k.CloseFor == "" {
		k.CloseFor = model.CloseForAll
	}
	if k.TriggeredAt.IsZero() {
		k.TriggeredAt = now()
	}
	k.IsActive = true

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_switches (close_type, close_for, reason, is_active, triggered_at)
		 VALUES (?, ?, ?, 1, ?)`,
		k.CloseType, k.CloseFor, k.Reason, nanos(k.TriggeredAt))
	if err != nil {
		return fmt.Errorf("sqlite insert kill switch: %w", err)
	}
	k.ID, err = res.LastInsertId()
	return err
}

// DeactivateKillSwitch turns an active switch off without executing it.
func (s *Store) DeactivateKillSwitch(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kill_switches SET is_active = 0, deactivated_at = ? WHERE id = ? AND is_active = 1`,
		nanos(now()), id)
	if err != nil {
		return fmt.Errorf("sqlite deactivate kill switch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("kill switch %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// MarkKillSwitchExecuted retires a switch once every order it matched is closed.
func (s *Store) MarkKillSwitchExecuted(ctx context.Context, id int64, positionsClosed int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kill_switches SET is_active = 0, executed_at = ?, positions_closed = ?
		  WHERE id = ? AND is_active = 1`,
		nanos(now()), positionsClosed, id)
	if err != nil {
		return fmt.Errorf("sqlite mark kill switch executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("kill switch %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// ListKillSwitches returns switches newest first.
func (s *Store) ListKillSwitches(ctx context.Context, activeOnly bool) ([]model.KillSwitch, error) {
	q := `SELECT id, close_type, close_for, reason, is_active, positions_closed,
	             triggered_at, executed_at, deactivated_at
	        FROM kill_switches`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	q += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite list kill switches: %w", err)
	}
	defer rows.Close()

	var out []model.KillSwitch
	for rows.Next() {
		var (
			k                   model.KillSwitch
			closeType           string
			triggered           int64
			executed, deactived sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &closeType, &k.CloseFor, &k.Reason, &k.IsActive,
			&k.PositionsClosed, &triggered, &executed, &deactived); err != nil {
			return nil, fmt.Errorf("sqlite scan kill switch: %w", err)
		}
		k.CloseType = model.CloseType(closeType)
		k.TriggeredAt = fromNanos(triggered)
		k.ExecutedAt = timePtr(executed)
		k.DeactivatedAt = timePtr(deactived)
		out = append(out, k)
	}
	return out, rows.Err()
}
