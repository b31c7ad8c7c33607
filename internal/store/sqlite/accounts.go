package sqlite

import (
	"context"
	"fmt"

	"signalrelay/internal/model"
)

// Accounts loads every trader together with its broker credentials and
// strategy subscriptions. Nothing is cached; each call reads current rows.
func (s *Store) Accounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, is_active, kyc_verified, default_qty FROM traders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list traders: %w", err)
	}
	var (
		accounts []model.Account
		index    = map[int64]int{}
	)
	for rows.Next() {
		var t model.Trader
		if err := rows.Scan(&t.ID, &t.Name, &t.Role, &t.IsActive, &t.KYCVerified, &t.DefaultLots); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite scan trader: %w", err)
		}
		index[t.ID] = len(accounts)
		accounts = append(accounts, model.Account{Trader: t})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dhan, err := s.db.QueryContext(ctx,
		`SELECT trader_id, client_id, access_token, is_active FROM dhan_credentials ORDER BY trader_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list dhan credentials: %w", err)
	}
	for dhan.Next() {
		var (
			id int64
			c  = model.Credentials{Broker: model.BrokerDhan}
		)
		if err := dhan.Scan(&id, &c.ClientID, &c.AccessToken, &c.IsActive); err != nil {
			dhan.Close()
			return nil, fmt.Errorf("sqlite scan dhan credentials: %w", err)
		}
		if i, ok := index[id]; ok {
			accounts[i].Credentials = append(accounts[i].Credentials, c)
		}
	}
	dhan.Close()
	if err := dhan.Err(); err != nil {
		return nil, err
	}

	angel, err := s.db.QueryContext(ctx,
		`SELECT trader_id, api_key, client_code, password, totp_secret, is_active
		   FROM angelone_credentials ORDER BY trader_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list angelone credentials: %w", err)
	}
	for angel.Next() {
		var (
			id int64
			c  = model.Credentials{Broker: model.BrokerAngelOne}
		)
		if err := angel.Scan(&id, &c.APIKey, &c.ClientCode, &c.Password, &c.TOTPSecret, &c.IsActive); err != nil {
			angel.Close()
			return nil, fmt.Errorf("sqlite scan angelone credentials: %w", err)
		}
		if i, ok := index[id]; ok {
			accounts[i].Credentials = append(accounts[i].Credentials, c)
		}
	}
	angel.Close()
	if err := angel.Err(); err != nil {
		return nil, err
	}

	subs, err := s.db.QueryContext(ctx,
		`SELECT trader_id, strategy_code FROM trader_strategies ORDER BY trader_id, strategy_code`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list strategies: %w", err)
	}
	defer subs.Close()
	for subs.Next() {
		var (
			id   int64
			code string
		)
		if err := subs.Scan(&id, &code); err != nil {
			return nil, fmt.Errorf("sqlite scan strategy: %w", err)
		}
		if i, ok := index[id]; ok {
			accounts[i].Strategies = append(accounts[i].Strategies, code)
		}
	}
	return accounts, subs.Err()
}

// UpsertTrader inserts or replaces a trader row.
func (s *Store) UpsertTrader(ctx context.Context, t model.Trader) error {
	lots := t.DefaultLots
	if lots <= 0 {
		lots = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traders (id, name, role, is_active, kyc_verified, default_qty)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, role = excluded.role, is_active = excluded.is_active,
		   kyc_verified = excluded.kyc_verified, default_qty = excluded.default_qty`,
		t.ID, t.Name, t.Role, t.IsActive, t.KYCVerified, lots)
	if err != nil {
		return fmt.Errorf("sqlite upsert trader: %w", err)
	}
	return nil
}

// PutCredentials stores the credential bundle of c.Broker for a trader.
func (s *Store) PutCredentials(ctx context.Context, traderID int64, c model.Credentials) error {
	var err error
	switch c.Broker {
	case model.BrokerDhan:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO dhan_credentials (trader_id, client_id, access_token, is_active)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(trader_id) DO UPDATE SET
			   client_id = excluded.client_id, access_token = excluded.access_token,
			   is_active = excluded.is_active`,
			traderID, c.ClientID, c.AccessToken, c.IsActive)
	case model.BrokerAngelOne:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO angelone_credentials (trader_id, api_key, client_code, password, totp_secret, is_active)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(trader_id) DO UPDATE SET
			   api_key = excluded.api_key, client_code = excluded.client_code,
			   password = excluded.password, totp_secret = excluded.totp_secret,
			   is_active = excluded.is_active`,
			traderID, c.APIKey, c.ClientCode, c.Password, c.TOTPSecret, c.IsActive)
	default:
		return fmt.Errorf("credentials for broker %q cannot be stored", c.Broker)
	}
	if err != nil {
		return fmt.Errorf("sqlite put %s credentials: %w", c.Broker, err)
	}
	return nil
}

// SetCredentialActive toggles a trader's credential for one broker.
func (s *Store) SetCredentialActive(ctx context.Context, traderID int64, broker model.Broker, active bool) error {
	var table string
	switch broker {
	case model.BrokerDhan:
		table = "dhan_credentials"
	case model.BrokerAngelOne:
		table = "angelone_credentials"
	default:
		return fmt.Errorf("unknown broker %q", broker)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET is_active = ? WHERE trader_id = ?`, active, traderID)
	if err != nil {
		return fmt.Errorf("sqlite set credential active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trader %d %s credentials: %w", traderID, broker, model.ErrNotFound)
	}
	return nil
}

// SubscribeStrategy limits a trader to the given strategy codes, adding
// one row per code.
func (s *Store) SubscribeStrategy(ctx context.Context, traderID int64, codes ...string) error {
	for _, code := range codes {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO trader_strategies (trader_id, strategy_code) VALUES (?, ?)`,
			traderID, code); err != nil {
			return fmt.Errorf("sqlite subscribe strategy: %w", err)
		}
	}
	return nil
}
