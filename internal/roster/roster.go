// Package roster resolves which traders receive a signal and through
// which broker credentials.
package roster

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"signalrelay/internal/model"
)

// AccountStore loads trader accounts. Implementations read current rows
// on every call.
type AccountStore interface {
	Accounts(ctx context.Context) ([]model.Account, error)
}

// Resolver turns accounts into fan-out targets.
type Resolver struct {
	store AccountStore
}

// New creates a Resolver over store.
func New(store AccountStore) *Resolver {
	return &Resolver{store: store}
}

// ResolveTraders returns one target per (eligible trader, active broker
// credential), ordered by trader id then broker. An empty strategyCode
// skips the subscription filter. No eligible traders is not an error.
func (r *Resolver) ResolveTraders(ctx context.Context, strategyCode string) ([]model.TraderTarget, error) {
	accounts, err := r.store.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	var targets []model.TraderTarget
	for _, a := range accounts {
		if !eligible(a.Trader) || !subscribed(a.Strategies, strategyCode) {
			continue
		}
		lots := a.Trader.DefaultLots
		if lots <= 0 {
			lots = 1
		}
		for _, c := range a.Credentials {
			if !c.IsActive || !complete(c) {
				continue
			}
			targets = append(targets, model.TraderTarget{
				TraderID:    a.Trader.ID,
				Name:        a.Trader.Name,
				Broker:      c.Broker,
				Credentials: c,
				DefaultLots: lots,
			})
		}
	}

	log.Debug().Str("strategy", strategyCode).Int("accounts", len(accounts)).Int("targets", len(targets)).
		Msg("[roster] resolved traders")
	return targets, nil
}

func eligible(t model.Trader) bool {
	return t.IsActive && t.KYCVerified && model.EligibleRole(t.Role)
}

// subscribed: a trader with no subscriptions receives every strategy.
func subscribed(codes []string, strategy string) bool {
	if strategy == "" || len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if c == strategy {
			return true
		}
	}
	return false
}

func complete(c model.Credentials) bool {
	switch c.Broker {
	case model.BrokerDhan:
		return c.ClientID != "" && c.AccessToken != ""
	case model.BrokerAngelOne:
		return c.APIKey != "" && c.ClientCode != "" && c.Password != "" && c.TOTPSecret != ""
	}
	return false
}
