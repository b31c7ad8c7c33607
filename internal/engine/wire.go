package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signalrelay/internal/model"
)

// SignalMessage is the wire form of a strategy signal, shared by the HTTP
// API and the Kafka topic. Prices are rupees, as number or string.
type SignalMessage struct {
	Token        string              `json:"token" validate:"required,max=32"`
	Signal       string              `json:"signal" validate:"required,oneof=BUY_ENTRY SELL_ENTRY BUY_EXIT SELL_EXIT"`
	UniqueID     string              `json:"unique_id" validate:"required,max=128"`
	StrikeToken  string              `json:"strike_price_token" validate:"max=32"`
	StrategyCode string              `json:"strategy_code" validate:"max=64"`
	StopLoss     decimal.NullDecimal `json:"stop_loss"`
	Target       decimal.NullDecimal `json:"target"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
}

// Category reports ENTRY or EXIT.
func (m *SignalMessage) Category() (model.Category, error) {
	_, cat, err := model.ParseSignalType(m.Signal)
	return cat, err
}

// EntryRequest converts an ENTRY message.
func (m *SignalMessage) EntryRequest(now time.Time) (EntryRequest, error) {
	side, cat, err := model.ParseSignalType(m.Signal)
	if err != nil {
		return EntryRequest{}, err
	}
	if cat != model.CategoryEntry {
		return EntryRequest{}, fmt.Errorf("%w: %s is not an entry", model.ErrInvalidSignal, m.Signal)
	}
	return EntryRequest{
		UniqueID:        m.UniqueID,
		InstrumentToken: m.Token,
		StrikeToken:     m.StrikeToken,
		StrategyCode:    m.StrategyCode,
		Side:            side,
		StopLoss:        paise(m.StopLoss),
		Target:          paise(m.Target),
		Timestamp:       m.at(now),
	}, nil
}

// ExitRequest converts an EXIT message.
func (m *SignalMessage) ExitRequest(now time.Time) (ExitRequest, error) {
	_, cat, err := model.ParseSignalType(m.Signal)
	if err != nil {
		return ExitRequest{}, err
	}
	if cat != model.CategoryExit {
		return ExitRequest{}, fmt.Errorf("%w: %s is not an exit", model.ErrInvalidSignal, m.Signal)
	}
	return ExitRequest{
		UniqueID:     m.UniqueID,
		StrikeToken:  m.StrikeToken,
		StrategyCode: m.StrategyCode,
		Timestamp:    m.at(now),
	}, nil
}

func (m *SignalMessage) at(now time.Time) time.Time {
	if m.Timestamp != nil && !m.Timestamp.IsZero() {
		return *m.Timestamp
	}
	return now
}

// RiskRevision is the wire form of a stop-loss/target update. A missing
// field is left unchanged; zero clears it.
type RiskRevision struct {
	StopLoss decimal.NullDecimal `json:"stop_loss"`
	Target   decimal.NullDecimal `json:"target"`
}

// Paise returns the revision in paise, nil for absent fields.
func (r RiskRevision) Paise() (stopLoss, target *int64) {
	if r.StopLoss.Valid {
		v := model.ToPaise(r.StopLoss.Decimal)
		stopLoss = &v
	}
	if r.Target.Valid {
		v := model.ToPaise(r.Target.Decimal)
		target = &v
	}
	return stopLoss, target
}

func paise(d decimal.NullDecimal) int64 {
	if !d.Valid {
		return 0
	}
	return model.ToPaise(d.Decimal)
}
