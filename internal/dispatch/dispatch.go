// Package dispatch fans a recorded signal out to every target trader leg
// on a bounded worker pool. Each leg places its broker order and then
// writes the ledger; one leg failing or panicking never affects another.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"signalrelay/internal/broker"
	"signalrelay/internal/logger"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/internal/notification"
)

// Outcome is the per-trader result of a dispatch.
type Outcome = model.Outcome

// OrderPlacer places broker orders; *broker.Retrier in production.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, creds model.Credentials, req broker.OrderRequest) (broker.Result, error)
}

// Job is one signal to fan out. Signal is always the ENTRY row: exits
// locate the orders it opened.
type Job struct {
	Signal     *model.Signal
	Category   model.Category
	ExitReason model.ExitReason
	Targets    []model.TraderTarget
}

// Config configures the dispatcher.
type Config struct {
	MaxWorkers int `yaml:"max_workers" default:"16" validate:"min=1"`
}

// Dispatcher runs jobs.
type Dispatcher struct {
	placer      OrderPlacer
	ledger      model.OrderLedger
	instruments model.InstrumentStore
	ticks       model.TickReader
	notifier    notification.Notifier
	metrics     *metrics.Metrics
	maxWorkers  int
	log         zerolog.Logger
	now         func() time.Time
}

// New creates a dispatcher. notifier and m may be nil.
func New(cfg Config, placer OrderPlacer, ledger model.OrderLedger, instruments model.InstrumentStore,
	ticks model.TickReader, notifier notification.Notifier, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if notifier == nil {
		notifier = notification.NewLogNotifier()
	}
	return &Dispatcher{
		placer:      placer,
		ledger:      ledger,
		instruments: instruments,
		ticks:       ticks,
		notifier:    notifier,
		metrics:     m,
		maxWorkers:  cfg.MaxWorkers,
		log:         logger.Component("dispatch"),
		now:         time.Now,
	}
}

// Dispatch runs job and returns one outcome per target, in target order.
// Legs run on a context detached from ctx's cancellation so a caller
// giving up does not abandon orders midway; broker calls keep their own
// per-attempt timeouts.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) []Outcome {
	outcomes := make([]Outcome, len(job.Targets))
	if len(job.Targets) == 0 {
		return outcomes
	}
	if job.Signal == nil {
		return SkipAll(job.Targets, "unknown signal")
	}
	start := d.now()
	tctx := context.WithoutCancel(ctx)

	var inst model.Instrument
	var instErr error
	if job.Category == model.CategoryEntry {
		inst, instErr = d.instrument(tctx, job.Signal)
	}

	p := pool.New().WithMaxGoroutines(d.maxWorkers)
	for i, t := range job.Targets {
		p.Go(func() {
			outcomes[i] = d.runLeg(tctx, job, t, inst, instErr)
		})
	}
	p.Wait()

	for _, o := range outcomes {
		d.metrics.Outcome(string(o.Broker), string(o.Status), string(o.ErrorKind))
	}
	d.metrics.Dispatched(string(job.Category), d.now().Sub(start))
	return outcomes
}

func (d *Dispatcher) runLeg(ctx context.Context, job Job, t model.TraderTarget, inst model.Instrument, instErr error) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Ctx(ctx, d.log).Error().Int64("trader_id", t.TraderID).Str("broker", string(t.Broker)).
				Interface("panic", r).Msg("dispatch leg panicked")
			out = failed(t, model.KindPanic, fmt.Sprint(r))
		}
	}()
	if job.Category == model.CategoryExit {
		return d.exitLeg(ctx, job, t)
	}
	if instErr != nil {
		return failed(t, model.KindInstrumentInvalid, instErr.Error())
	}
	return d.entryLeg(ctx, job, t, inst)
}

func (d *Dispatcher) entryLeg(ctx context.Context, job Job, t model.TraderTarget, inst model.Instrument) Outcome {
	sig := job.Signal
	lots := t.DefaultLots
	if lots <= 0 {
		lots = 1
	}
	qty := lots * inst.LotSize
	if qty <= 0 {
		return failed(t, model.KindInstrumentInvalid, "non-positive quantity for "+inst.Token)
	}

	res, err := d.placer.PlaceOrder(ctx, t.Credentials, broker.OrderRequest{
		Instrument: inst,
		Side:       sig.Side,
		Qty:        qty,
		Tag:        broker.Tag(sig.ID, t.TraderID, t.Broker, model.CategoryEntry),
	})
	if err != nil {
		return d.brokerFailed(ctx, t, err)
	}

	price := d.price(ctx, res, inst.PriceSymbol())
	ts := d.now()
	o := &model.Order{
		TraderID:        t.TraderID,
		Broker:          t.Broker,
		SignalID:        sig.ID,
		UniqueID:        sig.UniqueID,
		InstrumentToken: sig.InstrumentToken,
		StrikeToken:     inst.Token,
		Symbol:          inst.TradingSymbol,
		Exchange:        inst.Exchange,
		Underlying:      inst.Underlying,
		OptionType:      inst.OptionType,
		Side:            sig.Side,
		Qty:             qty,
		EntryPrice:      price,
		EntryTime:       ts,
		BrokerOrderID:   res.BrokerOrderID,
	}
	if err := d.ledger.Open(ctx, o); err != nil {
		return d.ledgerFailed(ctx, job, t, res.BrokerOrderID, err)
	}

	logger.Ctx(ctx, d.log).Info().Int64("trader_id", t.TraderID).Str("broker", string(t.Broker)).
		Int64("order_id", o.ID).Str("broker_order_id", res.BrokerOrderID).Int64("qty", qty).
		Int64("price", price).Msg("entry placed")
	return Outcome{
		TraderID: t.TraderID, Broker: t.Broker, Status: model.OutcomeSuccess,
		OrderID: o.ID, BrokerOrderID: res.BrokerOrderID, Price: price, Qty: qty,
	}
}

func (d *Dispatcher) exitLeg(ctx context.Context, job Job, t model.TraderTarget) Outcome {
	sig := job.Signal
	o, err := d.ledger.FindOpen(ctx, t.TraderID, t.Broker, sig.ID)
	if errors.Is(err, model.ErrNotFound) {
		return skipped(t, "no open order")
	}
	if err != nil {
		return failed(t, model.KindLedgerRead, err.Error())
	}

	res, err := d.placer.PlaceOrder(ctx, t.Credentials, broker.OrderRequest{
		Instrument: o.Instrument(),
		Side:       o.Side.Opposite(),
		Qty:        o.Qty,
		Tag:        broker.Tag(sig.ID, t.TraderID, t.Broker, model.CategoryExit),
	})
	if err != nil {
		return d.brokerFailed(ctx, t, err)
	}

	price := d.price(ctx, res, o.StrikeToken)
	reason := job.ExitReason
	if reason == "" {
		reason = model.ExitSignal
	}
	closed, err := d.ledger.CloseOrder(ctx, o.ID, model.CloseFill{
		Price:         price,
		Time:          d.now(),
		BrokerOrderID: res.BrokerOrderID,
		Reason:        reason,
	})
	if errors.Is(err, model.ErrAlreadyClosed) {
		// another path closed the order while ours was at the broker
		logger.Ctx(ctx, d.log).Warn().Bool("reconcile", true).Int64("order_id", o.ID).
			Str("broker_order_id", res.BrokerOrderID).Msg("exit placed for an order already closed")
		return skipped(t, "already closed")
	}
	if err != nil {
		return d.ledgerFailed(ctx, job, t, res.BrokerOrderID, err)
	}

	logger.Ctx(ctx, d.log).Info().Int64("trader_id", t.TraderID).Str("broker", string(t.Broker)).
		Int64("order_id", o.ID).Str("reason", string(reason)).Int64("price", price).
		Int64("pnl", closed.PnL).Msg("exit placed")
	return Outcome{
		TraderID: t.TraderID, Broker: t.Broker, Status: model.OutcomeSuccess,
		OrderID: o.ID, BrokerOrderID: res.BrokerOrderID, Price: price, Qty: o.Qty,
	}
}

// instrument resolves the strike contract, falling back to the token as
// symbol with lot size 1 when the master does not know it.
func (d *Dispatcher) instrument(ctx context.Context, sig *model.Signal) (model.Instrument, error) {
	if sig.StrikeToken == "" {
		return model.Instrument{}, errors.New("signal has no strike token")
	}
	if d.instruments != nil {
		inst, err := d.instruments.Instrument(ctx, sig.StrikeToken)
		if err == nil {
			if inst.LotSize <= 0 {
				inst.LotSize = 1
			}
			return *inst, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return model.Instrument{}, fmt.Errorf("instrument %s: %w", sig.StrikeToken, err)
		}
	}
	logger.Ctx(ctx, d.log).Warn().Str("strike_token", sig.StrikeToken).Msg("strike token not in instrument master, using fallback")
	return model.FallbackInstrument(sig.InstrumentToken, sig.StrikeToken), nil
}

// price is the broker's fill price when reported, else the latest tick,
// else 0 with a warning.
func (d *Dispatcher) price(ctx context.Context, res broker.Result, symbol string) int64 {
	if res.PriceKnown {
		return res.Price
	}
	if d.ticks != nil {
		p, found, err := d.ticks.LatestPrice(ctx, symbol)
		if err == nil && found {
			return p
		}
		if err != nil {
			logger.Ctx(ctx, d.log).Warn().Str("symbol", symbol).Err(err).Msg("tick lookup failed")
		}
	}
	logger.Ctx(ctx, d.log).Warn().Str("symbol", symbol).Str("broker_order_id", res.BrokerOrderID).
		Err(model.ErrPriceUnresolved).Msg("no price for order, recording 0")
	return 0
}

func (d *Dispatcher) brokerFailed(ctx context.Context, t model.TraderTarget, err error) Outcome {
	kind := model.KindBrokerUnavailable
	if broker.IsRejected(err) {
		kind = model.KindBrokerRejected
	}
	logger.Ctx(ctx, d.log).Warn().Int64("trader_id", t.TraderID).Str("broker", string(t.Broker)).
		Str("error_kind", string(kind)).Err(err).Msg("broker order failed")
	return failed(t, kind, err.Error())
}

// ledgerFailed handles a ledger write after the broker accepted the order.
// The position exists at the broker but not in the ledger, so it is raised
// for manual reconciliation.
func (d *Dispatcher) ledgerFailed(ctx context.Context, job Job, t model.TraderTarget, brokerOrderID string, err error) Outcome {
	err = fmt.Errorf("%w: %v", model.ErrLedgerWrite, err)
	logger.Ctx(ctx, d.log).Error().Bool("reconcile", true).Int64("trader_id", t.TraderID).
		Str("broker", string(t.Broker)).Str("broker_order_id", brokerOrderID).
		Int64("signal_id", job.Signal.ID).Str("category", string(job.Category)).Err(err).Msg("ledger write failed")
	d.metrics.LedgerWriteFailed()

	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if nerr := d.notifier.Send(nctx, notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "Ledger write failed",
		Message: "Broker accepted an order the ledger could not record. Reconcile manually.",
		Fields: map[string]string{
			"trader_id":       strconv.FormatInt(t.TraderID, 10),
			"broker":          string(t.Broker),
			"broker_order_id": brokerOrderID,
			"signal":          job.Signal.UniqueID,
			"category":        string(job.Category),
			"error":           err.Error(),
		},
	}); nerr != nil {
		logger.Ctx(ctx, d.log).Error().Err(nerr).Msg("reconcile alert not delivered")
	}

	out := failed(t, model.KindLedgerWrite, err.Error())
	out.BrokerOrderID = brokerOrderID
	return out
}

func failed(t model.TraderTarget, kind model.ErrorKind, reason string) Outcome {
	return Outcome{TraderID: t.TraderID, Broker: t.Broker, Status: model.OutcomeFailed, ErrorKind: kind, Reason: reason}
}

func skipped(t model.TraderTarget, reason string) Outcome {
	return Outcome{TraderID: t.TraderID, Broker: t.Broker, Status: model.OutcomeSkipped, Reason: reason}
}

// SkipAll reports every target as SKIPPED with reason, in target order.
func SkipAll(targets []model.TraderTarget, reason string) []Outcome {
	out := make([]Outcome, len(targets))
	for i, t := range targets {
		out[i] = skipped(t, reason)
	}
	return out
}

// Tally counts outcomes by status.
func Tally(outcomes []Outcome) (succeeded, failedN, skippedN int) {
	for _, o := range outcomes {
		switch o.Status {
		case model.OutcomeSuccess:
			succeeded++
		case model.OutcomeFailed:
			failedN++
		case model.OutcomeSkipped:
			skippedN++
		}
	}
	return
}
