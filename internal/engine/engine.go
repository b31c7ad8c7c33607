// Package engine is the ingestion boundary: it records each signal once,
// resolves the traders it reaches and hands the fan-out to the dispatcher.
// HTTP handlers, the Kafka consumer and the exit monitor all enter here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/dispatch"
	"signalrelay/internal/logger"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/internal/portfolio"
)

// TraderResolver returns the trader legs a strategy's signals reach.
type TraderResolver interface {
	ResolveTraders(ctx context.Context, strategyCode string) ([]model.TraderTarget, error)
}

// Dispatcher fans a job out; *dispatch.Dispatcher in production.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) []dispatch.Outcome
}

// Journal records dispatch outcomes for audit.
type Journal interface {
	RecordOutcomes(ctx context.Context, signalID int64, cat model.Category, outcomes []model.Outcome) error
}

// Archiver receives every order the relay closes.
type Archiver interface {
	Record(o model.Order)
}

// EntryRequest is an ENTRY signal. Prices are paise.
type EntryRequest struct {
	UniqueID        string
	InstrumentToken string
	StrikeToken     string
	StrategyCode    string
	Side            model.Side
	StopLoss        int64
	Target          int64
	Timestamp       time.Time
}

// ExitRequest is an EXIT signal. Reason defaults to SIGNAL.
type ExitRequest struct {
	UniqueID     string
	StrikeToken  string
	StrategyCode string
	Timestamp    time.Time
	Reason       model.ExitReason
}

// Result reports what a signal did.
type Result struct {
	Accepted  bool               `json:"accepted"`
	SignalID  int64              `json:"signal_id,omitempty"`
	UniqueID  string             `json:"unique_id"`
	Outcomes  []dispatch.Outcome `json:"outcomes"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
}

// Deps are the collaborators of an Engine. Journal, Archive and Metrics
// are optional.
type Deps struct {
	Signals    model.SignalLog
	Ledger     model.OrderLedger
	Switches   model.KillSwitchStore
	Roster     TraderResolver
	Dispatcher Dispatcher
	Ticks      model.TickReader
	Journal    Journal
	Archive    Archiver
	Metrics    *metrics.Metrics
}

// Engine processes signals.
type Engine struct {
	signals    model.SignalLog
	ledger     model.OrderLedger
	switches   model.KillSwitchStore
	roster     TraderResolver
	dispatcher Dispatcher
	journal    Journal
	archive    Archiver
	pnl        *portfolio.Calculator
	metrics    *metrics.Metrics
	locks      *keyLock
	log        zerolog.Logger
	now        func() time.Time
}

// New creates an Engine.
func New(d Deps) *Engine {
	return &Engine{
		signals:    d.Signals,
		ledger:     d.Ledger,
		switches:   d.Switches,
		roster:     d.Roster,
		dispatcher: d.Dispatcher,
		journal:    d.Journal,
		archive:    d.Archive,
		pnl:        portfolio.NewCalculator(d.Ticks),
		metrics:    d.Metrics,
		locks:      newKeyLock(),
		log:        logger.Component("engine"),
		now:        time.Now,
	}
}

func (e *Engine) traced(ctx context.Context, uniqueID string) context.Context {
	if logger.TraceID(ctx) != "" {
		return ctx
	}
	return logger.WithTraceID(ctx, logger.GenerateTraceID(uniqueID, e.now()))
}

// ProcessEntrySignal records an ENTRY and opens an order for every
// eligible trader leg. A repeated unique_id returns ErrDuplicateSignal and
// places nothing; an ENTRY whose EXIT is already recorded is stored but
// every leg is skipped.
func (e *Engine) ProcessEntrySignal(ctx context.Context, req EntryRequest) (Result, error) {
	res := Result{UniqueID: req.UniqueID}
	if req.UniqueID == "" || req.StrikeToken == "" || !req.Side.Valid() {
		return res, fmt.Errorf("%w: unique_id, strike_token and side are required", model.ErrInvalidSignal)
	}
	ctx = e.traced(ctx, req.UniqueID)
	l := logger.Ctx(ctx, e.log)
	unlock := e.locks.Lock(req.UniqueID)
	defer unlock()

	sig, err := e.signals.RecordEntry(ctx, model.NewEntry{
		UniqueID:        req.UniqueID,
		InstrumentToken: req.InstrumentToken,
		StrikeToken:     req.StrikeToken,
		StrategyCode:    req.StrategyCode,
		Side:            req.Side,
		StopLoss:        req.StopLoss,
		Target:          req.Target,
		Timestamp:       req.Timestamp,
	})
	if errors.Is(err, model.ErrDuplicateSignal) {
		e.metrics.Signal(string(model.CategoryEntry), "duplicate")
		l.Info().Str("unique_id", req.UniqueID).Msg("duplicate entry ignored")
		return res, err
	}
	if err != nil {
		e.metrics.Signal(string(model.CategoryEntry), "error")
		return res, fmt.Errorf("record entry: %w", err)
	}
	e.metrics.Signal(string(model.CategoryEntry), "accepted")
	res.Accepted = true
	res.SignalID = sig.ID

	exited, err := e.hasExit(ctx, sig.UniqueID)
	if err != nil {
		return res, err
	}
	targets, err := e.roster.ResolveTraders(ctx, sig.StrategyCode)
	if err != nil {
		return res, fmt.Errorf("resolve traders: %w", err)
	}
	if len(targets) == 0 {
		l.Info().Str("unique_id", sig.UniqueID).Str("strategy", sig.StrategyCode).Msg("no eligible traders")
		return res, nil
	}
	if exited {
		// the EXIT overtook this ENTRY
		e.finish(ctx, &res, sig.ID, model.CategoryEntry, dispatch.SkipAll(targets, "already exited"))
		l.Warn().Str("unique_id", sig.UniqueID).Int("targets", len(targets)).Msg("entry arrived after its exit, skipping all traders")
		return res, nil
	}

	outcomes := e.dispatcher.Dispatch(ctx, dispatch.Job{Signal: sig, Category: model.CategoryEntry, Targets: targets})
	e.finish(ctx, &res, sig.ID, model.CategoryEntry, outcomes)
	l.Info().Str("unique_id", sig.UniqueID).Str("side", string(sig.Side)).Str("strike", sig.StrikeToken).
		Int("targets", len(targets)).Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("entry dispatched")
	return res, nil
}

// ProcessExitSignal records an EXIT and closes every open leg of the
// signal. An EXIT with no prior ENTRY is accepted and every leg skipped.
func (e *Engine) ProcessExitSignal(ctx context.Context, req ExitRequest) (Result, error) {
	res := Result{UniqueID: req.UniqueID}
	if req.UniqueID == "" {
		return res, fmt.Errorf("%w: unique_id is required", model.ErrInvalidSignal)
	}
	ctx = e.traced(ctx, req.UniqueID)
	l := logger.Ctx(ctx, e.log)
	unlock := e.locks.Lock(req.UniqueID)
	defer unlock()

	exitSig, err := e.signals.RecordExit(ctx, model.NewExit{
		UniqueID:     req.UniqueID,
		StrikeToken:  req.StrikeToken,
		StrategyCode: req.StrategyCode,
		Timestamp:    req.Timestamp,
	})
	unknown := errors.Is(err, model.ErrUnknownSignal)
	switch {
	case errors.Is(err, model.ErrDuplicateSignal):
		e.metrics.Signal(string(model.CategoryExit), "duplicate")
		return e.repeatExit(ctx, req, err)
	case err != nil && !unknown:
		e.metrics.Signal(string(model.CategoryExit), "error")
		return res, fmt.Errorf("record exit: %w", err)
	}
	e.metrics.Signal(string(model.CategoryExit), "accepted")
	res.Accepted = true
	res.SignalID = exitSig.ID

	var entry *model.Signal
	strategy := req.StrategyCode
	if unknown {
		l.Warn().Str("unique_id", req.UniqueID).Msg("exit without entry, skipping all traders")
	} else {
		entry, err = e.signals.GetEntry(ctx, req.UniqueID)
		if err != nil {
			return res, fmt.Errorf("load entry: %w", err)
		}
		strategy = entry.StrategyCode
	}

	targets, err := e.roster.ResolveTraders(ctx, strategy)
	if err != nil {
		return res, fmt.Errorf("resolve traders: %w", err)
	}
	reason := req.Reason
	if reason == "" {
		reason = model.ExitSignal
	}
	outcomes := e.dispatcher.Dispatch(ctx, dispatch.Job{Signal: entry, Category: model.CategoryExit, ExitReason: reason, Targets: targets})
	e.finish(ctx, &res, exitSig.ID, model.CategoryExit, outcomes)
	if entry != nil {
		e.archiveClosed(ctx, entry.ID, outcomes)
	}
	l.Info().Str("unique_id", req.UniqueID).Str("reason", string(reason)).Int("targets", len(targets)).
		Int("succeeded", res.Succeeded).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("exit dispatched")
	return res, nil
}

// TriggerExit synthesizes an EXIT for a signal on behalf of the exit
// monitor and returns how many legs were closed.
func (e *Engine) TriggerExit(ctx context.Context, uniqueID string, reason model.ExitReason) (int, error) {
	res, err := e.ProcessExitSignal(ctx, ExitRequest{UniqueID: uniqueID, Timestamp: e.now(), Reason: reason})
	return res.Succeeded, err
}

// CloseRemaining retries the exit of legs still OPEN after the signal's
// EXIT was recorded (the broker failed or was unavailable at the time).
func (e *Engine) CloseRemaining(ctx context.Context, uniqueID string, reason model.ExitReason) (int, error) {
	ctx = e.traced(ctx, uniqueID)
	unlock := e.locks.Lock(uniqueID)
	defer unlock()

	entry, err := e.signals.GetEntry(ctx, uniqueID)
	if err != nil {
		return 0, fmt.Errorf("load entry: %w", err)
	}
	res, err := e.closeOpen(ctx, entry, reason)
	return res.Succeeded, err
}

// repeatExit handles an EXIT whose unique_id already has one. Legs left
// OPEN by the first exit are closed again; with nothing open the
// duplicate error is returned. The caller holds the signal lock.
func (e *Engine) repeatExit(ctx context.Context, req ExitRequest, dup error) (Result, error) {
	l := logger.Ctx(ctx, e.log)
	res := Result{UniqueID: req.UniqueID}
	entry, err := e.signals.GetEntry(ctx, req.UniqueID)
	if errors.Is(err, model.ErrNotFound) {
		l.Info().Str("unique_id", req.UniqueID).Msg("duplicate exit ignored")
		return res, dup
	}
	if err != nil {
		return res, fmt.Errorf("load entry: %w", err)
	}
	reason := req.Reason
	if reason == "" {
		reason = model.ExitSignal
	}
	res, err = e.closeOpen(ctx, entry, reason)
	res.UniqueID = req.UniqueID
	if err != nil {
		return res, err
	}
	if len(res.Outcomes) == 0 {
		l.Info().Str("unique_id", req.UniqueID).Msg("duplicate exit ignored")
		return res, dup
	}
	res.Accepted = true
	l.Info().Str("unique_id", req.UniqueID).Str("reason", string(reason)).
		Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("repeated exit closed remaining legs")
	return res, nil
}

// closeOpen dispatches an exit for the entry's legs that are still OPEN.
// No outcomes means nothing was open. The caller holds the signal lock.
func (e *Engine) closeOpen(ctx context.Context, entry *model.Signal, reason model.ExitReason) (Result, error) {
	res := Result{UniqueID: entry.UniqueID}
	open, err := e.ledger.ListOpenBySignal(ctx, entry.ID)
	if err != nil {
		return res, fmt.Errorf("list open orders: %w", err)
	}
	if len(open) == 0 {
		return res, nil
	}
	targets, err := e.roster.ResolveTraders(ctx, entry.StrategyCode)
	if err != nil {
		return res, fmt.Errorf("resolve traders: %w", err)
	}
	targets = withOpenLeg(targets, open)
	if len(targets) == 0 {
		logger.Ctx(ctx, e.log).Warn().Str("unique_id", entry.UniqueID).Int("open", len(open)).
			Msg("open legs belong to traders no longer eligible")
		return res, nil
	}

	outcomes := e.dispatcher.Dispatch(ctx, dispatch.Job{Signal: entry, Category: model.CategoryExit, ExitReason: reason, Targets: targets})
	journalID := entry.ID
	if exitSig, err := e.signals.GetExit(ctx, entry.UniqueID); err == nil {
		journalID = exitSig.ID
		res.SignalID = exitSig.ID
	}
	e.finish(ctx, &res, journalID, model.CategoryExit, outcomes)
	e.archiveClosed(ctx, entry.ID, outcomes)
	return res, nil
}

// ForceKill exits a signal on operator request. When an EXIT is already
// recorded it closes whatever legs are still open. It reports false when
// the signal has no ENTRY or nothing is left open.
func (e *Engine) ForceKill(ctx context.Context, uniqueID string) (bool, error) {
	if _, err := e.signals.GetEntry(ctx, uniqueID); errors.Is(err, model.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	_, err := e.ProcessExitSignal(ctx, ExitRequest{UniqueID: uniqueID, Timestamp: e.now(), Reason: model.ExitManual})
	if errors.Is(err, model.ErrDuplicateSignal) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) hasExit(ctx context.Context, uniqueID string) (bool, error) {
	_, err := e.signals.GetExit(ctx, uniqueID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	}
	return false, fmt.Errorf("exit lookup: %w", err)
}

// ReviseRiskParameters updates stop-loss and target of an ENTRY. It
// reports false when the signal does not exist.
func (e *Engine) ReviseRiskParameters(ctx context.Context, uniqueID string, stopLoss, target *int64) (bool, error) {
	err := e.signals.ReviseRiskParameters(ctx, uniqueID, stopLoss, target)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.log.Info().Str("unique_id", uniqueID).Interface("stop_loss", stopLoss).Interface("target", target).Msg("risk parameters revised")
	return true, nil
}

// ActivateKillSwitch stores a new active kill switch; the exit monitor
// closes what it covers on its next pass.
func (e *Engine) ActivateKillSwitch(ctx context.Context, k *model.KillSwitch) error {
	if k.CloseType == "" {
		k.CloseType = model.CloseAll
	}
	if !model.ValidCloseType(k.CloseType) {
		return fmt.Errorf("%w: unknown close_type %q", model.ErrInvalidSignal, k.CloseType)
	}
	if k.CloseFor != "" && k.CloseFor != model.CloseForAll && !model.IsIndexUnderlying(k.CloseFor) {
		return fmt.Errorf("%w: unknown close_for %q", model.ErrInvalidSignal, k.CloseFor)
	}
	if err := e.switches.ActivateKillSwitch(ctx, k); err != nil {
		return err
	}
	e.log.Warn().Int64("kill_switch_id", k.ID).Str("close_type", string(k.CloseType)).
		Str("close_for", k.CloseFor).Str("reason", k.Reason).Msg("kill switch activated")
	return nil
}

// DeactivateKillSwitch disables a kill switch.
func (e *Engine) DeactivateKillSwitch(ctx context.Context, id int64) error {
	return e.switches.DeactivateKillSwitch(ctx, id)
}

// KillSwitches lists kill switches, newest first.
func (e *Engine) KillSwitches(ctx context.Context, activeOnly bool) ([]model.KillSwitch, error) {
	return e.switches.ListKillSwitches(ctx, activeOnly)
}

// Orders lists ledger orders.
func (e *Engine) Orders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return e.ledger.List(ctx, f)
}

// PnL summarizes realized and running P&L of the orders f selects.
func (e *Engine) PnL(ctx context.Context, f model.OrderFilter) (portfolio.Summary, error) {
	f.Limit = 0
	orders, err := e.ledger.List(ctx, f)
	if err != nil {
		return portfolio.Summary{}, err
	}
	s := e.pnl.Summarize(ctx, orders)
	s.TraderID = f.TraderID
	return s, nil
}

func (e *Engine) finish(ctx context.Context, res *Result, signalID int64, cat model.Category, outcomes []dispatch.Outcome) {
	res.Outcomes = outcomes
	res.Succeeded, res.Failed, res.Skipped = dispatch.Tally(outcomes)
	if e.journal == nil || len(outcomes) == 0 {
		return
	}
	if err := e.journal.RecordOutcomes(context.WithoutCancel(ctx), signalID, cat, outcomes); err != nil {
		logger.Ctx(ctx, e.log).Error().Int64("signal_id", signalID).Err(err).Msg("journal write failed")
	}
}

func (e *Engine) archiveClosed(ctx context.Context, entryID int64, outcomes []dispatch.Outcome) {
	if e.archive == nil {
		return
	}
	closed := make(map[int64]bool)
	for _, o := range outcomes {
		if o.Status == model.OutcomeSuccess && o.OrderID != 0 {
			closed[o.OrderID] = true
		}
	}
	if len(closed) == 0 {
		return
	}
	orders, err := e.ledger.List(context.WithoutCancel(ctx), model.OrderFilter{SignalID: entryID, Status: model.StatusClosed})
	if err != nil {
		logger.Ctx(ctx, e.log).Warn().Err(err).Msg("archive lookup failed")
		return
	}
	for _, o := range orders {
		if closed[o.ID] {
			e.archive.Record(o)
		}
	}
}

func withOpenLeg(targets []model.TraderTarget, open []model.Order) []model.TraderTarget {
	type leg struct {
		trader int64
		broker model.Broker
	}
	legs := make(map[leg]bool, len(open))
	for _, o := range open {
		legs[leg{o.TraderID, o.Broker}] = true
	}
	out := targets[:0]
	for _, t := range targets {
		if legs[leg{t.TraderID, t.Broker}] {
			out = append(out, t)
		}
	}
	return out
}
