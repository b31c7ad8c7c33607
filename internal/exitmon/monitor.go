package exitmon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"signalrelay/internal/logger"
	"signalrelay/internal/markethours"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
)

// Exiter closes the positions of a signal. The engine implements it.
type Exiter interface {
	// TriggerExit records a synthetic EXIT for the signal and dispatches it.
	TriggerExit(ctx context.Context, uniqueID string, reason model.ExitReason) (closed int, err error)

	// CloseRemaining dispatches an exit for the orders still open after an
	// EXIT was already recorded.
	CloseRemaining(ctx context.Context, uniqueID string, reason model.ExitReason) (closed int, err error)
}

// SignalReader is the part of the signal log the monitor reads.
type SignalReader interface {
	GetByID(ctx context.Context, id int64) (*model.Signal, error)
	GetExit(ctx context.Context, uniqueID string) (*model.Signal, error)
}

// Config configures the monitor.
type Config struct {
	Interval          time.Duration `yaml:"interval" default:"2s"`
	IgnoreMarketHours bool          `yaml:"ignore_market_hours"`
	Disabled          bool          `yaml:"disabled"`
}

// Report summarizes one pass.
type Report struct {
	Open      int
	Due       int
	Triggered int // signals sent to the exiter
	Closed    int
	Executed  []int64 // kill switches marked executed
	Errors    int
}

// Monitor evaluates open orders on an interval.
type Monitor struct {
	cfg      Config
	ledger   model.OrderLedger
	signals  SignalReader
	ticks    model.TickReader
	switches model.KillSwitchStore
	exiter   Exiter
	calendar *markethours.Calendar
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a monitor. cal nil uses the default calendar; m may be nil.
func New(cfg Config, ledger model.OrderLedger, signals SignalReader, ticks model.TickReader,
	switches model.KillSwitchStore, exiter Exiter, cal *markethours.Calendar, m *metrics.Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cal == nil {
		cal = markethours.Default()
	}
	return &Monitor{
		cfg:      cfg,
		ledger:   ledger,
		signals:  signals,
		ticks:    ticks,
		switches: switches,
		exiter:   exiter,
		calendar: cal,
		metrics:  m,
		log:      logger.Component("exitmon"),
		now:      time.Now,
	}
}

type dueSignal struct {
	sig    *model.Signal
	reason model.ExitReason
}

// RunOnce runs a single pass. Running it again right after is harmless:
// orders closed by the first pass are no longer open.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	start := m.now()
	var rep Report

	orders, err := m.ledger.ListOpen(ctx)
	if err != nil {
		return rep, fmt.Errorf("list open orders: %w", err)
	}
	active, err := m.switches.ListKillSwitches(ctx, true)
	if err != nil {
		return rep, fmt.Errorf("list kill switches: %w", err)
	}
	rep.Open = len(orders)

	signals := make(map[int64]*model.Signal)
	due := make(map[int64]*dueSignal)
	var order []int64
	for i := range orders {
		o := &orders[i]
		sig, ok := signals[o.SignalID]
		if !ok {
			sig, err = m.signals.GetByID(ctx, o.SignalID)
			if err != nil {
				m.log.Warn().Int64("signal_id", o.SignalID).Err(err).Msg("signal lookup failed")
				sig = nil
			}
			signals[o.SignalID] = sig
		}

		ltp, found, err := m.ticks.LatestPrice(ctx, o.StrikeToken)
		if err != nil {
			m.log.Warn().Str("symbol", o.StrikeToken).Err(err).Msg("tick lookup failed")
			found = false
		}

		d := Evaluate(o, ltp, found, sig, active)
		if !d.Due || sig == nil {
			continue
		}
		rep.Due++
		if cur, ok := due[sig.ID]; ok {
			if stronger(d.Reason, cur.reason) {
				cur.reason = d.Reason
			}
			continue
		}
		due[sig.ID] = &dueSignal{sig: sig, reason: d.Reason}
		order = append(order, sig.ID)
	}

	for _, id := range order {
		ds := due[id]
		closed, err := m.exit(ctx, ds)
		rep.Triggered++
		rep.Closed += closed
		if err != nil {
			rep.Errors++
			m.log.Error().Str("unique_id", ds.sig.UniqueID).Str("reason", string(ds.reason)).Err(err).Msg("exit failed")
			continue
		}
		m.metrics.ExitTriggered(string(ds.reason))
	}

	if len(active) > 0 {
		executed, err := m.settleSwitches(ctx, active, orders)
		if err != nil {
			rep.Errors++
			m.log.Error().Err(err).Msg("kill switch settlement failed")
		}
		rep.Executed = executed
	}

	m.metrics.MonitorPass(rep.Open, m.now().Sub(start))
	return rep, nil
}

func (m *Monitor) exit(ctx context.Context, ds *dueSignal) (int, error) {
	l := m.log.With().Str("unique_id", ds.sig.UniqueID).Str("reason", string(ds.reason)).Logger()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(ds.sig.UniqueID, m.now()))

	_, err := m.signals.GetExit(ctx, ds.sig.UniqueID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		l.Info().Msg("exit triggered")
		return m.exiter.TriggerExit(ctx, ds.sig.UniqueID, ds.reason)
	case err != nil:
		return 0, fmt.Errorf("exit lookup: %w", err)
	}
	// an EXIT exists but some legs are still open
	l.Info().Msg("closing remaining legs of exited signal")
	return m.exiter.CloseRemaining(ctx, ds.sig.UniqueID, ds.reason)
}

// settleSwitches marks each active switch executed once no open order
// matches it any more, recording how many of this pass's orders it covered.
func (m *Monitor) settleSwitches(ctx context.Context, active []model.KillSwitch, before []model.Order) ([]int64, error) {
	after, err := m.ledger.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	var executed []int64
	for i := range active {
		k := &active[i]
		if countMatching(k, after) > 0 {
			continue
		}
		n := int64(countMatching(k, before))
		if err := m.switches.MarkKillSwitchExecuted(ctx, k.ID, n); err != nil {
			return executed, err
		}
		m.log.Info().Int64("kill_switch_id", k.ID).Str("close_type", string(k.CloseType)).
			Str("close_for", k.CloseFor).Int64("positions_closed", n).Msg("kill switch executed")
		executed = append(executed, k.ID)
	}
	return executed, nil
}

func countMatching(k *model.KillSwitch, orders []model.Order) int {
	n := 0
	for i := range orders {
		if orders[i].IsOpen() && k.Matches(&orders[i]) {
			n++
		}
	}
	return n
}

// Run polls until ctx is done. Passes are skipped outside market hours
// unless IgnoreMarketHours is set.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Disabled {
		m.log.Info().Msg("exit monitor disabled")
		return nil
	}
	m.log.Info().Dur("interval", m.cfg.Interval).Bool("ignore_market_hours", m.cfg.IgnoreMarketHours).Msg("exit monitor started")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	wasOpen := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		open := m.cfg.IgnoreMarketHours || m.calendar.IsOpen(m.now())
		m.metrics.Market(open)
		if open != wasOpen {
			m.log.Info().Str("status", m.calendar.Status(m.now())).Msg("market session changed")
			wasOpen = open
		}
		if !open {
			continue
		}
		rep, err := m.RunOnce(ctx)
		if err != nil {
			m.log.Error().Err(err).Msg("monitor pass failed")
			continue
		}
		if rep.Triggered > 0 || len(rep.Executed) > 0 {
			m.log.Info().Int("open", rep.Open).Int("due", rep.Due).Int("triggered", rep.Triggered).
				Int("closed", rep.Closed).Ints64("switches_executed", rep.Executed).Msg("monitor pass")
		}
	}
}
