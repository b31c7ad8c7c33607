package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/broker"
	"signalrelay/internal/dispatch"
	"signalrelay/internal/model"
	"signalrelay/internal/roster"
	"signalrelay/internal/store/memory"
	"signalrelay/internal/store/sqlite"
)

type staticRoster struct {
	targets []model.TraderTarget
	err     error
}

func (r *staticRoster) ResolveTraders(context.Context, string) ([]model.TraderTarget, error) {
	return append([]model.TraderTarget(nil), r.targets...), r.err
}

type scriptedPlacer struct {
	mu    sync.Mutex
	calls []broker.OrderRequest
	fail  map[model.Broker]error
	price int64 // reported fill price in paise; 0 leaves it unknown
}

func (p *scriptedPlacer) PlaceOrder(_ context.Context, creds model.Credentials, req broker.OrderRequest) (broker.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if err := p.fail[creds.Broker]; err != nil {
		return broker.Result{}, err
	}
	return broker.Result{BrokerOrderID: "X" + req.Tag[:6], Price: p.price, PriceKnown: p.price > 0}, nil
}

func (p *scriptedPlacer) setPrice(paise int64) {
	p.mu.Lock()
	p.price = paise
	p.mu.Unlock()
}

func (p *scriptedPlacer) setFail(b model.Broker, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, b)
		return
	}
	p.fail[b] = err
}

func (p *scriptedPlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type archiveSink struct {
	mu     sync.Mutex
	orders []model.Order
}

func (a *archiveSink) Record(o model.Order) {
	a.mu.Lock()
	a.orders = append(a.orders, o)
	a.mu.Unlock()
}

type fixture struct {
	eng     *Engine
	store   *sqlite.Store
	placer  *scriptedPlacer
	roster  *staticRoster
	ticks   *memory.TickStore
	archive *archiveSink
}

func target(id int64, b model.Broker) model.TraderTarget {
	return model.TraderTarget{TraderID: id, Broker: b, Credentials: model.Credentials{Broker: b}, DefaultLots: 1}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "relay.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ticks := memory.NewTickStore()
	require.NoError(t, ticks.Put(context.Background(), model.Tick{Symbol: "43650", Price: 10000, ObservedAt: time.Now()}))

	f := &fixture{
		store:   st,
		placer:  &scriptedPlacer{fail: map[model.Broker]error{}},
		roster:  &staticRoster{targets: []model.TraderTarget{target(1, model.BrokerDhan), target(2, model.BrokerAngelOne)}},
		ticks:   ticks,
		archive: &archiveSink{},
	}
	d := dispatch.New(dispatch.Config{MaxWorkers: 4}, f.placer, st, st, ticks, nil, nil)
	f.eng = New(Deps{
		Signals:    st,
		Ledger:     st,
		Switches:   st,
		Roster:     f.roster,
		Dispatcher: d,
		Ticks:      ticks,
		Journal:    st,
		Archive:    f.archive,
	})
	return f
}

func entryReq(uid string) EntryRequest {
	return EntryRequest{
		UniqueID:        uid,
		InstrumentToken: "26000",
		StrikeToken:     "43650",
		StrategyCode:    "ORB",
		Side:            model.SideBuy,
		StopLoss:        9000,
		Target:          13000,
		Timestamp:       time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC),
	}
}

func TestProcessEntrySignal_FansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, res.Outcomes, 2)

	open, err := f.store.ListOpenBySignal(ctx, res.SignalID)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	journal, err := f.store.Journal(ctx, res.SignalID)
	require.NoError(t, err)
	assert.Len(t, journal, 2)
}

func TestProcessEntrySignal_DuplicatePlacesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)
	res, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	assert.ErrorIs(t, err, model.ErrDuplicateSignal)
	assert.False(t, res.Accepted)
	assert.Equal(t, 2, f.placer.count())
}

func TestProcessEntrySignal_Validation(t *testing.T) {
	f := newFixture(t)
	req := entryReq("u1")
	req.Side = "HOLD"
	_, err := f.eng.ProcessEntrySignal(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrInvalidSignal)
	assert.Zero(t, f.placer.count())
}

func TestProcessEntrySignal_NoTraders(t *testing.T) {
	f := newFixture(t)
	f.roster.targets = nil
	res, err := f.eng.ProcessEntrySignal(context.Background(), entryReq("u1"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Outcomes)
}

func TestProcessEntrySignal_RosterErrorAfterRecord(t *testing.T) {
	f := newFixture(t)
	f.roster.err = errors.New("accounts unavailable")
	res, err := f.eng.ProcessEntrySignal(context.Background(), entryReq("u1"))
	assert.Error(t, err)
	assert.True(t, res.Accepted)

	_, err = f.store.GetEntry(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestProcessExitSignal_ClosesAndArchives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)

	require.NoError(t, f.ticks.Put(ctx, model.Tick{Symbol: "43650", Price: 12000, ObservedAt: time.Now()}))
	res, err := f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	open, err := f.store.ListOpenBySignal(ctx, entry.SignalID)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := f.store.List(ctx, model.OrderFilter{SignalID: entry.SignalID, Status: model.StatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 2)
	for _, o := range closed {
		assert.Equal(t, model.ExitSignal, o.ExitReason)
		assert.Equal(t, int64(2000)*o.Qty, o.PnL)
	}
	assert.Len(t, f.archive.orders, 2)

	_, err = f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1", Timestamp: time.Now()})
	assert.ErrorIs(t, err, model.ErrDuplicateSignal)
}

func TestProcessExitSignal_WithoutEntrySkipsAll(t *testing.T) {
	f := newFixture(t)
	res, err := f.eng.ProcessExitSignal(context.Background(), ExitRequest{UniqueID: "ghost", StrikeToken: "43650"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, f.placer.count())
}

func TestCloseRemaining_RetriesFailedLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)

	f.placer.mu.Lock()
	f.placer.fail[model.BrokerAngelOne] = &broker.UnavailableError{Broker: model.BrokerAngelOne, Attempts: 3, Err: errors.New("down")}
	f.placer.mu.Unlock()

	res, err := f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	f.placer.mu.Lock()
	delete(f.placer.fail, model.BrokerAngelOne)
	f.placer.mu.Unlock()

	before := f.placer.count()
	closed, err := f.eng.CloseRemaining(ctx, "u1", model.ExitStopLoss)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, before+1, f.placer.count())

	open, err := f.store.ListOpenBySignal(ctx, entry.SignalID)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err = f.eng.CloseRemaining(ctx, "u1", model.ExitStopLoss)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func TestTriggerExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)

	n, err := f.eng.TriggerExit(ctx, "u1", model.ExitTarget)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exit, err := f.store.GetExit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SideBuy, exit.Side)
}

func TestForceKill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.eng.ForceKill(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)
	ok, err = f.eng.ForceKill(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	orders, err := f.eng.Orders(ctx, model.OrderFilter{Status: model.StatusClosed})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, model.ExitManual, orders[0].ExitReason)

	ok, err = f.eng.ForceKill(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReviseRiskParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)

	sl := int64(9500)
	ok, err := f.eng.ReviseRiskParameters(ctx, "u1", &sl, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	sig, err := f.store.GetEntry(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9500), sig.StopLoss)
	assert.Equal(t, int64(13000), sig.Target)

	ok, err = f.eng.ReviseRiskParameters(ctx, "nope", &sl, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKillSwitchAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.eng.ActivateKillSwitch(ctx, &model.KillSwitch{CloseType: "EVERYTHING"})
	assert.ErrorIs(t, err, model.ErrInvalidSignal)

	k := &model.KillSwitch{Reason: "circuit"}
	require.NoError(t, f.eng.ActivateKillSwitch(ctx, k))
	assert.Equal(t, model.CloseAll, k.CloseType)

	active, err := f.eng.KillSwitches(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, f.eng.DeactivateKillSwitch(ctx, active[0].ID))
	active, err = f.eng.KillSwitches(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)
	require.NoError(t, f.ticks.Put(ctx, model.Tick{Symbol: "43650", Price: 10500, ObservedAt: time.Now()}))

	s, err := f.eng.PnL(ctx, model.OrderFilter{TraderID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.TraderID)
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, int64(500), s.Unrealized)
}

func TestKeyLockSerializes(t *testing.T) {
	k := newKeyLock()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		u := k.Lock("a")
		u()
	}()
	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done
	assert.Empty(t, k.locks)
}

func TestProcessEntrySignal_AfterExitSkipsAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "r1", StrikeToken: "43650"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)

	entry, err := f.eng.ProcessEntrySignal(ctx, entryReq("r1"))
	require.NoError(t, err)
	assert.True(t, entry.Accepted)
	assert.Equal(t, 2, entry.Skipped)
	for _, o := range entry.Outcomes {
		assert.Equal(t, "already exited", o.Reason)
	}
	assert.Zero(t, f.placer.count())

	open, err := f.store.ListOpenBySignal(ctx, entry.SignalID)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "r1"})
	assert.ErrorIs(t, err, model.ErrDuplicateSignal)
	ok, err := f.eng.ForceKill(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProcessExitSignal_RepeatClosesRemainingLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)

	f.placer.setFail(model.BrokerAngelOne, &broker.UnavailableError{Broker: model.BrokerAngelOne, Attempts: 3, Err: errors.New("down")})
	first, err := f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	f.placer.setFail(model.BrokerAngelOne, nil)
	again, err := f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1"})
	require.NoError(t, err)
	assert.True(t, again.Accepted)
	assert.Equal(t, first.SignalID, again.SignalID)
	assert.Equal(t, 1, again.Succeeded)
	require.Len(t, again.Outcomes, 1)
	assert.Equal(t, model.BrokerAngelOne, again.Outcomes[0].Broker)

	open, err := f.store.ListOpenBySignal(ctx, entry.SignalID)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1"})
	assert.ErrorIs(t, err, model.ErrDuplicateSignal)
}

func TestForceKill_ClosesLegsLeftByFailedExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)

	f.placer.setFail(model.BrokerDhan, &broker.UnavailableError{Broker: model.BrokerDhan, Attempts: 3, Err: errors.New("down")})
	_, err = f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "u1"})
	require.NoError(t, err)
	f.placer.setFail(model.BrokerDhan, nil)

	ok, err := f.eng.ForceKill(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	open, err := f.store.ListOpenBySignal(ctx, entry.SignalID)
	require.NoError(t, err)
	assert.Empty(t, open)

	orders, err := f.eng.Orders(ctx, model.OrderFilter{SignalID: entry.SignalID, TraderID: 1})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.ExitManual, orders[0].ExitReason)

	ok, err = f.eng.ForceKill(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntryThenExit_BrokerPrices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.roster.targets = []model.TraderTarget{target(1, model.BrokerDhan)}

	f.placer.setPrice(15000)
	entry, err := f.eng.ProcessEntrySignal(ctx, EntryRequest{
		UniqueID: "U1", InstrumentToken: "25", StrikeToken: "55116", StrategyCode: "S1",
		Side: model.SideBuy, StopLoss: 12000, Target: 18000,
	})
	require.NoError(t, err)
	require.Equal(t, 1, entry.Succeeded)

	orders, err := f.eng.Orders(ctx, model.OrderFilter{SignalID: entry.SignalID})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.StatusOpen, orders[0].Status)
	assert.Equal(t, int64(15000), orders[0].EntryPrice)

	f.placer.setPrice(17000)
	_, err = f.eng.ProcessExitSignal(ctx, ExitRequest{UniqueID: "U1"})
	require.NoError(t, err)

	orders, err = f.eng.Orders(ctx, model.OrderFilter{SignalID: entry.SignalID})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, model.StatusClosed, o.Status)
	assert.Equal(t, int64(15000), o.EntryPrice)
	assert.Equal(t, int64(17000), o.ExitPrice)
	assert.Equal(t, int64(2000)*o.Qty, o.PnL)
}

func TestProcessEntrySignal_DeactivatedCredentialExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		require.NoError(t, f.store.UpsertTrader(ctx, model.Trader{ID: id, Name: "t", Role: model.RoleTrader, IsActive: true, KYCVerified: true}))
		require.NoError(t, f.store.PutCredentials(ctx, id, model.Credentials{Broker: model.BrokerDhan, ClientID: "C", AccessToken: "tok", IsActive: true}))
	}
	f.eng.roster = roster.New(f.store)

	require.NoError(t, f.store.SetCredentialActive(ctx, 2, model.BrokerDhan, false))
	res, err := f.eng.ProcessEntrySignal(ctx, entryReq("u1"))
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, int64(1), res.Outcomes[0].TraderID)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)

	require.NoError(t, f.store.SetCredentialActive(ctx, 1, model.BrokerDhan, false))
	res, err = f.eng.ProcessEntrySignal(ctx, entryReq("u2"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, 1, f.placer.count())
}
