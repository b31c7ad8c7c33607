package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/internal/broker"
	"signalrelay/internal/model"
	"signalrelay/internal/store/memory"
)

func order(side model.Side) broker.OrderRequest {
	return broker.OrderRequest{Instrument: model.Instrument{Token: "55116"}, Side: side, Qty: 30, Tag: "t"}
}

func TestPlaceOrder_SlippageBySide(t *testing.T) {
	ticks := memory.NewTickStore()
	require.NoError(t, ticks.Put(context.Background(), model.Tick{Symbol: "55116", Price: 20000, ObservedAt: time.Now()}))
	p := New(ticks, 50)
	creds := model.Credentials{Broker: model.BrokerDhan, ClientID: "D1"}

	buy, err := p.PlaceOrder(context.Background(), creds, order(model.SideBuy))
	require.NoError(t, err)
	assert.True(t, buy.PriceKnown)
	assert.Equal(t, int64(20100), buy.Price)
	assert.Equal(t, "PAPER-1", buy.BrokerOrderID)

	sell, err := p.PlaceOrder(context.Background(), creds, order(model.SideSell))
	require.NoError(t, err)
	assert.Equal(t, int64(19900), sell.Price)
	assert.Equal(t, "PAPER-2", sell.BrokerOrderID)

	fills := p.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, "D1", fills[0].Account)
	assert.Equal(t, int64(100), fills[0].Slippage)
}

func TestPlaceOrder_NoTickPriceUnknown(t *testing.T) {
	p := New(memory.NewTickStore(), 5)
	res, err := p.PlaceOrder(context.Background(), model.Credentials{}, order(model.SideBuy))
	require.NoError(t, err)
	assert.False(t, res.PriceKnown)
	assert.Zero(t, res.Price)
}

func TestPlaceOrder_RejectsZeroQty(t *testing.T) {
	req := order(model.SideBuy)
	req.Qty = 0
	_, err := New(nil, 0).PlaceOrder(context.Background(), model.Credentials{}, req)
	assert.True(t, broker.IsRejected(err))
}
