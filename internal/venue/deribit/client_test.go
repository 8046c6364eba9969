package deribit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

func TestMapOrderState(t *testing.T) {
	cases := map[string]contracts.OrderState{
		"open":      contracts.StateAcked,
		"filled":    contracts.StateFilled,
		"cancelled": contracts.StateCanceled,
		"rejected":  contracts.StateFailed,
		"weird":     contracts.StateSent,
	}
	for wire, want := range cases {
		assert.Equal(t, want, mapOrderState(wire), wire)
	}
}

func TestWireOrderMapping(t *testing.T) {
	raw := `{
		"order_id": "ETH-584849853",
		"label": "3f2504e04f89-1",
		"instrument_name": "BTC-PERPETUAL",
		"direction": "sell",
		"price": 65000.5,
		"amount": 100,
		"filled_amount": 40,
		"order_state": "cancelled",
		"reduce_only": true,
		"creation_timestamp": 1700000000000,
		"last_update_timestamp": 1700000000500
	}`

	var wo wireOrder
	require.NoError(t, json.Unmarshal([]byte(raw), &wo))

	o := wo.toOrder()
	assert.Equal(t, "3f2504e04f89-1", o.Label)
	assert.Equal(t, contracts.SideSell, o.Side)
	assert.Equal(t, 40.0, o.FilledQty)
	assert.Equal(t, contracts.StateCanceled, o.State)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, time.UnixMilli(1700000000000), o.CreatedAt)
}

func TestWSHandleBookDelta(t *testing.T) {
	c := NewWSClient(config.DeribitConfig{Currency: "BTC"}, logger.Nop())

	var gotInstrument string
	var gotPrev, gotCur uint64
	c.OnBookDelta(func(instrument string, prev, cur uint64, _ time.Time) {
		gotInstrument, gotPrev, gotCur = instrument, prev, cur
	})

	msg := `{
		"method": "subscription",
		"params": {
			"channel": "book.BTC-PERPETUAL.raw",
			"data": {
				"instrument_name": "BTC-PERPETUAL",
				"prev_change_id": 41,
				"change_id": 42,
				"timestamp": 1700000000000
			}
		}
	}`
	c.handleMessage([]byte(msg))

	assert.Equal(t, "BTC-PERPETUAL", gotInstrument)
	assert.Equal(t, uint64(41), gotPrev)
	assert.Equal(t, uint64(42), gotCur)
}

func TestWSHandleUserTrades(t *testing.T) {
	c := NewWSClient(config.DeribitConfig{Currency: "BTC"}, logger.Nop())

	var got []venue.Trade
	c.OnUserTrade(func(tr venue.Trade) { got = append(got, tr) })

	msg := `{
		"method": "subscription",
		"params": {
			"channel": "user.trades.any.BTC.raw",
			"data": [
				{"trade_id": "T-1", "order_id": "O-1", "label": "abc-0", "instrument_name": "BTC-PERPETUAL",
				 "direction": "buy", "amount": 10, "price": 65000, "trade_seq": 7, "timestamp": 1700000000000},
				{"trade_id": "T-2", "order_id": "O-1", "label": "abc-0", "instrument_name": "BTC-PERPETUAL",
				 "direction": "buy", "amount": 5, "price": 65001, "trade_seq": 8, "timestamp": 1700000000100}
			]
		}
	}`
	c.handleMessage([]byte(msg))

	require.Len(t, got, 2)
	assert.Equal(t, "T-1", got[0].TradeID)
	assert.Equal(t, uint64(8), got[1].Seq)
	assert.Equal(t, contracts.SideBuy, got[0].Side)
}

func TestWSStopChannelPerGeneration(t *testing.T) {
	c := NewWSClient(config.DeribitConfig{}, logger.Nop())

	// 1세대 루프는 자기 세대의 stop 채널을 들고 돈다
	stop := c.stopCh
	c.wg.Add(1)
	go c.pingLoop(stop)

	// 재연결이 하듯 채널을 갈아끼워도 1세대 루프에는 영향이 없어야 한다
	c.connMu.Lock()
	c.stopCh = make(chan struct{})
	c.connMu.Unlock()

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("old-generation loop did not stop on its own channel")
	}

	// Disconnect는 현재 세대 채널만 닫고, 두 번 불려도 패닉하지 않는다
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
}

func TestWSHeartbeatCallback(t *testing.T) {
	c := NewWSClient(config.DeribitConfig{}, logger.Nop())

	beats := 0
	c.OnHeartbeat(func() { beats++ })

	// test_request 응답은 연결이 없으면 에러지만 콜백은 호출되어야 한다
	c.OnError(func(error) {})
	c.handleMessage([]byte(`{"method":"heartbeat","params":{"type":"test_request"}}`))
	c.handleMessage([]byte(`{"method":"heartbeat","params":{"type":"heartbeat"}}`))

	assert.Equal(t, 2, beats)
}
