package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/pkg/logger"
)

func newDetectors() (*Detectors, *latch.Latch) {
	lt := latch.New(logger.Nop())
	lt.Clear()
	return NewDetectors(lt, logger.Nop()), lt
}

func TestObserveBook_UnbrokenChain(t *testing.T) {
	d, lt := newDetectors()

	assert.True(t, d.ObserveBook("BTC-PERPETUAL", 0, 100)) // first delta anchors
	assert.True(t, d.ObserveBook("BTC-PERPETUAL", 100, 101))
	assert.True(t, d.ObserveBook("BTC-PERPETUAL", 101, 102))
	assert.False(t, lt.Blocked())
}

func TestObserveBook_BrokenChainTripsLatch(t *testing.T) {
	d, lt := newDetectors()

	d.ObserveBook("BTC-PERPETUAL", 0, 100)
	assert.False(t, d.ObserveBook("BTC-PERPETUAL", 105, 106), "prevChangeID mismatch = gap")

	assert.True(t, lt.Blocked())
	assert.Contains(t, lt.Reasons(), contracts.ReasonBookSequenceGap)
}

func TestObserveBook_ResetReanchorsAfterSnapshot(t *testing.T) {
	d, lt := newDetectors()

	d.ObserveBook("BTC-PERPETUAL", 0, 100)
	d.ObserveBook("BTC-PERPETUAL", 105, 106) // gap
	lt.Clear()                               // reconcile succeeded elsewhere

	d.ResetBook("BTC-PERPETUAL", 200)
	assert.True(t, d.ObserveBook("BTC-PERPETUAL", 200, 201))
	assert.False(t, lt.Blocked())
}

func TestObserveBook_ChannelsAreIndependent(t *testing.T) {
	d, _ := newDetectors()

	d.ObserveBook("BTC-PERPETUAL", 0, 100)
	// 다른 채널의 체인은 별개로 앵커된다
	assert.True(t, d.ObserveBook("ETH-PERPETUAL", 0, 5000))
	assert.True(t, d.ObserveBook("BTC-PERPETUAL", 100, 101))
}

func TestObserveTrade_GapTrips(t *testing.T) {
	d, lt := newDetectors()

	assert.True(t, d.ObserveTrade("BTC-PERPETUAL", 10))
	assert.True(t, d.ObserveTrade("BTC-PERPETUAL", 11))
	assert.False(t, d.ObserveTrade("BTC-PERPETUAL", 14), "skipped 12,13")

	assert.Contains(t, lt.Reasons(), contracts.ReasonTradeSequenceGap)
}

func TestObserveTrade_ReplayedDuplicateIgnored(t *testing.T) {
	d, lt := newDetectors()

	d.ObserveTrade("BTC-PERPETUAL", 10)
	assert.True(t, d.ObserveTrade("BTC-PERPETUAL", 10), "reconnect replay is not a gap")
	assert.True(t, d.ObserveTrade("BTC-PERPETUAL", 9))
	assert.False(t, lt.Blocked())
}

func TestObserve_SessionAndFeedReasons(t *testing.T) {
	d, lt := newDetectors()

	d.ObserveSessionLoss()
	d.ObserveFeedSilence()
	d.ObserveOrphanFill()

	assert.Equal(t, []contracts.ReasonCode{
		contracts.ReasonSessionLoss,
		contracts.ReasonFeedSilence,
		contracts.ReasonOrphanFill,
	}, lt.Reasons())
}
