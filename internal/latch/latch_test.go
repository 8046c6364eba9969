package latch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/pkg/logger"
)

func TestNew_StartsBlockedWithColdStart(t *testing.T) {
	l := New(logger.Nop())

	assert.True(t, l.Blocked(), "process start must begin blocked")
	assert.Equal(t, []contracts.ReasonCode{contracts.ReasonColdStart}, l.Reasons())
}

func TestTrip_IdempotentPerReason(t *testing.T) {
	l := New(logger.Nop())

	l.Trip(contracts.ReasonBookSequenceGap)
	l.Trip(contracts.ReasonBookSequenceGap)
	l.Trip(contracts.ReasonFeedSilence)

	require.Equal(t, []contracts.ReasonCode{
		contracts.ReasonColdStart,
		contracts.ReasonBookSequenceGap,
		contracts.ReasonFeedSilence,
	}, l.Reasons(), "duplicate trips must not duplicate reasons; first-observation order kept")
}

func TestClear_AtomicallyEmptiesReasons(t *testing.T) {
	l := New(logger.Nop())
	l.Trip(contracts.ReasonTradeSequenceGap)

	l.Clear()

	snap := l.Snapshot()
	assert.False(t, snap.Blocked)
	assert.Empty(t, snap.Reasons, "blocked=false and empty reasons must hold together")
	assert.False(t, snap.ClearedAt.IsZero())
}

func TestTrip_AfterClearReblocks(t *testing.T) {
	l := New(logger.Nop())
	l.Clear()
	require.False(t, l.Blocked())

	l.Trip(contracts.ReasonSessionLoss)

	assert.True(t, l.Blocked())
	assert.Equal(t, []contracts.ReasonCode{contracts.ReasonSessionLoss}, l.Reasons())
}

func TestClear_NoopWhenAlreadyClear(t *testing.T) {
	l := New(logger.Nop())
	l.Clear()
	first := l.Snapshot().ClearedAt

	l.Clear()

	assert.Equal(t, first, l.Snapshot().ClearedAt)
}
