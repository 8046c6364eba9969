package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/soldier/backend/internal/contracts"
)

func TestAcquire_VersionMonotonic(t *testing.T) {
	p := New(time.Second)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	assert.Greater(t, b.Version, a.Version)
}

func TestAcquire_UnseenSignalsAreAbsentNotZero(t *testing.T) {
	p := New(time.Second)

	snap, err := p.Acquire()
	require.NoError(t, err)

	// 관측한 적 없는 신호가 멀쩡한 0으로 보이면 안 됨
	assert.False(t, snap.MMUtil.Present)
	assert.False(t, snap.PrivateHeartbeatAge.Present)
	assert.False(t, snap.BookFeedAge.Present)
	assert.True(t, snap.ExposureUnknown, "exposure starts unknown, not zero")
}

func TestAcquire_ValueAndTimestampMoveTogether(t *testing.T) {
	p := New(time.Second)

	p.SetMMUtil(0.42)
	snap, err := p.Acquire()
	require.NoError(t, err)

	require.True(t, snap.MMUtil.Present)
	assert.Equal(t, 0.42, snap.MMUtil.Value)
	assert.False(t, snap.MMUtil.LastUpdate.IsZero())
	assert.False(t, snap.MMUtil.LastUpdate.After(snap.AcquiredAt))
}

func TestAcquire_HeartbeatAgeDerivedFromLastMark(t *testing.T) {
	p := New(time.Second)
	base := time.Now()
	p.now = func() time.Time { return base }

	p.MarkHeartbeat()
	p.now = func() time.Time { return base.Add(12 * time.Second) }

	snap, err := p.Acquire()
	require.NoError(t, err)
	require.True(t, snap.PrivateHeartbeatAge.Present)
	assert.InDelta(t, 12.0, snap.PrivateHeartbeatAge.Value, 0.001)
}

func TestAcquire_SnapshotIsImmutableCopy(t *testing.T) {
	p := New(time.Second)
	p.SetLatchState(true, []contracts.ReasonCode{contracts.ReasonColdStart})

	snap, err := p.Acquire()
	require.NoError(t, err)

	// 이후의 쓰기가 이미 획득한 스냅샷을 바꾸면 안 됨
	p.SetLatchState(false, nil)
	assert.True(t, snap.LatchBlocked)
	assert.Equal(t, []contracts.ReasonCode{contracts.ReasonColdStart}, snap.LatchReasons)
}

func TestAcquire_CoherenceWindowExceeded(t *testing.T) {
	p := New(time.Nanosecond)
	calls := 0
	base := time.Now()
	p.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Millisecond)
	}

	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrCoherenceWindow)
}

func TestProvider_ConcurrentWritersNoTornRead(t *testing.T) {
	p := New(time.Second)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			p.SetMMUtil(float64(i % 100))
			p.SetLedgerHealth(i%3, i%1024, 1024)
			p.MarkBookUpdate()
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			p.SetSessionUp(true)
			p.MarkHeartbeat()
		}
	}()

	var lastVersion uint64
	for i := 0; i < 200; i++ {
		snap, err := p.Acquire()
		require.NoError(t, err)
		require.Greater(t, snap.Version, lastVersion)
		lastVersion = snap.Version
		if snap.MMUtil.Present {
			require.GreaterOrEqual(t, snap.MMUtil.Value, 0.0)
			require.Less(t, snap.MMUtil.Value, 100.0)
		}
	}
	close(stop)
	wg.Wait()
}
