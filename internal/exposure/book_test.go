package exposure

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveRelease_RoundTrip(t *testing.T) {
	b := NewBook(1000)

	id, err := b.Reserve(400)
	require.NoError(t, err)
	assert.Equal(t, 400.0, b.Reserved())

	require.NoError(t, b.Release(id, OutcomeCanceled))
	assert.Equal(t, 0.0, b.Reserved())
	assert.Equal(t, 0, b.OpenCount())
}

func TestReserve_OverBudgetFailsClosed(t *testing.T) {
	b := NewBook(1000)

	_, err := b.Reserve(600)
	require.NoError(t, err)

	_, err = b.Reserve(500)
	assert.ErrorIs(t, err, ErrOverBudget)
	assert.Equal(t, 600.0, b.Reserved(), "failed reserve must not leak")
}

func TestReserve_InvalidDelta(t *testing.T) {
	b := NewBook(1000)

	_, err := b.Reserve(math.NaN())
	assert.ErrorIs(t, err, ErrInvalidDelta)

	_, err = b.Reserve(-1)
	assert.ErrorIs(t, err, ErrInvalidDelta)
}

func TestRelease_DoubleReleaseIsError(t *testing.T) {
	b := NewBook(0)

	id, err := b.Reserve(100)
	require.NoError(t, err)
	require.NoError(t, b.Release(id, OutcomeFilled))

	assert.ErrorIs(t, b.Release(id, OutcomeFilled), ErrUnknownReservation)
}

func TestReserve_ConcurrentNeverOverfills(t *testing.T) {
	b := NewBook(1000)

	var wg sync.WaitGroup
	granted := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, err := b.Reserve(100); err == nil {
				granted <- id
			}
		}()
	}
	wg.Wait()
	close(granted)

	var ids []string
	for id := range granted {
		ids = append(ids, id)
	}
	// 예산 1000 / 건당 100 → 정확히 10건만 허용
	assert.Len(t, ids, 10)
	assert.Equal(t, 1000.0, b.Reserved())

	for _, id := range ids {
		require.NoError(t, b.Release(id, OutcomeCanceled))
	}
	assert.Equal(t, 0.0, b.Reserved())
}
