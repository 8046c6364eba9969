package reconcile

import (
	"math"
	"sync"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/venue"
)

// PositionBook is the ledger-derived signed position per instrument.
//
// 첫 성공 조정에서 거래소 포지션으로 시드되고, 이후에는 등록된(중복 제거된)
// 체결만 반영한다. 조정 때마다 거래소 보고 포지션과 epsilon 비교된다.
type PositionBook struct {
	mu     sync.Mutex
	seeded bool
	net    map[string]float64
}

// NewPositionBook creates an empty, unseeded book.
func NewPositionBook() *PositionBook {
	return &PositionBook{net: make(map[string]float64)}
}

// Seeded reports whether a baseline has been established.
func (b *PositionBook) Seeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seeded
}

// Seed establishes the baseline from venue-reported positions.
func (b *PositionBook) Seed(positions []venue.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.net = make(map[string]float64, len(positions))
	for _, p := range positions {
		b.net[p.Instrument] = p.Size
	}
	b.seeded = true
}

// Apply folds one registered fill into the book.
func (b *PositionBook) Apply(instrument string, side contracts.Side, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if side == contracts.SideBuy {
		b.net[instrument] += qty
	} else {
		b.net[instrument] -= qty
	}
}

// Net returns the signed size for one instrument.
func (b *PositionBook) Net(instrument string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.net[instrument]
}

// Mismatch describes one instrument whose venue position disagrees with
// the ledger-derived one.
type Mismatch struct {
	Instrument string
	Local      float64
	Venue      float64
}

// Diff compares the book against venue positions within epsilon.
func (b *PositionBook) Diff(positions []venue.Position, epsilon float64) []Mismatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	reported := make(map[string]float64, len(positions))
	for _, p := range positions {
		reported[p.Instrument] = p.Size
	}

	var out []Mismatch
	for instrument, local := range b.net {
		if math.Abs(local-reported[instrument]) > epsilon {
			out = append(out, Mismatch{Instrument: instrument, Local: local, Venue: reported[instrument]})
		}
	}
	for instrument, size := range reported {
		if _, known := b.net[instrument]; !known && math.Abs(size) > epsilon {
			out = append(out, Mismatch{Instrument: instrument, Local: 0, Venue: size})
		}
	}
	return out
}
