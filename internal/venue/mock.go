package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
)

// ErrMockReject simulates a venue-side order rejection.
var ErrMockReject = errors.New("venue: order rejected")

// FillPlan scripts the IOC outcome for one order label.
type FillPlan struct {
	FillFraction float64 // 0..1; 1이 기본(전량 체결)
	Reject       bool
}

// MockVenue implements Venue for tests.
// ⭐ 실제 운영에서는 Deribit 클라이언트 사용
type MockVenue struct {
	mu        sync.Mutex
	nextID    int
	tradeSeq  uint64
	plans     map[string]FillPlan // by label
	open      []Order
	trades    []Trade
	positions map[string]*Position
	tickers   map[string]*Ticker
	books     map[string]*BookSnapshot

	submitted []OrderRequest
	canceled  []string

	SubmitErr error // forced transport error for every submit
	CancelErr error
	OpenErr   error
}

// NewMockVenue creates an empty mock venue.
func NewMockVenue() *MockVenue {
	return &MockVenue{
		plans:     make(map[string]FillPlan),
		positions: make(map[string]*Position),
		tickers:   make(map[string]*Ticker),
		books:     make(map[string]*BookSnapshot),
	}
}

// SubmitOrder resolves immediately per the scripted fill plan.
// 계획이 없으면 전량 체결.
func (v *MockVenue) SubmitOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.submitted = append(v.submitted, req)

	if v.SubmitErr != nil {
		return nil, v.SubmitErr
	}

	plan, ok := v.plans[req.Label]
	if !ok {
		plan = FillPlan{FillFraction: 1}
	}
	if plan.Reject {
		return nil, ErrMockReject
	}

	v.nextID++
	now := time.Now()
	filled := req.Qty * plan.FillFraction

	order := Order{
		OrderID:    fmt.Sprintf("MOCK-%d", v.nextID),
		Label:      req.Label,
		Instrument: req.Intent.Instrument,
		Side:       req.Intent.Side,
		Price:      req.Price,
		Qty:        req.Qty,
		FilledQty:  filled,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch {
	case filled >= req.Qty:
		order.State = contracts.StateFilled
	case filled > 0:
		order.State = contracts.StatePartiallyFilled
	default:
		order.State = contracts.StateCanceled
	}

	var trades []Trade
	if filled > 0 {
		v.tradeSeq++
		tr := Trade{
			TradeID:    fmt.Sprintf("MOCKTRD-%d", v.tradeSeq),
			OrderID:    order.OrderID,
			Label:      req.Label,
			Instrument: req.Intent.Instrument,
			Side:       req.Intent.Side,
			Qty:        filled,
			Price:      req.Price,
			Seq:        v.tradeSeq,
			ExecutedAt: now,
		}
		trades = append(trades, tr)
		v.trades = append(v.trades, tr)
		v.applyFill(req.Intent.Instrument, req.Intent.Side, filled, req.Price)
	}

	return &OrderResult{Order: order, Trades: trades}, nil
}

func (v *MockVenue) applyFill(instrument string, side contracts.Side, qty, price float64) {
	pos, ok := v.positions[instrument]
	if !ok {
		pos = &Position{Instrument: instrument}
		v.positions[instrument] = pos
	}
	if side == contracts.SideBuy {
		pos.Size += qty
	} else {
		pos.Size -= qty
	}
	pos.AvgPrice = price
}

// CancelOrder removes a resting order.
func (v *MockVenue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.canceled = append(v.canceled, orderID)
	if v.CancelErr != nil {
		return v.CancelErr
	}
	for i, o := range v.open {
		if o.OrderID == orderID {
			v.open = append(v.open[:i], v.open[i+1:]...)
			break
		}
	}
	return nil
}

// OpenOrders lists scripted resting orders.
func (v *MockVenue) OpenOrders(_ context.Context) ([]Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.OpenErr != nil {
		return nil, v.OpenErr
	}
	out := make([]Order, len(v.open))
	copy(out, v.open)
	return out, nil
}

// RecentTrades lists executions at or after since.
func (v *MockVenue) RecentTrades(_ context.Context, since time.Time) ([]Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Trade
	for _, tr := range v.trades {
		if !tr.ExecutedAt.Before(since) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// Positions lists non-zero positions.
func (v *MockVenue) Positions(_ context.Context) ([]Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []Position
	for _, pos := range v.positions {
		if pos.Size != 0 {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// Ticker returns the scripted ticker.
func (v *MockVenue) Ticker(_ context.Context, instrument string) (*Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if tk, ok := v.tickers[instrument]; ok {
		cp := *tk
		return &cp, nil
	}
	return nil, fmt.Errorf("venue: no ticker for %s", instrument)
}

// Book returns the scripted L2 snapshot.
func (v *MockVenue) Book(_ context.Context, instrument string, _ int) (*BookSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.books[instrument]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, fmt.Errorf("venue: no book for %s", instrument)
}

// --- test scripting helpers ----------------------------------------------

// SetFillPlan scripts the outcome for one order label.
func (v *MockVenue) SetFillPlan(label string, plan FillPlan) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plans[label] = plan
}

// AddOpenOrder scripts one resting order.
func (v *MockVenue) AddOpenOrder(o Order) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = append(v.open, o)
}

// AddTrade scripts one historical execution.
func (v *MockVenue) AddTrade(tr Trade) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trades = append(v.trades, tr)
}

// SetPosition scripts one signed position.
func (v *MockVenue) SetPosition(instrument string, size, avgPrice float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[instrument] = &Position{Instrument: instrument, Size: size, AvgPrice: avgPrice}
}

// SetTicker scripts the top-of-book.
func (v *MockVenue) SetTicker(tk Ticker) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := tk
	v.tickers[tk.Instrument] = &cp
}

// SetBook scripts the L2 snapshot.
func (v *MockVenue) SetBook(b BookSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := b
	v.books[b.Instrument] = &cp
}

// Submitted returns all submitted requests in order.
func (v *MockVenue) Submitted() []OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]OrderRequest, len(v.submitted))
	copy(out, v.submitted)
	return out
}

// Canceled returns all cancel calls in order.
func (v *MockVenue) Canceled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.canceled))
	copy(out, v.canceled)
	return out
}
