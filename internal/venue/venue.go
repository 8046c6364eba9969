package venue

import (
	"context"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
)

// Venue defines the exchange-facing operations the kernel needs.
// ⭐ SSOT: 거래소 연동 인터페이스는 여기서만 정의
type Venue interface {
	// SubmitOrder submits one IOC limit order and returns the immediate
	// outcome (IOC: 남은 수량은 거래소가 즉시 취소).
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// CancelOrder cancels a resting order.
	CancelOrder(ctx context.Context, orderID string) error

	// OpenOrders lists currently resting orders.
	OpenOrders(ctx context.Context) ([]Order, error)

	// RecentTrades lists own executions at or after since.
	RecentTrades(ctx context.Context, since time.Time) ([]Trade, error)

	// Positions lists current signed positions.
	Positions(ctx context.Context) ([]Position, error)

	// Ticker returns top-of-book plus mark for one instrument.
	Ticker(ctx context.Context, instrument string) (*Ticker, error)

	// Book returns an L2 snapshot for one instrument.
	Book(ctx context.Context, instrument string, depth int) (*BookSnapshot, error)
}

// OrderRequest is one outbound order. Price/Qty are absolute venue units;
// 수량 양자화는 상류 사이징 레이어 책임이다.
type OrderRequest struct {
	Intent     contracts.Intent
	Label      string // gid12-legidx identity label, venue round-trips it
	Price      float64
	Qty        float64
	ReduceOnly bool
}

// OrderResult is the immediate outcome of an IOC submission.
type OrderResult struct {
	Order  Order
	Trades []Trade
}

// Order is one venue order view.
type Order struct {
	OrderID    string
	Label      string
	Instrument string
	Side       contracts.Side
	Price      float64
	Qty        float64
	FilledQty  float64
	State      contracts.OrderState
	ReduceOnly bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Trade is one own execution.
type Trade struct {
	TradeID    string
	OrderID    string
	Label      string
	Instrument string
	Side       contracts.Side
	Qty        float64
	Price      float64
	Seq        uint64
	ExecutedAt time.Time
}

// Position is one signed instrument position.
type Position struct {
	Instrument string
	Size       float64 // +long / -short
	AvgPrice   float64
	MarkPrice  float64
}

// Ticker is top-of-book plus mark price.
type Ticker struct {
	Instrument string
	Bid        float64
	Ask        float64
	Last       float64
	Mark       float64
	TickSize   float64
	At         time.Time
}

// Level is one book level.
type Level struct {
	Price float64
	Qty   float64
}

// BookSnapshot is one L2 view with the change-ID chain anchor.
type BookSnapshot struct {
	Instrument string
	Bids       []Level // best first
	Asks       []Level // best first
	ChangeID   uint64
	At         time.Time
}
