package group

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// ContainmentEngine — 원자성 깨진 그룹의 노출을 결정론적으로 청산
// ⭐ SSOT: 청산 시퀀스(3회 close + 1회 hedge)는 여기서만
// =============================================================================

// ErrNoPriceSource means neither the depth book nor the ticker yielded a
// usable reference price. 이것이 청산을 거부하는 유일한 사유다.
var ErrNoPriceSource = errors.New("containment: no valid price source")

// FlattenLeg describes one filled leg to unwind.
type FlattenLeg struct {
	LegIdx     uint32
	Instrument string
	Side       contracts.Side // side of the original fill
	Qty        float64        // filled amount to unwind, in qty steps
}

// FlattenReport summarizes one containment run.
type FlattenReport struct {
	Attempts int
	Closed   float64
	Hedged   float64
	Residual float64
}

// Containment unwinds exposure with three bounded close attempts using a
// widening price buffer, then one bounded reduce-only hedge.
//
// 수익성·유동성 게이트와 무관하게 동작하고, 레저/세션/분석 건강이 망가져도
// 호출 가능해야 한다. 레저 기록은 시도하되 실패가 청산을 막지는 않는다.
type Containment struct {
	venue venue.Venue
	led   transitionLedger
	log   *logger.Logger
	cfg   config.SafetyConfig
}

// transitionLedger is the narrow ledger surface containment needs.
// nil이어도 동작한다 — 리스크 감소 경로는 레저에 인질 잡히지 않는다.
type transitionLedger interface {
	Record(in contracts.Intent) error
	MarkSent(hash uint64) error
	AppendTransition(hash uint64, ev contracts.LifecycleEvent) (contracts.Transition, error)
}

// NewContainment creates a containment engine.
func NewContainment(v venue.Venue, led transitionLedger, log *logger.Logger, cfg config.SafetyConfig) *Containment {
	return &Containment{venue: v, led: led, log: log, cfg: cfg}
}

// Flatten closes exactly the given filled legs. Returns ErrNoPriceSource
// only when no reference price exists at all; residual exposure after the
// bounded sequence is reported, not retried.
func (c *Containment) Flatten(ctx context.Context, groupID string, legs []FlattenLeg) (*FlattenReport, error) {
	rep := &FlattenReport{}

	for _, leg := range legs {
		if err := c.flattenLeg(ctx, groupID, leg, rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (c *Containment) flattenLeg(ctx context.Context, groupID string, leg FlattenLeg, rep *FlattenReport) error {
	remaining := leg.Qty
	eps := c.cfg.AtomicQtyEpsilon
	closeSide := opposite(leg.Side)

	for attempt := 1; attempt <= c.cfg.CloseMaxAttempts && remaining > eps; attempt++ {
		ref, tick, err := c.refPrice(ctx, leg.Instrument, closeSide)
		if err != nil {
			return err
		}

		// 재시도마다 버퍼를 넓혀 체결 확률을 높인다
		buffer := float64(c.cfg.CloseBufferTicks*attempt) * tick
		price := crossPrice(ref, buffer, closeSide)

		filled := c.submitReduceOnly(ctx, groupID, leg, closeSide, remaining, price,
			containmentLegIdx(leg.LegIdx, attempt), contracts.ClassClose)
		remaining -= filled
		rep.Closed += filled
		rep.Attempts++
	}

	if remaining > eps {
		// 마지막 수단: 잔여 방향 노출을 중화하는 단 한 번의 reduce-only 헤지
		ref, _, err := c.refPrice(ctx, leg.Instrument, closeSide)
		if err != nil {
			return err
		}
		slip := ref * float64(c.cfg.MaxSlippageBps) / 10000
		price := crossPrice(ref, slip, closeSide)

		filled := c.submitReduceOnly(ctx, groupID, leg, closeSide, remaining, price,
			containmentLegIdx(leg.LegIdx, c.cfg.CloseMaxAttempts+1), contracts.ClassHedge)
		remaining -= filled
		rep.Hedged += filled
	}

	if remaining > eps {
		rep.Residual += remaining
		c.log.WithFields(map[string]interface{}{
			"gid12":      contracts.GID12(groupID),
			"instrument": leg.Instrument,
			"residual":   remaining,
		}).Error("Containment left residual exposure")
	}
	return nil
}

func (c *Containment) submitReduceOnly(ctx context.Context, groupID string, leg FlattenLeg,
	side contracts.Side, qty, price float64, legIdx uint32, class contracts.IntentClass) float64 {

	in := contracts.Intent{
		GroupID:    groupID,
		LegIdx:     legIdx,
		Instrument: leg.Instrument,
		Side:       side,
		QtySteps:   int64(math.Round(qty)),
		PriceTicks: int64(math.Round(price)),
		Class:      class,
		ReduceOnly: true,
		CreatedAt:  time.Now(),
	}

	// 레저 실패는 기록하되 청산을 막지 않는다
	if c.led != nil {
		if err := c.led.Record(in); err != nil {
			c.log.WithError(err).Warn("Containment intent not durably recorded")
		}
		if err := c.led.MarkSent(in.Hash()); err != nil {
			c.log.WithError(err).Warn("Containment sent-marker not durably recorded")
		}
	}

	res, err := c.venue.SubmitOrder(ctx, venue.OrderRequest{
		Intent:     in,
		Label:      in.Label(),
		Price:      price,
		Qty:        qty,
		ReduceOnly: true,
	})
	if err != nil {
		c.appendTransition(in.Hash(), contracts.EventRejected)
		c.log.WithError(err).WithFields(map[string]interface{}{
			"gid12":      contracts.GID12(groupID),
			"instrument": leg.Instrument,
			"class":      string(class),
		}).Warn("Containment order rejected")
		return 0
	}

	switch {
	case res.Order.FilledQty >= qty-c.cfg.AtomicQtyEpsilon:
		c.appendTransition(in.Hash(), contracts.EventFilled)
	case res.Order.FilledQty > 0:
		c.appendTransition(in.Hash(), contracts.EventPartialFill)
		c.appendTransition(in.Hash(), contracts.EventCanceled)
	default:
		c.appendTransition(in.Hash(), contracts.EventCanceled)
	}
	return res.Order.FilledQty
}

func (c *Containment) appendTransition(hash uint64, ev contracts.LifecycleEvent) {
	if c.led == nil {
		return
	}
	if _, err := c.led.AppendTransition(hash, ev); err != nil {
		c.log.WithError(err).Debug("Containment transition append failed")
	}
}

// refPrice selects the reference price deterministically: depth-of-book
// first, top-of-book ticker as fallback. 어느 쪽도 없을 때만 에러.
func (c *Containment) refPrice(ctx context.Context, instrument string, side contracts.Side) (price, tick float64, err error) {
	if book, berr := c.venue.Book(ctx, instrument, 1); berr == nil && book != nil &&
		time.Since(book.At) <= c.cfg.L2SnapshotMaxAge {
		if side == contracts.SideBuy && len(book.Asks) > 0 && book.Asks[0].Price > 0 {
			return book.Asks[0].Price, c.tickSize(ctx, instrument), nil
		}
		if side == contracts.SideSell && len(book.Bids) > 0 && book.Bids[0].Price > 0 {
			return book.Bids[0].Price, c.tickSize(ctx, instrument), nil
		}
	}

	tk, terr := c.venue.Ticker(ctx, instrument)
	if terr != nil || tk == nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoPriceSource, instrument)
	}
	ts := tk.TickSize
	if ts <= 0 {
		ts = 1
	}
	if side == contracts.SideBuy && tk.Ask > 0 {
		return tk.Ask, ts, nil
	}
	if side == contracts.SideSell && tk.Bid > 0 {
		return tk.Bid, ts, nil
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoPriceSource, instrument)
}

func (c *Containment) tickSize(ctx context.Context, instrument string) float64 {
	if tk, err := c.venue.Ticker(ctx, instrument); err == nil && tk != nil && tk.TickSize > 0 {
		return tk.TickSize
	}
	return 1
}

// crossPrice pushes the limit past the reference so an IOC can take
// liquidity: buy는 위로, sell은 아래로.
func crossPrice(ref, buffer float64, side contracts.Side) float64 {
	if side == contracts.SideBuy {
		return ref + buffer
	}
	return ref - buffer
}

// containmentLegIdx derives a deterministic, collision-free leg index for
// containment intents (attempt가 달라지면 식별자도 달라진다).
func containmentLegIdx(orig uint32, attempt int) uint32 {
	return 900 + orig*10 + uint32(attempt)
}

func opposite(s contracts.Side) contracts.Side {
	if s == contracts.SideBuy {
		return contracts.SideSell
	}
	return contracts.SideBuy
}
