package group

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/exposure"
	"github.com/wonny/soldier/backend/internal/gate"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// AtomicGroupExecutor — 멀티레그 그룹의 단일 작성자
// ⭐ SSOT: 그룹 상태 전이는 Execute 안에서만. 동시 레그 이벤트는 입력일 뿐
// =============================================================================

var (
	// ErrGroupLockTimeout means the bounded group-lock wait expired.
	// 기다리지 않는다 — 제한 모드로 전환시키고 이번 시도는 포기.
	ErrGroupLockTimeout = errors.New("group: lock wait exceeded bound")

	// ErrNotNew rejects re-execution of an already-dispatched group.
	ErrNotNew = errors.New("group: group is not in NEW state")
)

// TradeSink receives every execution exactly once (dedup downstream).
type TradeSink interface {
	RegisterTrade(ctx context.Context, tr venue.Trade) (bool, error)
}

// Executor runs one atomic group end to end: record → reserve → dispatch
// → classify → rescue → containment.
type Executor struct {
	gate    *gate.Gate
	led     *ledger.Ledger
	book    *exposure.Book
	venue   venue.Venue
	contain *Containment
	trades  TradeSink // nil-safe
	log     *logger.Logger
	cfg     config.SafetyConfig

	lockCh        chan struct{}
	onLockTimeout func() // snapshot feedback hook, nil-safe
}

// NewExecutor creates a group executor.
func NewExecutor(g *gate.Gate, led *ledger.Ledger, book *exposure.Book, v venue.Venue,
	contain *Containment, trades TradeSink, log *logger.Logger, cfg config.SafetyConfig) *Executor {

	e := &Executor{
		gate:    g,
		led:     led,
		book:    book,
		venue:   v,
		contain: contain,
		trades:  trades,
		log:     log,
		cfg:     cfg,
		lockCh:  make(chan struct{}, 1),
	}
	e.lockCh <- struct{}{}
	return e
}

// OnLockTimeout installs the hook fired when the bounded lock wait expires.
func (e *Executor) OnLockTimeout(fn func()) { e.onLockTimeout = fn }

// legOutcome is one concurrent dispatch result, folded by the owner.
type legOutcome struct {
	result contracts.LegResult
	trades []venue.Trade
}

// Execute drives the group to a terminal state.
//
// Returned error means the group could not be driven terminal this call
// (기록 실패로 인한 dispatch 전 중단 포함); 호출자는 그룹 상태로 판단한다.
func (e *Executor) Execute(ctx context.Context, g *contracts.AtomicGroup) error {
	select {
	case <-e.lockCh:
	case <-time.After(e.cfg.GroupLockMaxWait):
		if e.onLockTimeout != nil {
			e.onLockTimeout()
		}
		return ErrGroupLockTimeout
	}
	defer func() { e.lockCh <- struct{}{} }()

	if g.State != contracts.GroupNew {
		return ErrNotNew
	}
	if len(g.Legs) == 0 {
		return fmt.Errorf("group %s: no legs", contracts.GID12(g.GroupID))
	}

	// 결과와 레그는 위치로 짝을 맞춘다 — 호출자 순서에 기대지 않는다
	sort.Slice(g.Legs, func(i, j int) bool { return g.Legs[i].LegIdx < g.Legs[j].LegIdx })

	// 1. Record-before-dispatch: 전 레그 기록 확정 전에는 아무것도 안 나간다.
	for _, leg := range g.Legs {
		if err := e.led.Record(leg); err != nil {
			return fmt.Errorf("group %s leg %d not recorded, aborting before dispatch: %w",
				contracts.GID12(g.GroupID), leg.LegIdx, err)
		}
	}

	// 2. Reserve-before-dispatch.
	resID, err := e.book.Reserve(groupNotional(g.Legs))
	if err != nil {
		return fmt.Errorf("group %s exposure reservation: %w", contracts.GID12(g.GroupID), err)
	}

	// 3. Concurrent IOC dispatch.
	g.State = contracts.GroupDispatched
	results := e.dispatchAll(ctx, g.Legs)

	// 4. Classify the joint outcome.
	eps := e.cfg.AtomicQtyEpsilon
	if complete(results, eps) {
		g.State = contracts.GroupComplete
		e.releaseReservation(resID, exposure.OutcomeFilled)
		return nil
	}

	e.markFirstFailure(g, results)

	// 5. Bounded rescue for missing quantity.
	e.rescue(ctx, g, results)
	if complete(results, eps) && allTerminal(results) {
		g.State = contracts.GroupComplete
		e.releaseReservation(resID, exposure.OutcomeFilled)
		return nil
	}

	// 6. Containment against exactly the filled legs.
	g.State = contracts.GroupFlattening
	rep, err := e.contain.Flatten(ctx, g.GroupID, filledLegs(g.Legs, results))
	if err != nil {
		e.releaseReservation(resID, exposure.OutcomeFailed)
		return fmt.Errorf("group %s containment: %w", contracts.GID12(g.GroupID), err)
	}
	if rep.Residual > eps {
		e.releaseReservation(resID, exposure.OutcomeFailed)
		return fmt.Errorf("group %s containment residual %.6f", contracts.GID12(g.GroupID), rep.Residual)
	}

	g.State = contracts.GroupFlattened
	e.releaseReservation(resID, exposure.OutcomeCanceled)
	return nil
}

func (e *Executor) dispatchAll(ctx context.Context, legs []contracts.Intent) []contracts.LegResult {
	outcomes := make(chan legOutcome, len(legs))
	for _, leg := range legs {
		go e.dispatchLeg(ctx, leg, outcomes)
	}

	results := make([]contracts.LegResult, 0, len(legs))
	for range legs {
		out := <-outcomes
		results = append(results, out.result)
		for _, tr := range out.trades {
			e.sinkTrade(ctx, tr)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].LegIdx < results[j].LegIdx })
	return results
}

// dispatchLeg authorizes and submits one leg as an IOC limit order.
// 실패는 전부 레그 결과로 접힌다 — 여기서는 절대 panic도 블록도 없다.
func (e *Executor) dispatchLeg(ctx context.Context, in contracts.Intent, out chan<- legOutcome) {
	res := contracts.LegResult{
		LegIdx:       in.LegIdx,
		IntentHash:   in.HashHex(),
		RequestedQty: float64(in.QtySteps),
	}
	hash := in.Hash()

	fail := func() {
		if _, err := e.led.AppendTransition(hash, contracts.EventRejected); err != nil {
			e.log.WithError(err).Debug("Leg reject transition append failed")
		}
		res.Rejected = true
		res.State = contracts.StateFailed
		out <- legOutcome{result: res}
	}

	if d := e.gate.Authorize(in); !d.Allowed {
		fail()
		return
	}
	if err := e.led.MarkSent(hash); err != nil {
		// sent 증거 없이는 내보내지 않는다
		fail()
		return
	}
	e.transition(hash, contracts.EventSent)

	result, err := e.venue.SubmitOrder(ctx, venue.OrderRequest{
		Intent:     in,
		Label:      in.Label(),
		Price:      float64(in.PriceTicks),
		Qty:        float64(in.QtySteps),
		ReduceOnly: in.ReduceOnly,
	})
	if err != nil {
		fail()
		return
	}

	res.FilledQty = result.Order.FilledQty
	switch {
	case res.FilledQty >= res.RequestedQty-e.cfg.AtomicQtyEpsilon:
		e.transition(hash, contracts.EventFilled)
		res.State = contracts.StateFilled
	case res.FilledQty > 0:
		e.transition(hash, contracts.EventPartialFill)
		e.transition(hash, contracts.EventCanceled)
		res.State = contracts.StateCanceled
	default:
		e.transition(hash, contracts.EventCanceled)
		res.State = contracts.StateCanceled
	}

	out <- legOutcome{result: res, trades: result.Trades}
}

// rescue submits at most RescueMaxAttempts additional IOCs for missing
// quantity, only while the liquidity check still passes.
func (e *Executor) rescue(ctx context.Context, g *contracts.AtomicGroup, results []contracts.LegResult) {
	attempts := 0
	eps := e.cfg.AtomicQtyEpsilon

	for i := range results {
		if attempts >= e.cfg.RescueMaxAttempts {
			return
		}
		missing := results[i].RequestedQty - results[i].FilledQty
		if missing <= eps {
			continue
		}

		leg := g.Legs[i]
		if !e.rescueViable(ctx, leg.Instrument, leg.Side, missing) {
			continue
		}
		attempts++

		in := leg
		in.LegIdx = 800 + leg.LegIdx*10 + uint32(attempts)
		in.QtySteps = int64(math.Round(missing))

		if err := e.led.Record(in); err != nil {
			continue
		}
		if d := e.gate.Authorize(in); !d.Allowed {
			continue
		}
		if err := e.led.MarkSent(in.Hash()); err != nil {
			continue
		}
		e.transition(in.Hash(), contracts.EventSent)

		result, err := e.venue.SubmitOrder(ctx, venue.OrderRequest{
			Intent:     in,
			Label:      in.Label(),
			Price:      float64(in.PriceTicks),
			Qty:        missing,
			ReduceOnly: in.ReduceOnly,
		})
		if err != nil {
			e.transition(in.Hash(), contracts.EventRejected)
			continue
		}

		if result.Order.FilledQty >= missing-eps {
			e.transition(in.Hash(), contracts.EventFilled)
		} else if result.Order.FilledQty > 0 {
			e.transition(in.Hash(), contracts.EventPartialFill)
			e.transition(in.Hash(), contracts.EventCanceled)
		} else {
			e.transition(in.Hash(), contracts.EventCanceled)
		}

		results[i].FilledQty += result.Order.FilledQty
		for _, tr := range result.Trades {
			e.sinkTrade(ctx, tr)
		}

		e.log.WithFields(map[string]interface{}{
			"gid12":   contracts.GID12(g.GroupID),
			"leg_idx": leg.LegIdx,
			"rescued": result.Order.FilledQty,
			"missing": missing,
		}).Info("Rescue IOC completed")
	}
}

// rescueViable checks top-of-book liquidity for the missing quantity.
// 유동성 증거가 없으면 rescue는 건너뛴다 — 청산이 다음 단계다.
func (e *Executor) rescueViable(ctx context.Context, instrument string, side contracts.Side, missing float64) bool {
	book, err := e.venue.Book(ctx, instrument, 1)
	if err != nil || book == nil || time.Since(book.At) > e.cfg.L2SnapshotMaxAge {
		return false
	}

	levels := book.Asks
	if side == contracts.SideSell {
		levels = book.Bids
	}
	return len(levels) > 0 && levels[0].Qty >= missing
}

func (e *Executor) markFirstFailure(g *contracts.AtomicGroup, results []contracts.LegResult) {
	if g.FirstFailure != "" {
		return // sticky — 나중 이벤트가 덮어쓰지 못한다
	}

	g.State = contracts.GroupMixedFailed
	g.FailedAt = time.Now()
	for _, r := range results {
		if r.Rejected || r.FilledQty < r.RequestedQty-e.cfg.AtomicQtyEpsilon {
			g.FirstFailure = fmt.Sprintf("leg %d filled %.2f of %.2f", r.LegIdx, r.FilledQty, r.RequestedQty)
			break
		}
	}

	e.log.WithFields(map[string]interface{}{
		"gid12":         contracts.GID12(g.GroupID),
		"first_failure": g.FirstFailure,
	}).Warn("Atomic group broke atomicity")
}

func (e *Executor) transition(hash uint64, ev contracts.LifecycleEvent) {
	if _, err := e.led.AppendTransition(hash, ev); err != nil {
		e.log.WithError(err).Debug("Leg transition append failed")
	}
}

func (e *Executor) sinkTrade(ctx context.Context, tr venue.Trade) {
	if e.trades == nil {
		return
	}
	if _, err := e.trades.RegisterTrade(ctx, tr); err != nil {
		e.log.WithError(err).WithField("trade_id", tr.TradeID).Error("Trade registration failed")
	}
}

func (e *Executor) releaseReservation(id string, outcome exposure.Outcome) {
	if err := e.book.Release(id, outcome); err != nil {
		e.log.WithError(err).Error("Exposure reservation release failed")
	}
}

// complete reports whether every leg filled fully within epsilon.
func complete(results []contracts.LegResult, eps float64) bool {
	for _, r := range results {
		if r.Rejected || r.FilledQty < r.RequestedQty-eps {
			return false
		}
	}
	return true
}

func allTerminal(results []contracts.LegResult) bool {
	for _, r := range results {
		if !r.State.IsTerminal() {
			return false
		}
	}
	return true
}

// filledLegs maps leg results with any fill onto containment inputs.
func filledLegs(legs []contracts.Intent, results []contracts.LegResult) []FlattenLeg {
	var out []FlattenLeg
	for i, r := range results {
		if r.FilledQty <= 0 {
			continue
		}
		out = append(out, FlattenLeg{
			LegIdx:     legs[i].LegIdx,
			Instrument: legs[i].Instrument,
			Side:       legs[i].Side,
			Qty:        r.FilledQty,
		})
	}
	return out
}

// groupNotional approximates reserved exposure in quantized units.
func groupNotional(legs []contracts.Intent) float64 {
	var total float64
	for _, leg := range legs {
		total += math.Abs(float64(leg.QtySteps)) * math.Abs(float64(leg.PriceTicks))
	}
	return total
}
