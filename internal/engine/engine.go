package engine

import (
	"context"
	"time"

	"github.com/wonny/soldier/backend/internal/axis"
	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// Engine — 주기 틱 루프: 스냅샷 → 모드 해석 → 제한 모드 집행
// ⭐ SSOT: 모드에 따른 잔여 주문 정리는 여기서만
// =============================================================================

// Engine drives the periodic enforcement tick. Every tick re-acquires a
// fresh snapshot and re-resolves the mode; nothing here is cached.
type Engine struct {
	provider *snapshot.Provider
	resolver *axis.Resolver
	latch    *latch.Latch
	led      *ledger.Ledger
	venue    venue.Venue
	log      *logger.Logger
	cfg      config.SafetyConfig

	lastMode contracts.EnforcementMode
	now      func() time.Time
}

// New creates the tick engine.
func New(provider *snapshot.Provider, resolver *axis.Resolver, lt *latch.Latch,
	led *ledger.Ledger, v venue.Venue, log *logger.Logger, cfg config.SafetyConfig) *Engine {

	return &Engine{
		provider: provider,
		resolver: resolver,
		latch:    lt,
		led:      led,
		venue:    v,
		log:      log,
		cfg:      cfg,
		lastMode: contracts.ModeActive,
		now:      time.Now,
	}
}

// Run executes the tick loop until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one enforcement pass.
func (e *Engine) Tick(ctx context.Context) contracts.EnforcementMode {
	// 내부 상태를 스냅샷 입력으로 미러링 — 다음 해석에 반영된다
	e.provider.SetLedgerHealth(e.led.WriteErrorCount(), e.led.QueueDepth(), e.led.QueueCapacity())
	ls := e.latch.Snapshot()
	e.provider.SetLatchState(ls.Blocked, ls.Reasons)

	snap, err := e.provider.Acquire()
	if err != nil {
		e.log.WithError(err).Warn("Snapshot acquisition failed, resolving fail-closed")
		snap = nil
	}
	res := e.resolver.Resolve(snap)

	if res.Mode != e.lastMode {
		e.log.WithFields(map[string]interface{}{
			"from":    e.lastMode.String(),
			"to":      res.Mode.String(),
			"reasons": reasonStrings(res.Reasons),
		}).Warn("Enforcement mode changed")
		e.lastMode = res.Mode
	}

	budget := e.cfg.CancelOpenBatchMax
	if res.Mode != contracts.ModeActive {
		budget = e.cancelOutstanding(ctx, res.Mode, budget)
	}
	e.sweepStaleOrders(ctx, budget)

	return res.Mode
}

// cancelOutstanding cancels resting risk-increasing orders while the mode
// is restrictive. Bounded per tick; 실패한 취소는 다음 틱에서 다시 잡힌다.
func (e *Engine) cancelOutstanding(ctx context.Context, mode contracts.EnforcementMode, budget int) int {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CancelOpenBudget)
	defer cancel()

	orders, err := e.venue.OpenOrders(ctx)
	if err != nil {
		e.provider.SetRestReachable(false)
		e.log.WithError(err).Warn("Open-order listing failed during restrictive sweep")
		return budget
	}
	e.provider.SetRestReachable(true)

	for _, o := range orders {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		// ReduceOnly 주문은 리스크 감소 — Kill에서만 함께 걷어낸다
		if o.ReduceOnly && mode != contracts.ModeKill {
			continue
		}

		if err := e.venue.CancelOrder(ctx, o.OrderID); err != nil {
			e.log.WithError(err).WithFields(map[string]interface{}{
				"order_id": o.OrderID,
				"label":    o.Label,
			}).Warn("Restrictive-mode cancel failed, will retry next tick")
			continue
		}
		budget--

		e.log.WithFields(map[string]interface{}{
			"order_id": o.OrderID,
			"label":    o.Label,
			"mode":     mode.String(),
		}).Info("Canceled resting order under restrictive mode")
	}
	return budget
}

// sweepStaleOrders cancels orders resting longer than StaleOrderAge.
// IOC 커널에서 오래 쉬는 주문은 전부 좀비다.
func (e *Engine) sweepStaleOrders(ctx context.Context, budget int) {
	if budget <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CancelOpenBudget)
	defer cancel()

	orders, err := e.venue.OpenOrders(ctx)
	if err != nil {
		return // restrictive sweep already reported reachability
	}

	cutoff := e.now().Add(-e.cfg.StaleOrderAge)
	for _, o := range orders {
		if budget <= 0 || ctx.Err() != nil {
			return
		}
		if o.CreatedAt.IsZero() || o.CreatedAt.After(cutoff) {
			continue
		}

		if err := e.venue.CancelOrder(ctx, o.OrderID); err != nil {
			e.log.WithError(err).WithField("order_id", o.OrderID).Warn("Stale-order cancel failed")
			continue
		}
		budget--

		e.log.WithFields(map[string]interface{}{
			"order_id": o.OrderID,
			"age":      e.now().Sub(o.CreatedAt).Round(time.Second).String(),
		}).Warn("Canceled stale order")
	}
}

func reasonStrings(in []contracts.ReasonCode) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		out = append(out, string(r))
	}
	return out
}
