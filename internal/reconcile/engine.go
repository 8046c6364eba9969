package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/internal/venue"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// ReconciliationEngine — 레저 ↔ 거래소 3-way 대조. 래치를 풀 수 있는 유일한 곳
// ⭐ SSOT: "우리가 아는 상태 == 거래소가 아는 상태" 증명은 여기서만
// =============================================================================

// Report is one reconciliation outcome.
type Report struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	Matched        int // in-flight intents matched to venue evidence
	Advanced       int // local states advanced to match venue
	TerminalFailed int // no venue record within lookback → Failed
	NeverSent      int // recorded but provably never dispatched
	Pending        int // sent recently, venue evidence not yet visible
	Orphans        int // venue fills with no local record
	Ambiguous      int // identity matches unresolved by tie-break
	Mismatches     []Mismatch
	Success        bool
}

// Reconciler joins venue trades → open orders → positions → local ledger.
//
// 수량 단위 규약: venue 쪽 수량도 양자화 스텝 단위의 float으로 흐른다.
// 의도의 QtySteps와 같은 단위라 epsilon 비교가 성립한다.
type Reconciler struct {
	venue    venue.Venue
	led      *ledger.Ledger
	latch    *latch.Latch
	provider *snapshot.Provider // nil-safe; exposure feedback only
	book     *PositionBook
	log      *logger.Logger
	cfg      config.SafetyConfig
	now      func() time.Time
}

// New creates a reconciler.
func New(v venue.Venue, led *ledger.Ledger, lt *latch.Latch, provider *snapshot.Provider, log *logger.Logger, cfg config.SafetyConfig) *Reconciler {
	return &Reconciler{
		venue:    v,
		led:      led,
		latch:    lt,
		provider: provider,
		book:     NewPositionBook(),
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Book exposes the ledger-derived position book.
func (r *Reconciler) Book() *PositionBook { return r.book }

// RegisterTrade is the single entry point for venue executions: dedup via
// the ledger registry, then fold into the position book exactly once.
func (r *Reconciler) RegisterTrade(ctx context.Context, tr venue.Trade) (bool, error) {
	rec := ledger.TradeRecord{
		TradeID:    tr.TradeID,
		OrderID:    tr.OrderID,
		Instrument: tr.Instrument,
		Side:       tr.Side,
		Qty:        tr.Qty,
		Price:      tr.Price,
		ExecutedAt: tr.ExecutedAt,
	}
	if lrec, ok := r.led.FindByLabel(tr.Label); ok {
		rec.IntentHash = lrec.HashHex
	}

	inserted, err := r.led.RegisterTrade(ctx, rec)
	if err != nil {
		return false, err
	}
	if inserted {
		r.book.Apply(tr.Instrument, tr.Side, tr.Qty)
	}
	return inserted, nil
}

// Reconcile proves (or fails to prove) local/venue consistency.
// 성공의 전 조건이 하나라도 깨지면 래치는 그대로 둔다 — 추측 금지.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	rep := Report{StartedAt: r.now()}

	since := rep.StartedAt.Add(-r.cfg.ReconcileTradeLookback)
	trades, err := r.venue.RecentTrades(ctx, since)
	if err != nil {
		return rep, err
	}
	orders, err := r.venue.OpenOrders(ctx)
	if err != nil {
		return rep, err
	}
	positions, err := r.venue.Positions(ctx)
	if err != nil {
		return rep, err
	}

	tradesByLabel := make(map[string][]venue.Trade)
	for _, tr := range trades {
		tradesByLabel[tr.Label] = append(tradesByLabel[tr.Label], tr)
	}
	ordersByLabel := make(map[string][]venue.Order)
	for _, o := range orders {
		ordersByLabel[o.Label] = append(ordersByLabel[o.Label], o)
	}

	for _, rec := range r.led.InFlight() {
		r.reconcileIntent(ctx, &rep, rec, tradesByLabel, ordersByLabel)
	}

	// Orphan fills: venue evidence with no local record at all. 등록해서
	// 포지션 북에는 반영하되, 최종 판정은 포지션 대조가 맡는다.
	for label, labelTrades := range tradesByLabel {
		if _, known := r.led.FindByLabel(label); known {
			continue
		}
		for _, tr := range labelTrades {
			inserted, err := r.RegisterTrade(ctx, tr)
			if err != nil {
				return rep, err
			}
			if inserted {
				rep.Orphans++
				r.log.WithFields(map[string]interface{}{
					"trade_id": tr.TradeID,
					"label":    tr.Label,
				}).Warn("Orphan fill registered during reconciliation")
			}
		}
	}

	// Position three-way check. First success seeds the baseline.
	if !r.book.Seeded() {
		r.book.Seed(positions)
	} else {
		rep.Mismatches = r.book.Diff(positions, r.cfg.PositionReconcileEpsilon)
		if len(rep.Mismatches) > 0 {
			r.latch.Trip(contracts.ReasonPositionMismatch)
		}
	}

	rep.Success = rep.Pending == 0 && rep.Ambiguous == 0 && len(rep.Mismatches) == 0
	rep.FinishedAt = r.now()

	if rep.Success {
		if unresolved := r.unresolvedReasons(); len(unresolved) > 0 {
			rep.Success = false
			r.log.WithFields(map[string]interface{}{
				"reasons": unresolved,
			}).Warn("Reconciliation clean but latch reasons lack resolution evidence")
		}
	}

	if rep.Success {
		r.latch.Clear()
		r.publishExposure(positions)
		r.log.WithFields(map[string]interface{}{
			"matched":         rep.Matched,
			"terminal_failed": rep.TerminalFailed,
			"orphans":         rep.Orphans,
		}).Info("Reconciliation succeeded")
	} else {
		r.log.WithFields(map[string]interface{}{
			"pending":    rep.Pending,
			"ambiguous":  rep.Ambiguous,
			"mismatches": len(rep.Mismatches),
		}).Warn("Reconciliation incomplete — latch stays blocked")
	}

	return rep, nil
}

// unresolvedReasons returns latch reasons a clean report alone cannot
// resolve. 이유마다 독립적인 해소 증거가 필요하다 — 깨끗한 대조 하나로
// 끊긴 피드까지 풀어 버리면 안 된다.
func (r *Reconciler) unresolvedReasons() []string {
	ls := r.latch.Snapshot()
	if !ls.Blocked {
		return nil
	}

	var snap *contracts.InputSnapshot
	if r.provider != nil {
		snap, _ = r.provider.Acquire()
	}

	var out []string
	for _, reason := range ls.Reasons {
		if !r.reasonResolved(reason, snap) {
			out = append(out, string(reason))
		}
	}
	return out
}

func (r *Reconciler) reasonResolved(reason contracts.ReasonCode, snap *contracts.InputSnapshot) bool {
	switch reason {
	case contracts.ReasonColdStart,
		contracts.ReasonPositionMismatch,
		contracts.ReasonOrphanFill,
		contracts.ReasonAmbiguousIdentity:
		// 방금 끝난 깨끗한 대조 자체가 증거다
		return true

	case contracts.ReasonSessionLoss:
		return snap != nil && snap.SessionUp.Value &&
			snap.PrivateHeartbeatAge.Present &&
			snap.PrivateHeartbeatAge.Value <= r.cfg.WSZombieSilence.Seconds()

	case contracts.ReasonBookSequenceGap:
		// 재정착 이후의 델타만 MarkBookUpdate를 찍는다 — 신선하면 앵커가 잡힌 것
		return snap != nil && snap.BookFeedAge.Present &&
			snap.BookFeedAge.Value <= r.cfg.BookFeedMaxAge.Seconds()

	case contracts.ReasonTradeSequenceGap:
		return snap != nil && snap.TradeFeedAge.Present &&
			snap.TradeFeedAge.Value <= r.cfg.TradeFeedMaxAge.Seconds()

	case contracts.ReasonFeedSilence:
		return snap != nil &&
			snap.BookFeedAge.Present && snap.BookFeedAge.Value <= r.cfg.BookFeedMaxAge.Seconds() &&
			snap.TradeFeedAge.Present && snap.TradeFeedAge.Value <= r.cfg.TradeFeedMaxAge.Seconds()

	default:
		// 모르는 이유는 풀지 않는다
		return false
	}
}

func (r *Reconciler) reconcileIntent(ctx context.Context, rep *Report, rec ledger.IntentRecord,
	tradesByLabel map[string][]venue.Trade, ordersByLabel map[string][]venue.Order) {

	label := rec.Intent.Label()
	requested := float64(rec.Intent.QtySteps)
	eps := r.cfg.AtomicQtyEpsilon

	var fillQty float64
	for _, tr := range tradesByLabel[label] {
		if _, err := r.RegisterTrade(ctx, tr); err != nil {
			rep.Pending++
			return
		}
		fillQty += tr.Qty
	}
	delete(tradesByLabel, label) // consumed; not an orphan

	open, ambiguous := pickOrder(ordersByLabel[label], rec.Intent, eps)
	if ambiguous {
		rep.Ambiguous++
		r.latch.Trip(contracts.ReasonAmbiguousIdentity)
		return
	}

	switch {
	case fillQty >= requested-eps:
		r.advance(rec, contracts.EventFilled)
		rep.Matched++
		rep.Advanced++

	case fillQty > 0:
		r.advance(rec, contracts.EventPartialFill)
		if open == nil {
			// IOC 잔량은 거래소가 이미 취소했다
			r.advance(rec, contracts.EventCanceled)
		}
		rep.Matched++
		rep.Advanced++

	case open != nil:
		r.advance(rec, contracts.EventAcked)
		rep.Matched++

	case !rec.WasSent():
		// ledger가 never-sent를 증명 — 재발행이 허용되는 유일한 경우
		rep.NeverSent++

	case rep.StartedAt.Sub(rec.SentAt) > r.cfg.ReconcileTradeLookback:
		r.advance(rec, contracts.EventFailed)
		rep.TerminalFailed++

	default:
		rep.Pending++
	}
}

// advance moves local state to match venue evidence, panic-free even when
// that means skipping states (Sent → Filled without an ack).
func (r *Reconciler) advance(rec ledger.IntentRecord, ev contracts.LifecycleEvent) {
	if _, err := r.led.AppendTransition(rec.Hash, ev); err != nil {
		r.log.WithError(err).WithField("intent_hash", rec.HashHex).Error("Reconcile state advance failed")
	}
}

// pickOrder resolves multiple same-label orders by the deterministic
// tie-break: content(price·qty) → instrument → side → qty.
// 남으면 모호 — 추측하지 않는다.
func pickOrder(candidates []venue.Order, in contracts.Intent, eps float64) (*venue.Order, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	if len(candidates) == 1 {
		return &candidates[0], false
	}

	filtered := filterOrders(candidates, func(o venue.Order) bool { return o.Instrument == in.Instrument })
	filtered = filterOrders(filtered, func(o venue.Order) bool { return o.Side == in.Side })
	filtered = filterOrders(filtered, func(o venue.Order) bool {
		return math.Abs(o.Price-float64(in.PriceTicks)) <= eps
	})
	filtered = filterOrders(filtered, func(o venue.Order) bool {
		return math.Abs(o.Qty-float64(in.QtySteps)) <= eps
	})

	switch len(filtered) {
	case 1:
		return &filtered[0], false
	case 0:
		return nil, false
	default:
		return nil, true
	}
}

func filterOrders(in []venue.Order, keep func(venue.Order) bool) []venue.Order {
	var out []venue.Order
	for _, o := range in {
		if keep(o) {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return in // 이 기준으로는 구분 불가 — 다음 기준으로 넘어감
	}
	return out
}

// publishExposure feeds proven net exposure back into the snapshot.
func (r *Reconciler) publishExposure(positions []venue.Position) {
	if r.provider == nil {
		return
	}
	var netUSD float64
	for _, p := range positions {
		netUSD += p.Size * p.MarkPrice
	}
	r.provider.SetNetExposure(netUSD, true)
}
