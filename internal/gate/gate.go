package gate

import (
	"github.com/wonny/soldier/backend/internal/axis"
	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/internal/ledger"
	"github.com/wonny/soldier/backend/internal/snapshot"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// DispatchGate — 네트워크 호출 직전의 마지막 인가 지점
// ⭐ SSOT: 주문이 나가도 되는지는 여기서만 판정. 이전 틱의 결정은 신뢰하지 않음
// =============================================================================

// Decision is one authorization outcome.
type Decision struct {
	Allowed bool
	Mode    contracts.EnforcementMode
	Reasons []contracts.ReasonCode
	Detail  string // gate-specific denial note
}

// Gate re-derives mode, latch and ledger state at the moment of each
// authorization. 획득 실패·해석 실패는 전부 거절 쪽으로 떨어진다.
type Gate struct {
	resolver *axis.Resolver
	provider *snapshot.Provider
	latch    *latch.Latch
	ledger   *ledger.Ledger
	log      *logger.Logger
	cfg      config.SafetyConfig
}

// New creates a dispatch gate.
func New(resolver *axis.Resolver, provider *snapshot.Provider, lt *latch.Latch, led *ledger.Ledger, log *logger.Logger, cfg config.SafetyConfig) *Gate {
	return &Gate{
		resolver: resolver,
		provider: provider,
		latch:    lt,
		ledger:   led,
		log:      log,
		cfg:      cfg,
	}
}

// Authorize decides whether the intent may hit the network right now.
//
//   - OPEN: mode Active + latch clear + ledger 기록 증거, 셋 다 필요.
//   - CLOSE/HEDGE/CANCEL: 항상 허용이 기본 — 자본 우위. 제한 모드에서
//     유일하게 막히는 경우는 그 행위 자체가 리스크를 키울 때뿐이다
//     (보호 주문 취소가 대표적).
func (g *Gate) Authorize(in contracts.Intent) Decision {
	snap, err := g.provider.Acquire()
	if err != nil {
		snap = nil
	}
	res := g.resolver.Resolve(snap)

	switch in.EffectiveClass() {
	case contracts.ClassOpen:
		return g.authorizeOpen(in, res, snap)
	case contracts.ClassCancel:
		return g.authorizeCancel(in, res)
	default: // Close, Hedge — reduce-only proven by EffectiveClass
		return Decision{Allowed: true, Mode: res.Mode, Reasons: nil}
	}
}

func (g *Gate) authorizeOpen(in contracts.Intent, res axis.Result, snap *contracts.InputSnapshot) Decision {
	if res.Mode != contracts.ModeActive {
		return g.deny(in, res, res.Reasons, "mode not active")
	}

	// reject-opens 밴드: 모드는 Active로 두고 신규 리스크만 먼저 잠근다
	if snap != nil && snap.MMUtil.FreshWithin(snap.AcquiredAt, g.cfg.MMUtilMaxAge) &&
		snap.MMUtil.Value >= g.cfg.MMUtilRejectOpens {
		return g.deny(in, res, []contracts.ReasonCode{contracts.ReasonMarginRejectOpens},
			"margin utilization in reject-opens band")
	}

	if g.latch.Blocked() {
		return g.deny(in, res, g.latch.Reasons(), "open-permission latch blocked")
	}

	if !g.ledger.IsRecorded(in.Hash()) {
		// recorded-before-dispatch: 기록 증거 없는 open은 절대 안 나간다
		return g.deny(in, res, nil, "intent not recorded")
	}

	return Decision{Allowed: true, Mode: res.Mode}
}

// authorizeCancel denies only the risk-increasing case: cancelling a
// protective (reduce-only) resting order while restricted.
func (g *Gate) authorizeCancel(in contracts.Intent, res axis.Result) Decision {
	if res.Mode == contracts.ModeActive && !g.latch.Blocked() {
		return Decision{Allowed: true, Mode: res.Mode}
	}

	if rec, ok := g.ledger.Get(in.Hash()); ok && rec.Intent.ReduceOnly {
		return g.deny(in, res, res.Reasons, "cancel of protective order while restricted")
	}

	// open 주문 취소는 제한 모드에서 오히려 의무에 가깝다
	return Decision{Allowed: true, Mode: res.Mode}
}

func (g *Gate) deny(in contracts.Intent, res axis.Result, reasons []contracts.ReasonCode, detail string) Decision {
	g.log.WithFields(map[string]interface{}{
		"gid12":      contracts.GID12(in.GroupID),
		"leg_idx":    in.LegIdx,
		"class":      string(in.Class),
		"mode":       res.Mode.String(),
		"detail":     detail,
		"instrument": in.Instrument,
	}).Warn("Dispatch denied")

	return Decision{
		Allowed: false,
		Mode:    res.Mode,
		Reasons: reasons,
		Detail:  detail,
	}
}
