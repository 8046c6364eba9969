package reconcile

import (
	"sync"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/internal/latch"
	"github.com/wonny/soldier/backend/pkg/logger"
)

// =============================================================================
// Per-channel discontinuity detection — 전역 시퀀스는 신뢰하지 않는다
// =============================================================================

// Detectors watches each data channel with its own continuity mechanism:
// 북은 changeID 체인, 체결은 단조 증가 시퀀스, 프라이빗 채널은 하트비트.
// 어떤 채널이든 끊기면 래치를 걸고 재구독/재스냅샷을 요구한다.
type Detectors struct {
	latch *latch.Latch
	log   *logger.Logger

	mu       sync.Mutex
	bookHead map[string]uint64 // instrument → last seen changeID
	tradeSeq map[string]uint64 // instrument → last seen sequence
}

// NewDetectors creates detectors wired to the latch.
func NewDetectors(lt *latch.Latch, log *logger.Logger) *Detectors {
	return &Detectors{
		latch:    lt,
		log:      log,
		bookHead: make(map[string]uint64),
		tradeSeq: make(map[string]uint64),
	}
}

// ObserveBook checks one book delta against the changeID chain.
// Returns false when the chain broke and a resnapshot is required.
func (d *Detectors) ObserveBook(instrument string, prevChangeID, changeID uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	head, known := d.bookHead[instrument]
	if known && prevChangeID != head {
		d.log.WithFields(map[string]interface{}{
			"instrument": instrument,
			"expected":   head,
			"got_prev":   prevChangeID,
		}).Warn("Order-book changeID chain broken")
		d.latch.Trip(contracts.ReasonBookSequenceGap)
		delete(d.bookHead, instrument)
		return false
	}

	d.bookHead[instrument] = changeID
	return true
}

// ResetBook re-anchors the chain after a fresh snapshot.
func (d *Detectors) ResetBook(instrument string, changeID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bookHead[instrument] = changeID
}

// ObserveTrade checks one public-trade sequence number.
// 중복(시퀀스 역행)은 레지스트리가 걸러줄 일이라 여기서는 무시한다;
// 건너뜀(gap)만 연속성 상실이다.
func (d *Detectors) ObserveTrade(instrument string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, known := d.tradeSeq[instrument]
	if known {
		if seq <= last {
			return true // replayed duplicate
		}
		if seq > last+1 {
			d.log.WithFields(map[string]interface{}{
				"instrument": instrument,
				"expected":   last + 1,
				"got":        seq,
			}).Warn("Trade sequence gap")
			d.latch.Trip(contracts.ReasonTradeSequenceGap)
			d.tradeSeq[instrument] = seq
			return false
		}
	}

	d.tradeSeq[instrument] = seq
	return true
}

// ObserveSessionLoss flags a private-channel disconnect.
func (d *Detectors) ObserveSessionLoss() {
	d.latch.Trip(contracts.ReasonSessionLoss)
}

// ObserveFeedSilence flags a feed that went quiet past its bound.
func (d *Detectors) ObserveFeedSilence() {
	d.latch.Trip(contracts.ReasonFeedSilence)
}

// ObserveOrphanFill flags a fill with no matching in-flight record.
func (d *Detectors) ObserveOrphanFill() {
	d.latch.Trip(contracts.ReasonOrphanFill)
}
