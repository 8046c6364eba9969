package contracts

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Side represents order direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// IntentClass 주문 의도 분류
// ⭐ SSOT: 리스크 증가/감소 판정의 기준 분류는 여기서만
//
// Fail-closed rule: 리스크 감소가 증명되지 않으면 전부 Open으로 취급
type IntentClass string

const (
	ClassOpen   IntentClass = "OPEN"   // 신규 익스포저 — ReduceOnly/Kill에서 차단
	ClassClose  IntentClass = "CLOSE"  // 리스크 감소 — ReduceOnly에서 허용
	ClassHedge  IntentClass = "HEDGE"  // 리스크 감소 헤지 — ReduceOnly에서 허용
	ClassCancel IntentClass = "CANCEL" // 주문 취소
)

// IsRiskReducing reports whether this class reduces (or never adds) risk.
func (c IntentClass) IsRiskReducing() bool {
	switch c {
	case ClassClose, ClassHedge, ClassCancel:
		return true
	default:
		return false
	}
}

// Intent is a candidate order action produced by the upstream sizing layer.
// Immutable once hashed. Quantities and prices arrive already quantized
// (integer steps/ticks) — quantization is the sizing layer's responsibility.
type Intent struct {
	GroupID    string      `json:"group_id"` // UUIDv4 shared by all legs of one atomic attempt
	LegIdx     uint32      `json:"leg_idx"`
	Instrument string      `json:"instrument"` // e.g. "BTC-PERPETUAL"
	Side       Side        `json:"side"`
	QtySteps   int64       `json:"qty_steps"`   // floor(raw_qty / amount_step)
	PriceTicks int64       `json:"price_ticks"` // direction-dependent quantized price
	Class      IntentClass `json:"class"`
	ReduceOnly bool        `json:"reduce_only"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Hash computes the stable intent identity:
// xxhash64(instrument + side + qty_steps + price_ticks + group_id + leg_idx).
//
// 절대 규칙: wall-clock·난수는 해시에 넣지 않는다 (재시작 후 멱등성의 근거)
func (i *Intent) Hash() uint64 {
	// 0xFF separator cannot appear in UTF-8, so field boundaries stay unambiguous.
	d := xxhash.New()
	var buf [8]byte

	_, _ = d.WriteString(i.Instrument)
	_, _ = d.Write([]byte{0xFF})
	_, _ = d.WriteString(string(i.Side))
	_, _ = d.Write([]byte{0xFF})
	binary.LittleEndian.PutUint64(buf[:], uint64(i.QtySteps))
	_, _ = d.Write(buf[:])
	_, _ = d.Write([]byte{0xFF})
	binary.LittleEndian.PutUint64(buf[:], uint64(i.PriceTicks))
	_, _ = d.Write(buf[:])
	_, _ = d.Write([]byte{0xFF})
	_, _ = d.WriteString(i.GroupID)
	_, _ = d.Write([]byte{0xFF})
	binary.LittleEndian.PutUint32(buf[:4], i.LegIdx)
	_, _ = d.Write(buf[:4])

	return d.Sum64()
}

// HashHex returns the intent hash formatted as a 16-char hex string.
func (i *Intent) HashHex() string {
	return fmt.Sprintf("%016x", i.Hash())
}

// Validate rejects intents with missing or unparseable required fields.
// 파싱 복구는 이 계층의 일이 아님 — 검증 실패로 거부
func (i *Intent) Validate() error {
	if i.GroupID == "" {
		return fmt.Errorf("intent validation: group_id is required")
	}
	if i.Instrument == "" {
		return fmt.Errorf("intent validation: instrument is required")
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return fmt.Errorf("intent validation: side must be buy or sell (got %q)", i.Side)
	}
	switch i.Class {
	case ClassOpen, ClassClose, ClassHedge, ClassCancel:
	default:
		return fmt.Errorf("intent validation: unknown class %q", i.Class)
	}
	if i.Class != ClassCancel && i.QtySteps <= 0 {
		return fmt.Errorf("intent validation: qty_steps must be positive (got %d)", i.QtySteps)
	}
	return nil
}

// EffectiveClass applies the fail-closed classification rule: an intent
// that claims to be risk-reducing but does not carry the reduce-only flag
// is treated as Open.
func (i *Intent) EffectiveClass() IntentClass {
	if i.Class == ClassCancel {
		return ClassCancel
	}
	if i.Class.IsRiskReducing() && i.ReduceOnly {
		return i.Class
	}
	return ClassOpen
}

// GID12 returns the first 12 chars of the group id without dashes,
// used in venue order labels for recovery matching.
func (i *Intent) GID12() string {
	return GID12(i.GroupID)
}

// Label builds the venue order label "gid12-legidx". The venue round-trips
// it on orders and trades, which is what makes crash recovery matching work.
func (i *Intent) Label() string {
	return fmt.Sprintf("%s-%d", i.GID12(), i.LegIdx)
}

// GID12 strips dashes from a UUID and returns its first 12 characters.
func GID12(groupID string) string {
	stripped := make([]byte, 0, len(groupID))
	for k := 0; k < len(groupID); k++ {
		if groupID[k] != '-' {
			stripped = append(stripped, groupID[k])
		}
	}
	if len(stripped) > 12 {
		stripped = stripped[:12]
	}
	return string(stripped)
}
