package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wonny/soldier/backend/internal/contracts"
	"github.com/wonny/soldier/backend/pkg/config"
	"github.com/wonny/soldier/backend/pkg/logger"
	"github.com/wonny/soldier/backend/pkg/redis"
)

// =============================================================================
// IntentLedger — recorded-before-dispatch 장벽과 체결 dedup 레지스트리
// ⭐ SSOT: 주문 의도와 생애주기 사실은 전부 여기로만
// =============================================================================

var (
	// ErrQueueFull means the bounded writer queue rejected the entry.
	// 틱 루프는 스토리지 I/O를 기다리지 않는다 — 가득 차면 즉시 거절.
	ErrQueueFull = errors.New("ledger: writer queue full")

	// ErrUnknownIntent means no recorded intent exists for the hash.
	ErrUnknownIntent = errors.New("ledger: unknown intent hash")

	errAppendFailed = errors.New("ledger: append failed")
)

// Ledger owns the in-memory folded view and the bounded durable writer.
//
// Record()의 확정 반환이 dispatch 허가의 전제다. 쓰기 실패는 창 카운터로
// 모여 시스템 축을 DEGRADED로 밀지만, 리스크 감소 경로를 막지는 않는다.
type Ledger struct {
	store Store
	fast  *redis.Dedupe // optional fast path; nil-safe off
	log   *logger.Logger
	cfg   config.SafetyConfig
	now   func() time.Time

	queue chan Event

	mu    sync.RWMutex
	view  map[uint64]*IntentRecord
	seen  map[string]struct{} // processed trade IDs

	errs      *ErrWindow
	rejected  atomic.Uint64
	dupTrades atomic.Uint64
}

// New creates a ledger over the given durable store.
func New(store Store, fast *redis.Dedupe, log *logger.Logger, cfg config.SafetyConfig) *Ledger {
	return &Ledger{
		store: store,
		fast:  fast,
		log:   log,
		cfg:   cfg,
		now:   time.Now,
		queue: make(chan Event, cfg.LedgerQueueCapacity),
		view:  make(map[uint64]*IntentRecord),
		seen:  make(map[string]struct{}),
		errs:  NewErrWindow(cfg.LedgerErrorTripWindow),
	}
}

// Record durably enqueues an intent before any dispatch may happen.
// Idempotent per identity hash. A full queue rejects — never blocks.
func (l *Ledger) Record(in contracts.Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}

	hash := in.Hash()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.view[hash]; exists {
		return nil
	}

	ev := Event{
		IntentHash: in.HashHex(),
		Kind:       EventRecorded,
		GroupID:    in.GroupID,
		LegIdx:     in.LegIdx,
		ToState:    contracts.StateCreated,
		Intent:     &in,
		At:         now,
	}

	select {
	case l.queue <- ev:
	default:
		l.rejected.Add(1)
		return ErrQueueFull
	}

	l.view[hash] = &IntentRecord{
		Intent:     in,
		Hash:       hash,
		HashHex:    in.HashHex(),
		State:      contracts.StateCreated,
		RecordedAt: now,
	}
	return nil
}

// MarkSent notes that the network send is about to begin.
// 실패하면 호출자는 그 레그를 보내면 안 된다 — sent 증거 없이 나간 주문은
// 조정 시 never-sent로 오판돼 중복 주문이 된다.
func (l *Ledger) MarkSent(hash uint64) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.view[hash]
	if !ok {
		return ErrUnknownIntent
	}
	if rec.WasSent() {
		return nil
	}

	ev := Event{
		IntentHash: rec.HashHex,
		Kind:       EventSent,
		GroupID:    rec.Intent.GroupID,
		LegIdx:     rec.Intent.LegIdx,
		At:         now,
	}

	select {
	case l.queue <- ev:
	default:
		l.rejected.Add(1)
		return ErrQueueFull
	}

	rec.SentAt = now
	return nil
}

// AppendTransition folds one venue lifecycle event into the record and
// appends it durably. Out-of-order arrivals are absorbed, ignored ones
// are still appended — 도착한 사실은 전부 남긴다.
func (l *Ledger) AppendTransition(hash uint64, lifecycle contracts.LifecycleEvent) (contracts.Transition, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.view[hash]
	if !ok {
		return contracts.Transition{}, ErrUnknownIntent
	}

	tr := contracts.ApplyLifecycle(rec.State, lifecycle)
	rec.State = tr.To
	rec.Transitions = append(rec.Transitions, tr)

	if tr.Anomaly != "" {
		l.log.WithFields(map[string]interface{}{
			"intent_hash": rec.HashHex,
			"event":       string(lifecycle),
			"anomaly":     tr.Anomaly,
		}).Warn("Out-of-order lifecycle event absorbed")
	}

	ev := Event{
		IntentHash:     rec.HashHex,
		Kind:           EventTransition,
		GroupID:        rec.Intent.GroupID,
		LegIdx:         rec.Intent.LegIdx,
		Lifecycle:      lifecycle,
		FromState:      tr.From,
		ToState:        tr.To,
		TransitionKind: tr.Kind,
		Anomaly:        tr.Anomaly,
		At:             now,
	}

	select {
	case l.queue <- ev:
	default:
		l.rejected.Add(1)
		l.errs.Record(now)
	}

	return tr, nil
}

// RegisterTrade registers one execution exactly once.
// 중복 trade ID는 NOOP + 카운터 — 포지션/실현손익에 두 번 반영되지 않는다.
func (l *Ledger) RegisterTrade(ctx context.Context, tr TradeRecord) (bool, error) {
	if l.fast != nil {
		if seen, err := l.fast.Seen(ctx, tr.TradeID); err == nil && seen {
			l.dupTrades.Add(1)
			return false, nil
		}
	}

	l.mu.RLock()
	_, dup := l.seen[tr.TradeID]
	l.mu.RUnlock()
	if dup {
		l.dupTrades.Add(1)
		return false, nil
	}

	inserted, err := l.store.InsertTrade(ctx, tr)
	if err != nil {
		l.errs.Record(l.now())
		return false, err
	}
	if !inserted {
		l.dupTrades.Add(1)
		return false, nil
	}

	l.mu.Lock()
	l.seen[tr.TradeID] = struct{}{}
	l.mu.Unlock()

	if l.fast != nil {
		if err := l.fast.Mark(ctx, tr.TradeID); err != nil {
			l.log.WithError(err).Debug("Trade dedupe fast-path mark failed")
		}
	}
	return true, nil
}

// WasSent reports whether the ledger holds send evidence for the hash.
func (l *Ledger) WasSent(hash uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.view[hash]
	return ok && rec.WasSent()
}

// IsRecorded reports whether the intent is durably enqueued.
func (l *Ledger) IsRecorded(hash uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.view[hash]
	return ok
}

// FindByLabel returns the record whose intent carries the venue label.
func (l *Ledger) FindByLabel(label string) (IntentRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rec := range l.view {
		if rec.Intent.Label() == label {
			return copyRecord(rec), true
		}
	}
	return IntentRecord{}, false
}

// Get returns a copy of the folded record.
func (l *Ledger) Get(hash uint64) (IntentRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.view[hash]
	if !ok {
		return IntentRecord{}, false
	}
	return copyRecord(rec), true
}

// InFlight returns all non-terminal records, oldest first.
func (l *Ledger) InFlight() []IntentRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []IntentRecord
	for _, rec := range l.view {
		if !rec.Terminal() {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

// Replay rebuilds the folded view from the durable log and returns the
// in-flight records that reconciliation must resolve before any dispatch.
func (l *Ledger) Replay(ctx context.Context) ([]IntentRecord, error) {
	events, err := l.store.LoadEvents(ctx)
	if err != nil {
		return nil, err
	}

	view := make(map[uint64]*IntentRecord)
	for _, ev := range events {
		switch ev.Kind {
		case EventRecorded:
			if ev.Intent == nil {
				continue
			}
			hash := ev.Intent.Hash()
			if _, exists := view[hash]; exists {
				continue
			}
			view[hash] = &IntentRecord{
				Intent:     *ev.Intent,
				Hash:       hash,
				HashHex:    ev.IntentHash,
				State:      contracts.StateCreated,
				RecordedAt: ev.At,
			}
		case EventSent:
			if rec := findByHex(view, ev.IntentHash); rec != nil && rec.SentAt.IsZero() {
				rec.SentAt = ev.At
			}
		case EventTransition:
			if rec := findByHex(view, ev.IntentHash); rec != nil && ev.TransitionKind != contracts.TransitionIgnored {
				rec.State = ev.ToState
			}
		}
	}

	ids, err := l.store.LoadTradeIDs(ctx, l.now().Add(-l.cfg.TradeRegistryRetention))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.view = view
	l.seen = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		l.seen[id] = struct{}{}
	}
	l.mu.Unlock()

	return l.InFlight(), nil
}

// Run drains the writer queue to the durable store until ctx ends.
// 쓰기 실패는 격리된다: 카운터와 로그만 — 의사결정 루프는 계속 돈다.
func (l *Ledger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case ev := <-l.queue:
			l.persist(ev)
		}
	}
}

func (l *Ledger) drain() {
	for {
		select {
		case ev := <-l.queue:
			l.persist(ev)
		default:
			return
		}
	}
}

func (l *Ledger) persist(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.AppendEvent(ctx, ev); err != nil {
		l.errs.Record(l.now())
		l.log.WithError(err).WithFields(map[string]interface{}{
			"intent_hash": ev.IntentHash,
			"kind":        string(ev.Kind),
		}).Error("Ledger append failed")
	}
}

// PruneTrades removes registry rows past retention. 크론 잡에서 호출.
func (l *Ledger) PruneTrades(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.cfg.TradeRegistryRetention)

	// 메모리 세트는 다음 Replay에서 다시 좁혀진다; 여기서는 그대로 둔다.
	return l.store.PruneTrades(ctx, cutoff)
}

// QueueDepth returns the current writer-queue depth.
func (l *Ledger) QueueDepth() int { return len(l.queue) }

// QueueCapacity returns the writer-queue capacity.
func (l *Ledger) QueueCapacity() int { return cap(l.queue) }

// WriteErrorCount returns write failures inside the trip window.
func (l *Ledger) WriteErrorCount() int { return l.errs.Count(l.now()) }

// RejectedCount returns total queue-full rejections (monotonic).
func (l *Ledger) RejectedCount() uint64 { return l.rejected.Load() }

// DuplicateTradeCount returns total deduplicated trades (monotonic).
func (l *Ledger) DuplicateTradeCount() uint64 { return l.dupTrades.Load() }

func copyRecord(rec *IntentRecord) IntentRecord {
	out := *rec
	out.Transitions = append([]contracts.Transition(nil), rec.Transitions...)
	return out
}

func findByHex(view map[uint64]*IntentRecord, hex string) *IntentRecord {
	for _, rec := range view {
		if rec.HashHex == hex {
			return rec
		}
	}
	return nil
}
