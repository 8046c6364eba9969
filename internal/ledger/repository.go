package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/soldier/backend/internal/contracts"
)

// Repository is the Postgres-backed Store.
// ⭐ SSOT: intent_events / processed_trades 접근은 여기서만
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a ledger repository on the shared pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Schema: append-only event log plus the idempotent trade registry.
//
//	CREATE TABLE soldier.intent_events (
//	    seq           BIGSERIAL PRIMARY KEY,
//	    intent_hash   CHAR(16)    NOT NULL,
//	    kind          TEXT        NOT NULL,
//	    group_id      TEXT        NOT NULL,
//	    leg_idx       INT         NOT NULL,
//	    lifecycle     TEXT        NOT NULL DEFAULT '',
//	    from_state    TEXT        NOT NULL DEFAULT '',
//	    to_state      TEXT        NOT NULL DEFAULT '',
//	    transition    TEXT        NOT NULL DEFAULT '',
//	    anomaly       TEXT        NOT NULL DEFAULT '',
//	    intent        JSONB,
//	    created_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX ON soldier.intent_events (intent_hash, seq);
//
//	CREATE TABLE soldier.processed_trades (
//	    trade_id     TEXT PRIMARY KEY,
//	    order_id     TEXT        NOT NULL DEFAULT '',
//	    intent_hash  CHAR(16)    NOT NULL DEFAULT '',
//	    instrument   TEXT        NOT NULL,
//	    side         TEXT        NOT NULL,
//	    qty          DOUBLE PRECISION NOT NULL,
//	    price        DOUBLE PRECISION NOT NULL,
//	    executed_at  TIMESTAMPTZ NOT NULL
//	);

// AppendEvent appends one event. Rows are never updated or deleted.
func (r *Repository) AppendEvent(ctx context.Context, ev Event) error {
	var intentJSON []byte
	if ev.Intent != nil {
		var err error
		intentJSON, err = json.Marshal(ev.Intent)
		if err != nil {
			return fmt.Errorf("failed to marshal intent: %w", err)
		}
	}

	query := `
		INSERT INTO soldier.intent_events (
			intent_hash, kind, group_id, leg_idx,
			lifecycle, from_state, to_state, transition, anomaly,
			intent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		ev.IntentHash, string(ev.Kind), ev.GroupID, ev.LegIdx,
		string(ev.Lifecycle), string(ev.FromState), string(ev.ToState),
		string(ev.TransitionKind), ev.Anomaly,
		intentJSON, ev.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger event: %w", err)
	}
	return nil
}

// LoadEvents returns all events in append order for replay.
func (r *Repository) LoadEvents(ctx context.Context) ([]Event, error) {
	query := `
		SELECT seq, intent_hash, kind, group_id, leg_idx,
		       lifecycle, from_state, to_state, transition, anomaly,
		       intent, created_at
		FROM soldier.intent_events
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind, lifecycle, fromState, toState, transition string
		var intentJSON []byte

		if err := rows.Scan(
			&ev.Seq, &ev.IntentHash, &kind, &ev.GroupID, &ev.LegIdx,
			&lifecycle, &fromState, &toState, &transition, &ev.Anomaly,
			&intentJSON, &ev.At,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger event: %w", err)
		}

		ev.Kind = EventKind(kind)
		ev.Lifecycle = contracts.LifecycleEvent(lifecycle)
		ev.FromState = contracts.OrderState(fromState)
		ev.ToState = contracts.OrderState(toState)
		ev.TransitionKind = contracts.TransitionKind(transition)

		if len(intentJSON) > 0 {
			var in contracts.Intent
			if err := json.Unmarshal(intentJSON, &in); err != nil {
				return nil, fmt.Errorf("failed to unmarshal intent payload: %w", err)
			}
			ev.Intent = &in
		}

		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger events: %w", err)
	}
	return events, nil
}

// InsertTrade registers one execution; duplicate trade IDs are a NOOP.
func (r *Repository) InsertTrade(ctx context.Context, tr TradeRecord) (bool, error) {
	query := `
		INSERT INTO soldier.processed_trades (
			trade_id, order_id, intent_hash, instrument, side, qty, price, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (trade_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		tr.TradeID, tr.OrderID, tr.IntentHash, tr.Instrument,
		string(tr.Side), tr.Qty, tr.Price, tr.ExecutedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to register trade: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LoadTradeIDs returns trade IDs executed at or after since.
func (r *Repository) LoadTradeIDs(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT trade_id
		FROM soldier.processed_trades
		WHERE executed_at >= $1
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade IDs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trade ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trade IDs: %w", err)
	}
	return ids, nil
}

// PruneTrades deletes registry rows older than the retention cutoff.
// 이벤트 로그는 절대 지우지 않는다 — 레지스트리만 보존 기간으로 관리.
func (r *Repository) PruneTrades(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM soldier.processed_trades WHERE executed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune trade registry: %w", err)
	}
	return tag.RowsAffected(), nil
}
