package redis

import (
	"context"
	"fmt"
	"time"
)

// Dedupe is a TTL-bounded seen-set for execution/trade IDs.
// ⭐ SSOT: 레지스트리의 빠른 경로 — 진실의 원천은 Postgres processed_trades
//
// Redis가 꺼져 있거나 죽어 있어도 호출자는 항상 영속 레지스트리로
// 폴백해야 하므로, 여기서의 miss는 "모름"이지 "처음 본다"가 아니다.
type Dedupe struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewDedupe creates a dedupe set with the given key prefix and retention.
func NewDedupe(client *Client, prefix string, ttl time.Duration) *Dedupe {
	return &Dedupe{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Seen reports whether the ID is already in the fast set.
// Disabled/unreachable Redis reports false with no error — 폴백 유도.
func (d *Dedupe) Seen(ctx context.Context, id string) (bool, error) {
	if !d.client.Enabled() {
		return false, nil
	}

	n, err := d.client.Redis().Exists(ctx, d.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe exists failed: %w", err)
	}
	return n > 0, nil
}

// Mark records the ID with the configured TTL. Idempotent.
func (d *Dedupe) Mark(ctx context.Context, id string) error {
	if !d.client.Enabled() {
		return nil
	}

	if err := d.client.Redis().Set(ctx, d.key(id), "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("dedupe mark failed: %w", err)
	}
	return nil
}

func (d *Dedupe) key(id string) string {
	return d.prefix + ":" + id
}
