// Package dedup suppresses duplicate message ids. Clients resend
// unacknowledged messages after a reconnect, so the server may legally see
// the same message id twice; only the first occurrence is broadcast and
// archived.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper reports whether a message id has been seen within the retention
// window, marking it as seen when it has not.
type Deduper interface {
	Seen(ctx context.Context, messageID string) (bool, error)
}

const keyPrefix = "chat:msg:"

// Redis implements Deduper with SET NX EX, sharing the window across
// server instances.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (d *Redis) Seen(ctx context.Context, messageID string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, keyPrefix+messageID, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Memory is the in-process Deduper for tests and single-node dev setups.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Memory{ttl: ttl, seen: make(map[string]time.Time)}
}

func (d *Memory) Seen(_ context.Context, messageID string) (bool, error) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[messageID]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[messageID] = now.Add(d.ttl)

	// Opportunistic sweep; the map stays small in practice.
	if len(d.seen) > 4096 {
		for id, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, id)
			}
		}
	}
	return false, nil
}
