package risk

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/regimebot/regimebot/internal/domain"
)

// Tracker records the timestamps the cooldown gates compare against: the last
// position close per symbol and the last approved signal per engine.
type Tracker interface {
	LastSymbolClose(ctx context.Context, symbol string) (int64, error)
	LastEngineApproval(ctx context.Context, engine domain.Engine) (int64, error)
	MarkSymbolClose(ctx context.Context, symbol string, ts int64) error
	MarkEngineApproval(ctx context.Context, engine domain.Engine, ts int64) error
}

const (
	symbolCloseKeyPrefix    = "risk:cooldown:symbol:"
	engineApprovalKeyPrefix = "risk:cooldown:engine:"

	// trackerTTL keeps keys alive comfortably past any cooldown window.
	trackerTTL = time.Hour
)

// RedisTracker stores cooldown marks in redis so restarts and multiple
// processes share them.
type RedisTracker struct {
	rdb redis.Cmdable
}

// NewRedisTracker creates a redis-backed tracker.
func NewRedisTracker(rdb redis.Cmdable) *RedisTracker {
	return &RedisTracker{rdb: rdb}
}

func (t *RedisTracker) LastSymbolClose(ctx context.Context, symbol string) (int64, error) {
	return t.get(ctx, symbolCloseKeyPrefix+symbol)
}

func (t *RedisTracker) LastEngineApproval(ctx context.Context, engine domain.Engine) (int64, error) {
	return t.get(ctx, engineApprovalKeyPrefix+string(engine))
}

func (t *RedisTracker) MarkSymbolClose(ctx context.Context, symbol string, ts int64) error {
	return t.rdb.Set(ctx, symbolCloseKeyPrefix+symbol, strconv.FormatInt(ts, 10), trackerTTL).Err()
}

func (t *RedisTracker) MarkEngineApproval(ctx context.Context, engine domain.Engine, ts int64) error {
	return t.rdb.Set(ctx, engineApprovalKeyPrefix+string(engine), strconv.FormatInt(ts, 10), trackerTTL).Err()
}

func (t *RedisTracker) get(ctx context.Context, key string) (int64, error) {
	raw, err := t.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// MemoryTracker is the single-process fallback used when no redis is
// configured, and in tests.
type MemoryTracker struct {
	mu        sync.Mutex
	symbols   map[string]int64
	approvals map[domain.Engine]int64
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		symbols:   make(map[string]int64),
		approvals: make(map[domain.Engine]int64),
	}
}

func (t *MemoryTracker) LastSymbolClose(_ context.Context, symbol string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbols[symbol], nil
}

func (t *MemoryTracker) LastEngineApproval(_ context.Context, engine domain.Engine) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.approvals[engine], nil
}

func (t *MemoryTracker) MarkSymbolClose(_ context.Context, symbol string, ts int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[symbol] = ts
	return nil
}

func (t *MemoryTracker) MarkEngineApproval(_ context.Context, engine domain.Engine, ts int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.approvals[engine] = ts
	return nil
}
