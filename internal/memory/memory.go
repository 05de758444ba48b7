package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ragline/ragline/config"
	"github.com/ragline/ragline/internal/engine"
)

type storeAPI interface {
	AppendTurn(ctx context.Context, sessionID string, turn engine.Turn) error
	RecentTurns(ctx context.Context, sessionID string, window int) ([]engine.Turn, error)
	PruneTurns(ctx context.Context, cutoff time.Time) (int64, error)
}

// turnCache is the slice of redis the window cache needs. Get reports a
// missing key as ok=false with a nil error.
type turnCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

const (
	cacheTTL = 5 * time.Minute
	// Version keys must outlive window payloads or a payload could match a
	// freshly restarted version counter.
	versionTTL = 2 * cacheTTL
)

// cachedWindow stamps the cached turns with the session version observed
// before the store read. Append bumps the version, so a snapshot taken
// concurrently with an append is never served afterwards.
type cachedWindow struct {
	Version int64         `json:"version"`
	Turns   []engine.Turn `json:"turns"`
}

// Manager is the conversation memory adapter over the primary store. It
// implements engine.ConversationMemory and optionally keeps the trailing
// window of each session in Redis, invalidated on every append.
type Manager struct {
	store  storeAPI
	cache  turnCache
	cfg    config.MemoryConfig
	logger *log.Logger

	appendTotal    otelmetric.Int64Counter
	appendFailures otelmetric.Int64Counter
	appendLatency  otelmetric.Float64Histogram
	loadTotal      otelmetric.Int64Counter
	cacheHits      otelmetric.Int64Counter
	cacheMisses    otelmetric.Int64Counter
	pruneTotal     otelmetric.Int64Counter
	prunedTurns    otelmetric.Int64Counter
}

// New constructs the memory manager. rdb may be nil; loads then always hit
// the store.
func New(st storeAPI, rdb *redis.Client, cfg config.MemoryConfig, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	var cache turnCache
	if cfg.CacheEnabled && rdb != nil {
		cache = redisCache{rdb: rdb}
	}
	m := &Manager{
		store:  st,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
	}

	meter := otel.Meter("ragline/memory")
	var err error
	m.appendTotal, err = meter.Int64Counter("memory_turn_appends")
	if err != nil {
		logger.Printf("otel counter memory_turn_appends: %v", err)
	}
	m.appendFailures, err = meter.Int64Counter("memory_turn_append_failures")
	if err != nil {
		logger.Printf("otel counter memory_turn_append_failures: %v", err)
	}
	m.appendLatency, err = meter.Float64Histogram("memory_turn_append_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Printf("otel histogram memory_turn_append_latency_ms: %v", err)
	}
	m.loadTotal, err = meter.Int64Counter("memory_window_loads")
	if err != nil {
		logger.Printf("otel counter memory_window_loads: %v", err)
	}
	m.cacheHits, err = meter.Int64Counter("memory_window_cache_hits")
	if err != nil {
		logger.Printf("otel counter memory_window_cache_hits: %v", err)
	}
	m.cacheMisses, err = meter.Int64Counter("memory_window_cache_misses")
	if err != nil {
		logger.Printf("otel counter memory_window_cache_misses: %v", err)
	}
	m.pruneTotal, err = meter.Int64Counter("memory_prune_runs")
	if err != nil {
		logger.Printf("otel counter memory_prune_runs: %v", err)
	}
	m.prunedTurns, err = meter.Int64Counter("memory_pruned_turns")
	if err != nil {
		logger.Printf("otel counter memory_pruned_turns: %v", err)
	}
	return m
}

func cacheKey(sessionID string) string {
	return "ragline:history:" + sessionID
}

func versionKey(sessionID string) string {
	return "ragline:history:ver:" + sessionID
}

// Append durably records a turn, bumps the session version and drops the
// cached window. The turn is visible to Load once this returns.
func (m *Manager) Append(ctx context.Context, sessionID string, turn engine.Turn) error {
	start := time.Now()
	err := m.store.AppendTurn(ctx, sessionID, turn)
	if m.appendLatency != nil {
		m.appendLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if m.appendTotal != nil {
		m.appendTotal.Add(ctx, 1)
	}
	if err != nil {
		if m.appendFailures != nil {
			m.appendFailures.Add(ctx, 1)
		}
		return fmt.Errorf("append turn: %w", err)
	}

	if m.cache != nil {
		// The version bump invalidates snapshots taken before this append,
		// including one a concurrent Load is about to write back.
		if _, err := m.cache.Incr(ctx, versionKey(sessionID), versionTTL); err != nil {
			m.logger.Printf("version bump failed for session %s: %v", sessionID, err)
		}
		if err := m.cache.Del(ctx, cacheKey(sessionID)); err != nil {
			// Stale entries also fail the version check and expire via TTL.
			m.logger.Printf("cache invalidation failed for session %s: %v", sessionID, err)
		}
	}
	return nil
}

// Load returns the most recent window turns in append order, serving from
// the cache when it holds the configured window for the current version.
func (m *Manager) Load(ctx context.Context, sessionID string, window int) ([]engine.Turn, error) {
	if m.loadTotal != nil {
		m.loadTotal.Add(ctx, 1)
	}
	if window <= 0 {
		window = m.cfg.HistoryWindow
	}

	cacheable := m.cache != nil && window == m.cfg.HistoryWindow
	var version int64
	if cacheable {
		var ok bool
		version, ok = m.version(ctx, sessionID)
		if !ok {
			// Cannot establish the session version; do not read or write
			// the cache on this load.
			cacheable = false
		}
	}
	if cacheable {
		if turns, ok := m.cachedTurns(ctx, sessionID, version); ok {
			if m.cacheHits != nil {
				m.cacheHits.Add(ctx, 1)
			}
			return turns, nil
		}
		if m.cacheMisses != nil {
			m.cacheMisses.Add(ctx, 1)
		}
	}

	turns, err := m.store.RecentTurns(ctx, sessionID, window)
	if err != nil {
		return nil, err
	}

	if cacheable {
		// Stamped with the version read before the store query. If an
		// append landed in between, the stamp is already stale and the
		// snapshot will never be served.
		if raw, err := json.Marshal(cachedWindow{Version: version, Turns: turns}); err == nil {
			if err := m.cache.Set(ctx, cacheKey(sessionID), raw, cacheTTL); err != nil {
				m.logger.Printf("cache write failed for session %s: %v", sessionID, err)
			}
		}
	}
	return turns, nil
}

// version reads the session's append counter. A session with no bumps in the
// version TTL window reads as zero.
func (m *Manager) version(ctx context.Context, sessionID string) (int64, bool) {
	raw, ok, err := m.cache.Get(ctx, versionKey(sessionID))
	if err != nil {
		m.logger.Printf("version read failed for session %s: %v", sessionID, err)
		return 0, false
	}
	if !ok {
		return 0, true
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		m.logger.Printf("version key corrupt for session %s: %q", sessionID, raw)
		return 0, false
	}
	return v, true
}

func (m *Manager) cachedTurns(ctx context.Context, sessionID string, version int64) ([]engine.Turn, bool) {
	raw, ok, err := m.cache.Get(ctx, cacheKey(sessionID))
	if err != nil || !ok {
		return nil, false
	}
	var cw cachedWindow
	if err := json.Unmarshal(raw, &cw); err != nil {
		m.logger.Printf("cache entry corrupt for session %s, rereading", sessionID)
		return nil, false
	}
	if cw.Version != version {
		return nil, false
	}
	return cw.Turns, true
}

// Prune removes turns older than the configured retention. A retention of 0
// keeps everything.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	if m.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	if m.pruneTotal != nil {
		m.pruneTotal.Add(ctx, 1)
	}
	cutoff := time.Now().AddDate(0, 0, -m.cfg.RetentionDays)
	removed, err := m.store.PruneTurns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	if m.prunedTurns != nil {
		m.prunedTurns.Add(ctx, removed)
	}
	if removed > 0 {
		m.logger.Printf("pruned %d turn(s) older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// redisCache adapts a redis client to the turnCache interface.
type redisCache struct {
	rdb *redis.Client
}

func (c redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c redisCache) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c redisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return v, err
	}
	return v, nil
}
