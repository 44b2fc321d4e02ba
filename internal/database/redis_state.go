package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/strategy"
)

const (
	// stateKeyPrefix is the key prefix for mirrored symbol state.
	// Format: bige:state:{symbol}
	stateKeyPrefix = "bige:state"

	// stateTTL keeps stale mirrors from surviving a long outage.
	stateTTL = 7 * 24 * time.Hour
)

// RedisStateMirror publishes symbol state snapshots so dashboards and a
// standby process can observe the engine. Recovery reads it back at
// startup to warm the rebuilt state machines with the stop and add
// counters the venue cannot report. When Redis is down it degrades to
// an in-memory map.
type RedisStateMirror struct {
	client    *redis.Client
	mu        sync.RWMutex
	fallback  map[string]strategy.SymbolState
	available atomic.Bool
}

// NewRedisStateMirror connects using a redis URL. An empty URL or a failed
// parse returns a memory-only mirror; a reachable server flips it live.
func NewRedisStateMirror(url string) *RedisStateMirror {
	m := &RedisStateMirror{fallback: make(map[string]strategy.SymbolState)}
	log := logging.WithComponent("redis")
	if url == "" {
		return m
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("invalid redis URL, state mirror disabled")
		return m
	}
	m.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable at startup, using in-memory mirror")
	} else {
		m.available.Store(true)
		log.Info().Msg("redis state mirror connected")
	}
	return m
}

func stateKey(symbol string) string {
	return fmt.Sprintf("%s:%s", stateKeyPrefix, symbol)
}

// Save mirrors one symbol state snapshot. Always succeeds locally; the
// Redis write is attempted when the server was last seen alive.
func (m *RedisStateMirror) Save(ctx context.Context, st strategy.SymbolState) error {
	m.mu.Lock()
	m.fallback[st.Symbol] = st
	m.mu.Unlock()

	if m.client == nil || !m.available.Load() {
		return nil
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", st.Symbol, err)
	}
	if err := m.client.Set(ctx, stateKey(st.Symbol), data, stateTTL).Err(); err != nil {
		m.available.Store(false)
		return fmt.Errorf("failed to mirror state for %s: %w", st.Symbol, err)
	}
	return nil
}

// Load reads a mirrored state, preferring Redis and falling back to
// the local map. Recovery uses it to warm-start a restarted engine.
func (m *RedisStateMirror) Load(ctx context.Context, symbol string) (strategy.SymbolState, bool, error) {
	if m.client != nil && m.available.Load() {
		data, err := m.client.Get(ctx, stateKey(symbol)).Bytes()
		switch {
		case err == redis.Nil:
			return strategy.SymbolState{}, false, nil
		case err != nil:
			m.available.Store(false)
		default:
			var st strategy.SymbolState
			if err := json.Unmarshal(data, &st); err != nil {
				return strategy.SymbolState{}, false, fmt.Errorf("corrupt state mirror for %s: %w", symbol, err)
			}
			return st, true, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.fallback[symbol]
	return st, ok, nil
}

// Delete clears a mirror entry, typically after an exit.
func (m *RedisStateMirror) Delete(ctx context.Context, symbol string) {
	m.mu.Lock()
	delete(m.fallback, symbol)
	m.mu.Unlock()

	if m.client != nil && m.available.Load() {
		if err := m.client.Del(ctx, stateKey(symbol)).Err(); err != nil {
			m.available.Store(false)
		}
	}
}

// Close releases the Redis connection.
func (m *RedisStateMirror) Close() {
	if m.client != nil {
		_ = m.client.Close()
	}
}
