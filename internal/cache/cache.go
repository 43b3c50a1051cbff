package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"easyaikit/internal/backend"

	"github.com/redis/go-redis/v9"
)

// Cache stores completed responses keyed by request fingerprint
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, response string)
}

// CachedResponse represents a cached API response
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from a request. Stream flags are
// ignored so that identical questions share an entry.
func GenerateCacheKey(req backend.ChatRequest) string {
	req.Stream = false
	req.StreamOptions = nil
	h := sha256.New()
	// json.Marshal on a struct of plain fields cannot fail
	b, _ := json.Marshal(req)
	h.Write(b)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Memory is an in-process cache. A zero TTL keeps entries forever.
type Memory struct {
	entries sync.Map
	ttl     time.Duration
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	val, ok := m.entries.Load(key)
	if !ok {
		return "", false
	}
	cached := val.(CachedResponse)
	if m.ttl > 0 && time.Since(cached.Timestamp) > m.ttl {
		m.entries.Delete(key)
		return "", false
	}
	return cached.Response, true
}

func (m *Memory) Set(_ context.Context, key, response string) {
	m.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: time.Now(),
	})
}

// Redis shares cached responses between processes
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:    ttl,
		prefix: "easyai:resp:",
		logger: slog.Default(),
	}
}

// Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("redis cache get failed", "error", err)
		}
		return "", false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key, response string) {
	if err := r.rdb.Set(ctx, r.prefix+key, response, r.ttl).Err(); err != nil {
		r.logger.Warn("redis cache set failed", "error", err)
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
