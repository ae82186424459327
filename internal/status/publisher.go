// Package status publishes the aggregator's state snapshot so an external
// process (dashboard, CLI, monitor) can observe the watcher without
// talking to its in-memory state directly. It implements the
// aggregator.Publisher seam: Redis is the primary sink, a local JSON file
// is the fallback when Redis is unavailable, adapted from the teacher's
// internal/cache.CacheService circuit breaker.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"binance-trading-bot/config"
	"binance-trading-bot/internal/aggregator"
	"binance-trading-bot/internal/logging"
)

const ttl = 60 * time.Second

// Publisher writes aggregator.Snapshot values to Redis, falling back to an
// atomic local file write when Redis is unhealthy. It satisfies
// aggregator.Publisher.
type Publisher struct {
	client         *redis.Client
	statusFilePath string
	log            *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// maxFailures is the circuit breaker threshold for marking Redis
	// unhealthy; checkInterval paces the background recovery ping.
	maxFailures   int
	checkInterval time.Duration

	// bothSinksFailed counts consecutive Publish calls where neither Redis
	// nor the file fallback succeeded; at 2 it logs at ERROR per spec.
	bothSinksFailed int
}

// New builds a Publisher. redisCfg.Enabled=false builds a Publisher that
// always uses the file fallback, matching the original service's behavior
// when no Redis URL is configured at all.
func New(redisCfg config.RedisConfig, statusFilePath string) *Publisher {
	p := &Publisher{
		statusFilePath: statusFilePath,
		log:            logging.WithComponent("status"),
		maxFailures:    3,
		checkInterval:  30 * time.Second,
	}

	if !redisCfg.Enabled {
		p.log.Info("redis disabled, status publisher will only write to file", "path", statusFilePath)
		return p
	}

	opts := &redis.Options{
		Addr:         redisCfg.Addr,
		Password:     redisCfg.Password,
		DB:           redisCfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if redisCfg.URL != "" {
		if parsed, err := redis.ParseURL(redisCfg.URL); err == nil {
			opts = parsed
		} else {
			p.log.Warn("invalid REDIS_URL, falling back to discrete redis settings", "error", err.Error())
		}
	}

	p.client = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		p.log.Warn("initial redis connection failed, starting in degraded mode", "error", err.Error())
		return p
	}

	p.healthy = true
	p.lastCheck = time.Now()
	p.log.Info("redis status sink connected", "addr", redisCfg.Addr)
	return p
}

// Publish writes snap to Redis under status:<SYMBOL> with a 60s TTL. If
// Redis is unavailable it falls back to an atomic write of the same JSON
// payload to the configured status file, mirroring
// original_source/src/main.py's _update_status fallback chain.
func (p *Publisher) Publish(ctx context.Context, snap aggregator.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("failed to marshal status snapshot", "error", err.Error())
		return
	}

	if p.writeRedis(ctx, snap.Symbol, payload) {
		p.recordBothSinksOutcome(true)
		return
	}

	if p.writeFile(payload) {
		p.recordBothSinksOutcome(true)
		return
	}

	p.recordBothSinksOutcome(false)
}

func (p *Publisher) writeRedis(ctx context.Context, symbol string, payload []byte) bool {
	if p.client == nil {
		return false
	}

	p.checkHealth(ctx)
	if !p.isHealthy() {
		return false
	}

	key := fmt.Sprintf("status:%s", symbol)
	if err := p.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		p.recordFailure()
		p.log.Warn("redis status write failed, will try file fallback", "error", err.Error())
		return false
	}

	p.recordSuccess()
	return true
}

// writeFile performs an atomic write: write to a temp file in the same
// directory, then rename over the destination, so a concurrent reader
// never observes a partially-written status file.
func (p *Publisher) writeFile(payload []byte) bool {
	dir := filepath.Dir(p.statusFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.Error("failed to create status file directory", "dir", dir, "error", err.Error())
		return false
	}

	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		p.log.Error("failed to create temp status file", "error", err.Error())
		return false
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		p.log.Error("failed to write temp status file", "error", err.Error())
		return false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		p.log.Error("failed to close temp status file", "error", err.Error())
		return false
	}

	if err := os.Rename(tmpPath, p.statusFilePath); err != nil {
		os.Remove(tmpPath)
		p.log.Error("failed to rename temp status file into place", "error", err.Error())
		return false
	}

	return true
}

func (p *Publisher) recordBothSinksOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.bothSinksFailed = 0
		return
	}
	p.bothSinksFailed++
	if p.bothSinksFailed >= 2 {
		p.log.Error("status publish failed on both redis and file fallback", "consecutive_failures", p.bothSinksFailed)
	}
}

func (p *Publisher) isHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *Publisher) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCount++
	if p.failureCount >= p.maxFailures && p.healthy {
		p.log.Warn("circuit breaker open: redis marked unhealthy", "failure_count", p.failureCount)
		p.healthy = false
	}
}

func (p *Publisher) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.healthy {
		p.log.Info("circuit breaker closed: redis recovered")
	}
	p.healthy = true
	p.failureCount = 0
	p.lastCheck = time.Now()
}

// checkHealth fires a background recovery ping once checkInterval has
// elapsed since the last check, without blocking the caller's publish.
func (p *Publisher) checkHealth(ctx context.Context) {
	p.mu.Lock()
	shouldCheck := !p.healthy && time.Since(p.lastCheck) >= p.checkInterval
	if shouldCheck {
		p.lastCheck = time.Now()
	}
	p.mu.Unlock()

	if !shouldCheck || p.client == nil {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.client.Ping(pingCtx).Err(); err == nil {
			p.recordSuccess()
		}
	}()
}

// Close releases the Redis connection, if any.
func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
