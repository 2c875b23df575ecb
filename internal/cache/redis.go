// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// StatsKey holds the most recent stats snapshot as JSON.
const StatsKey = "webstar:stats"

const eventBuffer = 1024

// Connect opens a Redis client for cfg and pings it.
func Connect(ctx context.Context, cfg config.StatsConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

// Publisher pushes lobby events onto a Redis list for the historian and
// periodically stores the stats snapshot. Emit never blocks; when the buffer
// is full the event is dropped and counted.
type Publisher struct {
	rdb      *redis.Client
	queue    string
	interval time.Duration
	snapshot func() interface{}
	logger   *logrus.Logger

	events  chan stats.Event
	dropped atomic.Uint64
}

func NewPublisher(rdb *redis.Client, cfg config.StatsConfig, snapshot func() interface{}, logger *logrus.Logger) *Publisher {
	return &Publisher{
		rdb:      rdb,
		queue:    cfg.EventQueue,
		interval: cfg.PublishInterval,
		snapshot: snapshot,
		logger:   logger,
		events:   make(chan stats.Event, eventBuffer),
	}
}

// Emit implements stats.Sink.
func (p *Publisher) Emit(e stats.Event) {
	select {
	case p.events <- e:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.logger.Warnf("event queue full, dropped %d events so far", n)
		}
	}
}

// Run publishes until ctx is done, then flushes what is already buffered.
func (p *Publisher) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.interval > 0 && p.snapshot != nil {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case e := <-p.events:
			if err := p.PublishEvent(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warnf("failed to publish %s event: %v", e.Type, err)
			}
		case <-tick:
			if err := p.PublishSnapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warnf("failed to publish stats snapshot: %v", err)
			}
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-p.events:
			if err := p.PublishEvent(ctx, e); err != nil {
				p.logger.Warnf("failed to flush %s event: %v", e.Type, err)
				return
			}
		default:
			return
		}
	}
}

// PublishEvent serializes e to JSON and pushes it to the event queue.
func (p *Publisher) PublishEvent(ctx context.Context, e stats.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}

// PublishSnapshot stores the current stats snapshot under StatsKey. The key
// expires after two intervals so a dead server does not leave stale numbers.
func (p *Publisher) PublishSnapshot(ctx context.Context) error {
	data, err := json.Marshal(p.snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal stats snapshot: %w", err)
	}
	return p.rdb.Set(ctx, StatsKey, data, 2*p.interval).Err()
}
