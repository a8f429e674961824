// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stacklok/edgeauth/pkg/logger"
	"github.com/stacklok/edgeauth/pkg/metrics"
)

// Populator defaults.
const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 256
	DefaultPopulateTimeout = 5 * time.Second
)

// PopulatorConfig configures a Populator.
type PopulatorConfig struct {
	// Workers is the number of concurrent writers (default 4).
	Workers int

	// QueueSize bounds the number of pending writes (default 256).
	QueueSize int

	// WriteTimeout bounds each store write (default 5s).
	WriteTimeout time.Duration
}

type write struct {
	ctx   context.Context
	key   string
	entry *Entry
}

// Populator writes cache entries off the request path with a bounded pool
// of workers. Writes outlive the request that scheduled them. When the
// queue is full the write is dropped; a missed write only costs a later
// cache miss.
type Populator struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue   chan write
	workers sync.WaitGroup

	// pending counts queued and running writes; idle is signalled when it
	// drops to zero
	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond

	mu     sync.RWMutex
	closed bool
}

// NewPopulator starts the workers writing to store. m may be nil.
func NewPopulator(store Store, cfg PopulatorConfig, m *metrics.Metrics) *Populator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultPopulateTimeout
	}

	p := &Populator{
		store:   store,
		timeout: cfg.WriteTimeout,
		logger:  logger.Component("cache"),
		metrics: m,
		queue:   make(chan write, cfg.QueueSize),
	}
	p.idle = sync.NewCond(&p.pendingMu)
	p.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go p.run()
	}
	return p
}

// Submit schedules entry to be stored under key. It never blocks and
// reports whether the write was queued. ctx only contributes its values;
// its cancellation does not abort the write.
func (p *Populator) Submit(ctx context.Context, key string, entry *Entry) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(key, "populator closed")
		return false
	}

	p.addPending(1)
	select {
	case p.queue <- write{ctx: context.WithoutCancel(ctx), key: key, entry: entry}:
		return true
	default:
		p.addPending(-1)
		p.drop(key, "queue full")
		return false
	}
}

// Wait blocks until no write is queued or running. It may be called
// concurrently with Submit; writes submitted while waiting are waited for.
func (p *Populator) Wait() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

func (p *Populator) addPending(delta int) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending += delta
	if p.pending == 0 {
		p.idle.Broadcast()
	}
}

// Close stops accepting writes and waits for queued writes to finish or for
// ctx to expire.
func (p *Populator) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Populator) run() {
	defer p.workers.Done()
	for w := range p.queue {
		p.put(w)
		p.addPending(-1)
	}
}

func (p *Populator) put(w write) {
	ctx, cancel := context.WithTimeout(w.ctx, p.timeout)
	defer cancel()

	if err := p.store.Set(ctx, w.key, w.entry); err != nil {
		p.metrics.ObserveExchangeCache(metrics.CacheWriteFail)
		p.logger.Warn("failed to populate cache entry", "key", w.key, "error", err)
		return
	}
	p.metrics.ObserveExchangeCache(metrics.CacheStored)
}

func (p *Populator) drop(key, reason string) {
	p.metrics.ObserveExchangeCache(metrics.CacheDropped)
	p.logger.Warn("dropping cache write", "key", key, "reason", reason)
}
