// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package batcher

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_batcher_dispatched_total",
		Help: "Total number of coalesced batches dispatched",
	})
	batchSizeHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_batcher_batch_size",
		Help:    "Distribution of dispatched batch sizes",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})
	backpressurePausesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_batcher_backpressure_pauses_total",
		Help: "Total number of dispatch cycles skipped due to registry backpressure",
	})
)

func init() {
	prometheus.MustRegister(dispatchedTotal, batchSizeHistogram, backpressurePausesTotal)
}

// RegistryUtilization reports the fraction of the Stream Registry's
// active-stream cap currently in use, used to gate dispatch under
// backpressure.
type RegistryUtilization interface {
	Utilization() float64
}

// Config configures a Batcher and seeds every partition it creates.
type Config struct {
	InitialTargetBatchSize  int
	MinBatchSize            int
	MaxBatchSize            int
	MinHold                 time.Duration
	MaxHold                 time.Duration
	BackgroundHoldExtension time.Duration
	TargetBatchTime         time.Duration

	BackpressureThreshold float64 // utilization fraction, e.g. 0.9
	PauseOnBackpressure   time.Duration

	TickInterval time.Duration
	IngestBuffer int
}

func (c *Config) setDefaults() {
	if c.InitialTargetBatchSize <= 0 {
		c.InitialTargetBatchSize = c.MinBatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 1
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.MinHold <= 0 {
		c.MinHold = 2 * time.Millisecond
	}
	if c.MaxHold <= 0 {
		c.MaxHold = 20 * time.Millisecond
	}
	if c.TargetBatchTime <= 0 {
		c.TargetBatchTime = 15 * time.Millisecond
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = 0.9
	}
	if c.PauseOnBackpressure <= 0 {
		c.PauseOnBackpressure = 50 * time.Millisecond
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Millisecond
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = 4096
	}
}

// Batcher coalesces requests per model into batches and dispatches them via
// a Dispatcher once a partition's flush condition is met. It is a
// single-worker service: all partition mutation happens on the worker
// goroutine, so the lane lists and hold windows need no locking.
type Batcher struct {
	cfg        Config
	dispatcher Dispatcher
	registry   RegistryUtilization
	logger     *slog.Logger

	partitions map[string]*partition

	in             chan Request
	stopCh         chan struct{}
	doneCh         chan struct{}
	maxBatchSizeCh chan int
	once           sync.Once

	pausedUntil time.Time
}

// New creates a Batcher. registry may be nil to disable the backpressure
// pause (e.g. in isolated partition tests).
func New(cfg Config, dispatcher Dispatcher, registry RegistryUtilization, logger *slog.Logger) *Batcher {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     logger,
		partitions: make(map[string]*partition),
		in:             make(chan Request, cfg.IngestBuffer),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		maxBatchSizeCh: make(chan int, 1),
	}
}

// SetMaxBatchSize adjusts the cap every partition flushes at, live. It is
// the QoS Executor's scale_up/scale_down remediation hook: a pending change
// coalesces with any not yet applied, since only the latest target matters.
func (b *Batcher) SetMaxBatchSize(n int) {
	if n <= 0 {
		return
	}
	select {
	case b.maxBatchSizeCh <- n:
	default:
		select {
		case <-b.maxBatchSizeCh:
		default:
		}
		b.maxBatchSizeCh <- n
	}
}

// Start launches the worker goroutine. Safe to call once.
func (b *Batcher) Start() {
	b.once.Do(func() { go b.run() })
}

// Stop asks the worker to flush every partition and exit, then waits.
func (b *Batcher) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// Submit enqueues a request, blocking if the ingest buffer is full.
func (b *Batcher) Submit(r Request) {
	if r.EnqueuedAt.IsZero() {
		r.EnqueuedAt = time.Now()
	}
	b.in <- r
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-b.in:
			b.partitionFor(r.Params.ModelID).enqueue(r)
			b.flushReady(false)
		case <-ticker.C:
			b.flushReady(false)
		case n := <-b.maxBatchSizeCh:
			b.applyMaxBatchSize(n)
		case <-b.stopCh:
			b.flushReady(true)
			return
		}
	}
}

// applyMaxBatchSize runs on the worker goroutine, so it can mutate every
// partition's maxBatchSize without locking.
func (b *Batcher) applyMaxBatchSize(n int) {
	b.cfg.MaxBatchSize = n
	for _, p := range b.partitions {
		p.maxBatchSize = n
		if p.targetBatchSize > n {
			p.targetBatchSize = n
		}
	}
	b.logger.Info("batcher max batch size adjusted", "maxBatchSize", n)
}

func (b *Batcher) partitionFor(modelID string) *partition {
	p, ok := b.partitions[modelID]
	if !ok {
		p = newPartition(modelID, b.cfg)
		b.partitions[modelID] = p
	}
	return p
}

// flushReady dispatches every partition whose flush condition holds. When
// force is true (shutdown), every non-empty partition is flushed regardless
// of its hold window. Backpressure pauses all but urgent-holding partitions:
// an urgent request still flushes immediately even while paused, since it
// represents an explicit latency-sensitive caller that must not wait behind
// a registry that's merely busy with other streams.
func (b *Batcher) flushReady(force bool) {
	now := time.Now()
	paused := !force && b.underBackpressure(now)

	for _, p := range b.partitions {
		if p.empty() {
			continue
		}
		urgent := p.lanes[PriorityUrgent].Len() > 0
		if paused && !urgent {
			continue
		}
		if !force && !urgent && !p.shouldFlush(now) {
			continue
		}
		b.dispatch(p)
	}
}

func (b *Batcher) underBackpressure(now time.Time) bool {
	if b.registry == nil {
		return false
	}
	if now.Before(b.pausedUntil) {
		return true
	}
	if b.registry.Utilization() >= b.cfg.BackpressureThreshold {
		b.pausedUntil = now.Add(b.cfg.PauseOnBackpressure)
		backpressurePausesTotal.Inc()
		return true
	}
	return false
}

func (b *Batcher) dispatch(p *partition) {
	batch := p.drain()
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	if err := b.dispatcher.Dispatch(batch); err != nil {
		b.logger.Error("batch dispatch failed", "model_id", p.modelID, "size", len(batch), "error", err)
		return
	}
	elapsed := time.Since(start)
	p.adapt(elapsed, b.cfg.TargetBatchTime)
	dispatchedTotal.Inc()
	batchSizeHistogram.Observe(float64(len(batch)))
}
