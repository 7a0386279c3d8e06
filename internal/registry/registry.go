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

package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fabric/internal/asyncutil"
	"fabric/internal/errs"
	"fabric/internal/quota"
	"fabric/internal/rpcproto"
)

var (
	activeStreamsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_registry_active_streams",
		Help: "Number of currently active generation streams",
	})
	completedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_registry_completed_total",
		Help: "Total streams that reached the completed terminal state",
	})
	cancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_registry_cancelled_total",
		Help: "Total streams that reached the cancelled terminal state",
	})
	erroredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_registry_errored_total",
		Help: "Total streams that reached the errored terminal state",
	})
	rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_registry_rejected_total",
		Help: "Total admission requests rejected for exceeding the active-stream cap",
	})
	ttftHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_registry_ttft_seconds",
		Help:    "Time-to-first-token distribution across completed streams",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(activeStreamsGauge, completedTotal, cancelledTotal, erroredTotal, rejectedTotal, ttftHistogram)
}

// Options configures a Registry.
type Options struct {
	MaxActiveStreams   int64
	DefaultTimeout     time.Duration
	TimeoutSweepPeriod time.Duration
	GracePeriod        time.Duration
}

// Registry tracks every in-flight generation stream. It is the single
// authoritative owner of StreamRecords: consumers hold only an id and the
// record's queue handle, never the record itself, so cleanup can never race
// a consumer's own view of liveness.
type Registry struct {
	streams sync.Map // map[string]*StreamRecord

	admitCap *quota.Quota // admission cap, one unit per active stream

	defaultTimeout time.Duration
	gracePeriod    time.Duration

	completed atomic.Int64
	cancelled atomic.Int64
	errored   atomic.Int64

	ttftSum   atomic.Int64 // nanoseconds, for rolling average
	ttftCount atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	guardClosed atomic.Bool // QoS reject remediation: true rejects every Admit
}

// New creates a Registry with the given admission cap.
func New(opts Options) *Registry {
	if opts.MaxActiveStreams <= 0 {
		opts.MaxActiveStreams = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.TimeoutSweepPeriod <= 0 {
		opts.TimeoutSweepPeriod = time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Second
	}
	return &Registry{
		admitCap:       quota.New(opts.MaxActiveStreams),
		defaultTimeout: opts.DefaultTimeout,
		gracePeriod:    opts.GracePeriod,
		stopChan:       make(chan struct{}),
	}
}

// Start launches the timeout sweep goroutine.
func (r *Registry) Start(sweepPeriod time.Duration) {
	if sweepPeriod <= 0 {
		sweepPeriod = time.Second
	}
	r.wg.Add(1)
	go r.timeoutSweepLoop(sweepPeriod)
}

// Stop halts the sweep goroutine. Safe to call multiple times.
func (r *Registry) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}

// Admit creates a StreamRecord for streamID if the active-stream cap allows
// it. Admission order is arrival order: there is no priority queue here, so
// no priority inversion is possible. queue is the bounded output queue the
// Generator Factory already acquired from its pool; cancel is invoked at
// most once, when the stream is cancelled.
func (r *Registry) Admit(streamID, modelID string, timeout time.Duration, queue *asyncutil.Queue, cancel func()) (*StreamRecord, error) {
	if r.guardClosed.Load() {
		rejectedTotal.Inc()
		return nil, errs.New(errs.AdmitRejected, "admission guard closed")
	}
	if !r.admitCap.TryConsume(1) {
		rejectedTotal.Inc()
		return nil, errs.New(errs.AdmitRejected, "active stream cap reached")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	rec := newStreamRecord(streamID, modelID, timeout, queue, cancel)
	if _, loaded := r.streams.LoadOrStore(streamID, rec); loaded {
		r.admitCap.TryRefund(1)
		return nil, errs.New(errs.Validation, "stream id %s already admitted", streamID)
	}
	activeStreamsGauge.Inc()
	return rec, nil
}

// lookup returns the record for id, or nil if unknown (already terminated
// and reaped, or never admitted). Unknown ids are expected on the hot path
// whenever a late event races the grace-period reap; callers must not treat
// a miss as an error.
func (r *Registry) lookup(streamID string) *StreamRecord {
	v, ok := r.streams.Load(streamID)
	if !ok {
		return nil
	}
	return v.(*StreamRecord)
}

// HandleChunk routes a token event to its stream's queue. Implements
// transport.EventSink.
func (r *Registry) HandleChunk(e rpcproto.ChunkEvent) {
	rec := r.lookup(e.StreamID)
	if rec == nil {
		return
	}
	rec.touch()
	if rec.tokenCount.Add(1) == 1 {
		ttft := int64(time.Since(rec.AdmittedAt()))
		if rec.ttftNanos.CompareAndSwap(0, ttft) {
			r.ttftSum.Add(ttft)
			r.ttftCount.Add(1)
			ttftHistogram.Observe(time.Duration(ttft).Seconds())
		}
	}
	rec.Queue.Push(e)
}

// HandleStats routes an end-of-stream statistics event. Implements
// transport.EventSink.
func (r *Registry) HandleStats(e rpcproto.StatsEvent) {
	rec := r.lookup(e.StreamID)
	if rec == nil {
		return
	}
	rec.touch()
	rec.Queue.Push(e)
}

// HandleEvent routes a terminal transition event and, once the terminal
// state is recorded, reaps the record after the configured grace period so
// any further late event for the same id is dropped idempotently. Implements
// transport.EventSink.
func (r *Registry) HandleEvent(e rpcproto.TerminalEvent) {
	rec := r.lookup(e.StreamID)
	if rec == nil {
		return
	}
	rec.touch()

	var state TerminalState
	switch e.Event {
	case rpcproto.EventCompleted:
		state = Completed
	case rpcproto.EventCancelled:
		state = Cancelled
	default:
		state = Errored
	}
	if rec.terminate(state, e.Event) {
		// terminate() already closed the queue; the consumer learns the
		// terminal reason via rec.State(), not a final queue item.
		r.recordTerminal(state)
		r.scheduleReap(e.StreamID)
	}
}

// Cancel terminates a stream by id with reason "cancelled", invoking its
// cancellation hook so the runtime receives a cancel RPC. Consumer-initiated
// aborts (external context cancellation) call this.
func (r *Registry) Cancel(streamID string) {
	rec := r.lookup(streamID)
	if rec == nil {
		return
	}
	if rec.terminate(Cancelled, "cancelled") {
		r.recordTerminal(Cancelled)
		if rec.cancel != nil {
			rec.cancel()
		}
		r.scheduleReap(streamID)
	}
}

func (r *Registry) recordTerminal(state TerminalState) {
	activeStreamsGauge.Dec()
	switch state {
	case Completed:
		r.completed.Add(1)
		completedTotal.Inc()
	case Cancelled:
		r.cancelled.Add(1)
		cancelledTotal.Inc()
	case Errored:
		r.errored.Add(1)
		erroredTotal.Inc()
	}
	r.admitCap.TryRefund(1)
}

// scheduleReap removes streamID from the table after the grace period, so any
// late event that arrives just after the terminal transition still finds the
// record and is dropped idempotently rather than hitting an unknown id.
func (r *Registry) scheduleReap(streamID string) {
	time.AfterFunc(r.gracePeriod, func() {
		r.streams.Delete(streamID)
	})
}

// Fail errors every in-flight stream when the transport observes a fatal
// failure. Implements transport.FailureObserver-adjacent behavior invoked by
// the transport's EventSink.Fail callback.
func (r *Registry) Fail(err error) {
	r.streams.Range(func(key, value any) bool {
		rec := value.(*StreamRecord)
		if rec.terminateWithErr(Errored, "transport_closed", err) {
			r.recordTerminal(Errored)
		}
		return true
	})
}

// timeoutSweepLoop periodically cancels streams that have been idle longer
// than their configured timeout.
func (r *Registry) timeoutSweepLoop(period time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runTimeoutSweep()
		case <-r.stopChan:
			return
		}
	}
}

func (r *Registry) runTimeoutSweep() {
	now := time.Now()
	var stale []string
	r.streams.Range(func(key, value any) bool {
		rec := value.(*StreamRecord)
		if now.Sub(rec.LastActivity()) > rec.Timeout() {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, id := range stale {
		rec := r.lookup(id)
		if rec == nil {
			continue
		}
		if time.Since(rec.LastActivity()) <= rec.Timeout() {
			continue // touched since the scan; re-check before cancelling
		}
		// Only record the terminal transition (quota refund, gauge, counter)
		// when this call actually performed it — the stream may have already
		// been cancelled or completed concurrently (e.g. via Registry.Cancel)
		// between the scan above and this point, in which case Cancel is a
		// no-op and recordTerminal must not fire again.
		if rec.Cancel("timeout") {
			r.recordTerminal(Cancelled)
			r.scheduleReap(id)
		}
	}
}

// Metrics is a snapshot of aggregate registry state, exposed both by polling
// (this struct) and as prometheus counters. Nothing in this package feeds
// them to the QoS evaluator.
type Metrics struct {
	Active      int64
	Completed   int64
	Cancelled   int64
	Errored     int64
	AverageTTFT time.Duration
}

// Snapshot returns the current aggregate metrics.
func (r *Registry) Snapshot() Metrics {
	_, reserved := r.admitCap.State()
	avg := time.Duration(0)
	if n := r.ttftCount.Load(); n > 0 {
		avg = time.Duration(r.ttftSum.Load() / n)
	}
	return Metrics{
		Active:      reserved,
		Completed:   r.completed.Load(),
		Cancelled:   r.cancelled.Load(),
		Errored:     r.errored.Load(),
		AverageTTFT: avg,
	}
}

// Utilization returns the fraction of the active-stream cap currently in
// use, in [0, 1]. The Generate Batcher pauses dispatch once this crosses its
// configured backpressure threshold.
func (r *Registry) Utilization() float64 {
	capacity, reserved := r.admitCap.State()
	if capacity <= 0 {
		return 0
	}
	return float64(reserved) / float64(capacity)
}

// SetAdmissionGuard opens or closes admission independently of the
// active-stream cap. The QoS Executor's reject remediation closes it on
// breach and reopens it once the evaluator clears the violation.
func (r *Registry) SetAdmissionGuard(closed bool) {
	r.guardClosed.Store(closed)
}
