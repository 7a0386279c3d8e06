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
	"container/list"
	"time"

	"fabric/internal/errs"
)

func abortedErr(streamID string) error {
	return errs.New(errs.Aborted, "request %s cancelled before dispatch", streamID)
}

// partition is a per-model bucket of pending requests, ordered within each
// priority lane via container/list — FIFO within a lane, lanes drained
// urgent-first.
type partition struct {
	modelID string

	lanes [3]*list.List // indexed by Priority

	targetBatchSize int
	minBatchSize    int
	maxBatchSize    int

	minHold         time.Duration
	maxHold         time.Duration
	bgHoldExtension time.Duration

	holdStart    time.Time // zero until the first request lands in an empty partition
	holdExtended bool      // true once a background request has extended this hold window
}

func newPartition(modelID string, cfg Config) *partition {
	p := &partition{
		modelID:         modelID,
		targetBatchSize: cfg.InitialTargetBatchSize,
		minBatchSize:    cfg.MinBatchSize,
		maxBatchSize:    cfg.MaxBatchSize,
		minHold:         cfg.MinHold,
		maxHold:         cfg.MaxHold,
		bgHoldExtension: cfg.BackgroundHoldExtension,
	}
	for i := range p.lanes {
		p.lanes[i] = list.New()
	}
	return p
}

func (p *partition) size() int {
	return p.lanes[PriorityUrgent].Len() + p.lanes[PriorityDefault].Len() + p.lanes[PriorityBackground].Len()
}

func (p *partition) empty() bool { return p.size() == 0 }

// enqueue appends r to its lane. A background request extends this hold
// window by bgHoldExtension exactly once per window: the first background
// arrival in a window, including one that opens it, pushes the deadline back; later
// background arrivals in the same window do not compound the extension or
// reset it.
func (p *partition) enqueue(r Request) {
	if p.empty() {
		p.holdStart = time.Now()
		p.holdExtended = false
	}
	if r.Priority == PriorityBackground && !p.holdExtended {
		p.holdExtended = true
	}
	p.lanes[r.Priority].PushBack(r)
}

// shouldFlush reports whether the partition meets any of the flush
// conditions: urgent present, size at target, min-size-plus-min-hold met, or
// max-hold exceeded (extended once if a background request arrived in this
// window).
func (p *partition) shouldFlush(now time.Time) bool {
	if p.empty() {
		return false
	}
	if p.lanes[PriorityUrgent].Len() > 0 {
		return true
	}
	n := p.size()
	if n >= p.targetBatchSize {
		return true
	}
	elapsed := now.Sub(p.holdStart)
	if n >= p.minBatchSize && elapsed >= p.minHold {
		return true
	}
	hold := p.maxHold
	if p.holdExtended {
		hold += p.bgHoldExtension
	}
	return elapsed >= hold
}

// drain removes and returns every queued request, urgent lane first, and
// resets the hold window. A request whose Cancelled predicate now reports
// true is dropped and its OnCancelled hook fired instead of being included
// in the batch — the batcher never sends a known-cancelled request.
func (p *partition) drain() []Request {
	var out []Request
	for prio := PriorityUrgent; prio >= PriorityBackground; prio-- {
		lane := p.lanes[prio]
		for e := lane.Front(); e != nil; e = e.Next() {
			r := e.Value.(Request)
			if r.Cancelled != nil && r.Cancelled() {
				if r.OnCancelled != nil {
					r.OnCancelled(abortedErr(r.Params.StreamID))
				}
				continue
			}
			out = append(out, r)
		}
		lane.Init()
	}
	p.holdStart = time.Time{}
	p.holdExtended = false
	return out
}

// adapt adjusts targetBatchSize toward the configured batch time: faster
// than expected grows it (more coalescing headroom), slower shrinks it.
func (p *partition) adapt(elapsed, targetBatchTime time.Duration) {
	switch {
	case elapsed < targetBatchTime*8/10:
		if p.targetBatchSize < p.maxBatchSize {
			p.targetBatchSize++
		}
	case elapsed > targetBatchTime*12/10:
		if p.targetBatchSize > p.minBatchSize {
			p.targetBatchSize--
		}
	}
}
