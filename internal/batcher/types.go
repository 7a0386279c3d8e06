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

// Package batcher coalesces concurrent generate requests into per-model
// batches, trading a small hold window for larger, more efficient runtime
// dispatches, across three priority lanes per model partition.
package batcher

import (
	"time"

	"fabric/internal/rpcproto"
)

// Priority orders requests within a partition. Urgent requests force an
// immediate flush of their own partition; default and background requests
// wait out the hold window.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityDefault
	PriorityUrgent
)

// Request is one generate call waiting to be coalesced. Cancelled is
// consulted immediately before dispatch so the batcher never sends a
// known-cancelled request; OnCancelled is invoked instead with an ABORTED
// error when that happens.
type Request struct {
	Params      rpcproto.GenerateParams
	Priority    Priority
	EnqueuedAt  time.Time
	Cancelled   func() bool
	OnCancelled func(error)
}

// Dispatcher sends a coalesced batch to the runtime, either as one
// batch_generate RPC or as equivalent per-request RPCs. Implemented by the
// Transport-backed production caller; tests supply a fake.
type Dispatcher interface {
	Dispatch(requests []Request) error
}
