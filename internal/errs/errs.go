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

// Package errs defines the closed set of error kinds that cross component
// boundaries in the orchestration core, and a small Error type that carries
// one of them plus an optional wrapped cause and structured fields.
package errs

import "fmt"

// Kind is a closed enumeration of error classes. Every error that crosses a
// component boundary (Transport, Registry, Batcher, Cache, Model Manager,
// QoS, Canary) is one of these.
type Kind int

const (
	// Validation means inputs failed schema checks; never retried.
	Validation Kind = iota
	// TransportClosed means the transport is gone; non-retryable within an
	// attempt, but triggers a supervisor restart.
	TransportClosed
	// Backpressure means the transport's outgoing queue is saturated;
	// retryable.
	Backpressure
	// RuntimeRestart means the runtime process is restarting; callers retry
	// per policy.
	RuntimeRestart
	// CircuitOpen means the supervisor's breaker has tripped; callers retry
	// per policy.
	CircuitOpen
	// ModelNotFound means no handle exists for the requested model id.
	ModelNotFound
	// ModelInvalidated means the handle's runtime generation is stale.
	ModelInvalidated
	// AdmitRejected means the registry is at its active-stream cap.
	AdmitRejected
	// Timeout means a stream exceeded its idle timeout.
	Timeout
	// GenerationError means a stream-level failure occurred mid- or
	// pre-generation; it does not affect peers.
	GenerationError
	// CacheCorrupt means a cache entry failed validation; it is evicted and
	// the caller must repopulate.
	CacheCorrupt
	// Aborted means the consumer cancelled.
	Aborted
	// CooldownActive means the canary router rejected a rollout change
	// because a rollback cooldown window is still in effect.
	CooldownActive
)

// code mirrors the closed set's stable wire codes, exactly as spec'd.
var code = [...]string{
	Validation:       "VALIDATION",
	TransportClosed:  "TRANSPORT_CLOSED",
	Backpressure:     "BACKPRESSURE",
	RuntimeRestart:   "RUNTIME_RESTART",
	CircuitOpen:      "CIRCUIT_OPEN",
	ModelNotFound:    "MODEL_NOT_FOUND",
	ModelInvalidated: "MODEL_INVALIDATED",
	AdmitRejected:    "ADMIT_REJECTED",
	Timeout:          "TIMEOUT",
	GenerationError:  "GENERATION_ERROR",
	CacheCorrupt:     "CACHE_CORRUPT",
	Aborted:          "ABORTED",
	CooldownActive:   "COOLDOWN",
}

// retryable records, per Kind, whether a caller should retry.
var retryable = [...]bool{
	Validation:       false,
	TransportClosed:  false,
	Backpressure:     true,
	RuntimeRestart:   true,
	CircuitOpen:      true,
	ModelNotFound:    false,
	ModelInvalidated: false,
	AdmitRejected:    true,
	Timeout:          false,
	GenerationError:  false,
	CacheCorrupt:     false,
	Aborted:          false,
	CooldownActive:   true,
}

// Code returns the stable wire code for k.
func (k Kind) Code() string {
	if int(k) < 0 || int(k) >= len(code) {
		return "UNKNOWN"
	}
	return code[k]
}

// Retryable reports whether callers should retry an error of this kind.
func (k Kind) Retryable() bool {
	if int(k) < 0 || int(k) >= len(retryable) {
		return false
	}
	return retryable[k]
}

func (k Kind) String() string { return k.Code() }

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fields  map[string]any
}

// New creates an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithField attaches a structured field and returns the same *Error for
// chaining at the call site.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the wrapped Kind is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Is walks err's Unwrap chain to the first *Error and reports whether its
// Kind is k.
func Is(err error, k Kind) bool {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			target = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return target != nil && target.Kind == k
}
