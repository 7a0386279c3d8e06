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

package asyncutil

import (
	"context"
	"time"
)

// AbortError marks a retry loop as deliberately cancelled; it is never
// classified retryable regardless of RetryPolicy.IsRetryable.
type AbortError struct{ Reason string }

func (e *AbortError) Error() string { return "retry aborted: " + e.Reason }

// Classifier reports whether an error should trigger another attempt.
type Classifier func(err error) bool

// RetryPolicy configures retry-with-backoff.
type RetryPolicy struct {
	Attempts      int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	IsRetryable   Classifier
	OnRetry       func(attempt int, err error, delay time.Duration)
}

// Retry runs fn up to policy.Attempts times, sleeping with exponential
// backoff between attempts. ctx cancellation aborts mid-sleep with an
// *AbortError and stops retrying. fn's error is classified with
// policy.IsRetryable (default: always retryable except *AbortError); a
// non-retryable error returns immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2
	}
	isRetryable := policy.IsRetryable
	if isRetryable == nil {
		isRetryable = func(err error) bool {
			var abort *AbortError
			return !asAbort(err, &abort)
		}
	}

	delay := policy.InitialDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &AbortError{Reason: err.Error()}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var abort *AbortError
		if asAbort(err, &abort) {
			return err
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &AbortError{Reason: ctx.Err().Error()}
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}

func asAbort(err error, target **AbortError) bool {
	for err != nil {
		if a, ok := err.(*AbortError); ok {
			*target = a
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
