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

package canary

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// StateStore persists the router's rollout percentage and active cooldown
// deadline so a process restart mid-cooldown doesn't silently reopen a
// rollout the controller just shut off. It wraps *redis.Client directly
// rather than a generic KV interface, since it only ever needs two keys.
type StateStore struct {
	client *redis.Client
	prefix string
}

// NewStateStore wraps an existing redis.Client. prefix namespaces the two
// keys this store owns (e.g. "fabric:canary:").
func NewStateStore(client *redis.Client, prefix string) *StateStore {
	return &StateStore{client: client, prefix: prefix}
}

// Save persists the router's current percentage and cooldown deadline.
func (s *StateStore) Save(ctx context.Context, r *Router) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.prefix+"percentage", r.Percentage(), 0)
	pipe.Set(ctx, s.prefix+"cooldown_until", r.cooldownUntil(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Restore loads a previously persisted percentage and cooldown deadline
// into r. Missing keys (first run) leave r's current values untouched.
func (s *StateStore) Restore(ctx context.Context, r *Router) error {
	pct, err := s.client.Get(ctx, s.prefix+"percentage").Result()
	if err == nil {
		if v, perr := strconv.Atoi(pct); perr == nil {
			r.percentage.Store(clampPercentage(v))
		}
	} else if err != redis.Nil {
		return err
	}

	until, err := s.client.Get(ctx, s.prefix+"cooldown_until").Result()
	if err == nil {
		if v, perr := strconv.ParseInt(until, 10, 64); perr == nil && v > time.Now().UnixNano() {
			r.cooldownUntilUnixNano.Store(v)
		}
	} else if err != redis.Nil {
		return err
	}
	return nil
}
