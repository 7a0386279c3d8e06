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

package qos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fabric/internal/errs"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS qos_policies (
//   id           TEXT PRIMARY KEY,
//   version      INT NOT NULL,
//   metric       TEXT NOT NULL,
//   tenant       TEXT NOT NULL DEFAULT '*',
//   enabled      BOOLEAN NOT NULL DEFAULT true,
//   percentile   DOUBLE PRECISION NOT NULL,
//   threshold    DOUBLE PRECISION NOT NULL,
//   window_ms    BIGINT NOT NULL,
//   remediation  TEXT[] NOT NULL,
//   dry_run      BOOLEAN NOT NULL DEFAULT false,
//   updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
// );

// ErrPolicyNotFound is returned by Get when no policy with that ID exists.
var ErrPolicyNotFound = errors.New("qos: policy not found")

// PolicyStore persists QoS policies and serves the Evaluator's startup load
// and any Watcher-triggered reloads. It talks to pgxpool.Pool directly with $N-placeholder
// queries and pgx.ErrNoRows via errors.Is, rather than a generic repository
// interface — this store only ever replaces a policy wholesale by
// (id, version), so a plain upsert suffices.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore wraps an existing pool. Callers own the pool's lifecycle.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

// List returns every policy row, in no particular order.
func (s *PolicyStore) List(ctx context.Context) ([]Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version, metric, tenant, enabled, percentile, threshold, window_ms, remediation, dry_run
		FROM qos_policies
	`)
	if err != nil {
		return nil, fmt.Errorf("list qos policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var p Policy
		var windowMS int64
		if err := rows.Scan(&p.ID, &p.Version, &p.Metric, &p.Tenant, &p.Enabled, &p.Percentile, &p.Threshold, &windowMS, &p.Remediation, &p.DryRun); err != nil {
			return nil, fmt.Errorf("scan qos policy: %w", err)
		}
		p.Window = time.Duration(windowMS) * time.Millisecond
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qos policies: %w", err)
	}
	return out, nil
}

// Get returns one policy by ID, or ErrPolicyNotFound.
func (s *PolicyStore) Get(ctx context.Context, id string) (Policy, error) {
	var p Policy
	var windowMS int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, version, metric, tenant, enabled, percentile, threshold, window_ms, remediation, dry_run
		FROM qos_policies WHERE id = $1
	`, id).Scan(&p.ID, &p.Version, &p.Metric, &p.Tenant, &p.Enabled, &p.Percentile, &p.Threshold, &windowMS, &p.Remediation, &p.DryRun)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, ErrPolicyNotFound
		}
		return Policy{}, fmt.Errorf("get qos policy %s: %w", id, err)
	}
	p.Window = time.Duration(windowMS) * time.Millisecond
	return p, nil
}

// Upsert creates or replaces a policy with the caller's p.Version. Only a strictly
// newer version is applied; an equal-or-older version is a no-op, so a
// reload racing a concurrent edit never clobbers it.
func (s *PolicyStore) Upsert(ctx context.Context, p Policy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO qos_policies (id, version, metric, tenant, enabled, percentile, threshold, window_ms, remediation, dry_run, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			version     = EXCLUDED.version,
			metric      = EXCLUDED.metric,
			tenant      = EXCLUDED.tenant,
			enabled     = EXCLUDED.enabled,
			percentile  = EXCLUDED.percentile,
			threshold   = EXCLUDED.threshold,
			window_ms   = EXCLUDED.window_ms,
			remediation = EXCLUDED.remediation,
			dry_run     = EXCLUDED.dry_run,
			updated_at  = now()
		WHERE qos_policies.version < EXCLUDED.version
	`, p.ID, p.Version, p.Metric, p.Tenant, p.Enabled, p.Percentile, p.Threshold, p.Window.Milliseconds(), p.Remediation, p.DryRun)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "upsert qos policy %s", p.ID)
	}
	return nil
}

// Delete removes a policy by ID. Deleting an unknown ID is a no-op.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM qos_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete qos policy %s: %w", id, err)
	}
	return nil
}
