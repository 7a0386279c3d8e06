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
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// filePolicy is the YAML row shape for the file-backed policy source — a
// flat, human-editable mirror of the qos_policies table used when no
// Postgres is configured (e.g. a single-node deployment).
type filePolicy struct {
	ID          string   `koanf:"id"`
	Version     int      `koanf:"version"`
	Metric      string   `koanf:"metric"`
	Tenant      string   `koanf:"tenant"`
	Enabled     bool     `koanf:"enabled"`
	Percentile  float64  `koanf:"percentile"`
	Threshold   float64  `koanf:"threshold"`
	WindowMS    int64    `koanf:"window_ms"`
	Remediation []string `koanf:"remediation"`
	DryRun      bool     `koanf:"dry_run"`
}

// FileReloader implements Reloader by re-parsing a YAML policy file on
// every List call — used by Watcher for the "file" policy_backend, the
// same koanf/file/yaml stack internal/config uses to load fabricd.yaml.
type FileReloader struct {
	path string
}

// NewFileReloader returns a FileReloader reading policies from path.
func NewFileReloader(path string) *FileReloader {
	return &FileReloader{path: path}
}

// List implements Reloader.
func (f *FileReloader) List(ctx context.Context) ([]Policy, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(f.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load qos policy file %s: %w", f.path, err)
	}
	var rows []filePolicy
	if err := k.Unmarshal("policies", &rows); err != nil {
		return nil, fmt.Errorf("parse qos policy file %s: %w", f.path, err)
	}
	out := make([]Policy, 0, len(rows))
	for _, r := range rows {
		out = append(out, Policy{
			ID:          r.ID,
			Version:     r.Version,
			Metric:      r.Metric,
			Tenant:      r.Tenant,
			Enabled:     r.Enabled,
			Percentile:  r.Percentile,
			Threshold:   r.Threshold,
			Window:      time.Duration(r.WindowMS) * time.Millisecond,
			Remediation: r.Remediation,
			DryRun:      r.DryRun,
		})
	}
	return out, nil
}
