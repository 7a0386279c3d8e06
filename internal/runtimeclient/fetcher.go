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

package runtimeclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fabric/internal/cache"
	"fabric/internal/modelmanager"
)

// LocalShardFetcher copies shard blobs out of opts.SourcePath (a directory
// the runtime has already staged on the same host) into the cache's
// scratch directory. Content hashing and sizing is left to
// cache.Cache.Populate's own writeShards step, so this only needs to get
// bytes into place the way the runtime's model/load already laid them out.
type LocalShardFetcher struct{}

// NewLocalShardFetcher constructs a LocalShardFetcher.
func NewLocalShardFetcher() *LocalShardFetcher { return &LocalShardFetcher{} }

// Fetch implements modelmanager.ShardFetcher.
func (f *LocalShardFetcher) Fetch(ctx context.Context, opts modelmanager.LoadOptions, dir string) ([]cache.ShardInfo, error) {
	entries, err := os.ReadDir(opts.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("read shard source %s: %w", opts.SourcePath, err)
	}

	var shards []cache.ShardInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		src := filepath.Join(opts.SourcePath, e.Name())
		dst := filepath.Join(dir, e.Name())
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("copy shard %s: %w", e.Name(), err)
		}
		shards = append(shards, cache.ShardInfo{Path: dst})
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shard files found under %s", opts.SourcePath)
	}
	return shards, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
