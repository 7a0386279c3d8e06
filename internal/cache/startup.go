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

package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// ValidateOnStartup scans the cache directory, loads every manifest it
// finds, re-hashes the shards it names, and indexes the entries that pass.
// A directory with a missing or unreadable manifest, or a shard whose hash
// no longer matches, is dropped from the disk and never indexed — this is
// the optional startup-validation pass named in the cache's invariants,
// run once before the cache starts serving Get/Populate calls.
func (c *Cache) ValidateOnStartup() error {
	shardDirs, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(c.dir, 0o755)
	}
	if err != nil {
		return err
	}

	for _, sd := range shardDirs {
		if !sd.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.dir, sd.Name())
		fpDirs, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, fd := range fpDirs {
			if !fd.IsDir() || strings.Contains(fd.Name(), ".tmp-") {
				c.dropUnindexed(filepath.Join(shardPath, fd.Name()))
				continue
			}
			c.validateOrDrop(filepath.Join(shardPath, fd.Name()), fd.Name())
		}
	}
	return nil
}

func (c *Cache) validateOrDrop(dir, fingerprint string) {
	m, err := readManifest(dir)
	if err != nil || m.Fingerprint != fingerprint || !validateEntry(dir, m) {
		c.log.Warn("dropping corrupt cache entry on startup", "fingerprint", fingerprint, "dir", dir)
		_ = removeDir(dir)
		return
	}
	entry := newEntry(fingerprint, m.Shards)
	if !c.cap.TryConsume(entry.SizeBytes) {
		c.log.Warn("dropping cache entry that no longer fits capacity on startup", "fingerprint", fingerprint)
		_ = removeDir(dir)
		return
	}
	c.entries.Store(fingerprint, entry)
}

// dropUnindexed removes a leftover scratch directory from a populate that
// never reached commitDir — it was never indexed, so it is safe to delete
// outright rather than validate.
func (c *Cache) dropUnindexed(dir string) {
	_ = removeDir(dir)
}
