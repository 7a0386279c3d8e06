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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// entryDir returns <cacheDir>/<first2(fingerprint-hash)>/<fingerprint>,
// sharding entries across 256 subdirectories keyed by the first byte of
// sha256(fingerprint).
func entryDir(cacheDir, fingerprint string) string {
	h := sha256.Sum256([]byte(fingerprint))
	shard := hex.EncodeToString(h[:1])
	return filepath.Join(cacheDir, shard, fingerprint)
}

func manifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }

// writeShards runs fn against a fresh scratch directory (a sibling of the
// entry's final directory, suffixed .tmp-<random>) so a failing or
// half-finished populate never leaves bytes under the entry's real path —
// temp-then-rename, applied here to a whole directory tree instead of a
// single file. The manifest is written last, inside the scratch dir, so a
// reader can trust that any directory containing one is complete.
func writeShards(cacheDir, fingerprint string, fn PopulateFunc) ([]ShardInfo, string, error) {
	finalDir := entryDir(cacheDir, fingerprint)
	parent := filepath.Dir(finalDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, "", fmt.Errorf("mkdir cache shard dir: %w", err)
	}

	scratchDir, err := os.MkdirTemp(parent, fingerprint+".tmp-*")
	if err != nil {
		return nil, "", fmt.Errorf("mkdir scratch dir: %w", err)
	}

	shards, err := fn(scratchDir)
	if err != nil {
		_ = os.RemoveAll(scratchDir)
		return nil, "", err
	}

	// Shards are recorded by basename only: the scratch directory they were
	// written into is renamed away by commitDir, so any absolute path
	// PopulateFunc handed back would dangle. Callers reconstruct the live
	// path via entryDir(fingerprint) + basename.
	for i := range shards {
		base := filepath.Base(shards[i].Path)
		hash, size, herr := hashFile(filepath.Join(scratchDir, base))
		if herr != nil {
			_ = os.RemoveAll(scratchDir)
			return nil, "", fmt.Errorf("hash shard %s: %w", shards[i].Path, herr)
		}
		shards[i].Path = base
		shards[i].ContentHash = hash
		shards[i].SizeBytes = size
	}

	m := Manifest{Fingerprint: fingerprint, Shards: shards, CreatedAt: time.Now()}
	if err := writeManifest(scratchDir, m); err != nil {
		_ = os.RemoveAll(scratchDir)
		return nil, "", fmt.Errorf("write manifest: %w", err)
	}

	return shards, scratchDir, nil
}

func writeManifest(dir string, m Manifest) error {
	f, err := os.Create(manifestPath(dir))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func readManifest(dir string) (Manifest, error) {
	f, err := os.Open(manifestPath(dir))
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	var m Manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// commitDir renames a completed scratch dir into its final entry location.
// A pre-existing finalDir (from a prior crashed populate) is removed first
// so the rename cannot fail with "directory not empty".
func commitDir(scratchDir, finalDir string) error {
	_ = os.RemoveAll(finalDir)
	return os.Rename(scratchDir, finalDir)
}

func removeDir(dir string) error { return os.RemoveAll(dir) }

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// validateEntry re-hashes every shard named in dir's manifest and reports
// whether they still match. Used by ValidateOnStartup to drop corrupt
// entries (e.g. from a disk that lost power mid-write in some earlier
// process lifetime that predates this cache's own temp-then-rename
// guarantee).
func validateEntry(dir string, m Manifest) bool {
	for _, s := range m.Shards {
		hash, size, err := hashFile(filepath.Join(dir, filepath.Base(s.Path)))
		if err != nil || hash != s.ContentHash || size != s.SizeBytes {
			return false
		}
	}
	return true
}
