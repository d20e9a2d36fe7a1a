// Copyright 2025 btrfs-backup Authors
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

// Package pool models the on-disk backup pool: a directory on a btrfs
// filesystem holding the snapshot set, the retention indices, the
// materialized images and the captured metadata.
package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"

	"btrfsbackup/internal/common"
)

// Bucket names under retention/.
var Buckets = []string{"latest", "days", "weeks", "months", "years"}

// Pool is a handle to one backup pool directory.
type Pool struct {
	Root   string
	Config Config

	lock *flock.Flock
}

// New returns a pool handle for root. The directory is not touched;
// Setup creates the layout and Lock serializes access.
func New(root string, cfg Config) *Pool {
	return &Pool{Root: root, Config: cfg}
}

func (p *Pool) SnapshotsDir() string       { return filepath.Join(p.Root, "snapshots") }
func (p *Pool) StagingDir() string         { return filepath.Join(p.SnapshotsDir(), "new") }
func (p *Pool) SnapshotPath(name string) string { return filepath.Join(p.SnapshotsDir(), name) }
func (p *Pool) RetentionDir() string       { return filepath.Join(p.Root, "retention") }
func (p *Pool) BucketDir(b string) string  { return filepath.Join(p.RetentionDir(), b) }
func (p *Pool) ImagesDir() string          { return filepath.Join(p.Root, "images") }
func (p *Pool) RawImagePath() string       { return filepath.Join(p.ImagesDir(), "image.raw") }
func (p *Pool) QCOW2ImagePath() string     { return filepath.Join(p.ImagesDir(), "image.qcow2") }
func (p *Pool) MetadataPath() string       { return filepath.Join(p.Root, "metadata.tar") }
func (p *Pool) CatalogPath() string        { return filepath.Join(p.Root, "catalog.db") }
func (p *Pool) LockPath() string           { return filepath.Join(p.Root, ".lockfile") }
func (p *Pool) ConfPath() string           { return filepath.Join(p.Root, "btrfs-backup.conf") }

// Lock acquires the pool-wide exclusive lock without blocking.
// Returns common.ErrLocked when another invocation holds it.
func (p *Pool) Lock() error {
	p.lock = flock.New(p.LockPath())
	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", p.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("%s held by another invocation: %w", p.LockPath(), common.ErrLocked)
	}
	return nil
}

// Unlock releases the pool lock. Safe to call when not locked.
func (p *Pool) Unlock() error {
	if p.lock == nil {
		return nil
	}
	return p.lock.Unlock()
}

// ListSnapshots returns the well-formed snapshot names under
// snapshots/, sorted ascending. Staging and foreign entries are
// ignored.
func (p *Pool) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(p.SnapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && IsSnapshotName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LatestSnapshot returns the highest-sorted snapshot name, or "" when
// the pool holds none.
func (p *Pool) LatestSnapshot() (string, error) {
	names, err := p.ListSnapshots()
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}
