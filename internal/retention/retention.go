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

// Package retention maintains the time-stratified symlink indices
// over the snapshot directory and garbage-collects snapshots no index
// references.
//
// It operates on a billy.Filesystem rooted at the pool, so the
// bucketing logic runs against an in-memory filesystem in tests and
// the real pool in production. Only snapshot deletion goes through
// btrfs, behind the Deleter interface.
package retention

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/pool"
)

const snapshotsDir = "snapshots"
const retentionDir = "retention"

// Deleter destroys one snapshot subvolume by name.
type Deleter interface {
	DeleteSnapshot(ctx context.Context, name string) error
}

// Retention applies the bucket policy to one pool filesystem.
type Retention struct {
	Fs      billy.Filesystem // rooted at the pool
	Counts  pool.RetentionCounts
	Deleter Deleter
}

// keep returns the keep-count for a bucket.
func (r *Retention) keep(bucket string) int {
	switch bucket {
	case "latest":
		return r.Counts.Latest
	case "days":
		return r.Counts.Days
	case "weeks":
		return r.Counts.Weeks
	case "months":
		return r.Counts.Months
	case "years":
		return r.Counts.Years
	}
	return 0
}

// linkName returns the coordinate a snapshot occupies in a bucket.
func linkName(bucket, snap string, keys pool.BucketKeys) string {
	switch bucket {
	case "latest":
		return snap
	case "days":
		return keys.Day
	case "weeks":
		return keys.Week
	case "months":
		return keys.Month
	case "years":
		return keys.Year
	}
	return ""
}

// Apply runs the full retention pass: index, trim, collect, sweep.
// Only the collect step destroys snapshots, and it runs strictly
// after trimming, so a differential parent is never deleted while an
// index still references it.
func (r *Retention) Apply(ctx context.Context) error {
	snaps, err := r.listSnapshots()
	if err != nil {
		return err
	}

	if err := r.index(snaps); err != nil {
		return err
	}
	if err := r.trim(); err != nil {
		return err
	}
	kept, err := r.keptSet()
	if err != nil {
		return err
	}
	if err := r.collect(ctx, snaps, kept); err != nil {
		return err
	}
	return r.sweep()
}

func (r *Retention) listSnapshots() ([]string, error) {
	entries, err := r.Fs.ReadDir(snapshotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && pool.IsSnapshotName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// index creates missing bucket links, oldest snapshot first, so the
// first snapshot of each day/week/month/year becomes the coordinate's
// representative and later ones never overwrite it.
func (r *Retention) index(snaps []string) error {
	for _, b := range pool.Buckets {
		if err := r.Fs.MkdirAll(path.Join(retentionDir, b), 0755); err != nil {
			return err
		}
	}
	for _, snap := range snaps {
		keys, err := pool.KeysFor(snap)
		if err != nil {
			return err
		}
		for _, b := range pool.Buckets {
			link := path.Join(retentionDir, b, linkName(b, snap, keys))
			if _, err := r.Fs.Lstat(link); err == nil {
				continue // first-wins
			}
			target := path.Join("..", "..", snapshotsDir, snap)
			if err := r.Fs.Symlink(target, link); err != nil {
				return fmt.Errorf("link %s -> %s: %w", link, snap, err)
			}
		}
	}
	return nil
}

// trim keeps the lexicographically-last K entries of each bucket.
func (r *Retention) trim() error {
	for _, b := range pool.Buckets {
		entries, err := r.Fs.ReadDir(path.Join(retentionDir, b))
		if err != nil {
			return err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		excess := len(names) - r.keep(b)
		for i := 0; i < excess; i++ {
			if err := r.Fs.Remove(path.Join(retentionDir, b, names[i])); err != nil {
				return err
			}
		}
	}
	return nil
}

// keptSet is the union of link targets across all buckets.
func (r *Retention) keptSet() (map[string]bool, error) {
	kept := map[string]bool{}
	for _, b := range pool.Buckets {
		entries, err := r.Fs.ReadDir(path.Join(retentionDir, b))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			target, err := r.Fs.Readlink(path.Join(retentionDir, b, e.Name()))
			if err != nil {
				continue
			}
			kept[path.Base(target)] = true
		}
	}
	return kept, nil
}

// collect destroys every snapshot outside the kept set.
func (r *Retention) collect(ctx context.Context, snaps []string, kept map[string]bool) error {
	for _, snap := range snaps {
		if kept[snap] {
			continue
		}
		log.WithField("snapshot", snap).Info("deleting unreferenced snapshot")
		if err := r.Deleter.DeleteSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

// sweep removes links whose target snapshot no longer exists.
func (r *Retention) sweep() error {
	for _, b := range pool.Buckets {
		entries, err := r.Fs.ReadDir(path.Join(retentionDir, b))
		if err != nil {
			return err
		}
		for _, e := range entries {
			link := path.Join(retentionDir, b, e.Name())
			target, err := r.Fs.Readlink(link)
			if err != nil {
				continue
			}
			if _, err := r.Fs.Lstat(path.Join(snapshotsDir, path.Base(target))); err != nil {
				if err := r.Fs.Remove(link); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
