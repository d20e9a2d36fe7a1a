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

// Package transfer pulls snapshots from the source host into the
// pool: full or differential send through a compressor, receive into
// staging, atomic promotion into snapshots/.
package transfer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/pool"
)

// RemoteAgent is the slice of the remote contract Backup needs.
type RemoteAgent interface {
	CreateSnapshot(ctx context.Context, name string) error
	ListSnapshots(ctx context.Context) ([]string, error)
	SendCmd(ctx context.Context, name, parent, compress string) *exec.Cmd
}

// LocalFS is the slice of the local btrfs toolchain Backup needs.
type LocalFS interface {
	IsReadonly(ctx context.Context, path string) (bool, error)
	SnapshotReadonly(ctx context.Context, src, dst string) error
	DeleteSubvolume(ctx context.Context, path string) error
	ReceiveCmd(ctx context.Context, dir string) *exec.Cmd
}

// Transfer orchestrates one backup run against one pool.
type Transfer struct {
	Pool  *pool.Pool
	Agent RemoteAgent
	FS    LocalFS

	// Now is the clock; injectable for tests.
	Now func() time.Time
}

func (t *Transfer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// SelectParent picks the differential parent: the highest-sorted
// local snapshot that still exists remotely and is read-only locally.
// An interrupted (writable) local copy or a remotely-deleted snapshot
// forces a full transfer.
func (t *Transfer) SelectParent(ctx context.Context, local, remote []string) (string, error) {
	remoteSet := make(map[string]bool, len(remote))
	for _, name := range remote {
		remoteSet[name] = true
	}
	sorted := append([]string(nil), local...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	for _, name := range sorted {
		if !remoteSet[name] {
			continue
		}
		ro, err := t.FS.IsReadonly(ctx, t.Pool.SnapshotPath(name))
		if err != nil {
			return "", err
		}
		if ro {
			return name, nil
		}
	}
	return "", nil
}

// Backup performs one full or differential transfer and returns the
// name of the new snapshot and the parent it was sent against
// (empty for a full transfer).
func (t *Transfer) Backup(ctx context.Context) (string, string, error) {
	snap := pool.FormatSnapshotName(t.now())

	remoteNames, err := t.Agent.ListSnapshots(ctx)
	if err != nil {
		return "", "", err
	}
	localNames, err := t.Pool.ListSnapshots()
	if err != nil {
		return "", "", err
	}
	parent, err := t.SelectParent(ctx, localNames, remoteNames)
	if err != nil {
		return "", "", err
	}

	if err := t.pruneStaging(ctx); err != nil {
		return "", "", err
	}

	if err := t.Agent.CreateSnapshot(ctx, snap); err != nil {
		return "", "", err
	}

	logger := log.WithFields(log.Fields{"snapshot": snap, "parent": parent})
	if parent == "" {
		logger.Info("full transfer")
	} else {
		logger.Info("differential transfer")
	}

	pipeline := &Pipeline{Stages: []Stage{
		{Name: "remote send", Cmd: t.Agent.SendCmd(ctx, snap, parent, t.Pool.Config.Compress)},
		{Name: "decompress", Cmd: exec.CommandContext(ctx, "sh", "-c", t.Pool.Config.Decompress)},
		{Name: "receive", Cmd: t.FS.ReceiveCmd(ctx, t.Pool.StagingDir())},
	}}
	if err := pipeline.Run(); err != nil {
		return "", "", fmt.Errorf("transfer of %s: %w", snap, err)
	}

	if err := t.promote(ctx, snap); err != nil {
		return "", "", err
	}
	logger.Info("snapshot promoted")
	return snap, parent, nil
}

// promote moves the received subvolume out of staging. Taking a fresh
// read-only snapshot and deleting the staging copy gives the promoted
// snapshot a received-UUID independent of staging and keeps staging
// empty.
func (t *Transfer) promote(ctx context.Context, snap string) error {
	staged := filepath.Join(t.Pool.StagingDir(), snap)
	if _, err := os.Stat(staged); err != nil {
		return fmt.Errorf("receive produced no %s: %w", staged, err)
	}
	if err := t.FS.SnapshotReadonly(ctx, staged, t.Pool.SnapshotPath(snap)); err != nil {
		return err
	}
	return t.FS.DeleteSubvolume(ctx, staged)
}

// pruneStaging clears partial receives left by a crashed invocation.
func (t *Transfer) pruneStaging(ctx context.Context) error {
	entries, err := os.ReadDir(t.Pool.StagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(t.Pool.StagingDir(), 0755)
		}
		return err
	}
	for _, e := range entries {
		path := filepath.Join(t.Pool.StagingDir(), e.Name())
		log.WithField("path", path).Warn("pruning stale staging entry")
		if err := t.FS.DeleteSubvolume(ctx, path); err != nil {
			return err
		}
	}
	return nil
}
