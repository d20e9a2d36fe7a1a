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

// Package image materializes the backup set into a bootable VM disk:
// a byte-identical boot partition, a fresh btrfs rootfs carrying the
// snapshot history, and the subvolume layout the captured fstab
// expects.
package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/blockdev"
	"btrfsbackup/internal/btrfs"
	"btrfsbackup/internal/cleanup"
	"btrfsbackup/internal/common"
	"btrfsbackup/internal/metadata"
	"btrfsbackup/internal/pool"
)

// Tool is the slice of the btrfs toolchain the builder drives.
// *btrfs.Tool implements it.
type Tool interface {
	IsReadonly(ctx context.Context, path string) (bool, error)
	Snapshot(ctx context.Context, src, dst string) error
	CreateSubvolume(ctx context.Context, path string) error
	SubvolumeID(ctx context.Context, path string) (string, error)
	SetDefault(ctx context.Context, id, mountpoint string) error
	SetCompression(ctx context.Context, path, profile string) error
	SendCmd(ctx context.Context, parent, path string) *exec.Cmd
	ReceiveCmd(ctx context.Context, dir string) *exec.Cmd
}

var _ Tool = (*btrfs.Tool)(nil)

// Builder fabricates and refreshes the pool's disk images.
type Builder struct {
	Pool   *pool.Pool
	Meta   *metadata.Store
	Tool   Tool
	Broker *blockdev.Broker
}

// workingImage is the file the Init and Restore phases operate on:
// the raw image in indirect mode, the qcow2 in direct mode.
func (b *Builder) workingImage() string {
	if b.Pool.Config.DirectQCOW2 {
		return b.Pool.QCOW2ImagePath()
	}
	return b.Pool.RawImagePath()
}

// attachWorking attaches the working image with the matching driver.
func (b *Builder) attachWorking(ctx context.Context, path string) (*blockdev.Device, error) {
	if b.Pool.Config.DirectQCOW2 {
		return b.Broker.AttachNBD(ctx, path)
	}
	return b.Broker.AttachLoop(ctx, path)
}

// session is one attach (and optionally mount) of an image. Its
// releases live on the LIFO stack so a mounted filesystem is always
// unmounted before its device disappears.
type session struct {
	builder *Builder
	dev     *blockdev.Device
	mnt     string
	stack   *cleanup.Stack

	// freshUUID marks a filesystem formatted in this session; its
	// UUID is randomized on the first detach so it can never collide
	// with the source host's.
	freshUUID bool
}

// attach opens a session on an image file.
func (b *Builder) attach(ctx context.Context, path string, stack *cleanup.Stack) (*session, error) {
	dev, err := b.attachWorking(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &session{builder: b, dev: dev, stack: stack}
	stack.Push("detach "+dev.Path, func() error { return s.detach(ctx) })
	return s, nil
}

// mountRoot mounts the rootfs partition. subvolid 5 is the top of
// the btrfs hierarchy, above the default subvolume.
func (s *session) mountRoot(ctx context.Context, topLevel bool) error {
	if err := s.dev.Settle(ctx, s.builder.Pool.Config.Rootpart); err != nil {
		return err
	}
	mnt, err := os.MkdirTemp("", "btrfs-backup-mnt-")
	if err != nil {
		return err
	}
	options := ""
	if topLevel {
		options = "subvolid=5"
	}
	if err := blockdev.Mount(ctx, s.dev.Partition(s.builder.Pool.Config.Rootpart), mnt, options); err != nil {
		os.Remove(mnt)
		return err
	}
	s.mnt = mnt
	s.stack.Push("unmount "+mnt, func() error { return s.unmount(ctx) })
	return nil
}

func (s *session) unmount(ctx context.Context) error {
	if s.mnt == "" {
		return nil
	}
	if err := blockdev.Unmount(ctx, s.mnt); err != nil {
		return err
	}
	os.Remove(s.mnt)
	s.mnt = ""
	return nil
}

// detach releases the session device, randomizing the filesystem
// UUID first when this session formatted it.
func (s *session) detach(ctx context.Context) error {
	if s.dev == nil || s.dev.Path == "" {
		return nil
	}
	if err := s.unmount(ctx); err != nil {
		return err
	}
	if s.freshUUID {
		part := s.dev.Partition(s.builder.Pool.Config.Rootpart)
		if err := runTool(ctx, "btrfstune", "-f", "-u", part); err != nil {
			return fmt.Errorf("randomize filesystem uuid: %w", err)
		}
		s.freshUUID = false
	}
	return s.dev.Detach(ctx)
}

// runTool is the subprocess helper for the partitioning and imaging
// tools.
func runTool(ctx context.Context, name string, args ...string) error {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	log.WithFields(log.Fields{"tool": name, "args": args}).Trace("tool")
	return nil
}

// tempSibling returns a temp path next to target so the final rename
// stays on one filesystem.
func tempSibling(target string) string {
	return target + ".tmp-" + uuid.New().String()[:8]
}

// latestReadonlySnapshot scans dir for the highest-sorted snapshot
// name whose subvolume is read-only.
func (b *Builder) latestReadonlySnapshot(ctx context.Context, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && pool.IsSnapshotName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		ro, err := b.Tool.IsReadonly(ctx, filepath.Join(dir, name))
		if err != nil || !ro {
			continue
		}
		return name, nil
	}
	return "", nil
}

// requirePoolSnapshot returns the pool's latest snapshot or an error
// when the pool is empty.
func (b *Builder) requirePoolSnapshot() (string, error) {
	latest, err := b.Pool.LatestSnapshot()
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", fmt.Errorf("pool has no snapshots to build an image from: %w", common.ErrImage)
	}
	return latest, nil
}
