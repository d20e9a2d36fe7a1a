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

package image

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/blockdev"
	"btrfsbackup/internal/cleanup"
	"btrfsbackup/internal/common"
	"btrfsbackup/internal/metadata"
	"btrfsbackup/internal/transfer"
)

// initPhase fabricates a fresh empty disk: partition table and boot
// partition cloned from the captured metadata, a new btrfs on the
// rootfs partition. The finished file is renamed into place.
func (b *Builder) initPhase(ctx context.Context) (err error) {
	stack := &cleanup.Stack{}
	defer func() {
		if uerr := stack.Unwind(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	fdisk, err := b.Meta.Read(metadata.EntryFdisk)
	if err != nil {
		return err
	}
	size, err := metadata.DiskBytes(string(fdisk))
	if err != nil {
		return err
	}

	target := b.workingImage()
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp := tempSibling(target)
	stack.Push("remove "+tmp, func() error {
		if rmErr := os.Remove(tmp); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		return nil
	})

	if b.Pool.Config.DirectQCOW2 {
		if err := runTool(ctx, "qemu-img", "create", "-f", "qcow2", tmp, fmt.Sprint(size)); err != nil {
			return fmt.Errorf("%w: %w", err, common.ErrImage)
		}
	} else {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	s, err := b.attach(ctx, tmp, stack)
	if err != nil {
		return err
	}

	if err := b.installPartitions(ctx, s); err != nil {
		return err
	}
	if err := b.formatRootfs(ctx, s); err != nil {
		return err
	}
	s.freshUUID = true

	// Device must be gone before the rename; the UUID randomize runs
	// inside this detach.
	if err := stack.Pop(); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	stack.Pop() // temp file is gone, drop its remover
	log.WithFields(log.Fields{"image": target, "bytes": size}).Info("image initialized")
	return nil
}

// installPartitions restores the GPT backup and clones the boot
// partition byte-for-byte.
func (b *Builder) installPartitions(ctx context.Context, s *session) error {
	backup, err := b.Meta.Read(metadata.EntrySgdiskBack)
	if err != nil {
		return err
	}
	backupFile, err := os.CreateTemp("", "sgdisk-backup-")
	if err != nil {
		return err
	}
	defer os.Remove(backupFile.Name())
	if _, err := backupFile.Write(backup); err != nil {
		backupFile.Close()
		return err
	}
	backupFile.Close()

	if err := runTool(ctx, "sgdisk", "--load-backup="+backupFile.Name(), s.dev.Path); err != nil {
		return fmt.Errorf("partition table restore: %w: %w", err, common.ErrImage)
	}
	if err := s.dev.Settle(ctx, 1); err != nil {
		return err
	}

	part1, err := b.Meta.Read(metadata.EntryPart1Image)
	if err != nil {
		return err
	}
	node := s.dev.Partition(1)
	f, err := os.OpenFile(node, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open boot partition %s: %w: %w", node, err, common.ErrImage)
	}
	if _, err := f.Write(part1); err != nil {
		f.Close()
		return fmt.Errorf("clone boot partition: %w: %w", err, common.ErrImage)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// formatRootfs creates the btrfs filesystem with the captured label.
// The UUID is deliberately not the source's; it gets randomized again
// at first detach.
func (b *Builder) formatRootfs(ctx context.Context, s *session) error {
	super, err := b.Meta.Read(metadata.EntrySuperDump)
	if err != nil {
		return err
	}
	label, err := metadata.SuperLabel(string(super))
	if err != nil {
		return err
	}
	if err := s.dev.Settle(ctx, b.Pool.Config.Rootpart); err != nil {
		return err
	}
	node := s.dev.Partition(b.Pool.Config.Rootpart)
	if err := runTool(ctx, "mkfs.btrfs", "-f", "-L", label, node); err != nil {
		return fmt.Errorf("mkfs on %s: %w: %w", node, err, common.ErrImage)
	}
	return nil
}

// restorePhase brings the image's snapshot set up to the pool's
// latest, differentially when the image already holds a usable
// parent. Returns true when the image changed.
func (b *Builder) restorePhase(ctx context.Context) (updated bool, err error) {
	latest, err := b.requirePoolSnapshot()
	if err != nil {
		return false, err
	}

	stack := &cleanup.Stack{}
	defer func() {
		if uerr := stack.Unwind(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	s, err := b.attach(ctx, b.workingImage(), stack)
	if err != nil {
		return false, err
	}
	if err := s.mountRoot(ctx, true); err != nil {
		return false, err
	}

	imageSnaps := filepath.Join(s.mnt, "snapshots")
	if err := os.MkdirAll(imageSnaps, 0755); err != nil {
		return false, err
	}
	parent, err := b.latestReadonlySnapshot(ctx, imageSnaps)
	if err != nil {
		return false, err
	}
	if parent == latest {
		log.WithField("snapshot", latest).Info("image already current")
		return false, nil
	}

	sendParent := ""
	if parent != "" {
		sendParent = b.Pool.SnapshotPath(parent)
	}
	pipeline := &transfer.Pipeline{Stages: []transfer.Stage{
		{Name: "send", Cmd: b.Tool.SendCmd(ctx, sendParent, b.Pool.SnapshotPath(latest))},
		{Name: "receive", Cmd: b.Tool.ReceiveCmd(ctx, imageSnaps)},
	}}
	if err := pipeline.Run(); err != nil {
		return false, fmt.Errorf("restore %s into image: %w", latest, err)
	}
	log.WithFields(log.Fields{"snapshot": latest, "parent": parent}).Info("image updated")
	return true, nil
}

// convertPhase derives the compressed image from the raw one, via a
// temp file and an atomic rename. Direct mode has nothing to convert.
func (b *Builder) convertPhase(ctx context.Context) (err error) {
	if b.Pool.Config.DirectQCOW2 {
		return nil
	}
	target := b.Pool.QCOW2ImagePath()
	tmp := tempSibling(target)
	defer os.Remove(tmp)
	if err := runTool(ctx, "qemu-img", "convert", "-O", "qcow2", b.Pool.RawImagePath(), tmp); err != nil {
		return fmt.Errorf("%w: %w", err, common.ErrImage)
	}
	return os.Rename(tmp, target)
}

// materializePhase gives the compressed image its bootable shape:
// default rootfs subvolume, the fstab's subvolume set, boot loader
// compatible compression under boot/, and no stale swap entries.
func (b *Builder) materializePhase(ctx context.Context) (err error) {
	stack := &cleanup.Stack{}
	defer func() {
		if uerr := stack.Unwind(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	dev, err := b.Broker.AttachNBD(ctx, b.Pool.QCOW2ImagePath())
	if err != nil {
		return err
	}
	s := &session{builder: b, dev: dev, stack: stack}
	stack.Push("detach "+dev.Path, func() error { return s.detach(ctx) })
	if err := s.mountRoot(ctx, true); err != nil {
		return err
	}

	if err := b.ensureRootSubvolume(ctx, s); err != nil {
		return err
	}
	if err := b.markDefaultSubvolume(ctx, s); err != nil {
		return err
	}
	if err := b.createFstabSubvolumes(ctx, s); err != nil {
		return err
	}
	if err := b.fixupBootCompression(ctx, s); err != nil {
		return err
	}
	return b.neutralizeSwap(s)
}

// ensureRootSubvolume creates the writable rootfs subvolume from the
// newest captured snapshot when it does not exist yet.
func (b *Builder) ensureRootSubvolume(ctx context.Context, s *session) error {
	root := filepath.Join(s.mnt, b.Pool.Config.Rootfs)
	if _, err := os.Stat(root); err == nil {
		return nil
	}
	latest, err := b.latestReadonlySnapshot(ctx, filepath.Join(s.mnt, "snapshots"))
	if err != nil {
		return err
	}
	if latest == "" {
		return fmt.Errorf("image holds no snapshot to seed %s from: %w", b.Pool.Config.Rootfs, common.ErrImage)
	}
	return b.Tool.Snapshot(ctx, filepath.Join(s.mnt, "snapshots", latest), root)
}

func (b *Builder) markDefaultSubvolume(ctx context.Context, s *session) error {
	root := filepath.Join(s.mnt, b.Pool.Config.Rootfs)
	id, err := b.Tool.SubvolumeID(ctx, root)
	if err != nil {
		return err
	}
	return b.Tool.SetDefault(ctx, id, s.mnt)
}

// createFstabSubvolumes creates every @-subvolume the captured fstab
// mounts. @swap additionally gets the no-COW attribute so a swapfile
// inside it works.
func (b *Builder) createFstabSubvolumes(ctx context.Context, s *session) error {
	fstab, err := b.Meta.Read(metadata.EntryFstab)
	if err != nil {
		return err
	}
	for _, name := range metadata.FstabSubvols(string(fstab)) {
		if name == b.Pool.Config.Rootfs {
			continue
		}
		path := filepath.Join(s.mnt, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := b.Tool.CreateSubvolume(ctx, path); err != nil {
			return err
		}
		if name == "@swap" {
			if err := runTool(ctx, "chattr", "+C", path); err != nil {
				return err
			}
		}
	}
	return nil
}

// fixupBootCompression forces zlib on every directory under boot/.
// The boot loader reads the filesystem with its own minimal driver
// that predates zstd.
func (b *Builder) fixupBootCompression(ctx context.Context, s *session) error {
	bootDir := filepath.Join(s.mnt, b.Pool.Config.Rootfs, "boot")
	if _, err := os.Stat(bootDir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(bootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return b.Tool.SetCompression(ctx, path, "zlib")
	})
}

// neutralizeSwap comments out swap entries in the image's fstab; the
// restored machine has no swap device behind them.
func (b *Builder) neutralizeSwap(s *session) error {
	fstabPath := filepath.Join(s.mnt, b.Pool.Config.Rootfs, "etc", "fstab")
	data, err := os.ReadFile(fstabPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	fixed := metadata.CommentSwapLines(string(data))
	if fixed == string(data) {
		return nil
	}
	info, err := os.Stat(fstabPath)
	if err != nil {
		return err
	}
	return os.WriteFile(fstabPath, []byte(fixed), info.Mode())
}

// mountAndRun attaches an image, mounts its default subvolume and
// runs command inside, for manual inspection.
func (b *Builder) mountAndRun(ctx context.Context, path string, qcow2 bool, command string) (err error) {
	stack := &cleanup.Stack{}
	defer func() {
		if uerr := stack.Unwind(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	var dev *blockdev.Device
	if qcow2 {
		dev, err = b.Broker.AttachNBD(ctx, path)
	} else {
		dev, err = b.Broker.AttachLoop(ctx, path)
	}
	if err != nil {
		return err
	}
	s := &session{builder: b, dev: dev, stack: stack}
	stack.Push("detach "+dev.Path, func() error { return s.detach(ctx) })
	if err := s.mountRoot(ctx, false); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.mnt
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
