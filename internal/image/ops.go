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
	"os"
	"path/filepath"
	"time"

	"btrfsbackup/internal/common"
	"btrfsbackup/internal/pool"
)

// CreateImage builds the disk image from scratch: init, restore,
// convert, materialize.
func (b *Builder) CreateImage(ctx context.Context) error {
	if _, err := b.requirePoolSnapshot(); err != nil {
		return err
	}
	if err := b.initPhase(ctx); err != nil {
		return err
	}
	if _, err := b.restorePhase(ctx); err != nil {
		return err
	}
	if err := b.convertPhase(ctx); err != nil {
		return err
	}
	return b.materializePhase(ctx)
}

// UpdateImage refreshes an existing image with the pool's latest
// snapshot. The conversion and materialization only rerun when the
// restore actually changed the image.
func (b *Builder) UpdateImage(ctx context.Context) error {
	if _, err := os.Stat(b.workingImage()); err != nil {
		return fmt.Errorf("no image to update, run --create-image first: %w", common.ErrImage)
	}
	updated, err := b.restorePhase(ctx)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	if err := b.convertPhase(ctx); err != nil {
		return err
	}
	return b.materializePhase(ctx)
}

// CloneImage copies the current compressed image to a timestamped
// sibling, converting from raw when no compressed form exists yet.
func (b *Builder) CloneImage(ctx context.Context, now time.Time) (string, error) {
	src := b.Pool.QCOW2ImagePath()
	if _, err := os.Stat(src); err != nil {
		src = b.Pool.RawImagePath()
		if _, err := os.Stat(src); err != nil {
			return "", fmt.Errorf("no image to clone: %w", common.ErrImage)
		}
	}
	target := filepath.Join(b.Pool.ImagesDir(), "image-"+pool.FormatSnapshotName(now)+".qcow2")
	tmp := tempSibling(target)
	defer os.Remove(tmp)
	if err := runTool(ctx, "qemu-img", "convert", "-O", "qcow2", src, tmp); err != nil {
		return "", fmt.Errorf("%w: %w", err, common.ErrImage)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", err
	}
	return target, nil
}

// Info describes one image file in the pool.
type Info struct {
	Name    string
	Bytes   int64
	ModTime time.Time
}

// ListImages enumerates the image files in the pool.
func (b *Builder) ListImages() ([]Info, error) {
	entries, err := os.ReadDir(b.Pool.ImagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: e.Name(), Bytes: fi.Size(), ModTime: fi.ModTime()})
	}
	return infos, nil
}

// MountRaw mounts the raw image and runs command inside it.
func (b *Builder) MountRaw(ctx context.Context, command string) error {
	return b.mountAndRun(ctx, b.Pool.RawImagePath(), false, command)
}

// MountQCOW2 mounts the compressed image and runs command inside it.
func (b *Builder) MountQCOW2(ctx context.Context, command string) error {
	return b.mountAndRun(ctx, b.Pool.QCOW2ImagePath(), true, command)
}
