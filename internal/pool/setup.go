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

package pool

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/common"
)

// FilesystemOps is the slice of the btrfs toolchain Setup needs.
type FilesystemOps interface {
	IsBtrfs(ctx context.Context, path string) (bool, error)
	SetCompression(ctx context.Context, path, profile string) error
}

// Setup creates the pool directory tree. It is idempotent: existing
// directories are left alone, the compression property is re-applied.
func (p *Pool) Setup(ctx context.Context, fs FilesystemOps) error {
	info, err := os.Stat(p.Root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("pool path %s is not a directory: %w", p.Root, common.ErrUsage)
	}
	onBtrfs, err := fs.IsBtrfs(ctx, p.Root)
	if err != nil {
		return err
	}
	if !onBtrfs {
		return fmt.Errorf("pool path %s is not on a btrfs filesystem: %w", p.Root, common.ErrPrecondition)
	}

	dirs := []string{p.SnapshotsDir(), p.StagingDir(), p.ImagesDir()}
	for _, b := range Buckets {
		dirs = append(dirs, p.BucketDir(b))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	if err := fs.SetCompression(ctx, p.SnapshotsDir(), p.Config.Compression); err != nil {
		return err
	}
	log.WithField("pool", p.Root).Debug("pool layout ready")
	return nil
}
