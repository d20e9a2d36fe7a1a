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

package retention

import (
	"context"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"btrfsbackup/internal/btrfs"
	"btrfsbackup/internal/pool"
)

// PoolFilesystem roots a billy filesystem at the pool directory, the
// production counterpart of the memory filesystem the tests use.
func PoolFilesystem(p *pool.Pool) billy.Filesystem {
	return osfs.New(p.Root)
}

// BtrfsDeleter destroys pool snapshots with the btrfs toolchain.
type BtrfsDeleter struct {
	Pool *pool.Pool
	Tool *btrfs.Tool
}

func (d *BtrfsDeleter) DeleteSnapshot(ctx context.Context, name string) error {
	return d.Tool.DeleteSubvolume(ctx, d.Pool.SnapshotPath(name))
}
