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

package catalog

import (
	"github.com/uptrace/bun"
)

// RunModel represents the runs table: one row per executed operation.
type RunModel struct {
	bun.BaseModel `bun:"table:runs"`

	ID         int64  `bun:"id,pk,autoincrement"`
	Op         string `bun:"op,notnull"`       // backup, retention, create-image, ...
	Snapshot   string `bun:"snapshot"`         // snapshot the run produced or used
	Parent     string `bun:"parent"`           // differential parent, empty for full
	Status     string `bun:"status,notnull"`   // "ok" or "failed"
	Detail     string `bun:"detail"`           // error text for failed runs
	StartedAt  int64  `bun:"started_at,notnull"`  // Unix timestamp
	FinishedAt int64  `bun:"finished_at,notnull"` // Unix timestamp
}

// ImageModel represents the images table: one row per materialized
// image file.
type ImageModel struct {
	bun.BaseModel `bun:"table:images"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Path     string `bun:"path,notnull"`
	Format   string `bun:"format,notnull"` // "raw" or "qcow2"
	Snapshot string `bun:"snapshot"`       // newest snapshot inside at build time
	BuiltAt  int64  `bun:"built_at,notnull"`
}
