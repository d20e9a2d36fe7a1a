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

// Package catalog keeps a run journal next to the pool: what was
// backed up when, against which parent, and which images were built.
// The catalog is advisory; the engine never fails an operation over
// a catalog error.
package catalog

import (
	"context"
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Schema statements are executed individually for libsql
// compatibility.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op TEXT NOT NULL,
		snapshot TEXT NOT NULL DEFAULT '',
		parent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_op ON runs(op, finished_at)`,
	`CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		format TEXT NOT NULL,
		snapshot TEXT NOT NULL DEFAULT '',
		built_at INTEGER NOT NULL
	)`,
}

// Catalog wraps the journal database.
type Catalog struct {
	db *bun.DB
}

// Open opens (creating if necessary) the catalog at path.
func Open(path string) (*Catalog, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, err
	}
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Catalog{db: db}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RecordRun journals one finished operation.
func (c *Catalog) RecordRun(ctx context.Context, run *RunModel) error {
	_, err := c.db.NewInsert().Model(run).Exec(ctx)
	return err
}

// RecordImage journals one materialized image.
func (c *Catalog) RecordImage(ctx context.Context, img *ImageModel) error {
	_, err := c.db.NewInsert().Model(img).Exec(ctx)
	return err
}

// Runs returns the most recent runs, newest first.
func (c *Catalog) Runs(ctx context.Context, limit int) ([]RunModel, error) {
	var runs []RunModel
	err := c.db.NewSelect().
		Model(&runs).
		Order("finished_at DESC", "id DESC").
		Limit(limit).
		Scan(ctx)
	return runs, err
}

// Images returns the journal of built images, newest first.
func (c *Catalog) Images(ctx context.Context, limit int) ([]ImageModel, error) {
	var images []ImageModel
	err := c.db.NewSelect().
		Model(&images).
		Order("built_at DESC", "id DESC").
		Limit(limit).
		Scan(ctx)
	return images, err
}

// LastSuccessful returns the newest ok run of op, or nil.
func (c *Catalog) LastSuccessful(ctx context.Context, op string) (*RunModel, error) {
	var run RunModel
	err := c.db.NewSelect().
		Model(&run).
		Where("op = ? AND status = 'ok'", op).
		Order("finished_at DESC", "id DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Journal is the non-fatal recording helper the driver wraps every
// operation with. A nil Catalog journals nothing.
func (c *Catalog) Journal(ctx context.Context, op, snapshot, parent string, started time.Time, opErr error) {
	if c == nil {
		return
	}
	run := &RunModel{
		Op:         op,
		Snapshot:   snapshot,
		Parent:     parent,
		Status:     "ok",
		StartedAt:  started.Unix(),
		FinishedAt: time.Now().Unix(),
	}
	if opErr != nil {
		run.Status = "failed"
		run.Detail = opErr.Error()
	}
	if err := c.RecordRun(ctx, run); err != nil {
		log.WithError(err).Warn("catalog journal write failed")
	}
}
