package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordAndListRuns(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RecordRun(ctx, &RunModel{
		Op: "backup", Snapshot: "2024.01.01_00.00", Status: "ok",
		StartedAt: 100, FinishedAt: 160,
	}))
	require.NoError(t, c.RecordRun(ctx, &RunModel{
		Op: "backup", Snapshot: "2024.01.02_00.00", Parent: "2024.01.01_00.00", Status: "ok",
		StartedAt: 200, FinishedAt: 230,
	}))

	runs, err := c.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "2024.01.02_00.00", runs[0].Snapshot, "newest first")
	assert.Equal(t, "2024.01.01_00.00", runs[0].Parent)
}

func TestLastSuccessfulSkipsFailures(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RecordRun(ctx, &RunModel{
		Op: "backup", Snapshot: "2024.01.01_00.00", Status: "ok", StartedAt: 100, FinishedAt: 150,
	}))
	require.NoError(t, c.RecordRun(ctx, &RunModel{
		Op: "backup", Snapshot: "2024.01.02_00.00", Status: "failed", Detail: "ssh: timeout",
		StartedAt: 200, FinishedAt: 210,
	}))

	last, err := c.LastSuccessful(ctx, "backup")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "2024.01.01_00.00", last.Snapshot)
}

func TestLastSuccessfulEmpty(t *testing.T) {
	c := openTestCatalog(t)
	last, err := c.LastSuccessful(context.Background(), "backup")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRecordAndListImages(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.RecordImage(ctx, &ImageModel{
		Path: "images/image.qcow2", Format: "qcow2", Snapshot: "2024.01.02_00.00", BuiltAt: 300,
	}))

	images, err := c.Images(ctx, 10)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "qcow2", images[0].Format)
}

func TestJournalRecordsFailure(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	c.Journal(ctx, "backup", "2024.01.03_00.00", "", time.Now(), errors.New("pipeline failed"))

	runs, err := c.Runs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Contains(t, runs[0].Detail, "pipeline failed")
}

func TestJournalOnNilCatalogIsNoop(t *testing.T) {
	var c *Catalog
	// Must not panic.
	c.Journal(context.Background(), "backup", "", "", time.Now(), nil)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.Close())
	c2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}
