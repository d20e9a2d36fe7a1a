package retention

import (
	"context"
	"path"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsbackup/internal/pool"
)

// memDeleter removes snapshot directories from the memory filesystem
// and records what it destroyed.
type memDeleter struct {
	fs      billy.Filesystem
	deleted []string
}

func (d *memDeleter) DeleteSnapshot(ctx context.Context, name string) error {
	d.deleted = append(d.deleted, name)
	return d.fs.Remove(path.Join("snapshots", name))
}

func newTestRetention(t *testing.T, counts pool.RetentionCounts, snaps ...string) (*Retention, *memDeleter) {
	t.Helper()
	fs := memfs.New()
	for _, s := range snaps {
		require.NoError(t, fs.MkdirAll(path.Join("snapshots", s), 0755))
	}
	d := &memDeleter{fs: fs}
	return &Retention{Fs: fs, Counts: counts, Deleter: d}, d
}

func bucketNames(t *testing.T, fs billy.Filesystem, bucket string) []string {
	t.Helper()
	entries, err := fs.ReadDir(path.Join("retention", bucket))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDayBucketFirstWins(t *testing.T) {
	r, d := newTestRetention(t, pool.RetentionCounts{Days: 2},
		"2024.01.01_00.00", "2024.01.02_00.00", "2024.01.02_12.00")

	require.NoError(t, r.Apply(context.Background()))

	assert.ElementsMatch(t, []string{"2024.01.01", "2024.01.02"}, bucketNames(t, r.Fs, "days"))

	target, err := r.Fs.Readlink("retention/days/2024.01.02")
	require.NoError(t, err)
	assert.Equal(t, "2024.01.02_00.00", path.Base(target), "first snapshot of the day represents it")

	// The noon snapshot is referenced by no bucket and collected.
	assert.Equal(t, []string{"2024.01.02_12.00"}, d.deleted)
}

func TestLatestBucketKeepsNewest(t *testing.T) {
	r, d := newTestRetention(t, pool.RetentionCounts{Latest: 2},
		"2024.01.01_00.00", "2024.01.02_00.00", "2024.01.03_00.00")

	require.NoError(t, r.Apply(context.Background()))

	assert.ElementsMatch(t, []string{"2024.01.02_00.00", "2024.01.03_00.00"}, bucketNames(t, r.Fs, "latest"))
	assert.Equal(t, []string{"2024.01.01_00.00"}, d.deleted)
}

func TestZeroCountsDeleteEverything(t *testing.T) {
	r, d := newTestRetention(t, pool.RetentionCounts{},
		"2024.01.01_00.00", "2024.02.01_00.00")

	require.NoError(t, r.Apply(context.Background()))

	assert.ElementsMatch(t, []string{"2024.01.01_00.00", "2024.02.01_00.00"}, d.deleted)
	for _, b := range pool.Buckets {
		assert.Empty(t, bucketNames(t, r.Fs, b), b)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	counts := pool.RetentionCounts{Latest: 5, Days: 5, Weeks: 4, Months: 4, Years: 20}
	r, d := newTestRetention(t, counts,
		"2024.01.01_00.00", "2024.01.02_00.00", "2024.01.03_00.00")

	require.NoError(t, r.Apply(context.Background()))
	firstDeleted := append([]string(nil), d.deleted...)
	firstDays := bucketNames(t, r.Fs, "days")

	require.NoError(t, r.Apply(context.Background()))
	assert.Equal(t, firstDeleted, d.deleted, "second pass deletes nothing new")
	assert.Equal(t, firstDays, bucketNames(t, r.Fs, "days"))
}

func TestSweepRemovesDanglingLinks(t *testing.T) {
	r, _ := newTestRetention(t, pool.RetentionCounts{Latest: 5}, "2024.01.01_00.00")
	// A link left behind for a snapshot someone removed by hand.
	require.NoError(t, r.Fs.MkdirAll("retention/latest", 0755))
	require.NoError(t, r.Fs.Symlink("../../snapshots/2023.12.01_00.00", "retention/latest/2023.12.01_00.00"))

	require.NoError(t, r.Apply(context.Background()))

	assert.ElementsMatch(t, []string{"2024.01.01_00.00"}, bucketNames(t, r.Fs, "latest"))
}

func TestYearSpanningWeekBucketsTogether(t *testing.T) {
	// Both names fall into ISO week 2020-53 and must share one link.
	r, _ := newTestRetention(t, pool.RetentionCounts{Weeks: 4, Latest: 5},
		"2020.12.31_12.00", "2021.01.01_00.00")

	require.NoError(t, r.Apply(context.Background()))

	assert.Equal(t, []string{"2020-53"}, bucketNames(t, r.Fs, "weeks"))
	target, err := r.Fs.Readlink("retention/weeks/2020-53")
	require.NoError(t, err)
	assert.Equal(t, "2020.12.31_12.00", path.Base(target))
}

func TestParentKeptWhileReferenced(t *testing.T) {
	// The newest snapshot survives in latest; older ones only in the
	// months bucket. No referenced snapshot may be deleted.
	counts := pool.RetentionCounts{Latest: 1, Months: 4}
	r, d := newTestRetention(t, counts,
		"2024.01.01_00.00", "2024.02.01_00.00", "2024.02.02_00.00")

	require.NoError(t, r.Apply(context.Background()))

	assert.NotContains(t, d.deleted, "2024.01.01_00.00", "month representative stays")
	assert.NotContains(t, d.deleted, "2024.02.01_00.00", "month representative stays")
	assert.NotContains(t, d.deleted, "2024.02.02_00.00", "latest stays")
}
