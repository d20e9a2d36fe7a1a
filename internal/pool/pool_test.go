package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsbackup/internal/common"
)

type fakeFS struct {
	btrfs       bool
	compressed  map[string]string
}

func (f *fakeFS) IsBtrfs(ctx context.Context, path string) (bool, error) { return f.btrfs, nil }

func (f *fakeFS) SetCompression(ctx context.Context, path, profile string) error {
	if f.compressed == nil {
		f.compressed = map[string]string{}
	}
	f.compressed[path] = profile
	return nil
}

func TestSetupCreatesLayout(t *testing.T) {
	root := t.TempDir()
	p := New(root, DefaultConfig())
	fs := &fakeFS{btrfs: true}

	require.NoError(t, p.Setup(context.Background(), fs))

	for _, d := range []string{"snapshots", "snapshots/new", "images", "retention/latest", "retention/days", "retention/weeks", "retention/months", "retention/years"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	assert.Equal(t, "zstd", fs.compressed[p.SnapshotsDir()])
}

func TestSetupIsIdempotent(t *testing.T) {
	root := t.TempDir()
	p := New(root, DefaultConfig())
	fs := &fakeFS{btrfs: true}

	require.NoError(t, p.Setup(context.Background(), fs))
	require.NoError(t, p.Setup(context.Background(), fs))
}

func TestSetupRejectsNonBtrfs(t *testing.T) {
	p := New(t.TempDir(), DefaultConfig())
	err := p.Setup(context.Background(), &fakeFS{btrfs: false})
	assert.ErrorIs(t, err, common.ErrPrecondition)
}

func TestSetupRejectsMissingDir(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "absent"), DefaultConfig())
	err := p.Setup(context.Background(), &fakeFS{btrfs: true})
	assert.ErrorIs(t, err, common.ErrUsage)
}

func TestListSnapshotsFiltersAndSorts(t *testing.T) {
	root := t.TempDir()
	p := New(root, DefaultConfig())
	require.NoError(t, os.MkdirAll(p.StagingDir(), 0755))
	for _, name := range []string{"2024.01.02_00.00", "2024.01.01_00.00", "garbage"} {
		require.NoError(t, os.Mkdir(p.SnapshotPath(name), 0755))
	}

	names, err := p.ListSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{"2024.01.01_00.00", "2024.01.02_00.00"}, names)

	latest, err := p.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "2024.01.02_00.00", latest)
}

func TestLatestSnapshotEmptyPool(t *testing.T) {
	p := New(t.TempDir(), DefaultConfig())
	latest, err := p.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "", latest)
}

func TestLockExcludesSecondHolder(t *testing.T) {
	root := t.TempDir()
	p1 := New(root, DefaultConfig())
	p2 := New(root, DefaultConfig())

	require.NoError(t, p1.Lock())
	defer p1.Unlock()

	err := p2.Lock()
	assert.ErrorIs(t, err, common.ErrLocked)

	require.NoError(t, p1.Unlock())
	require.NoError(t, p2.Lock())
	require.NoError(t, p2.Unlock())
}

func TestLoadConfigFileOverridesAndKeeps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btrfs-backup.conf")
	require.NoError(t, os.WriteFile(path, []byte("rootdev: vda\nretention:\n  days: 9\n"), 0644))

	cfg := DefaultConfig()
	require.NoError(t, LoadConfigFile(path, &cfg))
	assert.Equal(t, "vda", cfg.Rootdev)
	assert.Equal(t, 9, cfg.Retention.Days)
	assert.Equal(t, "@", cfg.Rootfs, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Retention.Latest)
}

func TestLoadConfigFileMissingIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, LoadConfigFile(filepath.Join(t.TempDir(), "nope.conf"), &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}
