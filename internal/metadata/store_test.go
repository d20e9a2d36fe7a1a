package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsbackup/internal/common"
)

func sampleEntries() map[string][]byte {
	return map[string][]byte{
		EntryFdisk:      []byte("Disk /dev/sda: 1 GiB, 1073741824 bytes, 2097152 sectors\n"),
		EntrySgdiskBack: {0x45, 0x46, 0x49, 0x00},
		EntryPart1Image: {0xeb, 0x3c, 0x90},
		EntrySuperDump:  []byte("fsid 251d07b2\nlabel rootfs\n"),
		EntryFstab:      []byte("UUID=x / btrfs subvol=@ 0 0\n"),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := &Store{Path: filepath.Join(t.TempDir(), "metadata.tar")}
	require.NoError(t, s.Write(sampleEntries()))

	for name, want := range sampleEntries() {
		got, err := s.Read(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestStoreWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Path: filepath.Join(dir, "metadata.tar")}
	require.NoError(t, s.Write(sampleEntries()))

	// A second capture replaces the archive and leaves no temp litter.
	entries := sampleEntries()
	entries[EntryFstab] = []byte("changed\n")
	require.NoError(t, s.Write(entries))

	got, err := s.Read(EntryFstab)
	require.NoError(t, err)
	assert.Equal(t, []byte("changed\n"), got)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "metadata.tar", files[0].Name())
}

func TestStoreWriteRejectsIncompleteCapture(t *testing.T) {
	s := &Store{Path: filepath.Join(t.TempDir(), "metadata.tar")}
	entries := sampleEntries()
	delete(entries, EntrySuperDump)
	err := s.Write(entries)
	assert.ErrorIs(t, err, common.ErrMetadata)
	_, statErr := os.Stat(s.Path)
	assert.True(t, os.IsNotExist(statErr), "failed capture must not create the archive")
}

func TestStoreReadMissingArchive(t *testing.T) {
	s := &Store{Path: filepath.Join(t.TempDir(), "metadata.tar")}
	_, err := s.Read(EntryFdisk)
	assert.ErrorIs(t, err, common.ErrMetadata)
}

func TestStoreReadMissingEntry(t *testing.T) {
	s := &Store{Path: filepath.Join(t.TempDir(), "metadata.tar")}
	require.NoError(t, s.Write(sampleEntries()))
	_, err := s.Read("no-such-entry")
	assert.ErrorIs(t, err, common.ErrMetadata)
}
