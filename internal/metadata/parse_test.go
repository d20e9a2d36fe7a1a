package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrfsbackup/internal/common"
)

const fdiskSample = `Disk /dev/sda: 238.47 GiB, 256060514304 bytes, 500118192 sectors
Disk model: Samsung SSD 860
Units: sectors of 1 * 512 = 512 bytes
Sector size (logical/physical): 512 bytes / 512 bytes

Device       Start       End   Sectors   Size Type
/dev/sda1     2048   1050623   1048576   512M EFI System
/dev/sda2  1050624 500118158 499067535  238G Linux filesystem
`

func TestDiskBytes(t *testing.T) {
	n, err := DiskBytes(fdiskSample)
	require.NoError(t, err)
	assert.Equal(t, int64(256060514304), n)
}

func TestDiskBytesFailsLoudly(t *testing.T) {
	_, err := DiskBytes("no disk line here\n")
	assert.ErrorIs(t, err, common.ErrMetadata)

	_, err = DiskBytes("Disk /dev/sda: haha GiB, many bytes, 1 sectors\n")
	assert.ErrorIs(t, err, common.ErrMetadata)
}

const superSample = `superblock: bytenr=65536, device=/dev/sda2
---------------------------------------------------------
csum_type		0 (crc32c)
fsid			251d07b2-fb9f-4fd5-bd4e-ab5bbe02bb55
label			rootfs
generation		424242
`

func TestSuperFields(t *testing.T) {
	fsid, err := SuperFSID(superSample)
	require.NoError(t, err)
	assert.Equal(t, "251d07b2-fb9f-4fd5-bd4e-ab5bbe02bb55", fsid)

	label, err := SuperLabel(superSample)
	require.NoError(t, err)
	assert.Equal(t, "rootfs", label)
}

func TestSuperFieldsMissing(t *testing.T) {
	_, err := SuperFSID("generation 1\n")
	assert.ErrorIs(t, err, common.ErrMetadata)
	_, err = SuperLabel("fsid abc\n")
	assert.ErrorIs(t, err, common.ErrMetadata)
}

const fstabSample = `# /etc/fstab
UUID=251d07b2 /          btrfs defaults,subvol=@,compress=zstd       0 0
UUID=251d07b2 /home      btrfs defaults,subvol=@home,compress=zstd   0 0
UUID=251d07b2 /var/log   btrfs defaults,subvol=/@log                 0 0
UUID=251d07b2 /swap      btrfs defaults,subvol=@swap                 0 0
/swap/swapfile none      swap  defaults                              0 0
UUID=9c0162e2 /boot      ext4  defaults                              0 2
# UUID=dead    /old       btrfs subvol=@old                           0 0
`

func TestFstabSubvols(t *testing.T) {
	subvols := FstabSubvols(fstabSample)
	assert.Equal(t, []string{"@", "@home", "@log", "@swap"}, subvols)
}

func TestFstabSubvolsIgnoresNoise(t *testing.T) {
	assert.Empty(t, FstabSubvols(""))
	assert.Empty(t, FstabSubvols("UUID=x / ext4 defaults 0 1\n"))
	// subvol options not naming an @-subvolume are not required layout
	assert.Empty(t, FstabSubvols("UUID=x /data btrfs subvol=data 0 0\n"))
}

func TestCommentSwapLines(t *testing.T) {
	out := CommentSwapLines(fstabSample)
	assert.Contains(t, out, "#/swap/swapfile none      swap")
	// non-swap lines untouched
	assert.Contains(t, out, "UUID=9c0162e2 /boot      ext4")
	// already-commented lines not double-commented
	assert.Contains(t, out, "# UUID=dead")
	assert.NotContains(t, out, "## UUID=dead")
}

func TestCommentSwapLinesIdempotent(t *testing.T) {
	once := CommentSwapLines(fstabSample)
	twice := CommentSwapLines(once)
	assert.Equal(t, once, twice)
}
