package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommandFull(t *testing.T) {
	cmd := SendCommand("2024.01.01_00.00", "", "zstd")
	assert.Equal(t, "btrfs send /.btrfs/snapshots/2024.01.01_00.00 | zstd", cmd)
}

func TestSendCommandDifferential(t *testing.T) {
	cmd := SendCommand("2024.01.02_00.00", "2024.01.01_00.00", "zstd -3")
	assert.Equal(t,
		"btrfs send -p /.btrfs/snapshots/2024.01.01_00.00 /.btrfs/snapshots/2024.01.02_00.00 | zstd -3",
		cmd)
}

func TestCommandPinsLocaleAndBatchMode(t *testing.T) {
	a := &Agent{Host: "web1", Rootdev: "sda", Rootpart: 2}
	cmd := a.Command(context.Background(), "fdisk -l /dev/sda")
	args := cmd.Args
	require.GreaterOrEqual(t, len(args), 5)
	assert.Equal(t, "ssh", args[0])
	assert.Contains(t, args, "BatchMode=yes")
	assert.Equal(t, "web1", args[3])
	assert.Equal(t, "LC_ALL=C fdisk -l /dev/sda", args[4])
}
