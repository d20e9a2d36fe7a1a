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

package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// flag values; merged onto the pool configuration in run.go
var (
	flagBackupDir   string
	flagHost        string
	flagRootfs      string
	flagRootdev     string
	flagRootpart    int
	flagLatest      int
	flagDays        int
	flagWeeks       int
	flagMonths      int
	flagYears       int
	flagDirectQCOW2 bool
	flagCompress    string
	flagDecompress  string
	flagLogLevel    string

	flagOps = map[string]*bool{}
)

// operations in their canonical names; the execution order is the
// order they appear on the command line.
var operationNames = []string{
	"setup", "backup", "retention",
	"create-image", "update-image", "clone-image", "list-images",
	"mount-raw", "mount-qcow2",
}

var rootCmd = &cobra.Command{
	Use:   "btrfsbackup --backup-dir=PATH --host=HOST [options] --setup --backup ...",
	Short: "Pull btrfs snapshots from a host and materialize bootable VM images",
	Long: `btrfsbackup pulls read-only snapshots of a remote host's btrfs rootfs
into a local backup pool, maintains a time-stratified retention of
those snapshots, and can materialize the backup set into a bootable
VM disk image (raw and qcow2).

Operations are given as flags and execute in the order they appear
on the command line:

  btrfsbackup --backup-dir=/backup/web1 --host=web1 --setup --backup
  btrfsbackup --backup-dir=/backup/web1 --host=web1 --backup --retention --update-image`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagBackupDir, "backup-dir", "", "backup pool directory (required)")
	f.StringVar(&flagHost, "host", "", "source host (required)")
	f.StringVar(&flagRootfs, "rootfs", "@", "rootfs subvolume name")
	f.StringVar(&flagRootdev, "rootdev", "sda", "source block device name")
	f.IntVar(&flagRootpart, "rootpart", 2, "source rootfs partition number")
	f.IntVar(&flagLatest, "latest", 5, "snapshots kept in the latest bucket")
	f.IntVar(&flagDays, "days", 5, "daily representatives kept")
	f.IntVar(&flagWeeks, "weeks", 4, "weekly representatives kept")
	f.IntVar(&flagMonths, "months", 4, "monthly representatives kept")
	f.IntVar(&flagYears, "years", 20, "yearly representatives kept")
	f.BoolVar(&flagDirectQCOW2, "direct-qcow2", false, "build the image directly in qcow2 via nbd")
	f.StringVar(&flagCompress, "compress-cmd", "", "compressor filter run on the source host")
	f.StringVar(&flagDecompress, "decompress-cmd", "", "matching local decompressor filter")
	f.StringVar(&flagLogLevel, "log-level", "info", "log level: trace, debug, info, warn")

	for _, op := range operationNames {
		v := new(bool)
		flagOps[op] = v
		f.BoolVar(v, op, false, "operation: "+op)
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
