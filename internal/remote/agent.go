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

// Package remote drives the source host over ssh. The snapshot root
// on the remote side is a fixed contract; the engine never tries to
// discover it.
package remote

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/common"
)

// SnapshotRoot is where the source host keeps its rootfs snapshots.
const SnapshotRoot = "/.btrfs/snapshots"

// Agent executes commands on one source host.
type Agent struct {
	Host string
	// Rootdev is the source block device name without /dev/ (e.g. sda).
	Rootdev string
	// Rootpart is the partition number of the rootfs.
	Rootpart int
}

// sshArgs builds the ssh argument vector for a remote shell command.
// BatchMode keeps a missing key from degenerating into a password
// prompt inside a cron job.
func sshArgs(host, command string) []string {
	return []string{"-o", "BatchMode=yes", host, command}
}

// Command returns an unstarted ssh process running command on the
// host with the C locale, so tool output parses position-stable.
func (a *Agent) Command(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "ssh", sshArgs(a.Host, "LC_ALL=C "+command)...)
}

// output runs command remotely and returns its stdout.
func (a *Agent) output(ctx context.Context, command string) ([]byte, error) {
	cmd := a.Command(ctx, command)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ssh %s %q: %w: %s: %w", a.Host, command, err, strings.TrimSpace(stderr.String()), common.ErrRemote)
	}
	log.WithFields(log.Fields{"host": a.Host, "command": command}).Trace("remote")
	return out, nil
}

// run is output for commands whose stdout is noise.
func (a *Agent) run(ctx context.Context, command string) error {
	_, err := a.output(ctx, command)
	return err
}

// CreateSnapshot takes a read-only snapshot of the remote rootfs
// under the snapshot root.
func (a *Agent) CreateSnapshot(ctx context.Context, name string) error {
	return a.run(ctx, fmt.Sprintf("mkdir -p %s && btrfs subvolume snapshot -r / %s/%s", SnapshotRoot, SnapshotRoot, name))
}

// ListSnapshots returns the names under the remote snapshot root.
func (a *Agent) ListSnapshots(ctx context.Context) ([]string, error) {
	out, err := a.output(ctx, "ls -1 "+SnapshotRoot+" 2>/dev/null || true")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// SendCommand is the remote side of a transfer: btrfs send piped into
// the configured compressor, both running on the source host so only
// compressed bytes cross the wire.
func SendCommand(name, parent, compress string) string {
	send := "btrfs send"
	if parent != "" {
		send += " -p " + SnapshotRoot + "/" + parent
	}
	send += " " + SnapshotRoot + "/" + name
	return send + " | " + compress
}

// SendCmd returns an unstarted ssh process emitting the (compressed)
// send stream of name on stdout.
func (a *Agent) SendCmd(ctx context.Context, name, parent, compress string) *exec.Cmd {
	return a.Command(ctx, SendCommand(name, parent, compress))
}

// ReadFdisk captures the partition listing of the source disk.
func (a *Agent) ReadFdisk(ctx context.Context) ([]byte, error) {
	return a.output(ctx, "fdisk -l /dev/"+a.Rootdev)
}

// ReadSgdiskBackup captures a binary GPT backup of the source disk.
// sgdisk insists on a file argument, so the backup bounces through a
// remote temp file.
func (a *Agent) ReadSgdiskBackup(ctx context.Context) ([]byte, error) {
	cmd := fmt.Sprintf(`t=$(mktemp) && sgdisk --backup="$t" /dev/%s >/dev/null && cat "$t" && rm -f "$t"`, a.Rootdev)
	return a.output(ctx, cmd)
}

// ReadPart1 captures the raw bytes of the first partition, the boot
// partition that is later cloned byte-for-byte.
func (a *Agent) ReadPart1(ctx context.Context) ([]byte, error) {
	return a.output(ctx, fmt.Sprintf("dd if=/dev/%s1 bs=1M status=none", a.Rootdev))
}

// ReadSuperDump captures the btrfs superblock dump of the rootfs
// partition.
func (a *Agent) ReadSuperDump(ctx context.Context) ([]byte, error) {
	return a.output(ctx, fmt.Sprintf("btrfs inspect-internal dump-super /dev/%s%d", a.Rootdev, a.Rootpart))
}

// ReadFstab captures the remote /etc/fstab.
func (a *Agent) ReadFstab(ctx context.Context) ([]byte, error) {
	return a.output(ctx, "cat /etc/fstab")
}
