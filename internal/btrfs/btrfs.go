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

// Package btrfs wraps the local btrfs command-line tool. Everything in
// here shells out; the callers compose these primitives into the
// transfer, retention and image pipelines.
package btrfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Tool drives the btrfs binary. The zero value uses "btrfs" from PATH.
type Tool struct {
	// Sudo prefixes every invocation with sudo. Receiving and deleting
	// subvolumes needs CAP_SYS_ADMIN on most kernels.
	Sudo bool
}

func (t *Tool) command(ctx context.Context, args ...string) *exec.Cmd {
	if t.Sudo {
		args = append([]string{"btrfs"}, args...)
		return exec.CommandContext(ctx, "sudo", args...)
	}
	return exec.CommandContext(ctx, "btrfs", args...)
}

// run executes btrfs with args, streaming nothing, returning combined
// output in the error on failure.
func (t *Tool) run(ctx context.Context, args ...string) error {
	cmd := t.command(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("btrfs %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	log.WithField("args", args).Trace("btrfs")
	return nil
}

// IsBtrfs reports whether path resides on a btrfs filesystem, probed
// with `btrfs filesystem df` which fails on any other filesystem.
func (t *Tool) IsBtrfs(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	err := t.command(ctx, "filesystem", "df", path).Run()
	return err == nil, nil
}

// SetCompression applies a compression property to a directory or
// subvolume. An empty profile clears it.
func (t *Tool) SetCompression(ctx context.Context, path, profile string) error {
	return t.run(ctx, "property", "set", path, "compression", profile)
}

// SnapshotReadonly creates a read-only snapshot of src at dst.
func (t *Tool) SnapshotReadonly(ctx context.Context, src, dst string) error {
	return t.run(ctx, "subvolume", "snapshot", "-r", src, dst)
}

// Snapshot creates a writable snapshot of src at dst.
func (t *Tool) Snapshot(ctx context.Context, src, dst string) error {
	return t.run(ctx, "subvolume", "snapshot", src, dst)
}

// CreateSubvolume creates an empty subvolume at path.
func (t *Tool) CreateSubvolume(ctx context.Context, path string) error {
	return t.run(ctx, "subvolume", "create", path)
}

// DeleteSubvolume removes a subvolume. Read-only subvolumes are made
// writable first, the way lxd's btrfs backend does.
func (t *Tool) DeleteSubvolume(ctx context.Context, path string) error {
	t.command(ctx, "property", "set", "-ts", path, "ro", "false").Run()
	return t.run(ctx, "subvolume", "delete", path)
}

// IsReadonly reports the ro property of a subvolume. A path that is
// not a subvolume yields an error.
func (t *Tool) IsReadonly(ctx context.Context, path string) (bool, error) {
	cmd := t.command(ctx, "property", "get", "-ts", path, "ro")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("btrfs property get %s: %w: %s", path, err, strings.TrimSpace(string(output)))
	}
	return parseReadonly(string(output))
}

// parseReadonly extracts the boolean from `ro=true` / `ro=false`.
func parseReadonly(output string) (bool, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "ro="); ok {
			switch v {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return false, fmt.Errorf("unexpected ro property value %q", v)
		}
	}
	return false, fmt.Errorf("ro property missing in %q", strings.TrimSpace(output))
}

// ReceiveCmd returns an unstarted `btrfs receive` reading a send
// stream from stdin into dir. The caller wires it into a pipeline.
func (t *Tool) ReceiveCmd(ctx context.Context, dir string) *exec.Cmd {
	return t.command(ctx, "receive", dir)
}

// SendCmd returns an unstarted `btrfs send` of path, differential
// against parent when parent is non-empty, writing to stdout.
func (t *Tool) SendCmd(ctx context.Context, parent, path string) *exec.Cmd {
	if parent != "" {
		return t.command(ctx, "send", "-p", parent, path)
	}
	return t.command(ctx, "send", path)
}

// SubvolumeID resolves the numeric subvolume id of path, needed to
// mark the default subvolume.
func (t *Tool) SubvolumeID(ctx context.Context, path string) (string, error) {
	cmd := t.command(ctx, "subvolume", "show", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("btrfs subvolume show %s: %w: %s", path, err, strings.TrimSpace(string(output)))
	}
	return parseSubvolumeID(string(output))
}

func parseSubvolumeID(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "Subvolume" && fields[1] == "ID:" {
			return fields[2], nil
		}
	}
	return "", fmt.Errorf("subvolume id missing in btrfs output")
}

// SetDefault marks the subvolume with id as the default of the
// filesystem mounted at mountpoint.
func (t *Tool) SetDefault(ctx context.Context, id, mountpoint string) error {
	return t.run(ctx, "subvolume", "set-default", id, mountpoint)
}

// ListSubvolumes returns the paths (relative to the top level) of the
// subvolumes below mountpoint.
func (t *Tool) ListSubvolumes(ctx context.Context, mountpoint string) ([]string, error) {
	cmd := t.command(ctx, "subvolume", "list", mountpoint)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("btrfs subvolume list %s: %w: %s", mountpoint, err, strings.TrimSpace(string(output)))
	}
	return parseSubvolumeList(string(output)), nil
}

// parseSubvolumeList extracts the path column from lines shaped like
// `ID 256 gen 12 top level 5 path @home`.
func parseSubvolumeList(output string) []string {
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "path" {
				paths = append(paths, fields[i+1])
				break
			}
		}
	}
	return paths
}
