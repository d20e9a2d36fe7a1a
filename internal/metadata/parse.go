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

package metadata

import (
	"fmt"
	"strconv"
	"strings"

	"btrfsbackup/internal/common"
)

// The parsers below are intentionally narrow. They read output of
// tools pinned to the C locale on the remote side; on any mismatch
// they fail instead of guessing.

// DiskBytes extracts the disk size in bytes from an `fdisk -l`
// listing: the 5th whitespace token of the "Disk ... bytes, ...
// sectors" line.
func DiskBytes(listing string) (int64, error) {
	for _, line := range strings.Split(listing, "\n") {
		if !strings.HasPrefix(line, "Disk ") || !strings.Contains(line, " bytes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			break
		}
		n, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("disk size token %q not a byte count: %w", fields[4], common.ErrMetadata)
		}
		return n, nil
	}
	return 0, fmt.Errorf("no \"Disk ... bytes\" line in fdisk listing: %w", common.ErrMetadata)
}

// superField returns the 2nd token of the first line whose 1st token
// is key, from a btrfs super dump.
func superField(dump, key string) (string, error) {
	for _, line := range strings.Split(dump, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == key {
			return fields[1], nil
		}
	}
	return "", fmt.Errorf("%s missing in superblock dump: %w", key, common.ErrMetadata)
}

// SuperFSID extracts the filesystem UUID from a superblock dump.
func SuperFSID(dump string) (string, error) {
	return superField(dump, "fsid")
}

// SuperLabel extracts the filesystem label from a superblock dump.
func SuperLabel(dump string) (string, error) {
	return superField(dump, "label")
}

// FstabSubvols returns the subvolume names referenced by subvol=@...
// mount options in an fstab, in first-seen order without duplicates.
func FstabSubvols(fstab string) []string {
	seen := map[string]bool{}
	var subvols []string
	for _, line := range strings.Split(fstab, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			for _, opt := range strings.Split(field, ",") {
				name, ok := strings.CutPrefix(opt, "subvol=")
				if !ok {
					continue
				}
				name = strings.TrimPrefix(name, "/")
				if !strings.HasPrefix(name, "@") || seen[name] {
					continue
				}
				seen[name] = true
				subvols = append(subvols, name)
			}
		}
	}
	return subvols
}

// CommentSwapLines returns fstab with every active swap entry
// commented out. The restored machine has no swap device to resolve.
func CommentSwapLines(fstab string) string {
	lines := strings.Split(fstab, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) >= 3 && fields[2] == "swap" {
			lines[i] = "#" + line
		}
	}
	return strings.Join(lines, "\n")
}
