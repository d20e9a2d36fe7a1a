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

// Package metadata persists the artifacts captured from the source
// host: partition table, boot partition bytes, filesystem superblock
// and fstab. They are enough to fabricate a bootable disk without
// contacting the host again.
package metadata

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"btrfsbackup/internal/common"
)

// Fixed entry names inside the archive. The image builder depends on
// them.
const (
	EntryFdisk       = "fdisk-l"
	EntrySgdiskBack  = "sgdisk-backup"
	EntryPart1Image  = "part1-img"
	EntrySuperDump   = "super-dump"
	EntryFstab       = "fstab"
)

// entryOrder fixes the archive layout so repeated captures of the
// same host produce identical archives.
var entryOrder = []string{EntryFdisk, EntrySgdiskBack, EntryPart1Image, EntrySuperDump, EntryFstab}

// Store is the metadata archive at a fixed location in the pool.
type Store struct {
	Path string
}

// Write replaces the archive with the given entries, via a sibling
// temp file and an atomic rename. All five entries must be present.
func (s *Store) Write(entries map[string][]byte) error {
	for _, name := range entryOrder {
		if _, ok := entries[name]; !ok {
			return fmt.Errorf("capture produced no %s entry: %w", name, common.ErrMetadata)
		}
	}

	tmp := s.Path + ".tmp-" + uuid.New().String()[:8]
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	tw := tar.NewWriter(f)
	now := time.Now()
	for _, name := range entryOrder {
		data := entries[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0600,
			Size:    int64(len(data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			f.Close()
			return err
		}
		if _, err := tw.Write(data); err != nil {
			f.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Read returns the named entry from the archive.
func (s *Store) Read(name string) ([]byte, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata archive %s missing, run --setup or --backup first: %w", s.Path, common.ErrMetadata)
		}
		return nil, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.Path, err)
		}
		if hdr.Name == name {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("entry %s missing in %s: %w", name, s.Path, common.ErrMetadata)
}
