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
	"context"

	log "github.com/sirupsen/logrus"
)

// CaptureAgent reads the five source-host artifacts.
type CaptureAgent interface {
	ReadFdisk(ctx context.Context) ([]byte, error)
	ReadSgdiskBackup(ctx context.Context) ([]byte, error)
	ReadPart1(ctx context.Context) ([]byte, error)
	ReadSuperDump(ctx context.Context) ([]byte, error)
	ReadFstab(ctx context.Context) ([]byte, error)
}

// Capture pulls all artifacts from the source host and replaces the
// archive atomically. A backup run re-captures after every successful
// transfer so the store is never older than the newest snapshot.
func Capture(ctx context.Context, agent CaptureAgent, store *Store) error {
	reads := []struct {
		name string
		fn   func(context.Context) ([]byte, error)
	}{
		{EntryFdisk, agent.ReadFdisk},
		{EntrySgdiskBack, agent.ReadSgdiskBackup},
		{EntryPart1Image, agent.ReadPart1},
		{EntrySuperDump, agent.ReadSuperDump},
		{EntryFstab, agent.ReadFstab},
	}
	entries := make(map[string][]byte, len(reads))
	for _, r := range reads {
		data, err := r.fn(ctx)
		if err != nil {
			return err
		}
		entries[r.name] = data
	}
	if err := store.Write(entries); err != nil {
		return err
	}
	log.WithField("path", store.Path).Debug("metadata captured")
	return nil
}
