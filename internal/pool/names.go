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

package pool

import (
	"fmt"
	"regexp"
	"time"
)

// NameLayout is the snapshot naming scheme. It is shared by the local
// snapshot directory, the retention indices and the remote snapshot
// root, and sorts lexicographically in chronological order.
const NameLayout = "2006.01.02_15.04"

var nameRe = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}_\d{2}\.\d{2}$`)

// FormatSnapshotName returns the snapshot name for a point in time.
func FormatSnapshotName(t time.Time) string {
	return t.Format(NameLayout)
}

// IsSnapshotName reports whether s is a well-formed snapshot name.
func IsSnapshotName(s string) bool {
	return nameRe.MatchString(s)
}

// BucketKeys are the calendar coordinates a snapshot belongs to, one
// per retention bucket. The first snapshot observed for a coordinate
// becomes its representative.
type BucketKeys struct {
	Day   string // Y.M.D
	Week  string // Y-W (ISO week; the year is the ISO week-year)
	Month string // Y.M
	Year  string // Y
}

// KeysFor derives the retention bucket keys from a snapshot name.
func KeysFor(name string) (BucketKeys, error) {
	if !IsSnapshotName(name) {
		return BucketKeys{}, fmt.Errorf("malformed snapshot name %q", name)
	}
	t, err := time.Parse(NameLayout, name)
	if err != nil {
		return BucketKeys{}, fmt.Errorf("malformed snapshot name %q: %w", name, err)
	}
	// The ISO week-year can differ from the calendar year around new
	// year (week 52/53 spilling over, week 1 starting early).
	isoYear, isoWeek := t.ISOWeek()
	return BucketKeys{
		Day:   name[:10],
		Week:  fmt.Sprintf("%04d-%02d", isoYear, isoWeek),
		Month: name[:7],
		Year:  name[:4],
	}, nil
}
