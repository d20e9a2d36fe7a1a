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
	"os"

	"gopkg.in/yaml.v3"
)

// RetentionCounts holds the keep-count per retention bucket.
// A count of zero empties the bucket.
type RetentionCounts struct {
	Latest int `yaml:"latest"`
	Days   int `yaml:"days"`
	Weeks  int `yaml:"weeks"`
	Months int `yaml:"months"`
	Years  int `yaml:"years"`
}

// Config is the effective configuration of one invocation. It is built
// at driver entry from defaults, then the pool's btrfs-backup.conf,
// then explicit command-line flags, and passed down read-only.
type Config struct {
	Host        string          `yaml:"-"`
	Rootfs      string          `yaml:"rootfs"`       // default rootfs subvolume name
	Rootdev     string          `yaml:"rootdev"`      // source block device, without /dev/
	Rootpart    int             `yaml:"rootpart"`     // partition number of the rootfs
	Compress    string          `yaml:"compress"`     // stdin→stdout compressor run on the source host
	Decompress  string          `yaml:"decompress"`   // matching local decompressor
	Compression string          `yaml:"compression"`  // btrfs compression property for snapshots/
	Retention   RetentionCounts `yaml:"retention"`
	DirectQCOW2 bool            `yaml:"direct-qcow2"` // build the image directly in qcow2 via nbd
	MountShell  string          `yaml:"mount-shell"`  // command run inside mount-raw/mount-qcow2
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Rootfs:      "@",
		Rootdev:     "sda",
		Rootpart:    2,
		Compress:    "zstd",
		Decompress:  "zstd -d",
		Compression: "zstd",
		Retention: RetentionCounts{
			Latest: 5,
			Days:   5,
			Weeks:  4,
			Months: 4,
			Years:  20,
		},
	}
}

// LoadConfigFile merges the pool's btrfs-backup.conf into cfg, if the
// file exists. Keys absent from the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
