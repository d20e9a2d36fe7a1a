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

// Package blockdev attaches image files as block devices, through
// loopback for raw images and qemu-nbd for qcow2. Attach and release
// are always paired through the invocation's cleanup stack.
package blockdev

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/common"
	"btrfsbackup/internal/util"
)

// Device is an attached block device.
type Device struct {
	Path string // e.g. /dev/loop3 or /dev/nbd0
	kind string // "loop" or "nbd"
}

// Broker allocates and releases block devices.
type Broker struct {
	// SysBlock is where block devices expose their size; overridable
	// for tests. Defaults to /sys/block.
	SysBlock string
}

func (b *Broker) sysBlock() string {
	if b.SysBlock != "" {
		return b.SysBlock
	}
	return "/sys/block"
}

func run(ctx context.Context, name string, args ...string) error {
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

// AttachLoop attaches a raw image through a partition-scanned
// loopback device.
func (b *Broker) AttachLoop(ctx context.Context, image string) (*Device, error) {
	cmd := exec.CommandContext(ctx, "losetup", "--find", "--show", "--partscan", image)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("losetup %s: %w: %s", image, err, strings.TrimSpace(string(output)))
	}
	dev := &Device{Path: strings.TrimSpace(string(output)), kind: "loop"}
	log.WithFields(log.Fields{"image": image, "device": dev.Path}).Debug("loop attached")
	return dev, nil
}

// AttachNBD attaches a qcow2 image through the first unused
// network-block-device slot.
func (b *Broker) AttachNBD(ctx context.Context, image string) (*Device, error) {
	if err := run(ctx, "modprobe", "nbd", "max_part=16"); err != nil {
		return nil, fmt.Errorf("nbd kernel module unavailable: %w: %w", err, common.ErrPrecondition)
	}
	node, err := b.FreeNBD()
	if err != nil {
		return nil, err
	}
	if err := run(ctx, "qemu-nbd", "--connect="+node, "--format=qcow2", image); err != nil {
		return nil, err
	}
	dev := &Device{Path: node, kind: "nbd"}
	log.WithFields(log.Fields{"image": image, "device": node}).Debug("nbd attached")
	return dev, nil
}

// FreeNBD picks the first nbd slot whose reported size is zero.
func (b *Broker) FreeNBD() (string, error) {
	entries, err := os.ReadDir(b.sysBlock())
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "nbd") || strings.Contains(name, "p") {
			continue
		}
		size, err := os.ReadFile(filepath.Join(b.sysBlock(), name, "size"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(size)) == "0" {
			return "/dev/" + name, nil
		}
	}
	return "", fmt.Errorf("no free nbd device: %w", common.ErrPrecondition)
}

// Partition returns the device node of partition n.
func (d *Device) Partition(n int) string {
	return d.Path + partitionSuffix(d.Path) + fmt.Sprint(n)
}

// partitionSuffix is "p" for devices whose name ends in a digit
// (loop0p2, nbd0p2) and empty otherwise (sda2).
func partitionSuffix(devPath string) string {
	if devPath == "" {
		return ""
	}
	last := devPath[len(devPath)-1]
	if last >= '0' && last <= '9' {
		return "p"
	}
	return ""
}

// Settle waits for the device manager to create the partition nodes,
// then polls for the expected partition until it appears.
func (d *Device) Settle(ctx context.Context, partition int) error {
	run(ctx, "udevadm", "settle")
	node := d.Partition(partition)
	err := util.Retry(ctx, func() error {
		if _, err := os.Stat(node); err != nil {
			return fmt.Errorf("partition node %s not present", node)
		}
		return nil
	}, util.DeviceRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("%w: %w", err, common.ErrImage)
	}
	return nil
}

// Detach releases the device. Idempotent: a second detach of the
// same device is a no-op.
func (d *Device) Detach(ctx context.Context) error {
	if d.Path == "" {
		return nil
	}
	var err error
	switch d.kind {
	case "nbd":
		err = run(ctx, "qemu-nbd", "--disconnect", d.Path)
	default:
		err = run(ctx, "losetup", "-d", d.Path)
	}
	if err == nil {
		log.WithField("device", d.Path).Debug("detached")
		d.Path = ""
	}
	return err
}

// Mount mounts a device node at target with options.
func Mount(ctx context.Context, node, target, options string) error {
	args := []string{}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, node, target)
	if err := run(ctx, "mount", args...); err != nil {
		return fmt.Errorf("%w: %w", err, common.ErrImage)
	}
	return nil
}

// Unmount unmounts target. Already-unmounted targets are tolerated.
func Unmount(ctx context.Context, target string) error {
	if err := run(ctx, "umount", target); err != nil {
		if strings.Contains(err.Error(), "not mounted") {
			return nil
		}
		return err
	}
	return nil
}
