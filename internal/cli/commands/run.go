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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"btrfsbackup/internal/blockdev"
	"btrfsbackup/internal/btrfs"
	"btrfsbackup/internal/catalog"
	"btrfsbackup/internal/common"
	"btrfsbackup/internal/image"
	"btrfsbackup/internal/metadata"
	"btrfsbackup/internal/pool"
	"btrfsbackup/internal/remote"
	"btrfsbackup/internal/retention"
	"btrfsbackup/internal/transfer"
)

// env holds the wired components of one invocation.
type env struct {
	pool    *pool.Pool
	tool    *btrfs.Tool
	broker  *blockdev.Broker
	agent   *remote.Agent
	meta    *metadata.Store
	builder *image.Builder
	journal *catalog.Catalog
}

// opsInOrder recovers the left-to-right operation order from the raw
// argument vector; pflag does not preserve it.
func opsInOrder(args []string) []string {
	var ops []string
	for _, arg := range args {
		name := strings.TrimPrefix(arg, "--")
		name = strings.TrimSuffix(name, "=true")
		if _, ok := flagOps[name]; ok && strings.HasPrefix(arg, "--") {
			ops = append(ops, name)
		}
	}
	return ops
}

func setupLogging() {
	log.SetOutput(os.Stderr)
	switch strings.ToLower(flagLogLevel) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// buildConfig layers defaults, the pool's config file and explicit
// command-line flags, in that order.
func buildConfig(cmd *cobra.Command, confPath string) (pool.Config, error) {
	cfg := pool.DefaultConfig()
	if err := pool.LoadConfigFile(confPath, &cfg); err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("rootfs") {
		cfg.Rootfs = flagRootfs
	}
	if flags.Changed("rootdev") {
		cfg.Rootdev = flagRootdev
	}
	if flags.Changed("rootpart") {
		cfg.Rootpart = flagRootpart
	}
	if flags.Changed("latest") {
		cfg.Retention.Latest = flagLatest
	}
	if flags.Changed("days") {
		cfg.Retention.Days = flagDays
	}
	if flags.Changed("weeks") {
		cfg.Retention.Weeks = flagWeeks
	}
	if flags.Changed("months") {
		cfg.Retention.Months = flagMonths
	}
	if flags.Changed("years") {
		cfg.Retention.Years = flagYears
	}
	if flags.Changed("direct-qcow2") {
		cfg.DirectQCOW2 = flagDirectQCOW2
	}
	if flags.Changed("compress-cmd") {
		cfg.Compress = flagCompress
	}
	if flags.Changed("decompress-cmd") {
		cfg.Decompress = flagDecompress
	}
	cfg.Host = flagHost
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	setupLogging()

	if flagBackupDir == "" || flagHost == "" {
		return fmt.Errorf("--backup-dir and --host are required: %w", common.ErrUsage)
	}
	ops := opsInOrder(os.Args[1:])
	if len(ops) == 0 {
		return fmt.Errorf("no operation given (e.g. --backup): %w", common.ErrUsage)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Lock first; the pool's config file is only trusted once this
	// invocation owns the pool.
	p := pool.New(flagBackupDir, pool.DefaultConfig())
	if err := p.Lock(); err != nil {
		return err
	}
	defer p.Unlock()

	cfg, err := buildConfig(cmd, p.ConfPath())
	if err != nil {
		return err
	}
	p.Config = cfg

	e, err := wire(p)
	if err != nil {
		return err
	}
	if e.journal != nil {
		defer e.journal.Close()
	}

	for _, op := range ops {
		log.WithField("operation", op).Debug("dispatch")
		started := time.Now()
		snapshot, parent, opErr := execute(ctx, e, op)
		e.journal.Journal(ctx, op, snapshot, parent, started, opErr)
		if opErr != nil {
			return fmt.Errorf("%s: %w", op, opErr)
		}
	}
	return nil
}

// wire assembles the component graph for one invocation.
func wire(p *pool.Pool) (*env, error) {
	tool := &btrfs.Tool{}
	broker := &blockdev.Broker{}
	agent := &remote.Agent{Host: p.Config.Host, Rootdev: p.Config.Rootdev, Rootpart: p.Config.Rootpart}
	meta := &metadata.Store{Path: p.MetadataPath()}
	builder := &image.Builder{Pool: p, Meta: meta, Tool: tool, Broker: broker}

	journal, err := catalog.Open(p.CatalogPath())
	if err != nil {
		// Advisory only; a broken journal must not block backups.
		log.WithError(err).Warn("catalog unavailable")
		journal = nil
	}
	return &env{
		pool:    p,
		tool:    tool,
		broker:  broker,
		agent:   agent,
		meta:    meta,
		builder: builder,
		journal: journal,
	}, nil
}

// execute dispatches one operation and reports the snapshot/parent
// pair it acted on, for the journal.
func execute(ctx context.Context, e *env, op string) (snapshot, parent string, err error) {
	switch op {
	case "setup":
		if err := e.pool.Setup(ctx, e.tool); err != nil {
			return "", "", err
		}
		return "", "", metadata.Capture(ctx, e.agent, e.meta)

	case "backup":
		tr := &transfer.Transfer{Pool: e.pool, Agent: e.agent, FS: e.tool}
		snap, parent, err := tr.Backup(ctx)
		if err != nil {
			return snap, parent, err
		}
		// The store must never be older than the newest snapshot.
		return snap, parent, metadata.Capture(ctx, e.agent, e.meta)

	case "retention":
		r := &retention.Retention{
			Fs:      retention.PoolFilesystem(e.pool),
			Counts:  e.pool.Config.Retention,
			Deleter: &retention.BtrfsDeleter{Pool: e.pool, Tool: e.tool},
		}
		return "", "", r.Apply(ctx)

	case "create-image":
		latest, _ := e.pool.LatestSnapshot()
		if err := e.builder.CreateImage(ctx); err != nil {
			return latest, "", err
		}
		recordImage(ctx, e, latest)
		return latest, "", nil

	case "update-image":
		latest, _ := e.pool.LatestSnapshot()
		if err := e.builder.UpdateImage(ctx); err != nil {
			return latest, "", err
		}
		recordImage(ctx, e, latest)
		return latest, "", nil

	case "clone-image":
		target, err := e.builder.CloneImage(ctx, time.Now())
		if err != nil {
			return "", "", err
		}
		fmt.Println(target)
		return "", "", nil

	case "list-images":
		return "", "", listImages(ctx, e)

	case "mount-raw":
		return "", "", e.builder.MountRaw(ctx, mountCommand(e))

	case "mount-qcow2":
		return "", "", e.builder.MountQCOW2(ctx, mountCommand(e))
	}
	return "", "", fmt.Errorf("unknown operation %q: %w", op, common.ErrUsage)
}

func recordImage(ctx context.Context, e *env, snapshot string) {
	if e.journal == nil {
		return
	}
	format, path := "raw", e.pool.RawImagePath()
	if e.pool.Config.DirectQCOW2 {
		format, path = "qcow2", e.pool.QCOW2ImagePath()
	}
	err := e.journal.RecordImage(ctx, &catalog.ImageModel{
		Path:     path,
		Format:   format,
		Snapshot: snapshot,
		BuiltAt:  time.Now().Unix(),
	})
	if err != nil {
		log.WithError(err).Warn("catalog image record failed")
	}
}

func listImages(ctx context.Context, e *env) error {
	infos, err := e.builder.ListImages()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no images")
	}
	for _, info := range infos {
		fmt.Printf("%s\t%d\t%s\n", info.Name, info.Bytes, info.ModTime.Format(time.RFC3339))
	}

	if e.journal == nil {
		return nil
	}
	history, err := e.journal.Images(ctx, 10)
	if err != nil {
		return err
	}
	for _, img := range history {
		fmt.Printf("built %s\t%s\t%s\n", time.Unix(img.BuiltAt, 0).Format(time.RFC3339), img.Format, img.Snapshot)
	}
	return nil
}

// mountCommand is what runs inside a mounted image: the configured
// command, or an interactive shell.
func mountCommand(e *env) string {
	if cmd := os.Getenv("BTRFS_BACKUP_SHELL"); cmd != "" {
		return cmd
	}
	if e.pool.Config.MountShell != "" {
		return e.pool.Config.MountShell
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
