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

package transfer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	log "github.com/sirupsen/logrus"

	"btrfsbackup/internal/common"
)

// Stage is one process of a pipeline.
type Stage struct {
	Name string
	Cmd  *exec.Cmd
}

// Pipeline connects stages stdout→stdin and waits on every stage.
// Failure is checked end-to-end: any non-zero stage fails the
// pipeline, and a stage killed by SIGPIPE after a downstream failure
// does not mask that failure.
type Pipeline struct {
	Stages []Stage
}

// Run starts all stages, closes the parent's pipe ends, and waits for
// every stage. Stderr of each stage goes to the invocation's stderr.
func (p *Pipeline) Run() error {
	if len(p.Stages) == 0 {
		return nil
	}

	var parentFDs []*os.File
	for i := 0; i < len(p.Stages)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			return err
		}
		p.Stages[i].Cmd.Stdout = w
		p.Stages[i+1].Cmd.Stdin = r
		parentFDs = append(parentFDs, r, w)
	}
	for i := range p.Stages {
		if p.Stages[i].Cmd.Stderr == nil {
			p.Stages[i].Cmd.Stderr = os.Stderr
		}
	}

	started := 0
	for i := range p.Stages {
		if err := p.Stages[i].Cmd.Start(); err != nil {
			closeAll(parentFDs)
			waitStarted(p.Stages[:started])
			return fmt.Errorf("start %s: %w: %w", p.Stages[i].Name, err, common.ErrPipeline)
		}
		started++
	}
	// The children hold their own duplicates; the parent must drop its
	// ends or EOF never propagates down the chain.
	closeAll(parentFDs)

	errs := make([]error, len(p.Stages))
	for i := range p.Stages {
		errs[i] = p.Stages[i].Cmd.Wait()
	}

	// Prefer a stage that failed on its own over one that died of
	// SIGPIPE because its consumer went away first.
	var sigpiped error
	for i, err := range errs {
		if err == nil {
			continue
		}
		wrapped := fmt.Errorf("%s: %w: %w", p.Stages[i].Name, err, common.ErrPipeline)
		if diedOfSigpipe(err) {
			if sigpiped == nil {
				sigpiped = wrapped
			}
			continue
		}
		log.WithField("stage", p.Stages[i].Name).WithError(err).Debug("pipeline stage failed")
		return wrapped
	}
	return sigpiped
}

func closeAll(fds []*os.File) {
	for _, f := range fds {
		f.Close()
	}
}

func waitStarted(stages []Stage) {
	for i := range stages {
		stages[i].Cmd.Wait()
	}
}

func diedOfSigpipe(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	// Either the raw signal, or a shell reporting 128+SIGPIPE.
	if status.Signaled() && status.Signal() == syscall.SIGPIPE {
		return true
	}
	return status.Exited() && status.ExitStatus() == 128+int(syscall.SIGPIPE)
}
