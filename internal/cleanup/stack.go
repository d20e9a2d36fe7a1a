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

// Package cleanup provides a LIFO stack of release actions.
//
// Every resource acquisition during an operation (temp file, attached
// block device, mount point) pushes a release onto the stack. Releases
// run in reverse acquisition order: a mount point must be unmounted
// before its backing device is detached.
package cleanup

import (
	log "github.com/sirupsen/logrus"
)

// Func releases one acquired resource. It must be idempotent and must
// tolerate the resource already being gone.
type Func func() error

type entry struct {
	name string
	fn   Func
	done bool
}

// Stack accumulates release actions and unwinds them LIFO.
// The zero value is ready to use. Not safe for concurrent use; the
// engine is strictly sequential per invocation.
type Stack struct {
	entries []*entry
}

// Push registers a release action. name appears in log output.
func (s *Stack) Push(name string, fn Func) {
	s.entries = append(s.entries, &entry{name: name, fn: fn})
}

// Pop runs the most recent not-yet-run release and removes it.
// It is a no-op on an empty stack.
func (s *Stack) Pop() error {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		s.entries = s.entries[:i]
		if e.done {
			continue
		}
		e.done = true
		return e.fn()
	}
	return nil
}

// Unwind runs every remaining release in reverse order. Errors are
// logged and do not stop the unwind; the first error is returned.
// Unwind is safe to call more than once.
func (s *Stack) Unwind() error {
	var first error
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.done {
			continue
		}
		e.done = true
		if err := e.fn(); err != nil {
			log.WithField("resource", e.name).WithError(err).Warn("cleanup failed")
			if first == nil {
				first = err
			}
		}
	}
	s.entries = s.entries[:0]
	return first
}

// Len reports the number of pending releases.
func (s *Stack) Len() int {
	n := 0
	for _, e := range s.entries {
		if !e.done {
			n++
		}
	}
	return n
}
