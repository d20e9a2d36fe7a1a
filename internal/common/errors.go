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

package common

import "errors"

// Error kinds of the engine. A failure of one of these kinds wraps it so
// callers can classify with errors.Is without depending on message text.
// Other file, device and tool errors are returned without a kind.
var (
	ErrUsage        = errors.New("usage error")
	ErrPrecondition = errors.New("precondition failed")
	ErrLocked       = errors.New("pool is locked")
	ErrRemote       = errors.New("remote command failed")
	ErrPipeline     = errors.New("pipeline failed")
	ErrMetadata     = errors.New("metadata error")
	ErrImage        = errors.New("image error")
)
