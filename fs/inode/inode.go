// Copyright 2025 The AgentFS Authors. All Rights Reserved.
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

// Package inode holds node identities and their immutable versions: the
// attribute tuples and content descriptors that snapshots and branch
// heads pin. A node is never stored as a single mutable record; every
// observer sees a specific version.
package inode

import (
	"os"
	"time"
)

// ID identifies one filesystem object for the lifetime of the core.
// IDs are never reused.
type ID uint64

// VersionID identifies one historical value of a node.
type VersionID uint64

// Kind tags what a node is.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Timestamps carries the four POSIX times at nanosecond resolution.
type Timestamps struct {
	Access time.Time
	Modify time.Time
	Change time.Time
	Birth  time.Time
}

// Attrs is the attribute tuple of a node version.
type Attrs struct {
	// Permission bits only; the kind lives on the version.
	Mode os.FileMode

	UID uint32
	GID uint32

	// Link count. Directories start at 2; files at 1, incremented per hard
	// link.
	Nlink uint32

	// Byte size; zero for directories and the target length for symlinks.
	Size uint64

	Times Timestamps
}
