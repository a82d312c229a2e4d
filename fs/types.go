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

package fs

import (
	"time"

	"github.com/google/uuid"

	"github.com/blocksense-network/agentfs/fs/inode"
)

// SnapshotID identifies a snapshot; 16 bytes on the wire.
type SnapshotID uuid.UUID

// BranchID identifies a branch; 16 bytes on the wire.
type BranchID uuid.UUID

func (id SnapshotID) String() string { return uuid.UUID(id).String() }
func (id BranchID) String() string   { return uuid.UUID(id).String() }

// HandleID identifies an open handle.
type HandleID uint64

// TimeSpec is a timestamp split the way the ABI carries it.
type TimeSpec struct {
	Sec  int64
	Nsec int64
}

func toTimeSpec(t time.Time) TimeSpec {
	return TimeSpec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// AttrView is the attribute structure returned by GetAttr.
type AttrView struct {
	Node      inode.ID
	Parent    inode.ID
	Size      uint64
	Allocated uint64
	Mode      uint32
	UID       uint32
	GID       uint32
	Nlink     uint32
	Kind      inode.Kind
	Access    TimeSpec
	Modify    TimeSpec
	Change    TimeSpec
	Birth     TimeSpec
}

// SnapshotInfo describes one snapshot for listing.
type SnapshotInfo struct {
	ID        SnapshotID
	Name      string
	Parent    SnapshotID
	HasParent bool
	CreatedAt time.Time
}

// BranchInfo describes one branch for listing.
type BranchInfo struct {
	ID        BranchID
	Name      string
	Parent    SnapshotID
	CreatedAt time.Time
}

// DirEntryView is one readdir row.
type DirEntryView struct {
	Name string
	Node inode.ID
	Kind inode.Kind
}

// StreamInfo describes one alternate data stream.
type StreamInfo struct {
	Name string
	Size uint64
}
