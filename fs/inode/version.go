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

package inode

import (
	"sync"

	"github.com/google/uuid"
)

// Version is one historical value of a node: an attribute tuple plus a
// kind-specific content descriptor. Versions are immutable once any
// snapshot can reach them; a version still private to the branch head
// that created it (same origin, same epoch) may be edited in place while
// that branch's head lock is held exclusively.
type Version struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	Node ID
	VID  VersionID
	Kind Kind

	// The branch that fabricated this version, and that branch's snapshot
	// epoch at the time. Used for the in-place mutation test; see
	// Store.CanMutate.
	Origin uuid.UUID
	Epoch  uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Held briefly during in-place attribute or content edits and during
	// reads that may race an orphan-handle write. Never held across a
	// content-store fault.
	Mu sync.Mutex

	// GUARDED_BY(Mu) while the version is in-place mutable; constant
	// afterwards.
	Attrs Attrs

	// File payload: content extents plus, when alternate data streams are
	// enabled, named sub-contents sharing the node's link count.
	Extents []Extent
	Streams map[string][]Extent

	// Symlink payload.
	Target []byte

	// Directory payload.
	Entries *Entries

	// Extended attributes, when enabled.
	Xattrs map[string][]byte

	// Reference count: one per owner (parent directory version entry,
	// branch head, snapshot root, or open handle pin).
	//
	// GUARDED_BY(the owning Store's mu)
	refs int64
}
