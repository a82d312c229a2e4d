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
	"fmt"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"

	"github.com/blocksense-network/agentfs/chunkstore"
)

// Store allocates node ids and version records and owns their reference
// counts. Content bytes live in the chunk store; releasing the last
// reference on a version cascades into its children (directories) and its
// chunks (files).
type Store struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	chunks *chunkstore.Store

	// Lookup key derivation for directory entries; identity when the core
	// is case-sensitive.
	fold func(string) string

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The next ids to hand out. 64-bit counters are treated as
	// inexhaustible.
	//
	// GUARDED_BY(mu)
	nextNode    ID
	nextVersion VersionID

	// All live versions.
	//
	// INVARIANT: For all keys k, versions[k].VID == k
	// INVARIANT: For all values v, v.refs > 0
	//
	// GUARDED_BY(mu)
	versions map[VersionID]*Version
}

// NewStore creates a version store backed by the supplied chunk store.
// fold must be non-nil.
func NewStore(chunks *chunkstore.Store, fold func(string) string) (s *Store) {
	s = &Store{
		chunks:      chunks,
		fold:        fold,
		nextNode:    1,
		nextVersion: 1,
		versions:    make(map[VersionID]*Version),
	}

	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)

	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Store) checkInvariants() {
	for vid, v := range s.versions {
		if v.VID != vid {
			panic(fmt.Sprintf("VID mismatch: %v vs. %v", v.VID, vid))
		}
		if v.refs <= 0 {
			panic(fmt.Sprintf("Non-positive refcount %d for version %d", v.refs, vid))
		}
	}
}

// LOCKS_REQUIRED(s.mu)
func (s *Store) install(v *Version) *Version {
	v.VID = s.nextVersion
	s.nextVersion++
	v.refs = 1
	s.versions[v.VID] = v
	return v
}

// Drop one reference from v, cascading through payloads of versions that
// die. Iterative so arbitrarily deep trees cannot exhaust the stack.
//
// LOCKS_REQUIRED(s.mu)
func (s *Store) releaseLocked(v *Version) {
	pending := []*Version{v}
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		cur.refs--
		if cur.refs > 0 {
			continue
		}
		if cur.refs < 0 {
			panic(fmt.Sprintf("Release of dead version %d", cur.VID))
		}

		delete(s.versions, cur.VID)

		switch cur.Kind {
		case KindFile:
			for _, e := range cur.Extents {
				if e.Chunk != 0 {
					s.chunks.Release(e.Chunk)
				}
			}
			for _, ext := range cur.Streams {
				for _, e := range ext {
					if e.Chunk != 0 {
						s.chunks.Release(e.Chunk)
					}
				}
			}
		case KindDirectory:
			for _, ent := range cur.Entries.List() {
				pending = append(pending, ent.Version)
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// AllocNode hands out a fresh node id.
func (s *Store) AllocNode() (id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = s.nextNode
	s.nextNode++
	return
}

// NewEntries creates an entry set under the store's fold policy.
func (s *Store) NewEntries() *Entries {
	return NewEntries(s.fold)
}

// Fold applies the store's lookup key derivation.
func (s *Store) Fold(name string) string {
	return s.fold(name)
}

// NewFile creates a file version with a reference count of one, taking
// ownership of one chunk reference per non-hole extent.
func (s *Store) NewFile(node ID, attrs Attrs, origin uuid.UUID, epoch uint64, extents []Extent) (v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs.Size = ExtentsSize(extents)
	v = s.install(&Version{
		Node:    node,
		Kind:    KindFile,
		Origin:  origin,
		Epoch:   epoch,
		Attrs:   attrs,
		Extents: extents,
	})
	return
}

// NewDir creates a directory version with a reference count of one,
// taking ownership of one version reference per entry.
func (s *Store) NewDir(node ID, attrs Attrs, origin uuid.UUID, epoch uint64, entries *Entries) (v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries == nil {
		entries = NewEntries(s.fold)
	}
	v = s.install(&Version{
		Node:    node,
		Kind:    KindDirectory,
		Origin:  origin,
		Epoch:   epoch,
		Attrs:   attrs,
		Entries: entries,
	})
	return
}

// NewSymlink creates a symlink version with a reference count of one.
func (s *Store) NewSymlink(node ID, attrs Attrs, origin uuid.UUID, epoch uint64, target []byte) (v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs.Size = uint64(len(target))
	v = s.install(&Version{
		Node:   node,
		Kind:   KindSymlink,
		Origin: origin,
		Epoch:  epoch,
		Attrs:  attrs,
		Target: target,
	})
	return
}

// Clone fabricates a new version of the same node with identical
// attributes and content, stamped with the supplied origin and epoch.
// All payload references (chunks, child versions) are retained by the
// clone itself.
func (s *Store) Clone(v *Version, origin uuid.UUID, epoch uint64) (out *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out = &Version{
		Node:   v.Node,
		Kind:   v.Kind,
		Origin: origin,
		Epoch:  epoch,
		Attrs:  v.Attrs,
	}

	switch v.Kind {
	case KindFile:
		out.Extents = append([]Extent(nil), v.Extents...)
		for _, e := range out.Extents {
			if e.Chunk != 0 {
				s.chunks.Retain(e.Chunk)
			}
		}
		if v.Streams != nil {
			out.Streams = make(map[string][]Extent, len(v.Streams))
			for name, ext := range v.Streams {
				cp := append([]Extent(nil), ext...)
				for _, e := range cp {
					if e.Chunk != 0 {
						s.chunks.Retain(e.Chunk)
					}
				}
				out.Streams[name] = cp
			}
		}
	case KindDirectory:
		out.Entries = v.Entries.Clone()
		for _, ent := range out.Entries.List() {
			ent.Version.refs++
		}
	case KindSymlink:
		out.Target = append([]byte(nil), v.Target...)
	}

	if v.Xattrs != nil {
		out.Xattrs = make(map[string][]byte, len(v.Xattrs))
		for k, val := range v.Xattrs {
			out.Xattrs[k] = append([]byte(nil), val...)
		}
	}

	s.install(out)
	return
}

// Retain adds a reference to v.
func (s *Store) Retain(v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.refs <= 0 {
		panic(fmt.Sprintf("Retain of dead version %d", v.VID))
	}
	v.refs++
}

// Release drops a reference from v, cascading as content becomes
// unreachable.
func (s *Store) Release(v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked(v)
}

// CanMutate reports whether v may be edited in place on behalf of the
// given branch: it must have been fabricated by that branch in its
// current snapshot epoch, so no snapshot can reach it.
func (s *Store) CanMutate(v *Version, branch uuid.UUID, epoch uint64) bool {
	return v.Origin == branch && v.Epoch == epoch
}

// VersionCount returns the number of live versions.
func (s *Store) VersionCount() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n = len(s.versions)
	return
}

// CheckInvariants panics if internal invariants do not hold.
func (s *Store) CheckInvariants() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkInvariants()
}
