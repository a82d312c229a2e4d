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
	"github.com/google/uuid"

	"github.com/blocksense-network/agentfs/fs/inode"
)

// This file implements the write-side version plumbing: fabricating
// branch-private versions on demand and installing them bottom-up so a
// mutation either advances the whole head or leaves it untouched.

// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) canMutate(b *branch, v *inode.Version) bool {
	return fc.nodes.CanMutate(v, uuid.UUID(b.id), b.epoch)
}

// installVersion replaces the head version of node with newV: the head
// index repoints, every directory entry referencing the node repoints
// (CoWing ancestor directories that are still shared with a snapshot),
// and the head root advances when the chain reaches it.
//
// newV carries its fabrication reference, which this function consumes
// (it becomes the head's reference for the root, or is dropped once the
// parent entries hold their own).
//
// LOCKS_REQUIRED(fc.mu, any mode)
// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) installVersion(b *branch, node inode.ID, newV *inode.Version) {
	old := b.nodes[node]
	b.nodes[node] = newV

	if node == b.root.Node {
		b.root = newV
		fc.nodes.Release(old)
		return
	}

	for parentNode := range b.parents[node] {
		pv := b.nodes[parentNode]

		if fc.canMutate(b, pv) {
			pv.Mu.Lock()
			n := pv.Entries.Repoint(node, newV)
			pv.Mu.Unlock()
			for i := 0; i < n; i++ {
				fc.nodes.Retain(newV)
				fc.nodes.Release(old)
			}
			continue
		}

		pclone := fc.nodes.Clone(pv, uuid.UUID(b.id), b.epoch)
		n := pclone.Entries.Repoint(node, newV)
		for i := 0; i < n; i++ {
			fc.nodes.Retain(newV)
			fc.nodes.Release(old)
		}
		fc.installVersion(b, parentNode, pclone)
	}

	// Parent entries (or the handle pins) now hold their own references.
	fc.nodes.Release(newV)
}

// editNode applies a mutation to the head version of node, in place when
// the version is branch-private or through clone-and-install otherwise.
// Returns the version now at the head.
//
// The edit callback runs exactly once. When it runs against a clone, the
// clone already holds references for all payload content; edits that add
// or drop entries/chunks adjust references themselves.
//
// LOCKS_REQUIRED(fc.mu, any mode)
// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) editNode(b *branch, node inode.ID, edit func(v *inode.Version)) *inode.Version {
	v := b.nodes[node]

	if fc.canMutate(b, v) {
		v.Mu.Lock()
		edit(v)
		v.Mu.Unlock()
		return v
	}

	clone := fc.nodes.Clone(v, uuid.UUID(b.id), b.epoch)
	edit(clone)
	fc.installVersion(b, node, clone)
	return clone
}

// bumpNlink adjusts the link count on the head version of node by delta,
// stamping ctime.
//
// LOCKS_REQUIRED(fc.mu, any mode)
// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) bumpNlink(b *branch, node inode.ID, delta int32) *inode.Version {
	now := fc.clock.Now()
	return fc.editNode(b, node, func(v *inode.Version) {
		v.Attrs.Nlink = uint32(int32(v.Attrs.Nlink) + delta)
		v.Attrs.Times.Change = now
	})
}

// putChunks splits data at the store's chunk bound and admits each piece,
// returning the covering extents. On failure every admitted chunk is
// released and the store's error is surfaced as the matching fs error kind.
func (fc *FsCore) putChunks(data []byte) (ext []inode.Extent, err error) {
	for len(data) > 0 {
		n := len(data)
		if n > maxWriteChunk {
			n = maxWriteChunk
		}

		h, perr := fc.chunks.Put(data[:n])
		if perr != nil {
			for _, e := range ext {
				fc.chunks.Release(e.Chunk)
			}
			err = mapChunkErr(perr)
			return
		}

		ext = append(ext, inode.Extent{Chunk: h, Len: n})
		data = data[n:]
	}
	return
}
