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
	"github.com/blocksense-network/agentfs/chunkstore"
)

// Extent references a sub-range of one stored chunk. A file version's
// content is an ordered extent list; offsets are implicit (each extent
// starts where the previous one ends).
//
// Every extent in a list owns one chunk reference. Splitting an extent in
// two therefore retains the chunk once more; dropping an extent releases
// it. A zero Chunk is a hole and reads as zeroes.
type Extent struct {
	Chunk chunkstore.Handle
	Skip  int // offset into the chunk
	Len   int
}

// ExtentsSize returns the byte length described by the list.
func ExtentsSize(ext []Extent) (n uint64) {
	for _, e := range ext {
		n += uint64(e.Len)
	}
	return
}

// AllocatedSize returns the bytes backed by real chunks (holes excluded).
func AllocatedSize(ext []Extent) (n uint64) {
	for _, e := range ext {
		if e.Chunk != 0 {
			n += uint64(e.Len)
		}
	}
	return
}

// SliceExtents returns sub-extents covering [off, off+n), clipped to the
// list's size. The returned extents borrow the input's chunk references;
// they are for immediate reading only.
func SliceExtents(ext []Extent, off uint64, n uint64) (out []Extent) {
	end := off + n
	var pos uint64
	for _, e := range ext {
		eEnd := pos + uint64(e.Len)
		if eEnd <= off {
			pos = eEnd
			continue
		}
		if pos >= end {
			break
		}

		sub := e
		if off > pos {
			d := int(off - pos)
			sub.Skip += d
			sub.Len -= d
		}
		if eEnd > end {
			sub.Len -= int(eEnd - end)
		}
		out = append(out, sub)
		pos = eEnd
	}
	return
}

// SpliceExtents replaces the byte range starting at off with the supplied
// replacement extents, extending the file (with a hole) when off lies past
// the current end. Overlapped extents are trimmed on the left and right,
// in the manner of offset-ordered chunk injection.
//
// Ownership: repl's chunk references transfer into the result. Dropped
// extents are released and split extents retained via the callbacks.
func SpliceExtents(
	ext []Extent,
	off uint64,
	repl []Extent,
	retain func(chunkstore.Handle),
	release func(chunkstore.Handle)) (out []Extent) {
	size := ExtentsSize(ext)
	replLen := ExtentsSize(repl)
	end := off + replLen

	if off > size {
		// Writing past EOF: keep everything and pad with a hole.
		out = append(out, ext...)
		out = append(out, Extent{Chunk: 0, Len: int(off - size)})
		out = append(out, repl...)
		return
	}

	var pos uint64
	injected := false
	for _, e := range ext {
		eEnd := pos + uint64(e.Len)

		switch {
		case eEnd <= off:
			// Entirely before the replaced range.
			out = append(out, e)

		case pos >= end:
			// Entirely after: inject first if not done yet.
			if !injected {
				out = append(out, repl...)
				injected = true
			}
			out = append(out, e)

		default:
			// Overlaps the replaced range.
			left := e
			right := e
			hasLeft := pos < off
			hasRight := eEnd > end

			if hasLeft {
				left.Len = int(off - pos)
				out = append(out, left)
			}
			if !injected {
				out = append(out, repl...)
				injected = true
			}
			if hasRight {
				d := int(end - pos)
				right.Skip += d
				right.Len -= d
				out = append(out, right)
			}

			// Fix up chunk references for this extent: it appears
			// hasLeft+hasRight times in the result instead of once.
			if e.Chunk != 0 {
				switch {
				case hasLeft && hasRight:
					retain(e.Chunk)
				case !hasLeft && !hasRight:
					release(e.Chunk)
				}
			}
		}

		pos = eEnd
	}

	if !injected {
		out = append(out, repl...)
	}

	return
}

// TruncateExtents trims the list to the given size, or extends it with a
// hole. Dropped extents release their chunk reference via the callback;
// an extent trimmed at the new end keeps its reference.
func TruncateExtents(
	ext []Extent,
	size uint64,
	release func(chunkstore.Handle)) (out []Extent) {
	cur := ExtentsSize(ext)
	if size >= cur {
		out = append(out, ext...)
		if size > cur {
			out = append(out, Extent{Chunk: 0, Len: int(size - cur)})
		}
		return
	}

	var pos uint64
	for _, e := range ext {
		eEnd := pos + uint64(e.Len)
		switch {
		case eEnd <= size:
			out = append(out, e)
		case pos < size:
			trimmed := e
			trimmed.Len = int(size - pos)
			out = append(out, trimmed)
		default:
			if e.Chunk != 0 {
				release(e.Chunk)
			}
		}
		pos = eEnd
	}

	return
}
