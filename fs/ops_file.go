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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/blocksense-network/agentfs/chunkstore"
	"github.com/blocksense-network/agentfs/fs/inode"
)

// CurrentOffset is the sentinel offset meaning "use and advance the
// handle's position".
const CurrentOffset int64 = -1

// maxWriteChunk bounds the pieces a write is split into before admission.
const maxWriteChunk = chunkstore.MaxChunkSize

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// streamExtents selects the content list a handle addresses.
func streamExtents(v *inode.Version, stream string) ([]inode.Extent, bool) {
	if stream == "" {
		return v.Extents, true
	}
	ext, ok := v.Streams[stream]
	return ext, ok
}

// gather reads [off, off+n) out of an extent list, clipped to its size.
func (fc *FsCore) gather(ext []inode.Extent, off uint64, n int) (p []byte, err error) {
	size := inode.ExtentsSize(ext)
	if off >= size || n <= 0 {
		return
	}
	if uint64(n) > size-off {
		n = int(size - off)
	}

	p = make([]byte, 0, n)
	for _, e := range inode.SliceExtents(ext, off, uint64(n)) {
		if e.Chunk == 0 {
			p = append(p, make([]byte, e.Len)...)
			continue
		}

		var piece []byte
		piece, err = fc.chunks.Get(e.Chunk, e.Skip, e.Len)
		if err != nil {
			p = nil
			err = mapChunkErr(err)
			return
		}
		p = append(p, piece...)
	}
	return
}

// attrView builds the ABI attribute structure from a version.
func attrView(v *inode.Version, parent inode.ID) AttrView {
	allocated := inode.AllocatedSize(v.Extents)
	for _, ext := range v.Streams {
		allocated += inode.AllocatedSize(ext)
	}

	return AttrView{
		Node:      v.Node,
		Parent:    parent,
		Size:      v.Attrs.Size,
		Allocated: allocated,
		Mode:      uint32(v.Attrs.Mode.Perm()),
		UID:       v.Attrs.UID,
		GID:       v.Attrs.GID,
		Nlink:     v.Attrs.Nlink,
		Kind:      v.Kind,
		Access:    toTimeSpec(v.Attrs.Times.Access),
		Modify:    toTimeSpec(v.Attrs.Times.Modify),
		Change:    toTimeSpec(v.Attrs.Times.Change),
		Birth:     toTimeSpec(v.Attrs.Times.Birth),
	}
}

////////////////////////////////////////////////////////////////////////
// Open / Close
////////////////////////////////////////////////////////////////////////

// Open opens (and possibly creates) a file, directory, or alternate data
// stream per the supplied options, returning a handle id.
func (fc *FsCore) Open(pid uint32, path string, opts OpenOptions) (id HandleID, err error) {
	access, err := accessSetForMode(opts.Mode)
	if err != nil {
		return
	}
	share, err := shareSetFromList(opts.Share)
	if err != nil {
		return
	}
	if err = validCreateDisposition(opts.Create); err != nil {
		return
	}
	if opts.Stream != "" && !fc.config.EnableADS {
		err = fmt.Errorf("%w: alternate data streams disabled", ErrUnsupported)
		return
	}
	wantsTruncate := opts.Truncate || opts.Create == CreateAlways
	if wantsTruncate && !access.Write {
		err = fmt.Errorf("%w: truncate without write access", ErrInvalidArgument)
		return
	}

	needMut := access.Write || opts.Create != CreateNever

	fc.mu.RLock()
	defer fc.mu.RUnlock()

	b, ident, err := fc.callerBranch(pid)
	if err != nil {
		return
	}
	if b.state != branchLive {
		err = fmt.Errorf("%w: branch %v is being deleted", ErrBusy, b.id)
		return
	}

	if needMut {
		b.mu.Lock()
		defer b.mu.Unlock()
	} else {
		b.mu.RLock()
		defer b.mu.RUnlock()
	}

	var nodeID inode.ID
	var cur *inode.Version

	r, rerr := fc.resolvePath(b, path, !opts.OFlags.Nofollow, ident)
	switch {
	case rerr == nil:
		if opts.OFlags.Nofollow && r.version.Kind == inode.KindSymlink {
			err = fmt.Errorf("%w: %q is a symlink", ErrInvalidArgument, path)
			return
		}
		if r.version.Kind == inode.KindDirectory && (access.Write || opts.Stream != "") {
			err = fmt.Errorf("%w: %q", ErrIsADirectory, path)
			return
		}
		if opts.Stream != "" && r.version.Kind != inode.KindFile {
			err = fmt.Errorf("%w: streams require a file", ErrInvalidArgument)
			return
		}

		var want uint32
		if access.Read {
			want |= permRead
		}
		if access.Write {
			want |= permWrite
		}
		if err = checkAccess(&r.version.Attrs, ident, want); err != nil {
			return
		}

		nodeID = r.node
		cur = b.nodes[r.node]

		if opts.Stream != "" {
			if _, ok := streamExtents(cur, opts.Stream); !ok {
				if opts.Create == CreateNever {
					err = fmt.Errorf("%w: stream %q", ErrNotFound, opts.Stream)
					return
				}
				stream := opts.Stream
				now := fc.clock.Now()
				cur = fc.editNode(b, nodeID, func(v *inode.Version) {
					if v.Streams == nil {
						v.Streams = make(map[string][]inode.Extent)
					}
					v.Streams[stream] = nil
					v.Attrs.Times.Change = now
				})
			}
		}

		if wantsTruncate && cur.Kind == inode.KindFile {
			stream := opts.Stream
			before := cur.VID
			now := fc.clock.Now()
			cur = fc.editNode(b, nodeID, func(v *inode.Version) {
				if stream == "" {
					v.Extents = inode.TruncateExtents(v.Extents, 0, fc.chunks.Release)
					v.Attrs.Size = 0
				} else {
					v.Streams[stream] = inode.TruncateExtents(v.Streams[stream], 0, fc.chunks.Release)
				}
				v.Attrs.Times.Modify = now
				v.Attrs.Times.Change = now
			})
			fc.emitEvent(b, "truncate", path, before, cur.VID)
		}

	case errors.Is(rerr, ErrNotFound) && opts.Create != CreateNever:
		var dir resolved
		var leaf string
		dir, leaf, err = fc.resolveParent(b, path, ident)
		if err != nil {
			return
		}
		if err = checkAccess(&dir.version.Attrs, ident, permWrite|permExec); err != nil {
			return
		}
		// The leaf truly is absent (resolvePath already said so); anything
		// else, like a missing intermediate, surfaced through resolveParent.
		now := fc.clock.Now()
		attrs := inode.Attrs{
			Mode:  0644,
			UID:   ident.uid,
			GID:   ident.gid,
			Nlink: 1,
			Times: inode.Timestamps{Access: now, Modify: now, Change: now, Birth: now},
		}

		nodeID = fc.nodes.AllocNode()
		cur = fc.nodes.NewFile(nodeID, attrs, uuid.UUID(b.id), b.epoch, nil)
		if opts.Stream != "" {
			cur.Streams = map[string][]inode.Extent{opts.Stream: nil}
		}
		fc.addEntry(b, dir.node, leaf, nodeID, cur, false, now)
		fc.emitEvent(b, "create", path, 0, cur.VID)

	default:
		err = rerr
		return
	}

	h := &handle{
		node:       nodeID,
		branch:     b.id,
		path:       path,
		stream:     opts.Stream,
		ownerPID:   pid,
		appendMode: opts.Mode == ModeAppend,
		access:     access,
		share:      share,
		version:    cur,
	}
	fc.nodes.Retain(cur)

	if err = fc.handles.insert(h); err != nil {
		fc.nodes.Release(cur)
		return
	}

	id = h.id
	return
}

// Close destroys a handle. Closing an unknown handle fails with
// invalid-argument.
func (fc *FsCore) Close(id HandleID) (err error) {
	h, err := fc.handles.remove(id)
	if err != nil {
		return
	}

	fc.nodes.Release(h.version)

	// The handle may have been the last holder of a deleting branch.
	fc.mu.Lock()
	if b, ok := fc.branches[h.branch]; ok {
		fc.reclaimBranchLocked(b)
	}
	fc.mu.Unlock()

	return
}

// ProcessExit drops every handle owned by pid and removes its binding,
// as an adapter reports when the process goes away.
func (fc *FsCore) ProcessExit(pid uint32) {
	for _, h := range fc.handles.closeOwnedBy(pid) {
		fc.nodes.Release(h.version)
	}
	fc.UnbindProcess(pid)
}

////////////////////////////////////////////////////////////////////////
// Read / Write
////////////////////////////////////////////////////////////////////////

// Read reads up to length bytes at off, or at (and advancing) the
// handle's position when off is CurrentOffset. Reads past end of file
// return short or empty results.
func (fc *FsCore) Read(id HandleID, off int64, length int) (p []byte, err error) {
	h, err := fc.handles.get(id)
	if err != nil {
		return
	}
	if !h.access.Read {
		err = fmt.Errorf("%w: handle %d not open for read", ErrAccessDenied, id)
		return
	}
	if off < 0 && off != CurrentOffset {
		err = fmt.Errorf("%w: offset %d", ErrInvalidArgument, off)
		return
	}

	fc.mu.RLock()
	defer fc.mu.RUnlock()

	b, err := fc.branchByID(h.branch)
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	v := b.nodes[h.node]
	if v == nil {
		// Unlinked but still open: serve the pinned version.
		v = h.version
	}
	if v.Kind == inode.KindDirectory {
		err = fmt.Errorf("%w: handle %d", ErrIsADirectory, id)
		return
	}

	ext, ok := streamExtents(v, h.stream)
	if !ok {
		err = fmt.Errorf("%w: stream %q", ErrNotFound, h.stream)
		return
	}

	o := uint64(off)
	if off == CurrentOffset {
		h.mu.Lock()
		o = h.offset
		h.mu.Unlock()
	}

	if p, err = fc.gather(ext, o, length); err != nil {
		return
	}

	if off == CurrentOffset {
		h.mu.Lock()
		h.offset = o + uint64(len(p))
		h.mu.Unlock()
	}
	return
}

// Write writes data at off, at the handle position when off is
// CurrentOffset, or at end of file for append handles (resolved
// atomically with the write under the branch head lock).
func (fc *FsCore) Write(id HandleID, off int64, data []byte) (n int, err error) {
	h, err := fc.handles.get(id)
	if err != nil {
		return
	}
	if !h.access.Write {
		err = fmt.Errorf("%w: handle %d not open for write", ErrAccessDenied, id)
		return
	}
	if off < 0 && off != CurrentOffset {
		err = fmt.Errorf("%w: offset %d", ErrInvalidArgument, off)
		return
	}

	fc.mu.RLock()
	defer fc.mu.RUnlock()

	b, err := fc.branchByID(h.branch)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	orphan := false
	v := b.nodes[h.node]
	if v == nil {
		v = h.version
		orphan = true
	}
	if v.Kind != inode.KindFile {
		err = fmt.Errorf("%w: handle %d", ErrIsADirectory, id)
		return
	}

	ext, ok := streamExtents(v, h.stream)
	if !ok {
		err = fmt.Errorf("%w: stream %q", ErrNotFound, h.stream)
		return
	}

	var o uint64
	switch {
	case h.appendMode:
		o = inode.ExtentsSize(ext)
	case off == CurrentOffset:
		h.mu.Lock()
		o = h.offset
		h.mu.Unlock()
	default:
		o = uint64(off)
	}

	if len(data) == 0 {
		return
	}

	repl, err := fc.putChunks(data)
	if err != nil {
		return
	}

	now := fc.clock.Now()
	stream := h.stream
	apply := func(v *inode.Version) {
		if stream == "" {
			v.Extents = inode.SpliceExtents(v.Extents, o, repl, fc.chunks.Retain, fc.chunks.Release)
			v.Attrs.Size = inode.ExtentsSize(v.Extents)
		} else {
			v.Streams[stream] = inode.SpliceExtents(v.Streams[stream], o, repl, fc.chunks.Retain, fc.chunks.Release)
		}
		v.Attrs.Times.Modify = now
		v.Attrs.Times.Change = now
	}

	before := v.VID
	var after *inode.Version
	if fc.canMutate(b, v) {
		v.Mu.Lock()
		apply(v)
		v.Mu.Unlock()
		after = v
	} else {
		clone := fc.nodes.Clone(v, uuid.UUID(b.id), b.epoch)
		apply(clone)
		if orphan {
			// The clone's fabrication reference becomes the handle pin.
			h.version = clone
			fc.nodes.Release(v)
		} else {
			fc.installVersion(b, h.node, clone)
		}
		after = clone
	}

	if off == CurrentOffset && !h.appendMode {
		h.mu.Lock()
		h.offset = o + uint64(len(data))
		h.mu.Unlock()
	}

	fc.emitEvent(b, "write", h.path, before, after.VID)
	n = len(data)
	return
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// GetAttr stats a path, following a terminal symlink.
func (fc *FsCore) GetAttr(pid uint32, path string) (AttrView, error) {
	return fc.getAttr(pid, path, true)
}

// LGetAttr stats a path without following a terminal symlink.
func (fc *FsCore) LGetAttr(pid uint32, path string) (AttrView, error) {
	return fc.getAttr(pid, path, false)
}

func (fc *FsCore) getAttr(pid uint32, path string, follow bool) (out AttrView, err error) {
	b, ident, unlock, err := fc.readOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, follow, ident)
	if err != nil {
		return
	}

	out = attrView(r.version, r.parent)
	return
}

// GetAttrByHandle stats through an open handle, working even after the
// node was unlinked.
func (fc *FsCore) GetAttrByHandle(id HandleID) (out AttrView, err error) {
	h, err := fc.handles.get(id)
	if err != nil {
		return
	}

	fc.mu.RLock()
	defer fc.mu.RUnlock()

	b, err := fc.branchByID(h.branch)
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	v := b.nodes[h.node]
	var parent inode.ID
	if v == nil {
		v = h.version
	} else {
		for p := range b.parents[h.node] {
			parent = p
			break
		}
	}

	out = attrView(v, parent)
	return
}

// SetAttrRequest selects which attributes SetAttr changes.
type SetAttrRequest struct {
	Mode       *os.FileMode
	UID        *uint32
	GID        *uint32
	Size       *uint64
	AccessTime *time.Time
	ModifyTime *time.Time
}

// SetAttr changes attributes, truncating or extending file content when
// Size is set.
func (fc *FsCore) SetAttr(pid uint32, path string, req SetAttrRequest) (out AttrView, err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}
	v := b.nodes[r.node]

	if req.Mode != nil || req.UID != nil || req.GID != nil {
		if ident.known && ident.uid != 0 {
			if req.UID != nil || req.GID != nil {
				err = fmt.Errorf("%w: chown requires root", ErrAccessDenied)
				return
			}
			if v.Attrs.UID != ident.uid {
				err = fmt.Errorf("%w: chmod by non-owner", ErrAccessDenied)
				return
			}
		}
	}
	if req.Size != nil {
		if v.Kind != inode.KindFile {
			err = fmt.Errorf("%w: %q", ErrIsADirectory, path)
			return
		}
		if err = checkAccess(&v.Attrs, ident, permWrite); err != nil {
			return
		}
	}

	now := fc.clock.Now()
	before := v.VID
	after := fc.editNode(b, r.node, func(v *inode.Version) {
		if req.Mode != nil {
			v.Attrs.Mode = req.Mode.Perm()
		}
		if req.UID != nil {
			v.Attrs.UID = *req.UID
		}
		if req.GID != nil {
			v.Attrs.GID = *req.GID
		}
		if req.Size != nil {
			v.Extents = inode.TruncateExtents(v.Extents, *req.Size, fc.chunks.Release)
			v.Attrs.Size = *req.Size
			v.Attrs.Times.Modify = now
		}
		if req.AccessTime != nil {
			v.Attrs.Times.Access = *req.AccessTime
		}
		if req.ModifyTime != nil {
			v.Attrs.Times.Modify = *req.ModifyTime
		}
		v.Attrs.Times.Change = now
	})

	fc.emitEvent(b, "setattr", path, before, after.VID)
	out = attrView(after, r.parent)
	return
}
