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
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/blocksense-network/agentfs/fs/inode"
)

////////////////////////////////////////////////////////////////////////
// Operation prologues
////////////////////////////////////////////////////////////////////////

// mutOp is the prologue for mutations: graph lock shared, branch head
// exclusive.
func (fc *FsCore) mutOp(pid uint32) (b *branch, ident identity, unlock func(), err error) {
	fc.mu.RLock()
	b, ident, err = fc.callerBranch(pid)
	if err != nil {
		fc.mu.RUnlock()
		return
	}

	b.mu.Lock()
	unlock = func() {
		b.mu.Unlock()
		fc.mu.RUnlock()
	}
	return
}

// readOp is the prologue for pure reads: both locks shared.
func (fc *FsCore) readOp(pid uint32) (b *branch, ident identity, unlock func(), err error) {
	fc.mu.RLock()
	b, ident, err = fc.callerBranch(pid)
	if err != nil {
		fc.mu.RUnlock()
		return
	}

	b.mu.RLock()
	unlock = func() {
		b.mu.RUnlock()
		fc.mu.RUnlock()
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Entry plumbing
////////////////////////////////////////////////////////////////////////

// addEntry links childV (carrying one dedicated reference) into dirNode
// under name and updates the head index.
//
// LOCKS_REQUIRED(fc.mu, any mode)
// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) addEntry(
	b *branch,
	dirNode inode.ID,
	name string,
	child inode.ID,
	childV *inode.Version,
	childIsDir bool,
	now time.Time) {
	fc.editNode(b, dirNode, func(v *inode.Version) {
		v.Entries.Put(name, child, childV)
		if childIsDir {
			v.Attrs.Nlink++
		}
		v.Attrs.Times.Modify = now
		v.Attrs.Times.Change = now
	})

	b.nodes[child] = childV
	addParentLink(b.parents, child, dirNode)
}

// removeEntry unlinks name from dirNode. The removed entry's reference is
// NOT released; the caller owns it.
//
// LOCKS_REQUIRED(fc.mu, any mode)
// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) removeEntry(
	b *branch,
	dirNode inode.ID,
	name string,
	childIsDir bool,
	now time.Time) (removed inode.DirEntry) {
	fc.editNode(b, dirNode, func(v *inode.Version) {
		removed, _ = v.Entries.Remove(name)
		if childIsDir {
			v.Attrs.Nlink--
		}
		v.Attrs.Times.Modify = now
		v.Attrs.Times.Change = now
	})
	return
}

// dropUnlinked finishes an unlink of node from parentNode: the head index
// forgets nodes with no remaining link, and multi-linked nodes get their
// link count decremented.
//
// LOCKS_REQUIRED(fc.mu, any mode)
// LOCKS_REQUIRED(b.mu held exclusively)
func (fc *FsCore) dropUnlinked(b *branch, node inode.ID, parentNode inode.ID) {
	dropParentLink(b.parents, node, parentNode)
	if len(b.parents[node]) > 0 {
		fc.bumpNlink(b, node, -1)
	} else {
		delete(b.nodes, node)
	}
}

////////////////////////////////////////////////////////////////////////
// Directory operations
////////////////////////////////////////////////////////////////////////

// Mkdir creates a directory. mode supplies permission bits only.
func (fc *FsCore) Mkdir(pid uint32, path string, mode os.FileMode) (err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	dir, leaf, err := fc.resolveParent(b, path, ident)
	if err != nil {
		return
	}
	if err = checkAccess(&dir.version.Attrs, ident, permWrite|permExec); err != nil {
		return
	}
	if _, exists := dir.version.Entries.Get(leaf); exists {
		err = fmt.Errorf("%w: %q", ErrExists, path)
		return
	}

	now := fc.clock.Now()
	attrs := inode.Attrs{
		Mode:  mode.Perm(),
		UID:   ident.uid,
		GID:   ident.gid,
		Nlink: 2,
		Times: inode.Timestamps{Access: now, Modify: now, Change: now, Birth: now},
	}

	childNode := fc.nodes.AllocNode()
	childV := fc.nodes.NewDir(childNode, attrs, uuid.UUID(b.id), b.epoch, nil)
	fc.addEntry(b, dir.node, leaf, childNode, childV, true, now)

	fc.emitEvent(b, "mkdir", path, 0, childV.VID)
	return
}

// Rmdir removes an empty directory. The leaf symlink is not followed.
func (fc *FsCore) Rmdir(pid uint32, path string) (err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, false, ident)
	if err != nil {
		return
	}
	if r.version.Kind != inode.KindDirectory {
		err = fmt.Errorf("%w: %q", ErrNotADirectory, path)
		return
	}
	if r.node == b.root.Node {
		err = fmt.Errorf("%w: root directory", ErrBusy)
		return
	}
	if r.version.Entries.Len() != 0 {
		err = fmt.Errorf("%w: directory %q not empty", ErrInvalidArgument, path)
		return
	}
	if err = checkAccess(&r.parentVersion.Attrs, ident, permWrite|permExec); err != nil {
		return
	}
	if fc.handles.anyoneDeniesDelete(r.node, b.id) {
		err = fmt.Errorf("%w: %q has open handles denying delete", ErrBusy, path)
		return
	}

	now := fc.clock.Now()
	before := r.version.VID
	removed := fc.removeEntry(b, r.parent, r.name, true, now)
	dropParentLink(b.parents, r.node, r.parent)
	delete(b.nodes, r.node)
	fc.nodes.Release(removed.Version)

	fc.emitEvent(b, "rmdir", path, before, 0)
	return
}

// Unlink removes a file or symlink name. The leaf symlink is not
// followed.
func (fc *FsCore) Unlink(pid uint32, path string) (err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, false, ident)
	if err != nil {
		return
	}
	if r.version.Kind == inode.KindDirectory {
		err = fmt.Errorf("%w: %q", ErrIsADirectory, path)
		return
	}
	if err = checkAccess(&r.parentVersion.Attrs, ident, permWrite|permExec); err != nil {
		return
	}
	if fc.handles.anyoneDeniesDelete(r.node, b.id) {
		err = fmt.Errorf("%w: %q has open handles denying delete", ErrBusy, path)
		return
	}

	now := fc.clock.Now()
	before := r.version.VID
	removed := fc.removeEntry(b, r.parent, r.name, false, now)
	fc.dropUnlinked(b, r.node, r.parent)
	fc.nodes.Release(removed.Version)

	fc.emitEvent(b, "unlink", path, before, 0)
	return
}

// Symlink creates a symbolic link at linkPath pointing at target.
func (fc *FsCore) Symlink(pid uint32, target string, linkPath string) (err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	if target == "" {
		err = fmt.Errorf("%w: empty symlink target", ErrInvalidArgument)
		return
	}

	dir, leaf, err := fc.resolveParent(b, linkPath, ident)
	if err != nil {
		return
	}
	if err = checkAccess(&dir.version.Attrs, ident, permWrite|permExec); err != nil {
		return
	}
	if _, exists := dir.version.Entries.Get(leaf); exists {
		err = fmt.Errorf("%w: %q", ErrExists, linkPath)
		return
	}

	now := fc.clock.Now()
	attrs := inode.Attrs{
		Mode:  0777,
		UID:   ident.uid,
		GID:   ident.gid,
		Nlink: 1,
		Times: inode.Timestamps{Access: now, Modify: now, Change: now, Birth: now},
	}

	childNode := fc.nodes.AllocNode()
	childV := fc.nodes.NewSymlink(childNode, attrs, uuid.UUID(b.id), b.epoch, []byte(target))
	fc.addEntry(b, dir.node, leaf, childNode, childV, false, now)

	fc.emitEvent(b, "symlink", linkPath, 0, childV.VID)
	return
}

// Readlink returns a symlink's target bytes.
func (fc *FsCore) Readlink(pid uint32, path string) (target []byte, err error) {
	b, ident, unlock, err := fc.readOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, false, ident)
	if err != nil {
		return
	}
	if r.version.Kind != inode.KindSymlink {
		err = fmt.Errorf("%w: %q is not a symlink", ErrInvalidArgument, path)
		return
	}

	target = append(target, r.version.Target...)
	return
}

// Link creates a hard link to an existing file. Directories and symlinks
// cannot be hard-linked.
func (fc *FsCore) Link(pid uint32, existingPath string, newPath string) (err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	src, err := fc.resolvePath(b, existingPath, false, ident)
	if err != nil {
		return
	}
	if src.version.Kind != inode.KindFile {
		err = fmt.Errorf("%w: hard link to %v", ErrInvalidArgument, src.version.Kind)
		return
	}

	dir, leaf, err := fc.resolveParent(b, newPath, ident)
	if err != nil {
		return
	}
	if err = checkAccess(&dir.version.Attrs, ident, permWrite|permExec); err != nil {
		return
	}
	if _, exists := dir.version.Entries.Get(leaf); exists {
		err = fmt.Errorf("%w: %q", ErrExists, newPath)
		return
	}

	now := fc.clock.Now()
	newSrc := fc.bumpNlink(b, src.node, 1)
	fc.nodes.Retain(newSrc)
	fc.addEntry(b, dir.node, leaf, src.node, newSrc, false, now)

	fc.emitEvent(b, "link", newPath, src.version.VID, newSrc.VID)
	return
}

// Rename atomically re-parents a node within the branch. An existing
// destination of the same kind is replaced; a destination directory must
// be empty.
func (fc *FsCore) Rename(pid uint32, oldPath string, newPath string) (err error) {
	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	src, err := fc.resolvePath(b, oldPath, false, ident)
	if err != nil {
		return
	}
	if src.name == "" {
		err = fmt.Errorf("%w: cannot rename the root", ErrBusy)
		return
	}

	dstDir, dstLeaf, err := fc.resolveParent(b, newPath, ident)
	if err != nil {
		return
	}

	if err = checkAccess(&src.parentVersion.Attrs, ident, permWrite|permExec); err != nil {
		return
	}
	if err = checkAccess(&dstDir.version.Attrs, ident, permWrite|permExec); err != nil {
		return
	}

	isDir := src.version.Kind == inode.KindDirectory

	// A directory cannot move under itself.
	if isDir {
		for n := dstDir.node; ; {
			if n == src.node {
				err = fmt.Errorf("%w: %q is inside %q", ErrInvalidArgument, newPath, oldPath)
				return
			}
			if n == b.root.Node {
				break
			}
			pm := b.parents[n]
			if len(pm) == 0 {
				break
			}
			for p := range pm {
				n = p
				break
			}
		}
	}

	existing, exists := dstDir.version.Entries.Get(dstLeaf)
	if exists && existing.Child == src.node {
		if existing.Name == src.name && dstDir.node == src.parent {
			// Identical source and destination.
			return
		}
		if dstDir.node == src.parent {
			// Case-only rename of the same node: adopt the new casing.
			now := fc.clock.Now()
			fc.editNode(b, dstDir.node, func(v *inode.Version) {
				v.Entries.Put(dstLeaf, src.node, b.nodes[src.node])
				v.Attrs.Times.Modify = now
				v.Attrs.Times.Change = now
			})
			fc.emitEvent(b, "rename", newPath, src.version.VID, src.version.VID)
			return
		}
		// Two links to the same file: POSIX says do nothing.
		return
	}

	if exists {
		dstIsDir := existing.Version.Kind == inode.KindDirectory
		if dstIsDir && !isDir {
			err = fmt.Errorf("%w: %q", ErrIsADirectory, newPath)
			return
		}
		if !dstIsDir && isDir {
			err = fmt.Errorf("%w: %q", ErrNotADirectory, newPath)
			return
		}
		if dstIsDir && existing.Version.Entries.Len() != 0 {
			err = fmt.Errorf("%w: directory %q not empty", ErrInvalidArgument, newPath)
			return
		}
		if fc.handles.anyoneDeniesDelete(existing.Child, b.id) {
			err = fmt.Errorf("%w: %q has open handles denying delete", ErrBusy, newPath)
			return
		}
	}

	now := fc.clock.Now()
	srcV := b.nodes[src.node]
	var replaced inode.DirEntry
	var didReplace bool

	if dstDir.node == src.parent {
		fc.editNode(b, dstDir.node, func(v *inode.Version) {
			v.Entries.Remove(src.name)
			replaced, didReplace = v.Entries.Put(dstLeaf, src.node, srcV)
			if isDir && didReplace {
				// A subdirectory replaced a subdirectory.
				v.Attrs.Nlink--
			}
			v.Attrs.Times.Modify = now
			v.Attrs.Times.Change = now
		})
	} else {
		fc.editNode(b, src.parent, func(v *inode.Version) {
			v.Entries.Remove(src.name)
			if isDir {
				v.Attrs.Nlink--
			}
			v.Attrs.Times.Modify = now
			v.Attrs.Times.Change = now
		})
		fc.editNode(b, dstDir.node, func(v *inode.Version) {
			replaced, didReplace = v.Entries.Put(dstLeaf, src.node, srcV)
			if isDir && !didReplace {
				v.Attrs.Nlink++
			}
			v.Attrs.Times.Modify = now
			v.Attrs.Times.Change = now
		})
		dropParentLink(b.parents, src.node, src.parent)
		addParentLink(b.parents, src.node, dstDir.node)
	}

	if didReplace {
		fc.dropUnlinked(b, replaced.Child, dstDir.node)
		fc.nodes.Release(replaced.Version)
	}

	fc.emitEvent(b, "rename", newPath, src.version.VID, srcV.VID)
	return
}

// ReadDir lists a directory in entry insertion order.
func (fc *FsCore) ReadDir(pid uint32, path string) (out []DirEntryView, err error) {
	b, ident, unlock, err := fc.readOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}
	if r.version.Kind != inode.KindDirectory {
		err = fmt.Errorf("%w: %q", ErrNotADirectory, path)
		return
	}
	if err = checkAccess(&r.version.Attrs, ident, permRead); err != nil {
		return
	}

	for _, ent := range r.version.Entries.List() {
		out = append(out, DirEntryView{
			Name: ent.Name,
			Node: ent.Child,
			Kind: ent.Version.Kind,
		})
	}
	return
}
