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
	"strings"

	"github.com/blocksense-network/agentfs/fs/inode"
)

// symlinkLimit bounds indirections per resolution. Hitting it fails with
// invalid-argument.
const symlinkLimit = 40

// Permission bits used with checkAccess.
const (
	permRead  = 0x4
	permWrite = 0x2
	permExec  = 0x1
)

// checkAccess applies POSIX owner/group/other bits. Root (or an unknown
// caller) bypasses.
func checkAccess(attrs *inode.Attrs, ident identity, want uint32) error {
	if !ident.known || ident.uid == 0 {
		return nil
	}

	mode := uint32(attrs.Mode.Perm())
	var granted uint32
	switch {
	case ident.uid == attrs.UID:
		granted = (mode >> 6) & 0x7
	case ident.gid == attrs.GID:
		granted = (mode >> 3) & 0x7
	default:
		granted = mode & 0x7
	}

	if want&^granted != 0 {
		return fmt.Errorf("%w: mode %04o", ErrAccessDenied, mode)
	}
	return nil
}

// resolved describes a path resolution result.
type resolved struct {
	node    inode.ID
	version *inode.Version

	// The directory the leaf entry lives in; equal to the leaf for the
	// root itself.
	parent        inode.ID
	parentVersion *inode.Version

	// Entry name as stored (original casing); "" for the root.
	name string
}

// splitPath normalizes a path into components, skipping empty components
// and ".".
func splitPath(path string) (out []string, err error) {
	if path == "" || path[0] != '/' {
		err = fmt.Errorf("%w: path %q is not absolute", ErrInvalidArgument, path)
		return
	}
	for _, c := range strings.Split(path, "/") {
		if c == "" || c == "." {
			continue
		}
		out = append(out, c)
	}
	return
}

// validateLeafName rejects names that cannot be created.
func validateLeafName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: name %q not allowed", ErrInvalidArgument, name)
	}
	return nil
}

type dirFrame struct {
	node    inode.ID
	version *inode.Version

	// Entry name that produced this frame; "" for the root.
	name string
}

// resolvePath walks the branch head from its root. Symlinks at
// non-terminal positions are always followed; the leaf follows per
// followLeaf. Execute permission is checked on every directory traversed.
//
// LOCKS_REQUIRED(b.mu, any mode)
func (fc *FsCore) resolvePath(b *branch, path string, followLeaf bool, ident identity) (r resolved, err error) {
	comps, err := splitPath(path)
	if err != nil {
		return
	}

	stack := []dirFrame{{node: b.root.Node, version: b.root}}
	var links int

	for len(comps) > 0 {
		top := stack[len(stack)-1]

		if top.version.Kind != inode.KindDirectory {
			err = fmt.Errorf("%w: %q", ErrNotADirectory, path)
			return
		}
		if err = checkAccess(&top.version.Attrs, ident, permExec); err != nil {
			return
		}

		c := comps[0]
		comps = comps[1:]

		if c == ".." {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		ent, ok := top.version.Entries.Get(c)
		if !ok {
			err = fmt.Errorf("%w: %q", ErrNotFound, path)
			return
		}

		terminal := len(comps) == 0

		if ent.Version.Kind == inode.KindSymlink && (!terminal || followLeaf) {
			links++
			if links >= symlinkLimit {
				err = fmt.Errorf("%w: too many levels of symbolic links", ErrInvalidArgument)
				return
			}

			target := string(ent.Version.Target)
			if target == "" {
				err = fmt.Errorf("%w: empty symlink target", ErrNotFound)
				return
			}

			var tcomps []string
			if target[0] == '/' {
				if tcomps, err = splitPath(target); err != nil {
					return
				}
				stack = stack[:1]
			} else {
				for _, tc := range strings.Split(target, "/") {
					if tc == "" || tc == "." {
						continue
					}
					tcomps = append(tcomps, tc)
				}
			}
			comps = append(tcomps, comps...)
			continue
		}

		if terminal {
			r = resolved{
				node:          ent.Child,
				version:       ent.Version,
				parent:        top.node,
				parentVersion: top.version,
				name:          ent.Name,
			}
			return
		}

		if ent.Version.Kind != inode.KindDirectory {
			err = fmt.Errorf("%w: %q", ErrNotADirectory, path)
			return
		}
		stack = append(stack, dirFrame{node: ent.Child, version: ent.Version, name: ent.Name})
	}

	// Resolved to a directory already on the stack (the root, or a path
	// ending in "..").
	top := stack[len(stack)-1]
	r = resolved{
		node:          top.node,
		version:       top.version,
		parent:        top.node,
		parentVersion: top.version,
		name:          "",
	}
	if len(stack) > 1 {
		below := stack[len(stack)-2]
		r.parent = below.node
		r.parentVersion = below.version
		r.name = top.name
	}
	return
}

// resolveParent resolves everything but the last component and returns
// the containing directory plus the leaf name as given. The leaf itself
// may or may not exist.
//
// LOCKS_REQUIRED(b.mu, any mode)
func (fc *FsCore) resolveParent(b *branch, path string, ident identity) (dir resolved, leaf string, err error) {
	comps, err := splitPath(path)
	if err != nil {
		return
	}
	if len(comps) == 0 {
		err = fmt.Errorf("%w: path %q has no leaf", ErrInvalidArgument, path)
		return
	}

	leaf = comps[len(comps)-1]
	if err = validateLeafName(leaf); err != nil {
		return
	}

	parentPath := "/" + strings.Join(comps[:len(comps)-1], "/")
	dir, err = fc.resolvePath(b, parentPath, true, ident)
	if err != nil {
		return
	}
	if dir.version.Kind != inode.KindDirectory {
		err = fmt.Errorf("%w: %q", ErrNotADirectory, parentPath)
		return
	}

	return
}
