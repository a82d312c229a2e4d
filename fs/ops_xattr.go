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
	"sort"

	"github.com/blocksense-network/agentfs/fs/inode"
)

func (fc *FsCore) xattrsEnabled() error {
	if !fc.config.EnableXattrs {
		return fmt.Errorf("%w: extended attributes disabled", ErrUnsupported)
	}
	return nil
}

// ListXattr returns the attribute names on a node, sorted.
func (fc *FsCore) ListXattr(pid uint32, path string) (names []string, err error) {
	if err = fc.xattrsEnabled(); err != nil {
		return
	}

	b, ident, unlock, err := fc.readOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}

	for name := range r.version.Xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// GetXattr returns one attribute value.
func (fc *FsCore) GetXattr(pid uint32, path string, name string) (value []byte, err error) {
	if err = fc.xattrsEnabled(); err != nil {
		return
	}

	b, ident, unlock, err := fc.readOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}

	v, ok := r.version.Xattrs[name]
	if !ok {
		err = fmt.Errorf("%w: xattr %q", ErrNotFound, name)
		return
	}
	value = append(value, v...)
	return
}

// SetXattr sets one attribute. A CoW mutation like any other: the node
// version advances when it is shared with a snapshot.
func (fc *FsCore) SetXattr(pid uint32, path string, name string, value []byte) (err error) {
	if err = fc.xattrsEnabled(); err != nil {
		return
	}
	if name == "" {
		err = fmt.Errorf("%w: empty xattr name", ErrInvalidArgument)
		return
	}

	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}
	if err = checkAccess(&r.version.Attrs, ident, permWrite); err != nil {
		return
	}

	now := fc.clock.Now()
	val := append([]byte(nil), value...)
	before := r.version.VID
	after := fc.editNode(b, r.node, func(v *inode.Version) {
		if v.Xattrs == nil {
			v.Xattrs = make(map[string][]byte)
		}
		v.Xattrs[name] = val
		v.Attrs.Times.Change = now
	})

	fc.emitEvent(b, "setxattr", path, before, after.VID)
	return
}

// RemoveXattr removes one attribute.
func (fc *FsCore) RemoveXattr(pid uint32, path string, name string) (err error) {
	if err = fc.xattrsEnabled(); err != nil {
		return
	}

	b, ident, unlock, err := fc.mutOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}
	if _, ok := r.version.Xattrs[name]; !ok {
		err = fmt.Errorf("%w: xattr %q", ErrNotFound, name)
		return
	}
	if err = checkAccess(&r.version.Attrs, ident, permWrite); err != nil {
		return
	}

	now := fc.clock.Now()
	before := r.version.VID
	after := fc.editNode(b, r.node, func(v *inode.Version) {
		delete(v.Xattrs, name)
		v.Attrs.Times.Change = now
	})

	fc.emitEvent(b, "removexattr", path, before, after.VID)
	return
}

// ListStreams returns the alternate data streams of a file, sorted by
// name.
func (fc *FsCore) ListStreams(pid uint32, path string) (out []StreamInfo, err error) {
	if !fc.config.EnableADS {
		err = fmt.Errorf("%w: alternate data streams disabled", ErrUnsupported)
		return
	}

	b, ident, unlock, err := fc.readOp(pid)
	if err != nil {
		return
	}
	defer unlock()

	r, err := fc.resolvePath(b, path, true, ident)
	if err != nil {
		return
	}
	if r.version.Kind != inode.KindFile {
		err = fmt.Errorf("%w: streams require a file", ErrInvalidArgument)
		return
	}

	for name, ext := range r.version.Streams {
		out = append(out, StreamInfo{Name: name, Size: inode.ExtentsSize(ext)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return
}
