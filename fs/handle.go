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
	"sync"
	"sync/atomic"

	"github.com/blocksense-network/agentfs/fs/inode"
)

// accessSet is a set of access rights, also used as a sharing permit set.
type accessSet struct {
	Read   bool
	Write  bool
	Delete bool
}

// conflictsWith reports whether granting want collides with an existing
// holder that permits only permit.
func conflictsWith(want accessSet, permit accessSet) bool {
	return (want.Read && !permit.Read) ||
		(want.Write && !permit.Write) ||
		(want.Delete && !permit.Delete)
}

// handle is one open descriptor on a (node, branch).
type handle struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id       HandleID
	node     inode.ID
	branch   BranchID
	path     string // path as opened; used for event reporting only
	stream   string // alternate data stream, or ""
	ownerPID uint32

	appendMode bool

	// Access rights this handle holds, and the sharing it permits others.
	access accessSet
	share  accessSet

	// The version resolved at open time. The handle owns one reference so
	// orphaned i/o (read/write after unlink) keeps working.
	version *inode.Version

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu     sync.Mutex
	offset uint64 // GUARDED_BY(mu)
}

const handleShardCount = 16

type handleShard struct {
	mu      sync.Mutex
	handles map[HandleID]*handle // GUARDED_BY(mu)
}

type nodeBranchKey struct {
	node   inode.ID
	branch BranchID
}

// handleTable tracks live handles. Lookup is sharded by handle id; the
// sharing registry (per (node, branch) holder lists) and per-branch counts
// have their own lock.
type handleTable struct {
	maxOpen uint32

	nextID atomic.Uint64
	live   atomic.Int64

	shards [handleShardCount]handleShard

	sharingMu sync.Mutex
	byTarget  map[nodeBranchKey][]*handle // GUARDED_BY(sharingMu)
	perBranch map[BranchID]int            // GUARDED_BY(sharingMu)
}

func newHandleTable(maxOpen uint32) (t *handleTable) {
	t = &handleTable{
		maxOpen:   maxOpen,
		byTarget:  make(map[nodeBranchKey][]*handle),
		perBranch: make(map[BranchID]int),
	}
	for i := range t.shards {
		t.shards[i].handles = make(map[HandleID]*handle)
	}
	return
}

func (t *handleTable) shardFor(id HandleID) *handleShard {
	return &t.shards[uint64(id)%handleShardCount]
}

// insert registers a new handle, enforcing the open-handle cap and the
// sharing discipline: the new handle's access must be permitted by every
// existing holder on the same (node, branch), and every existing holder's
// access must be permitted by the new handle.
func (t *handleTable) insert(h *handle) (err error) {
	if uint32(t.live.Load()) >= t.maxOpen {
		err = fmt.Errorf("%w: limit %d", ErrTooManyOpenFiles, t.maxOpen)
		return
	}

	key := nodeBranchKey{node: h.node, branch: h.branch}

	t.sharingMu.Lock()
	for _, other := range t.byTarget[key] {
		if conflictsWith(h.access, other.share) || conflictsWith(other.access, h.share) {
			t.sharingMu.Unlock()
			err = fmt.Errorf("%w: sharing conflict on node %d", ErrBusy, h.node)
			return
		}
	}
	t.byTarget[key] = append(t.byTarget[key], h)
	t.perBranch[h.branch]++
	t.sharingMu.Unlock()

	h.id = HandleID(t.nextID.Add(1))
	t.live.Add(1)

	sh := t.shardFor(h.id)
	sh.mu.Lock()
	sh.handles[h.id] = h
	sh.mu.Unlock()

	return
}

func (t *handleTable) get(id HandleID) (h *handle, err error) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	h, ok := sh.handles[id]
	sh.mu.Unlock()

	if !ok {
		err = fmt.Errorf("%w: handle %d", ErrInvalidArgument, id)
	}
	return
}

// remove unregisters the handle. The caller releases the version pin.
func (t *handleTable) remove(id HandleID) (h *handle, err error) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	h, ok := sh.handles[id]
	delete(sh.handles, id)
	sh.mu.Unlock()

	if !ok {
		err = fmt.Errorf("%w: handle %d", ErrInvalidArgument, id)
		return
	}

	key := nodeBranchKey{node: h.node, branch: h.branch}
	t.sharingMu.Lock()
	holders := t.byTarget[key]
	for i, other := range holders {
		if other == h {
			t.byTarget[key] = append(holders[:i], holders[i+1:]...)
			break
		}
	}
	if len(t.byTarget[key]) == 0 {
		delete(t.byTarget, key)
	}
	t.perBranch[h.branch]--
	if t.perBranch[h.branch] <= 0 {
		delete(t.perBranch, h.branch)
	}
	t.sharingMu.Unlock()

	t.live.Add(-1)
	return
}

// closeOwnedBy removes every handle owned by pid, returning them so the
// caller can release version pins.
func (t *handleTable) closeOwnedBy(pid uint32) (out []*handle) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for id, h := range sh.handles {
			if h.ownerPID == pid {
				out = append(out, h)
				delete(sh.handles, id)
			}
		}
		sh.mu.Unlock()
	}

	t.sharingMu.Lock()
	for _, h := range out {
		key := nodeBranchKey{node: h.node, branch: h.branch}
		holders := t.byTarget[key]
		for i, other := range holders {
			if other == h {
				t.byTarget[key] = append(holders[:i], holders[i+1:]...)
				break
			}
		}
		if len(t.byTarget[key]) == 0 {
			delete(t.byTarget, key)
		}
		t.perBranch[h.branch]--
		if t.perBranch[h.branch] <= 0 {
			delete(t.perBranch, h.branch)
		}
	}
	t.sharingMu.Unlock()

	t.live.Add(int64(-len(out)))
	return
}

// anyoneDeniesDelete reports whether a holder on (node, branch) does not
// permit delete sharing. Used by unlink, rmdir, and rename-replace.
func (t *handleTable) anyoneDeniesDelete(node inode.ID, branchID BranchID) bool {
	key := nodeBranchKey{node: node, branch: branchID}

	t.sharingMu.Lock()
	defer t.sharingMu.Unlock()

	for _, h := range t.byTarget[key] {
		if !h.share.Delete {
			return true
		}
	}
	return false
}

func (t *handleTable) branchHandleCount(id BranchID) int {
	t.sharingMu.Lock()
	defer t.sharingMu.Unlock()

	return t.perBranch[id]
}

func (t *handleTable) liveCount() int {
	return int(t.live.Load())
}

// drain removes everything, for teardown.
func (t *handleTable) drain() (out []*handle) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for id, h := range sh.handles {
			out = append(out, h)
			delete(sh.handles, id)
		}
		sh.mu.Unlock()
	}

	t.sharingMu.Lock()
	t.byTarget = make(map[nodeBranchKey][]*handle)
	t.perBranch = make(map[BranchID]int)
	t.sharingMu.Unlock()

	t.live.Store(0)
	return
}
