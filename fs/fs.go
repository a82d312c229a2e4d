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

// Package fs implements the filesystem core: an in-process virtual tree
// with O(1) snapshots, writable branches that diverge lazily under CoW,
// per-process branch bindings, and a shared handle table.
package fs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
	"golang.org/x/text/cases"

	"github.com/blocksense-network/agentfs/cfg"
	"github.com/blocksense-network/agentfs/chunkstore"
	"github.com/blocksense-network/agentfs/clock"
	"github.com/blocksense-network/agentfs/fs/inode"
)

////////////////////////////////////////////////////////////////////////
// Graph members
////////////////////////////////////////////////////////////////////////

// snapshot is an immutable point-in-time capture of a branch's root.
type snapshot struct {
	id        SnapshotID
	name      string
	parent    SnapshotID
	hasParent bool
	createdAt time.Time

	// The captured root version. The snapshot owns one reference; the
	// whole tree is pinned transitively through directory retention.
	root *inode.Version
}

type branchState int

const (
	branchLive branchState = iota

	// Deleting rejects new handles and new bindings; existing handles
	// complete. The branch is reclaimed when the last handle and binding
	// drop.
	branchDeleting
)

// branch is a writable fork of a snapshot.
type branch struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id        BranchID
	name      string
	parent    SnapshotID
	createdAt time.Time

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The branch-head lock: shared for reads against this head, exclusive
	// for mutations of it. Two branches may progress fully in parallel.
	mu syncutil.InvariantMutex

	// The head root version. The head owns one reference; it advances on
	// every successful mutation.
	//
	// GUARDED_BY(mu)
	root *inode.Version

	// Snapshot epoch: incremented by every snapshot taken of this branch.
	// A version is in-place mutable iff it carries (id, epoch) of the
	// branch's current values; see inode.Store.CanMutate.
	//
	// GUARDED_BY(mu)
	epoch uint64

	// Head index: the current version of every node reachable from root,
	// plus reverse links (child node -> parent node -> entry count). Used
	// by handle i/o and for repointing hard links on CoW installs. Holds
	// no references of its own; every value is reachable from root.
	//
	// INVARIANT: nodes[root.Node] == root
	//
	// GUARDED_BY(mu)
	nodes   map[inode.ID]*inode.Version
	parents map[inode.ID]map[inode.ID]int

	// The most recent snapshot captured from this branch, if any; used as
	// the parent of the next capture.
	//
	// GUARDED_BY(mu)
	lastSnapshot    SnapshotID
	hasLastSnapshot bool

	// GUARDED_BY(the core's graph lock)
	state branchState
}

func (b *branch) checkInvariants() {
	if b.root == nil {
		panic("branch with nil root")
	}
	if b.nodes[b.root.Node] != b.root {
		panic(fmt.Sprintf("head index does not agree with root for branch %v", b.id))
	}
}

// identity is the effective credentials of a caller. Absent credentials
// mean root, which bypasses permission checks.
type identity struct {
	known bool
	uid   uint32
	gid   uint32
}

type binding struct {
	branch BranchID
	ident  identity
}

////////////////////////////////////////////////////////////////////////
// FsCore
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// Define a strict partial order on locks as follows, outermost first:
//
//  1. The graph lock (FsCore.mu): reader for ordinary file operations,
//     writer for snapshot/branch lifecycle and binding teardown.
//  2. Any branch-head lock.
//  3. Any node-version lock (inode.Version.Mu), held briefly and never
//     across a content-store fault.
//  4. Content-store internal locks.
//  5. Handle-table shard locks and per-handle locks.
//
// Acquire in this order only; never in reverse. The binding table has its
// own leaf lock (bindMu) acquired from under (1) or on its own.
type FsCore struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	config *cfg.FsConfig
	clock  clock.Clock
	chunks *chunkstore.Store
	nodes  *inode.Store
	events *eventTap // nil unless track_events

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The graph lock. See the ordering notes above.
	mu syncutil.InvariantMutex

	// INVARIANT: For all keys k, snapshots[k].id == k
	// INVARIANT: snapshotOrder lists exactly the keys of snapshots
	//
	// GUARDED_BY(mu)
	snapshots     map[SnapshotID]*snapshot
	snapshotOrder []SnapshotID

	// INVARIANT: For all keys k, branches[k].id == k
	// INVARIANT: branches[defaultBranch] exists while !destroyed
	//
	// GUARDED_BY(mu)
	branches    map[BranchID]*branch
	branchOrder []BranchID

	// GUARDED_BY(mu)
	initialSnapshot SnapshotID
	defaultBranch   BranchID
	destroyed       bool

	// Process bindings: pid -> branch and credentials.
	//
	// GUARDED_BY(bindMu)
	bindMu   syncutil.InvariantMutex
	bindings map[uint32]binding

	handles *handleTable
}

// NewFsCore creates a core with an empty root directory, the initial
// snapshot of it, and the default branch forked from that snapshot.
func NewFsCore(config *cfg.FsConfig, clk clock.Clock) (fc *FsCore, err error) {
	if config == nil {
		config = cfg.NewDefaultConfig()
	}
	if err = cfg.Validate(config); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		return
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	chunks, err := chunkstore.New(config.Memory.MaxBytesInMemory, config.Memory.SpillDirectory)
	if err != nil {
		return
	}

	fold := func(name string) string { return name }
	if config.CaseSensitivity == cfg.CaseInsensitivePreserving {
		folder := cases.Fold()
		fold = func(name string) string { return folder.String(name) }
	}

	fc = &FsCore{
		config:    config,
		clock:     clk,
		chunks:    chunks,
		nodes:     inode.NewStore(chunks, fold),
		snapshots: make(map[SnapshotID]*snapshot),
		branches:  make(map[BranchID]*branch),
		bindings:  make(map[uint32]binding),
		handles:   newHandleTable(config.Limits.MaxOpenHandles),
	}
	if config.TrackEvents {
		fc.events = newEventTap()
	}

	// Fabricate the root directory. The version belongs to no branch
	// (origin nil), so the first mutation on any branch copies it. It is
	// writable by every identity, so any caller can create top-level entries.
	now := clk.Now()
	rootAttrs := inode.Attrs{
		Mode:  0777,
		Nlink: 2,
		Times: inode.Timestamps{Access: now, Modify: now, Change: now, Birth: now},
	}
	rootV := fc.nodes.NewDir(fc.nodes.AllocNode(), rootAttrs, uuid.Nil, 0, nil)

	// The initial snapshot owns the fabrication reference.
	snap := &snapshot{
		id:        SnapshotID(uuid.New()),
		name:      "initial",
		root:      rootV,
		createdAt: now,
	}
	fc.snapshots[snap.id] = snap
	fc.snapshotOrder = append(fc.snapshotOrder, snap.id)
	fc.initialSnapshot = snap.id

	b := fc.forkBranch(snap, "")
	fc.defaultBranch = b.id

	fc.mu = syncutil.NewInvariantMutex(fc.checkInvariants)
	fc.bindMu = syncutil.NewInvariantMutex(func() {})

	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (fc *FsCore) checkInvariants() {
	for id, s := range fc.snapshots {
		if s.id != id {
			panic(fmt.Sprintf("Snapshot ID mismatch: %v vs. %v", s.id, id))
		}
	}
	if len(fc.snapshotOrder) != len(fc.snapshots) {
		panic("snapshotOrder out of sync")
	}

	for id, b := range fc.branches {
		if b.id != id {
			panic(fmt.Sprintf("Branch ID mismatch: %v vs. %v", b.id, id))
		}
	}
	if len(fc.branchOrder) != len(fc.branches) {
		panic("branchOrder out of sync")
	}

	if !fc.destroyed {
		if _, ok := fc.branches[fc.defaultBranch]; !ok {
			panic("default branch missing")
		}
	}
}

// Fork a branch off the supplied snapshot, building its head index with
// one walk of the captured tree.
//
// LOCKS_REQUIRED(fc.mu)
func (fc *FsCore) forkBranch(snap *snapshot, name string) (b *branch) {
	fc.nodes.Retain(snap.root)

	b = &branch{
		id:        BranchID(uuid.New()),
		name:      name,
		parent:    snap.id,
		createdAt: fc.clock.Now(),
		root:      snap.root,
		nodes:     make(map[inode.ID]*inode.Version),
		parents:   make(map[inode.ID]map[inode.ID]int),
	}

	// Walk the tree. Snapshot trees are acyclic; hard links may surface a
	// node twice, which the entry-count bookkeeping absorbs.
	b.nodes[snap.root.Node] = snap.root
	pending := []*inode.Version{snap.root}
	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		for _, ent := range dir.Entries.List() {
			addParentLink(b.parents, ent.Child, dir.Node)
			if _, seen := b.nodes[ent.Child]; seen {
				continue
			}
			b.nodes[ent.Child] = ent.Version
			if ent.Version.Kind == inode.KindDirectory {
				pending = append(pending, ent.Version)
			}
		}
	}

	b.mu = syncutil.NewInvariantMutex(b.checkInvariants)

	fc.branches[b.id] = b
	fc.branchOrder = append(fc.branchOrder, b.id)

	return
}

func addParentLink(parents map[inode.ID]map[inode.ID]int, child, parent inode.ID) {
	m := parents[child]
	if m == nil {
		m = make(map[inode.ID]int)
		parents[child] = m
	}
	m[parent]++
}

func dropParentLink(parents map[inode.ID]map[inode.ID]int, child, parent inode.ID) {
	m := parents[child]
	if m == nil {
		return
	}
	m[parent]--
	if m[parent] <= 0 {
		delete(m, parent)
	}
	if len(m) == 0 {
		delete(parents, child)
	}
}

// Resolve the caller's branch and credentials.
//
// LOCKS_REQUIRED(fc.mu)
func (fc *FsCore) callerBranch(pid uint32) (b *branch, ident identity, err error) {
	fc.bindMu.Lock()
	bd, bound := fc.bindings[pid]
	fc.bindMu.Unlock()

	id := fc.defaultBranch
	if bound {
		id = bd.branch
		ident = bd.ident
	}

	b, ok := fc.branches[id]
	if !ok {
		err = fmt.Errorf("%w: branch %v", ErrNotFound, id)
		return
	}

	return
}

// LOCKS_REQUIRED(fc.mu)
func (fc *FsCore) branchByID(id BranchID) (b *branch, err error) {
	b, ok := fc.branches[id]
	if !ok {
		err = fmt.Errorf("%w: branch %v", ErrNotFound, id)
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Snapshot and branch lifecycle
////////////////////////////////////////////////////////////////////////

// SnapshotCreate atomically captures the branch's current head. O(1) in
// the size of the tree: the captured root already pins its contents
// through directory retention.
func (fc *FsCore) SnapshotCreate(branchID BranchID, name string) (id SnapshotID, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.destroyed {
		err = fmt.Errorf("%w: core destroyed", ErrInvalidArgument)
		return
	}

	b, err := fc.branchByID(branchID)
	if err != nil {
		return
	}

	if uint32(len(fc.snapshots)) >= fc.config.Limits.MaxSnapshots {
		err = fmt.Errorf("%w: snapshot limit %d reached", ErrNoSpace, fc.config.Limits.MaxSnapshots)
		return
	}

	b.mu.Lock()
	fc.nodes.Retain(b.root)
	snap := &snapshot{
		id:        SnapshotID(uuid.New()),
		name:      name,
		parent:    b.parent,
		hasParent: true,
		root:      b.root,
		createdAt: fc.clock.Now(),
	}
	if b.hasLastSnapshot {
		snap.parent = b.lastSnapshot
	}
	b.epoch++
	b.lastSnapshot = snap.id
	b.hasLastSnapshot = true
	b.mu.Unlock()

	fc.snapshots[snap.id] = snap
	fc.snapshotOrder = append(fc.snapshotOrder, snap.id)

	id = snap.id
	return
}

// SnapshotList returns all snapshots in creation order.
func (fc *FsCore) SnapshotList() (out []SnapshotInfo) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, id := range fc.snapshotOrder {
		s := fc.snapshots[id]
		out = append(out, SnapshotInfo{
			ID:        s.id,
			Name:      s.name,
			Parent:    s.parent,
			HasParent: s.hasParent,
			CreatedAt: s.createdAt,
		})
	}
	return
}

// SnapshotDelete removes a snapshot according to the configured policy.
// It fails with busy while a branch descends from the snapshot, or — under
// the refuse policy — while any child snapshot exists.
func (fc *FsCore) SnapshotDelete(id SnapshotID) (err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, ok := fc.snapshots[id]; !ok {
		err = fmt.Errorf("%w: snapshot %v", ErrNotFound, id)
		return
	}

	if id == fc.initialSnapshot && !fc.destroyed {
		err = fmt.Errorf("%w: initial snapshot", ErrBusy)
		return
	}

	// Collect the subtree rooted at id.
	doomed := []SnapshotID{id}
	for i := 0; i < len(doomed); i++ {
		for _, cid := range fc.snapshotOrder {
			c := fc.snapshots[cid]
			if c.hasParent && c.parent == doomed[i] {
				doomed = append(doomed, cid)
			}
		}
	}

	if fc.config.Snapshots.DeletePolicy == cfg.DeleteRefuse && len(doomed) > 1 {
		err = fmt.Errorf("%w: snapshot %v has descendant snapshots", ErrBusy, id)
		return
	}

	// A live branch anywhere below blocks deletion under either policy.
	for _, b := range fc.branches {
		for _, sid := range doomed {
			if b.parent == sid {
				err = fmt.Errorf("%w: branch %v descends from snapshot %v", ErrBusy, b.id, sid)
				return
			}
		}
	}

	// Branches whose last capture is going away chain their next capture
	// to the deleted snapshot's surviving parent instead.
	top := fc.snapshots[id]
	for _, b := range fc.branches {
		b.mu.Lock()
		if b.hasLastSnapshot {
			for _, sid := range doomed {
				if b.lastSnapshot == sid {
					b.lastSnapshot = top.parent
					b.hasLastSnapshot = top.hasParent
					break
				}
			}
		}
		b.mu.Unlock()
	}

	// Drop children before parents so cascading releases stay ordered.
	for i := len(doomed) - 1; i >= 0; i-- {
		s := fc.snapshots[doomed[i]]
		fc.nodes.Release(s.root)
		delete(fc.snapshots, doomed[i])
		fc.snapshotOrder = removeSnapshotID(fc.snapshotOrder, doomed[i])
	}

	return
}

func removeSnapshotID(ids []SnapshotID, id SnapshotID) []SnapshotID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// BranchCreateFromSnapshot allocates a branch whose head equals the
// snapshot's root.
func (fc *FsCore) BranchCreateFromSnapshot(snapID SnapshotID, name string) (id BranchID, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.destroyed {
		err = fmt.Errorf("%w: core destroyed", ErrInvalidArgument)
		return
	}

	snap, ok := fc.snapshots[snapID]
	if !ok {
		err = fmt.Errorf("%w: snapshot %v", ErrNotFound, snapID)
		return
	}

	if uint32(len(fc.branches)) >= fc.config.Limits.MaxBranches {
		err = fmt.Errorf("%w: branch limit %d reached", ErrNoSpace, fc.config.Limits.MaxBranches)
		return
	}

	b := fc.forkBranch(snap, name)
	id = b.id
	return
}

// BranchList returns all branches in creation order.
func (fc *FsCore) BranchList() (out []BranchInfo) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, id := range fc.branchOrder {
		b := fc.branches[id]
		out = append(out, BranchInfo{
			ID:        b.id,
			Name:      b.name,
			Parent:    b.parent,
			CreatedAt: b.createdAt,
		})
	}
	return
}

// DefaultBranch returns the branch used by callers with no binding.
func (fc *FsCore) DefaultBranch() BranchID {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	return fc.defaultBranch
}

// BranchDelete starts deleting a branch. With no live handle and no
// binding the branch is reclaimed immediately; otherwise it enters the
// Deleting state, rejecting new handles and bindings, and is reclaimed
// when the last of them drops.
func (fc *FsCore) BranchDelete(id BranchID) (err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	b, err := fc.branchByID(id)
	if err != nil {
		return
	}

	if id == fc.defaultBranch {
		err = fmt.Errorf("%w: default branch", ErrBusy)
		return
	}

	b.state = branchDeleting
	fc.reclaimBranchLocked(b)
	return
}

// Reclaim the branch if nothing holds it anymore.
//
// LOCKS_REQUIRED(fc.mu)
func (fc *FsCore) reclaimBranchLocked(b *branch) {
	if b.state != branchDeleting {
		return
	}
	if fc.handles.branchHandleCount(b.id) > 0 {
		return
	}

	fc.bindMu.Lock()
	for _, bd := range fc.bindings {
		if bd.branch == b.id {
			fc.bindMu.Unlock()
			return
		}
	}
	fc.bindMu.Unlock()

	fc.nodes.Release(b.root)
	delete(fc.branches, b.id)
	for i, v := range fc.branchOrder {
		if v == b.id {
			fc.branchOrder = append(fc.branchOrder[:i], fc.branchOrder[i+1:]...)
			break
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Process binding
////////////////////////////////////////////////////////////////////////

// BindProcessToBranch makes all subsequent operations from pid target the
// supplied branch, replacing any previous binding. The caller is treated
// as root.
func (fc *FsCore) BindProcessToBranch(pid uint32, branchID BranchID) error {
	return fc.bindProcess(pid, branchID, identity{})
}

// BindProcessWithIdentity is BindProcessToBranch with effective
// credentials for permission checks.
func (fc *FsCore) BindProcessWithIdentity(pid uint32, branchID BranchID, uid, gid uint32) error {
	return fc.bindProcess(pid, branchID, identity{known: true, uid: uid, gid: gid})
}

func (fc *FsCore) bindProcess(pid uint32, branchID BranchID, ident identity) (err error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	b, err := fc.branchByID(branchID)
	if err != nil {
		return
	}
	if b.state != branchLive {
		err = fmt.Errorf("%w: branch %v is being deleted", ErrBusy, branchID)
		return
	}

	fc.bindMu.Lock()
	fc.bindings[pid] = binding{branch: branchID, ident: ident}
	fc.bindMu.Unlock()

	return
}

// UnbindProcess removes pid's binding. Operations from pid fall back to
// the default branch.
func (fc *FsCore) UnbindProcess(pid uint32) {
	fc.bindMu.Lock()
	bd, ok := fc.bindings[pid]
	delete(fc.bindings, pid)
	fc.bindMu.Unlock()

	if !ok {
		return
	}

	// The binding may have been the last holder of a deleting branch.
	fc.mu.Lock()
	if b, ok2 := fc.branches[bd.branch]; ok2 {
		fc.reclaimBranchLocked(b)
	}
	fc.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////
// Teardown and introspection
////////////////////////////////////////////////////////////////////////

// CoreStats is a point-in-time occupancy view used by tests and
// diagnostics.
type CoreStats struct {
	Chunks        int
	BytesInMemory uint64
	BytesSpilled  uint64
	Versions      int
	Snapshots     int
	Branches      int
	OpenHandles   int
}

// Stats snapshots occupancy counters.
func (fc *FsCore) Stats() (st CoreStats) {
	cs := fc.chunks.Stats()
	st.Chunks = cs.ChunkCount
	st.BytesInMemory = cs.BytesInMemory
	st.BytesSpilled = cs.BytesSpilled
	st.Versions = fc.nodes.VersionCount()

	fc.mu.RLock()
	st.Snapshots = len(fc.snapshots)
	st.Branches = len(fc.branches)
	fc.mu.RUnlock()

	st.OpenHandles = fc.handles.liveCount()
	return
}

// Destroy tears the core down: all handles drop, bindings clear, branches
// and snapshots release their trees, and spill files are removed. Calling
// Destroy twice is a no-op.
func (fc *FsCore) Destroy() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.destroyed {
		return
	}
	fc.destroyed = true

	for _, h := range fc.handles.drain() {
		fc.nodes.Release(h.version)
	}

	fc.bindMu.Lock()
	fc.bindings = make(map[uint32]binding)
	fc.bindMu.Unlock()

	for _, id := range fc.branchOrder {
		fc.nodes.Release(fc.branches[id].root)
	}
	fc.branches = make(map[BranchID]*branch)
	fc.branchOrder = nil

	for _, id := range fc.snapshotOrder {
		fc.nodes.Release(fc.snapshots[id].root)
	}
	fc.snapshots = make(map[SnapshotID]*snapshot)
	fc.snapshotOrder = nil

	fc.chunks.Destroy()

	if fc.events != nil {
		fc.events.reset()
	}
}
