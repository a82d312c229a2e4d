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

// Package chunkstore stores immutable, reference-counted byte ranges on
// behalf of file versions. Chunks are addressed by opaque handles and
// shared between versions by CoW, never deduplicated by content.
//
// Memory is bounded by a configurable cap. When admitting a chunk would
// exceed the cap, the coldest resident chunks are spilled to one file
// each under the configured directory and fault back on Get. Without a
// spill directory, admissions that cannot fit fail with ErrNoSpace.
package chunkstore

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/blocksense-network/agentfs/internal/logger"
)

// MaxChunkSize bounds a single stored chunk. Callers split larger writes
// at this boundary.
const MaxChunkSize = 1 << 20

const shardCount = 16

var (
	// ErrNoSpace is returned when an admission exceeds the memory cap and
	// no spill directory is configured.
	ErrNoSpace = errors.New("chunkstore: no space")

	// ErrIO wraps spill read/write failures.
	ErrIO = errors.New("chunkstore: io")

	// ErrInvalid is returned for malformed arguments (empty or oversized
	// chunks, out-of-range reads).
	ErrInvalid = errors.New("chunkstore: invalid argument")
)

// Handle addresses one stored chunk. Handle zero is never allocated;
// callers use it for holes.
type Handle uint64

type chunk struct {
	// Constant after creation.
	size int

	// GUARDED_BY(the owning shard's lock)
	refs    int64
	data    []byte // nil while spilled
	spilled bool   // a valid spill file exists
}

type shard struct {
	mu     sync.Mutex
	chunks map[Handle]*chunk // GUARDED_BY(mu)
}

// Store is safe for concurrent use.
//
// LOCK ORDERING: residencyMu may be held while acquiring any shard lock.
// The reverse is forbidden; paths that hold a shard lock and need the
// residency lock must drop the shard lock first.
type Store struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// Memory cap in bytes; capped is false for an unlimited store.
	capped   bool
	maxBytes uint64

	// Spill directory, or "" when spilling is disabled.
	spillDir string

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The next handle to allocate. 64 bits do not run out.
	nextHandle atomic.Uint64

	shards [shardCount]shard

	// Residency bookkeeping: recency order over resident chunks plus byte
	// accounting.
	residencyMu sync.Mutex
	recency     *simplelru.LRU // Handle -> nil; GUARDED_BY(residencyMu)
	memBytes    uint64         // GUARDED_BY(residencyMu)
	spillBytes  uint64         // GUARDED_BY(residencyMu)
}

// Stats is a point-in-time view of store occupancy.
type Stats struct {
	ChunkCount    int
	BytesInMemory uint64
	BytesSpilled  uint64
}

// New creates a store. maxBytes nil means unlimited. spillDir may be
// empty to disable spilling; when set, the directory is created if
// missing.
func New(maxBytes *uint64, spillDir string) (s *Store, err error) {
	if spillDir != "" {
		if err = os.MkdirAll(spillDir, 0700); err != nil {
			err = fmt.Errorf("%w: creating spill directory: %v", ErrIO, err)
			return
		}
	}

	s = &Store{
		capped:   maxBytes != nil,
		spillDir: spillDir,
	}
	if maxBytes != nil {
		s.maxBytes = *maxBytes
	}
	for i := range s.shards {
		s.shards[i].chunks = make(map[Handle]*chunk)
	}

	// The LRU tracks recency only; eviction is driven by byte pressure, so
	// the entry capacity is effectively unbounded.
	s.recency, err = simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (s *Store) shardFor(h Handle) *shard {
	return &s.shards[uint64(h)%shardCount]
}

func (s *Store) spillPath(h Handle) string {
	return filepath.Join(s.spillDir, fmt.Sprintf("chunk-%d", h))
}

// Evict the coldest resident chunks until an admission of n bytes fits
// under the cap, spilling each victim to disk.
//
// LOCKS_REQUIRED(s.residencyMu)
func (s *Store) makeRoom(n int) (err error) {
	for s.memBytes+uint64(n) > s.maxBytes {
		key, _, ok := s.recency.GetOldest()
		if !ok {
			// Nothing left to evict.
			return
		}
		h := key.(Handle)

		if err = s.evictLocked(h); err != nil {
			return
		}
	}

	return
}

// Spill one chunk and drop its in-memory bytes. Handles that died since
// they were enqueued are cleaned out of the recency list.
//
// LOCKS_REQUIRED(s.residencyMu)
func (s *Store) evictLocked(h Handle) (err error) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.chunks[h]
	if !ok || c.data == nil {
		// Released or already evicted; drop the stale recency entry.
		s.recency.Remove(h)
		return
	}

	if s.spillDir == "" {
		err = ErrNoSpace
		return
	}

	if !c.spilled {
		if err = os.WriteFile(s.spillPath(h), c.data, 0600); err != nil {
			err = fmt.Errorf("%w: spill write: %v", ErrIO, err)
			return
		}
		c.spilled = true
		s.spillBytes += uint64(c.size)
	}

	c.data = nil
	s.memBytes -= uint64(c.size)
	s.recency.Remove(h)

	return
}

// Account for n resident bytes, evicting as needed. Fails with ErrNoSpace
// when the cap cannot be met and nothing can spill.
//
// LOCKS_EXCLUDED(s.residencyMu)
func (s *Store) admit(h Handle, n int) (err error) {
	s.residencyMu.Lock()
	defer s.residencyMu.Unlock()

	if s.capped && s.memBytes+uint64(n) > s.maxBytes {
		if s.spillDir == "" {
			err = ErrNoSpace
			return
		}
		if err = s.makeRoom(n); err != nil {
			return
		}
	}

	s.memBytes += uint64(n)
	s.recency.Add(h, nil)

	return
}

// Mark a chunk recently used.
//
// LOCKS_EXCLUDED(s.residencyMu)
func (s *Store) touch(h Handle) {
	s.residencyMu.Lock()
	defer s.residencyMu.Unlock()

	if s.recency.Contains(h) {
		s.recency.Add(h, nil)
	}
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Put admits new content and returns its handle with a reference count of
// one. The input is copied.
func (s *Store) Put(p []byte) (h Handle, err error) {
	if len(p) == 0 || len(p) > MaxChunkSize {
		err = fmt.Errorf("%w: chunk size %d", ErrInvalid, len(p))
		return
	}

	h = Handle(s.nextHandle.Add(1))

	if err = s.admit(h, len(p)); err != nil {
		h = 0
		return
	}

	data := make([]byte, len(p))
	copy(data, p)

	sh := s.shardFor(h)
	sh.mu.Lock()
	sh.chunks[h] = &chunk{size: len(p), refs: 1, data: data}
	sh.mu.Unlock()

	return
}

// Get reads length bytes starting at off within the chunk, faulting the
// chunk back from its spill file when necessary. The returned slice is
// owned by the caller.
func (s *Store) Get(h Handle, off int, length int) (p []byte, err error) {
	sh := s.shardFor(h)

	sh.mu.Lock()
	c, ok := sh.chunks[h]
	if !ok {
		sh.mu.Unlock()
		err = fmt.Errorf("%w: unknown handle %d", ErrInvalid, h)
		return
	}

	if off < 0 || length < 0 || off+length > c.size {
		sh.mu.Unlock()
		err = fmt.Errorf("%w: range [%d, %d) of %d-byte chunk", ErrInvalid, off, off+length, c.size)
		return
	}

	if c.data != nil {
		p = make([]byte, length)
		copy(p, c.data[off:off+length])
		sh.mu.Unlock()

		s.touch(h)
		return
	}
	sh.mu.Unlock()

	// Fault from the spill file without holding any lock; the read may
	// block for a while.
	var buf []byte
	buf, err = os.ReadFile(s.spillPath(h))
	if err != nil {
		err = fmt.Errorf("%w: spill read: %v", ErrIO, err)
		return
	}
	if len(buf) != c.size {
		err = fmt.Errorf("%w: spill file truncated for handle %d", ErrIO, h)
		return
	}

	p = make([]byte, length)
	copy(p, buf[off:off+length])

	// Make the chunk resident again, best effort. Losing the race to a
	// concurrent fault or a release is fine.
	if err2 := s.admit(h, c.size); err2 == nil {
		sh.mu.Lock()
		cur, alive := sh.chunks[h]
		if alive && cur.data == nil {
			cur.data = buf
			sh.mu.Unlock()
			// A concurrent eviction may have raced the admission and
			// dropped the recency entry; reinstate it so the chunk stays
			// evictable.
			s.residencyMu.Lock()
			s.recency.Add(h, nil)
			s.residencyMu.Unlock()
		} else {
			sh.mu.Unlock()
			s.forget(h, c.size)
		}
	} else {
		logger.Debugf("chunkstore: serving handle %d uncached: %v", h, err2)
	}

	return
}

// Undo an admit that did not end up installing data.
//
// LOCKS_EXCLUDED(s.residencyMu)
func (s *Store) forget(h Handle, size int) {
	s.residencyMu.Lock()
	defer s.residencyMu.Unlock()

	if s.recency.Contains(h) {
		s.recency.Remove(h)
		s.memBytes -= uint64(size)
	}
}

// Retain increments the chunk's reference count.
//
// REQUIRES: the caller already holds a reference.
func (s *Store) Retain(h Handle) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.chunks[h]
	if !ok || c.refs <= 0 {
		panic(fmt.Sprintf("Retain of dead handle %d", h))
	}
	c.refs++
}

// Release decrements the chunk's reference count, freeing memory and
// spill-file space when it hits zero.
func (s *Store) Release(h Handle) {
	sh := s.shardFor(h)

	sh.mu.Lock()
	c, ok := sh.chunks[h]
	if !ok || c.refs <= 0 {
		sh.mu.Unlock()
		panic(fmt.Sprintf("Release of dead handle %d", h))
	}

	c.refs--
	if c.refs > 0 {
		sh.mu.Unlock()
		return
	}

	delete(sh.chunks, h)
	hadData := c.data != nil
	spilled := c.spilled
	size := c.size
	sh.mu.Unlock()

	s.residencyMu.Lock()
	if hadData {
		s.memBytes -= uint64(size)
		s.recency.Remove(h)
	}
	if spilled {
		s.spillBytes -= uint64(size)
	}
	s.residencyMu.Unlock()

	if spilled {
		if err := os.Remove(s.spillPath(h)); err != nil {
			logger.Warnf("chunkstore: removing spill file for handle %d: %v", h, err)
		}
	}
}

// Stats returns current occupancy. Counts are racy with respect to
// concurrent mutation but internally consistent per shard.
func (s *Store) Stats() (st Stats) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		st.ChunkCount += len(sh.chunks)
		sh.mu.Unlock()
	}

	s.residencyMu.Lock()
	st.BytesInMemory = s.memBytes
	st.BytesSpilled = s.spillBytes
	s.residencyMu.Unlock()

	return
}

// Destroy drops every chunk and removes any spill files. The store must
// not be used afterwards.
func (s *Store) Destroy() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for h, c := range sh.chunks {
			if c.spilled {
				if err := os.Remove(s.spillPath(h)); err != nil {
					logger.Warnf("chunkstore: removing spill file for handle %d: %v", h, err)
				}
			}
			delete(sh.chunks, h)
		}
		sh.mu.Unlock()
	}

	s.residencyMu.Lock()
	s.recency.Purge()
	s.memBytes = 0
	s.spillBytes = 0
	s.residencyMu.Unlock()
}
