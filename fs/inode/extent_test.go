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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blocksense-network/agentfs/chunkstore"
)

// refCounter tracks retain/release traffic during extent edits.
type refCounter struct {
	retained []chunkstore.Handle
	released []chunkstore.Handle
}

func (rc *refCounter) retain(h chunkstore.Handle)  { rc.retained = append(rc.retained, h) }
func (rc *refCounter) release(h chunkstore.Handle) { rc.released = append(rc.released, h) }

func ext(chunk chunkstore.Handle, skip, length int) Extent {
	return Extent{Chunk: chunk, Skip: skip, Len: length}
}

func TestExtentsSize(t *testing.T) {
	assert.Equal(t, uint64(0), ExtentsSize(nil))
	assert.Equal(t, uint64(30), ExtentsSize([]Extent{ext(1, 0, 10), ext(0, 0, 20)}))
	assert.Equal(t, uint64(10), AllocatedSize([]Extent{ext(1, 0, 10), ext(0, 0, 20)}))
}

func TestSliceExtentsMiddle(t *testing.T) {
	list := []Extent{ext(1, 0, 10), ext(2, 0, 10)}

	got := SliceExtents(list, 5, 10)
	assert.Equal(t, []Extent{ext(1, 5, 5), ext(2, 0, 5)}, got)
}

func TestSliceExtentsClipsToSize(t *testing.T) {
	list := []Extent{ext(1, 0, 10)}

	got := SliceExtents(list, 8, 100)
	assert.Equal(t, []Extent{ext(1, 8, 2)}, got)

	assert.Nil(t, SliceExtents(list, 10, 5))
}

func TestSpliceAppend(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10)}

	got := SpliceExtents(list, 10, []Extent{ext(2, 0, 5)}, rc.retain, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 10), ext(2, 0, 5)}, got)
	assert.Empty(t, rc.retained)
	assert.Empty(t, rc.released)
}

func TestSpliceExactOverwrite(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10)}

	got := SpliceExtents(list, 0, []Extent{ext(2, 0, 10)}, rc.retain, rc.release)
	assert.Equal(t, []Extent{ext(2, 0, 10)}, got)
	assert.Empty(t, rc.retained)
	assert.Equal(t, []chunkstore.Handle{1}, rc.released)
}

func TestSpliceMiddleSplitsAndRetains(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 30)}

	got := SpliceExtents(list, 10, []Extent{ext(2, 0, 10)}, rc.retain, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 10), ext(2, 0, 10), ext(1, 20, 10)}, got)
	assert.Equal(t, []chunkstore.Handle{1}, rc.retained)
	assert.Empty(t, rc.released)
}

func TestSpliceHeadAndTailTrim(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10), ext(2, 0, 10)}

	got := SpliceExtents(list, 5, []Extent{ext(3, 0, 10)}, rc.retain, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 5), ext(3, 0, 10), ext(2, 5, 5)}, got)
	assert.Empty(t, rc.retained)
	assert.Empty(t, rc.released)
}

func TestSplicePastEndPadsWithHole(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10)}

	got := SpliceExtents(list, 15, []Extent{ext(2, 0, 5)}, rc.retain, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 10), ext(0, 0, 5), ext(2, 0, 5)}, got)
	assert.Equal(t, uint64(20), ExtentsSize(got))
}

func TestSpliceIntoEmpty(t *testing.T) {
	var rc refCounter

	got := SpliceExtents(nil, 0, []Extent{ext(1, 0, 5)}, rc.retain, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 5)}, got)
}

func TestTruncateShrinks(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10), ext(2, 0, 10)}

	got := TruncateExtents(list, 5, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 5)}, got)
	assert.Equal(t, []chunkstore.Handle{2}, rc.released)
}

func TestTruncateToZeroReleasesAll(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10), ext(2, 0, 10)}

	got := TruncateExtents(list, 0, rc.release)
	assert.Empty(t, got)
	assert.Equal(t, []chunkstore.Handle{1, 2}, rc.released)
}

func TestTruncateExtendsWithHole(t *testing.T) {
	var rc refCounter
	list := []Extent{ext(1, 0, 10)}

	got := TruncateExtents(list, 25, rc.release)
	assert.Equal(t, []Extent{ext(1, 0, 10), ext(0, 0, 15)}, got)
	assert.Empty(t, rc.released)
}
