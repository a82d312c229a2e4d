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

package fs_test

import (
	"os"
	"testing"

	"github.com/jacobsa/syncutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/blocksense-network/agentfs/cfg"
	"github.com/blocksense-network/agentfs/fs"
	"github.com/blocksense-network/agentfs/fs/inode"
)

func TestMain(m *testing.M) {
	syncutil.EnableInvariantChecking()
	os.Exit(m.Run())
}

// Caller pids used throughout; the core treats unknown pids as root on
// the default branch.
const (
	pidMain  = 1000
	pidOther = 2000
)

type FsCoreTest struct {
	suite.Suite
	core *fs.FsCore
}

func TestFsCore(t *testing.T) {
	suite.Run(t, new(FsCoreTest))
}

func (t *FsCoreTest) SetupTest() {
	t.core = newCore(t.T(), nil)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func newCore(t *testing.T, mutate func(*cfg.FsConfig)) *fs.FsCore {
	config := cfg.NewDefaultConfig()
	if mutate != nil {
		mutate(config)
	}

	core, err := fs.NewFsCore(config, nil)
	require.NoError(t, err)
	t.Cleanup(core.Destroy)
	return core
}

// writeFile replaces the file's whole content.
func writeFile(t *testing.T, core *fs.FsCore, pid uint32, path, content string) {
	opts := fs.DefaultOpenOptions()
	opts.Mode = fs.ModeReadWrite
	opts.Create = fs.CreateAlways

	h, err := core.Open(pid, path, opts)
	require.NoError(t, err)
	defer core.Close(h)

	n, err := core.Write(h, 0, []byte(content))
	require.NoError(t, err)
	require.Equal(t, len(content), n)
}

func readFile(t *testing.T, core *fs.FsCore, pid uint32, path string) string {
	h, err := core.Open(pid, path, fs.DefaultOpenOptions())
	require.NoError(t, err)
	defer core.Close(h)

	p, err := core.Read(h, 0, 1<<24)
	require.NoError(t, err)
	return string(p)
}

// forkAndBind snapshots nothing; it forks the given snapshot and binds
// pid to the new branch.
func forkAndBind(t *testing.T, core *fs.FsCore, snap fs.SnapshotID, pid uint32) fs.BranchID {
	b, err := core.BranchCreateFromSnapshot(snap, "")
	require.NoError(t, err)
	require.NoError(t, core.BindProcessToBranch(pid, b))
	return b
}

////////////////////////////////////////////////////////////////////////
// Basic operations
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestMkdirAndReadDir() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/a", 0755))
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/a/b", 0755))
	writeFile(t.T(), t.core, pidMain, "/a/f", "x")

	entries, err := t.core.ReadDir(pidMain, "/a")
	require.NoError(t.T(), err)
	require.Len(t.T(), entries, 2)
	assert.Equal(t.T(), "b", entries[0].Name)
	assert.Equal(t.T(), inode.KindDirectory, entries[0].Kind)
	assert.Equal(t.T(), "f", entries[1].Name)
	assert.Equal(t.T(), inode.KindFile, entries[1].Kind)
}

func (t *FsCoreTest) TestMkdirCollision() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/a", 0755))
	assert.ErrorIs(t.T(), t.core.Mkdir(pidMain, "/a", 0755), fs.ErrExists)
}

func (t *FsCoreTest) TestMkdirMissingParent() {
	assert.ErrorIs(t.T(), t.core.Mkdir(pidMain, "/no/such", 0755), fs.ErrNotFound)
}

func (t *FsCoreTest) TestWriteReadRoundTrip() {
	writeFile(t.T(), t.core, pidMain, "/f", "hello world")
	assert.Equal(t.T(), "hello world", readFile(t.T(), t.core, pidMain, "/f"))
}

func (t *FsCoreTest) TestPartialOverwrite() {
	writeFile(t.T(), t.core, pidMain, "/f", "aaaaaaaaaa")

	opts := fs.DefaultOpenOptions()
	opts.Mode = fs.ModeReadWrite
	h, err := t.core.Open(pidMain, "/f", opts)
	require.NoError(t.T(), err)
	defer t.core.Close(h)

	_, err = t.core.Write(h, 3, []byte("BBB"))
	require.NoError(t.T(), err)

	assert.Equal(t.T(), "aaaBBBaaaa", readFile(t.T(), t.core, pidMain, "/f"))
}

func (t *FsCoreTest) TestWritePastEndReadsZeros() {
	writeFile(t.T(), t.core, pidMain, "/f", "ab")

	opts := fs.DefaultOpenOptions()
	opts.Mode = fs.ModeWrite
	h, err := t.core.Open(pidMain, "/f", opts)
	require.NoError(t.T(), err)
	defer t.core.Close(h)

	_, err = t.core.Write(h, 5, []byte("z"))
	require.NoError(t.T(), err)

	got := readFile(t.T(), t.core, pidMain, "/f")
	assert.Equal(t.T(), "ab\x00\x00\x00z", got)

	attrs, err := t.core.GetAttr(pidMain, "/f")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint64(6), attrs.Size)
	assert.Equal(t.T(), uint64(3), attrs.Allocated)
}

func (t *FsCoreTest) TestAppendMode() {
	writeFile(t.T(), t.core, pidMain, "/log", "one\n")

	opts := fs.DefaultOpenOptions()
	opts.Mode = fs.ModeAppend
	h, err := t.core.Open(pidMain, "/log", opts)
	require.NoError(t.T(), err)
	defer t.core.Close(h)

	_, err = t.core.Write(h, 0, []byte("two\n"))
	require.NoError(t.T(), err)
	_, err = t.core.Write(h, 0, []byte("three\n"))
	require.NoError(t.T(), err)

	assert.Equal(t.T(), "one\ntwo\nthree\n", readFile(t.T(), t.core, pidMain, "/log"))
}

func (t *FsCoreTest) TestSequentialReadsAdvanceOffset() {
	writeFile(t.T(), t.core, pidMain, "/f", "abcdef")

	h, err := t.core.Open(pidMain, "/f", fs.DefaultOpenOptions())
	require.NoError(t.T(), err)
	defer t.core.Close(h)

	p, err := t.core.Read(h, fs.CurrentOffset, 3)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "abc", string(p))

	p, err = t.core.Read(h, fs.CurrentOffset, 3)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "def", string(p))

	p, err = t.core.Read(h, fs.CurrentOffset, 3)
	require.NoError(t.T(), err)
	assert.Empty(t.T(), p)
}

func (t *FsCoreTest) TestOpenMissingWithoutCreate() {
	_, err := t.core.Open(pidMain, "/missing", fs.DefaultOpenOptions())
	assert.ErrorIs(t.T(), err, fs.ErrNotFound)
}

func (t *FsCoreTest) TestUnlink() {
	writeFile(t.T(), t.core, pidMain, "/f", "data")
	require.NoError(t.T(), t.core.Unlink(pidMain, "/f"))

	_, err := t.core.GetAttr(pidMain, "/f")
	assert.ErrorIs(t.T(), err, fs.ErrNotFound)
}

func (t *FsCoreTest) TestUnlinkDirectoryFails() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	assert.ErrorIs(t.T(), t.core.Unlink(pidMain, "/d"), fs.ErrIsADirectory)
}

func (t *FsCoreTest) TestRmdirNonEmptyFails() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), t.core, pidMain, "/d/f", "x")

	assert.ErrorIs(t.T(), t.core.Rmdir(pidMain, "/d"), fs.ErrInvalidArgument)

	require.NoError(t.T(), t.core.Unlink(pidMain, "/d/f"))
	require.NoError(t.T(), t.core.Rmdir(pidMain, "/d"))
}

func (t *FsCoreTest) TestOrphanReadAfterUnlink() {
	writeFile(t.T(), t.core, pidMain, "/f", "still here")

	h, err := t.core.Open(pidMain, "/f", fs.DefaultOpenOptions())
	require.NoError(t.T(), err)
	defer t.core.Close(h)

	require.NoError(t.T(), t.core.Unlink(pidMain, "/f"))

	p, err := t.core.Read(h, 0, 64)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "still here", string(p))
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestSymlinkFollowAndReadlink() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), t.core, pidMain, "/d/f", "via link")
	require.NoError(t.T(), t.core.Symlink(pidMain, "/d/f", "/lnk"))

	assert.Equal(t.T(), "via link", readFile(t.T(), t.core, pidMain, "/lnk"))

	target, err := t.core.Readlink(pidMain, "/lnk")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "/d/f", string(target))

	attrs, err := t.core.GetAttr(pidMain, "/lnk")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), inode.KindFile, attrs.Kind)

	attrs, err = t.core.LGetAttr(pidMain, "/lnk")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), inode.KindSymlink, attrs.Kind)
}

func (t *FsCoreTest) TestRelativeSymlink() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), t.core, pidMain, "/d/f", "rel")
	require.NoError(t.T(), t.core.Symlink(pidMain, "f", "/d/lnk"))

	assert.Equal(t.T(), "rel", readFile(t.T(), t.core, pidMain, "/d/lnk"))
}

func (t *FsCoreTest) TestSymlinkChainWithinLimitResolves() {
	writeFile(t.T(), t.core, pidMain, "/target", "deep")

	prev := "/target"
	for i := 0; i < 10; i++ {
		link := "/l" + string(rune('0'+i))
		require.NoError(t.T(), t.core.Symlink(pidMain, prev, link))
		prev = link
	}

	assert.Equal(t.T(), "deep", readFile(t.T(), t.core, pidMain, prev))
}

func (t *FsCoreTest) TestSymlinkLoopFailsInvalid() {
	require.NoError(t.T(), t.core.Symlink(pidMain, "/b", "/a"))
	require.NoError(t.T(), t.core.Symlink(pidMain, "/a", "/b"))

	_, err := t.core.GetAttr(pidMain, "/a")
	assert.ErrorIs(t.T(), err, fs.ErrInvalidArgument)
}

func (t *FsCoreTest) TestDotDotStopsAtRoot() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), t.core, pidMain, "/f", "root file")

	assert.Equal(t.T(), "root file", readFile(t.T(), t.core, pidMain, "/../../f"))
	assert.Equal(t.T(), "root file", readFile(t.T(), t.core, pidMain, "/d/../f"))
}

////////////////////////////////////////////////////////////////////////
// Hard links
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestHardLinkSharesContent() {
	writeFile(t.T(), t.core, pidMain, "/f", "shared")
	require.NoError(t.T(), t.core.Link(pidMain, "/f", "/g"))

	assert.Equal(t.T(), "shared", readFile(t.T(), t.core, pidMain, "/g"))

	attrs, err := t.core.GetAttr(pidMain, "/f")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(2), attrs.Nlink)

	// Writes through one name are visible through the other.
	writeFile(t.T(), t.core, pidMain, "/f", "updated")
	assert.Equal(t.T(), "updated", readFile(t.T(), t.core, pidMain, "/g"))
}

func (t *FsCoreTest) TestHardLinkToDirectoryFails() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	assert.ErrorIs(t.T(), t.core.Link(pidMain, "/d", "/d2"), fs.ErrInvalidArgument)
}

func (t *FsCoreTest) TestUnlinkOneHardLinkKeepsOther() {
	writeFile(t.T(), t.core, pidMain, "/f", "both")
	require.NoError(t.T(), t.core.Link(pidMain, "/f", "/g"))
	require.NoError(t.T(), t.core.Unlink(pidMain, "/f"))

	assert.Equal(t.T(), "both", readFile(t.T(), t.core, pidMain, "/g"))

	attrs, err := t.core.GetAttr(pidMain, "/g")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(1), attrs.Nlink)
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestRenameFile() {
	writeFile(t.T(), t.core, pidMain, "/a", "content")
	require.NoError(t.T(), t.core.Rename(pidMain, "/a", "/b"))

	_, err := t.core.GetAttr(pidMain, "/a")
	assert.ErrorIs(t.T(), err, fs.ErrNotFound)
	assert.Equal(t.T(), "content", readFile(t.T(), t.core, pidMain, "/b"))
}

func (t *FsCoreTest) TestRenameAcrossDirectories() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/src", 0755))
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/dst", 0755))
	writeFile(t.T(), t.core, pidMain, "/src/f", "moved")

	require.NoError(t.T(), t.core.Rename(pidMain, "/src/f", "/dst/f"))
	assert.Equal(t.T(), "moved", readFile(t.T(), t.core, pidMain, "/dst/f"))

	entries, err := t.core.ReadDir(pidMain, "/src")
	require.NoError(t.T(), err)
	assert.Empty(t.T(), entries)
}

func (t *FsCoreTest) TestRenameReplacesFile() {
	writeFile(t.T(), t.core, pidMain, "/a", "new")
	writeFile(t.T(), t.core, pidMain, "/b", "old")

	require.NoError(t.T(), t.core.Rename(pidMain, "/a", "/b"))
	assert.Equal(t.T(), "new", readFile(t.T(), t.core, pidMain, "/b"))
}

func (t *FsCoreTest) TestRenameDirOntoNonEmptyDirFails() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/a", 0755))
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/b", 0755))
	writeFile(t.T(), t.core, pidMain, "/b/f", "x")

	assert.ErrorIs(t.T(), t.core.Rename(pidMain, "/a", "/b"), fs.ErrInvalidArgument)

	require.NoError(t.T(), t.core.Unlink(pidMain, "/b/f"))
	require.NoError(t.T(), t.core.Rename(pidMain, "/a", "/b"))
}

func (t *FsCoreTest) TestRenameKindMismatch() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), t.core, pidMain, "/f", "x")

	assert.ErrorIs(t.T(), t.core.Rename(pidMain, "/f", "/d"), fs.ErrIsADirectory)
	assert.ErrorIs(t.T(), t.core.Rename(pidMain, "/d", "/f"), fs.ErrNotADirectory)
}

func (t *FsCoreTest) TestRenameDirIntoItselfFails() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d/sub", 0755))

	assert.ErrorIs(t.T(), t.core.Rename(pidMain, "/d", "/d/sub/d"), fs.ErrInvalidArgument)
}

func (t *FsCoreTest) TestRenameDirectoryMovesSubtree() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), t.core, pidMain, "/d/f", "inside")

	require.NoError(t.T(), t.core.Rename(pidMain, "/d", "/e"))
	assert.Equal(t.T(), "inside", readFile(t.T(), t.core, pidMain, "/e/f"))
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestGetAttrShape() {
	writeFile(t.T(), t.core, pidMain, "/f", "12345")

	attrs, err := t.core.GetAttr(pidMain, "/f")
	require.NoError(t.T(), err)
	assert.Equal(t.T(), inode.KindFile, attrs.Kind)
	assert.Equal(t.T(), uint64(5), attrs.Size)
	assert.Equal(t.T(), uint64(5), attrs.Allocated)
	assert.Equal(t.T(), uint32(1), attrs.Nlink)
	assert.Equal(t.T(), uint32(0644), attrs.Mode)
	assert.NotZero(t.T(), attrs.Node)
	assert.NotZero(t.T(), attrs.Parent)
	assert.NotZero(t.T(), attrs.Birth.Sec)
}

func (t *FsCoreTest) TestSetAttrTruncate() {
	writeFile(t.T(), t.core, pidMain, "/f", "1234567890")

	size := uint64(4)
	_, err := t.core.SetAttr(pidMain, "/f", fs.SetAttrRequest{Size: &size})
	require.NoError(t.T(), err)

	assert.Equal(t.T(), "1234", readFile(t.T(), t.core, pidMain, "/f"))
}

func (t *FsCoreTest) TestSetAttrMode() {
	writeFile(t.T(), t.core, pidMain, "/f", "x")

	newMode := os.FileMode(0600)
	attrs, err := t.core.SetAttr(pidMain, "/f", fs.SetAttrRequest{Mode: &newMode})
	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(0600), attrs.Mode)
}

////////////////////////////////////////////////////////////////////////
// Snapshots and branches (S1 and friends)
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestBranchDivergence() {
	core := t.core
	require.NoError(t.T(), core.Mkdir(pidMain, "/a", 0755))
	writeFile(t.T(), core, pidMain, "/a/x", "hello")

	snap, err := core.SnapshotCreate(core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	forkAndBind(t.T(), core, snap, pidOther)
	writeFile(t.T(), core, pidOther, "/a/x", "world")

	// Default branch still sees the old bytes; the fork sees its own.
	assert.Equal(t.T(), "hello", readFile(t.T(), core, pidMain, "/a/x"))
	assert.Equal(t.T(), "world", readFile(t.T(), core, pidOther, "/a/x"))

	// A fresh branch off the snapshot sees the snapshot-era bytes.
	const pidFresh = 3000
	forkAndBind(t.T(), core, snap, pidFresh)
	assert.Equal(t.T(), "hello", readFile(t.T(), core, pidFresh, "/a/x"))

	// Exactly two chunks exist: "hello" and "world".
	assert.Equal(t.T(), 2, core.Stats().Chunks)
}

func (t *FsCoreTest) TestSnapshotIsO1OnChunks() {
	writeFile(t.T(), t.core, pidMain, "/f", "payload")
	before := t.core.Stats()

	_, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	after := t.core.Stats()
	assert.Equal(t.T(), before.Chunks, after.Chunks)
	assert.Equal(t.T(), before.Versions, after.Versions)
}

func (t *FsCoreTest) TestCoWCreatesDepthPlusOneVersions() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/a", 0755))
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/a/b", 0755))
	writeFile(t.T(), t.core, pidMain, "/a/b/f", "v1")

	_, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	before := t.core.Stats().Versions
	writeFile(t.T(), t.core, pidMain, "/a/b/f", "v2")
	after := t.core.Stats().Versions

	// depth(/a/b/f) = 3, so at most 4 new versions: file, b, a, root.
	assert.LessOrEqual(t.T(), after-before, 4)
	assert.Greater(t.T(), after-before, 0)
}

func (t *FsCoreTest) TestSecondWriteAfterSnapshotMutatesInPlace() {
	writeFile(t.T(), t.core, pidMain, "/f", "v1")

	_, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	writeFile(t.T(), t.core, pidMain, "/f", "v2")
	between := t.core.Stats().Versions
	writeFile(t.T(), t.core, pidMain, "/f", "v3")
	after := t.core.Stats().Versions

	// The second write lands on branch-private versions; nothing new.
	assert.Equal(t.T(), between, after)
}

func (t *FsCoreTest) TestSnapshotImmutableUnderDescendantChanges() {
	require.NoError(t.T(), t.core.Mkdir(pidMain, "/dir", 0755))
	writeFile(t.T(), t.core, pidMain, "/dir/keep", "original")

	snap, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	// Churn the default branch afterwards.
	writeFile(t.T(), t.core, pidMain, "/dir/keep", "changed")
	require.NoError(t.T(), t.core.Unlink(pidMain, "/dir/keep"))
	writeFile(t.T(), t.core, pidMain, "/dir/new", "other")
	require.NoError(t.T(), t.core.Rename(pidMain, "/dir", "/moved"))

	forkAndBind(t.T(), t.core, snap, pidOther)
	assert.Equal(t.T(), "original", readFile(t.T(), t.core, pidOther, "/dir/keep"))

	_, err = t.core.GetAttr(pidOther, "/dir/new")
	assert.ErrorIs(t.T(), err, fs.ErrNotFound)
}

func (t *FsCoreTest) TestBranchIsolationSiblings() {
	writeFile(t.T(), t.core, pidMain, "/f", "base")

	snap, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	const pidB1 = 5001
	const pidB2 = 5002
	forkAndBind(t.T(), t.core, snap, pidB1)
	forkAndBind(t.T(), t.core, snap, pidB2)

	writeFile(t.T(), t.core, pidB1, "/f", "from-b1")

	assert.Equal(t.T(), "base", readFile(t.T(), t.core, pidB2, "/f"))
	assert.Equal(t.T(), "from-b1", readFile(t.T(), t.core, pidB1, "/f"))
}

func (t *FsCoreTest) TestSnapshotListAndParents() {
	s1, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "first")
	require.NoError(t.T(), err)
	s2, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "second")
	require.NoError(t.T(), err)

	list := t.core.SnapshotList()
	// The initial snapshot plus the two taken here.
	require.Len(t.T(), list, 3)
	assert.Equal(t.T(), s1, list[1].ID)
	assert.Equal(t.T(), "first", list[1].Name)
	assert.Equal(t.T(), s2, list[2].ID)
	require.True(t.T(), list[2].HasParent)
	assert.Equal(t.T(), s1, list[2].Parent)
}

func (t *FsCoreTest) TestSnapshotLimit() {
	core := newCore(t.T(), func(c *cfg.FsConfig) {
		c.Limits.MaxSnapshots = 2 // the initial snapshot counts
	})

	_, err := core.SnapshotCreate(core.DefaultBranch(), "one")
	require.NoError(t.T(), err)
	_, err = core.SnapshotCreate(core.DefaultBranch(), "two")
	assert.ErrorIs(t.T(), err, fs.ErrNoSpace)
}

func (t *FsCoreTest) TestBranchLimit() {
	core := newCore(t.T(), func(c *cfg.FsConfig) {
		c.Limits.MaxBranches = 1 // the default branch counts
	})

	snap, err := core.SnapshotCreate(core.DefaultBranch(), "s")
	require.NoError(t.T(), err)
	_, err = core.BranchCreateFromSnapshot(snap, "b")
	assert.ErrorIs(t.T(), err, fs.ErrNoSpace)
}

func (t *FsCoreTest) TestSnapshotDeleteRefusePolicy() {
	s1, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s1")
	require.NoError(t.T(), err)
	s2, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s2")
	require.NoError(t.T(), err)

	// s1 has the child snapshot s2.
	assert.ErrorIs(t.T(), t.core.SnapshotDelete(s1), fs.ErrBusy)

	require.NoError(t.T(), t.core.SnapshotDelete(s2))
	require.NoError(t.T(), t.core.SnapshotDelete(s1))
	assert.Len(t.T(), t.core.SnapshotList(), 1)
}

func (t *FsCoreTest) TestSnapshotDeleteRefusesWhileBranchDescends() {
	snap, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	b := forkAndBind(t.T(), t.core, snap, pidOther)
	assert.ErrorIs(t.T(), t.core.SnapshotDelete(snap), fs.ErrBusy)

	t.core.UnbindProcess(pidOther)
	require.NoError(t.T(), t.core.BranchDelete(b))
	require.NoError(t.T(), t.core.SnapshotDelete(snap))
}

func (t *FsCoreTest) TestSnapshotDeleteCascadePolicy() {
	core := newCore(t.T(), func(c *cfg.FsConfig) {
		c.Snapshots.DeletePolicy = cfg.DeleteCascade
	})

	s1, err := core.SnapshotCreate(core.DefaultBranch(), "s1")
	require.NoError(t.T(), err)
	_, err = core.SnapshotCreate(core.DefaultBranch(), "s2")
	require.NoError(t.T(), err)

	require.NoError(t.T(), core.SnapshotDelete(s1))
	assert.Len(t.T(), core.SnapshotList(), 1)
}

func (t *FsCoreTest) TestBranchDeleteLifecycle() {
	snap, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)
	b := forkAndBind(t.T(), t.core, snap, pidOther)

	// A binding keeps the branch alive through Deleting.
	require.NoError(t.T(), t.core.BranchDelete(b))
	assert.ErrorIs(t.T(), t.core.BindProcessToBranch(9999, b), fs.ErrBusy)

	_, err = t.core.Open(pidOther, "/", fs.DefaultOpenOptions())
	assert.ErrorIs(t.T(), err, fs.ErrBusy)

	t.core.UnbindProcess(pidOther)

	for _, info := range t.core.BranchList() {
		assert.NotEqual(t.T(), b, info.ID)
	}
}

func (t *FsCoreTest) TestDeleteDefaultBranchFails() {
	assert.ErrorIs(t.T(), t.core.BranchDelete(t.core.DefaultBranch()), fs.ErrBusy)
}

func (t *FsCoreTest) TestBindUnknownBranchFails() {
	assert.ErrorIs(t.T(),
		t.core.BindProcessToBranch(pidMain, fs.BranchID{}),
		fs.ErrNotFound)
}

func (t *FsCoreTest) TestReclaimAfterSnapshotDelete() {
	writeFile(t.T(), t.core, pidMain, "/f", "short lived")

	snap, err := t.core.SnapshotCreate(t.core.DefaultBranch(), "s")
	require.NoError(t.T(), err)

	// Rewrite so only the snapshot pins the original chunk.
	writeFile(t.T(), t.core, pidMain, "/f", "replacement")
	assert.Equal(t.T(), 2, t.core.Stats().Chunks)

	require.NoError(t.T(), t.core.SnapshotDelete(snap))
	assert.Equal(t.T(), 1, t.core.Stats().Chunks)
}

////////////////////////////////////////////////////////////////////////
// Spill configuration (S4)
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestLargeWriteSpillsAndReadsBack() {
	spillDir := t.T().TempDir()
	core := newCore(t.T(), func(c *cfg.FsConfig) {
		limit := uint64(1 << 20)
		c.Memory.MaxBytesInMemory = &limit
		c.Memory.SpillDirectory = spillDir
	})

	data := make([]byte, 4<<20)
	for i := range data {
		data[i] = byte(i * 31)
	}

	opts := fs.DefaultOpenOptions()
	opts.Mode = fs.ModeReadWrite
	opts.Create = fs.CreateAlways
	h, err := core.Open(pidMain, "/big", opts)
	require.NoError(t.T(), err)
	defer core.Close(h)

	n, err := core.Write(h, 0, data)
	require.NoError(t.T(), err)
	require.Equal(t.T(), len(data), n)

	got, err := core.Read(h, 0, len(data))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), data, got)

	assert.NotZero(t.T(), core.Stats().BytesSpilled)
}

func (t *FsCoreTest) TestLargeWriteWithoutSpillFailsNoSpace() {
	core := newCore(t.T(), func(c *cfg.FsConfig) {
		limit := uint64(1 << 20)
		c.Memory.MaxBytesInMemory = &limit
	})

	opts := fs.DefaultOpenOptions()
	opts.Mode = fs.ModeReadWrite
	opts.Create = fs.CreateAlways
	h, err := core.Open(pidMain, "/big", opts)
	require.NoError(t.T(), err)
	defer core.Close(h)

	_, err = core.Write(h, 0, make([]byte, 4<<20))
	assert.ErrorIs(t.T(), err, fs.ErrNoSpace)
}

////////////////////////////////////////////////////////////////////////
// Events
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestEventTapDisabledByDefault() {
	_, err := t.core.PollEvents(0)
	assert.ErrorIs(t.T(), err, fs.ErrUnsupported)
}

func (t *FsCoreTest) TestEventTapRecordsMutations() {
	core := newCore(t.T(), func(c *cfg.FsConfig) {
		c.TrackEvents = true
	})

	require.NoError(t.T(), core.Mkdir(pidMain, "/d", 0755))
	writeFile(t.T(), core, pidMain, "/d/f", "x")
	require.NoError(t.T(), core.Unlink(pidMain, "/d/f"))

	events, err := core.PollEvents(0)
	require.NoError(t.T(), err)

	var ops []string
	for _, e := range events {
		ops = append(ops, e.Op)
	}
	assert.Equal(t.T(), []string{"mkdir", "create", "write", "unlink"}, ops)

	// Drained.
	events, err = core.PollEvents(0)
	require.NoError(t.T(), err)
	assert.Empty(t.T(), events)
}

////////////////////////////////////////////////////////////////////////
// Errno mapping
////////////////////////////////////////////////////////////////////////

func (t *FsCoreTest) TestErrnoMapping() {
	assert.Equal(t.T(), int32(0), fs.Errno(nil))
	assert.Equal(t.T(), int32(2), fs.Errno(fs.ErrNotFound))
	assert.Equal(t.T(), int32(13), fs.Errno(fs.ErrAccessDenied))
	assert.Equal(t.T(), int32(16), fs.Errno(fs.ErrBusy))
	assert.Equal(t.T(), int32(17), fs.Errno(fs.ErrExists))
	assert.Equal(t.T(), int32(22), fs.Errno(fs.ErrInvalidArgument))
	assert.Equal(t.T(), int32(28), fs.Errno(fs.ErrNoSpace))
	assert.Equal(t.T(), int32(95), fs.Errno(fs.ErrUnsupported))

	// Wrapped errors keep their code.
	_, err := t.core.GetAttr(pidMain, "/nope")
	assert.Equal(t.T(), int32(2), fs.Errno(err))
}
