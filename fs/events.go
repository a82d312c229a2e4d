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
	"sync"
	"time"

	"github.com/blocksense-network/agentfs/fs/inode"
	"github.com/blocksense-network/agentfs/internal/logger"
)

// Event records one successful mutation for observers. Delivery is
// best-effort: the buffer drops its oldest entries under pressure.
type Event struct {
	Branch    BranchID
	Op        string
	Path      string
	BeforeVer inode.VersionID // zero when the op created the node
	AfterVer  inode.VersionID // zero when the op removed the node
	Timestamp time.Time
}

// eventSoftLimit bounds the in-memory buffer. Oldest entries are dropped
// beyond it.
const eventSoftLimit = 4096

type eventTap struct {
	mu      sync.Mutex
	events  []Event // GUARDED_BY(mu)
	dropped uint64  // GUARDED_BY(mu)
}

func newEventTap() *eventTap {
	return &eventTap{}
}

func (t *eventTap) emit(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.events) >= eventSoftLimit {
		n := len(t.events) - eventSoftLimit + 1
		t.events = append(t.events[:0], t.events[n:]...)
		t.dropped += uint64(n)
		if t.dropped == uint64(n) || t.dropped%1024 < uint64(n) {
			logger.Debugf("event tap: %d events dropped so far", t.dropped)
		}
	}

	t.events = append(t.events, e)
}

func (t *eventTap) poll(max int) (out []Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if max <= 0 || max > len(t.events) {
		max = len(t.events)
	}
	out = append(out, t.events[:max]...)
	t.events = append(t.events[:0], t.events[max:]...)
	return
}

func (t *eventTap) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = nil
	t.dropped = 0
}

// PollEvents drains up to max buffered mutation events in order; max <= 0
// drains everything. Fails with unsupported when event tracking is off.
func (fc *FsCore) PollEvents(max int) ([]Event, error) {
	if fc.events == nil {
		return nil, ErrUnsupported
	}
	return fc.events.poll(max), nil
}

// Emit an event if the tap is enabled.
func (fc *FsCore) emitEvent(b *branch, op, path string, before, after inode.VersionID) {
	if fc.events == nil {
		return
	}
	fc.events.emit(Event{
		Branch:    b.id,
		Op:        op,
		Path:      path,
		BeforeVer: before,
		AfterVer:  after,
		Timestamp: fc.clock.Now(),
	})
}
