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

// Package clock supplies the time source for node timestamps.
// SimulatedClock is a deterministic source that only moves when set or
// advanced.
package clock

import "time"

// Clock is the source of all timestamps recorded on nodes. The core only
// ever samples it; it never sleeps on it.
type Clock interface {
	Now() time.Time
}
