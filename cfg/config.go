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

// Package cfg holds the filesystem configuration accepted by fs.NewFsCore,
// including parsing of the JSON blob handed over by adapters.
package cfg

// CaseSensitivity controls how directory entry lookups compare names.
type CaseSensitivity string

const (
	// CaseSensitive compares entry names by exact bytes.
	CaseSensitive CaseSensitivity = "sensitive"

	// CaseInsensitivePreserving compares entry names by a Unicode simple
	// case fold while storing the caller's original casing.
	CaseInsensitivePreserving CaseSensitivity = "insensitive-preserving"
)

// DeletePolicy controls what SnapshotDelete does when the snapshot has
// descendant snapshots.
type DeletePolicy string

const (
	// DeleteRefuse fails with busy while anything descends from the snapshot.
	DeleteRefuse DeletePolicy = "refuse"

	// DeleteCascade removes descendant snapshots depth-first, still failing
	// with busy if a live branch descends anywhere below.
	DeleteCascade DeletePolicy = "cascade"
)

// MemoryPolicy bounds the content store.
type MemoryPolicy struct {
	// Maximum bytes of chunk data held in memory, or nil for unlimited.
	MaxBytesInMemory *uint64 `json:"max_bytes_in_memory" mapstructure:"max_bytes_in_memory"`

	// Directory to spill least-recently-used chunks into when the cap would
	// be exceeded, or empty to fail such admissions with no-space.
	SpillDirectory string `json:"spill_directory" mapstructure:"spill_directory"`
}

// FsLimits bounds table sizes.
type FsLimits struct {
	MaxOpenHandles uint32 `json:"max_open_handles" mapstructure:"max_open_handles"`
	MaxBranches    uint32 `json:"max_branches" mapstructure:"max_branches"`
	MaxSnapshots   uint32 `json:"max_snapshots" mapstructure:"max_snapshots"`
}

// CachePolicy is advisory metadata for adapters. The core does no caching
// itself; it only stores and returns these hints.
type CachePolicy struct {
	AttrTTLMs         uint32 `json:"attr_ttl_ms" mapstructure:"attr_ttl_ms"`
	EntryTTLMs        uint32 `json:"entry_ttl_ms" mapstructure:"entry_ttl_ms"`
	NegativeTTLMs     uint32 `json:"negative_ttl_ms" mapstructure:"negative_ttl_ms"`
	EnableReaddirPlus bool   `json:"enable_readdir_plus" mapstructure:"enable_readdir_plus"`
	AutoCache         bool   `json:"auto_cache" mapstructure:"auto_cache"`
	WritebackCache    bool   `json:"writeback_cache" mapstructure:"writeback_cache"`
}

// SnapshotPolicy holds snapshot lifecycle knobs.
type SnapshotPolicy struct {
	DeletePolicy DeletePolicy `json:"delete_policy" mapstructure:"delete_policy"`
}

// FsConfig is the full configuration for one filesystem core.
type FsConfig struct {
	CaseSensitivity CaseSensitivity `json:"case_sensitivity" mapstructure:"case_sensitivity"`
	Memory          MemoryPolicy    `json:"memory" mapstructure:"memory"`
	Limits          FsLimits        `json:"limits" mapstructure:"limits"`
	Cache           CachePolicy     `json:"cache" mapstructure:"cache"`
	Snapshots       SnapshotPolicy  `json:"snapshots" mapstructure:"snapshots"`
	EnableXattrs    bool            `json:"enable_xattrs" mapstructure:"enable_xattrs"`
	EnableADS       bool            `json:"enable_ads" mapstructure:"enable_ads"`
	TrackEvents     bool            `json:"track_events" mapstructure:"track_events"`
}

// DefaultMaxBytesInMemory is the content store cap applied when the
// configuration does not set one explicitly.
const DefaultMaxBytesInMemory uint64 = 1 << 30

// NewDefaultConfig returns the configuration used when fs_create receives
// an empty blob.
func NewDefaultConfig() *FsConfig {
	maxBytes := DefaultMaxBytesInMemory
	return &FsConfig{
		CaseSensitivity: CaseSensitive,
		Memory: MemoryPolicy{
			MaxBytesInMemory: &maxBytes,
		},
		Limits: FsLimits{
			MaxOpenHandles: 10000,
			MaxBranches:    1000,
			MaxSnapshots:   10000,
		},
		Cache: CachePolicy{
			AttrTTLMs:         1000,
			EntryTTLMs:        1000,
			NegativeTTLMs:     1000,
			EnableReaddirPlus: true,
			AutoCache:         true,
			WritebackCache:    false,
		},
		Snapshots: SnapshotPolicy{
			DeletePolicy: DeleteRefuse,
		},
		EnableXattrs: true,
		EnableADS:    false,
		TrackEvents:  false,
	}
}
