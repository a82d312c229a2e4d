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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// AccessMode enumerates how a handle may touch content.
type AccessMode string

const (
	ModeRead      AccessMode = "read"
	ModeWrite     AccessMode = "write"
	ModeReadWrite AccessMode = "read_write"
	ModeAppend    AccessMode = "append"
)

// CreateDisposition controls what Open does about a missing or existing
// target.
type CreateDisposition string

const (
	// CreateNever fails with not-found when the target is missing.
	CreateNever CreateDisposition = "never"

	// CreateIfMissing creates the target when absent.
	CreateIfMissing CreateDisposition = "if_missing"

	// CreateAlways creates the target, truncating an existing one.
	CreateAlways CreateDisposition = "always"
)

// OFlags carries resolver-affecting open flags.
type OFlags struct {
	// Do not follow a symlink at the terminal position.
	Nofollow bool `json:"nofollow" mapstructure:"nofollow"`
}

// OpenOptions parameterizes Open. The zero value is not useful; start
// from DefaultOpenOptions.
type OpenOptions struct {
	Mode     AccessMode        `json:"mode" mapstructure:"mode"`
	Create   CreateDisposition `json:"create" mapstructure:"create"`
	Truncate bool              `json:"truncate" mapstructure:"truncate"`

	// Sharing this handle permits other handles on the same (node,
	// branch). Callers that do not care pass all three.
	Share []string `json:"share" mapstructure:"share"`

	OFlags OFlags `json:"oflags" mapstructure:"oflags"`

	// Alternate data stream to open instead of the main content; requires
	// enable_ads.
	Stream string `json:"stream" mapstructure:"stream"`
}

// DefaultOpenOptions is a read-only open with full sharing.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		Mode:   ModeRead,
		Create: CreateNever,
		Share:  []string{"read", "write", "delete"},
	}
}

// OpenOptionsFromJSON decodes the options_json blob of the ABI. Absent
// fields keep their defaults.
func OpenOptionsFromJSON(blob []byte) (opts OpenOptions, err error) {
	opts = DefaultOpenOptions()
	if len(blob) == 0 {
		return
	}

	var raw map[string]interface{}
	if err = json.Unmarshal(blob, &raw); err != nil {
		err = fmt.Errorf("%w: options are not valid JSON: %v", ErrInvalidArgument, err)
		return
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &opts,
	})
	if err != nil {
		return
	}
	if err = decoder.Decode(raw); err != nil {
		err = fmt.Errorf("%w: options decode: %v", ErrInvalidArgument, err)
		return
	}

	return
}

// accessSetForMode returns the rights a mode requests.
func accessSetForMode(mode AccessMode) (a accessSet, err error) {
	switch mode {
	case ModeRead:
		a.Read = true
	case ModeWrite, ModeAppend:
		a.Write = true
	case ModeReadWrite:
		a.Read = true
		a.Write = true
	default:
		err = fmt.Errorf("%w: mode %q", ErrInvalidArgument, mode)
	}
	return
}

// shareSetFromList parses the share list.
func shareSetFromList(share []string) (s accessSet, err error) {
	for _, f := range share {
		switch strings.ToLower(f) {
		case "read":
			s.Read = true
		case "write":
			s.Write = true
		case "delete":
			s.Delete = true
		default:
			err = fmt.Errorf("%w: share flag %q", ErrInvalidArgument, f)
			return
		}
	}
	return
}

func validCreateDisposition(c CreateDisposition) error {
	switch c {
	case CreateNever, CreateIfMissing, CreateAlways:
		return nil
	}
	return fmt.Errorf("%w: create disposition %q", ErrInvalidArgument, c)
}
