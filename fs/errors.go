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
	"errors"
	"fmt"

	"github.com/blocksense-network/agentfs/chunkstore"
)

// The error kinds surfaced by every operation. Callers match with
// errors.Is; adapters translate to wire codes with Errno.
var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrAccessDenied     = errors.New("access denied")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrBusy             = errors.New("busy")
	ErrTooManyOpenFiles = errors.New("too many open files")
	ErrNoSpace          = errors.New("no space left")
	ErrIO               = errors.New("io error")
	ErrUnsupported      = errors.New("unsupported")
)

// Result codes of the stable ABI, POSIX-valued where an errno exists.
const (
	CodeOK               int32 = 0
	CodeNotFound         int32 = 2
	CodeIO               int32 = 5
	CodeAccessDenied     int32 = 13
	CodeBusy             int32 = 16
	CodeExists           int32 = 17
	CodeNotADirectory    int32 = 20
	CodeIsADirectory     int32 = 21
	CodeInvalidArgument  int32 = 22
	CodeTooManyOpenFiles int32 = 24
	CodeNoSpace          int32 = 28
	CodeUnsupported      int32 = 95
)

// mapChunkErr lifts content-store failures into the operation error
// kinds.
func mapChunkErr(err error) error {
	switch {
	case errors.Is(err, chunkstore.ErrNoSpace):
		return fmt.Errorf("%w: content store cap reached", ErrNoSpace)
	case errors.Is(err, chunkstore.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

// Errno maps an operation error to its ABI result code. Unrecognized
// errors map to CodeIO.
func Errno(err error) int32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrExists):
		return CodeExists
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotADirectory):
		return CodeNotADirectory
	case errors.Is(err, ErrIsADirectory):
		return CodeIsADirectory
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrTooManyOpenFiles):
		return CodeTooManyOpenFiles
	case errors.Is(err, ErrNoSpace):
		return CodeNoSpace
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	default:
		return CodeIO
	}
}
