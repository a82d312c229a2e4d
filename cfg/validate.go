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

package cfg

import (
	"fmt"
	"path/filepath"
)

func isValidCaseSensitivity(c CaseSensitivity) error {
	switch c {
	case CaseSensitive, CaseInsensitivePreserving:
		return nil
	}
	return fmt.Errorf("invalid case_sensitivity: %q", c)
}

func isValidDeletePolicy(p DeletePolicy) error {
	switch p {
	case DeleteRefuse, DeleteCascade:
		return nil
	}
	return fmt.Errorf("invalid snapshots.delete_policy: %q", p)
}

func isValidMemoryPolicy(m *MemoryPolicy) error {
	if m.SpillDirectory != "" && !filepath.IsAbs(m.SpillDirectory) {
		return fmt.Errorf("memory.spill_directory must be absolute: %q", m.SpillDirectory)
	}
	return nil
}

func isValidLimits(l *FsLimits) error {
	if l.MaxOpenHandles == 0 {
		return fmt.Errorf("limits.max_open_handles must be positive")
	}
	if l.MaxBranches == 0 {
		return fmt.Errorf("limits.max_branches must be positive")
	}
	if l.MaxSnapshots == 0 {
		return fmt.Errorf("limits.max_snapshots must be positive")
	}
	return nil
}

// Validate returns a non-nil error if the config is invalid.
func Validate(config *FsConfig) error {
	var err error

	if err = isValidCaseSensitivity(config.CaseSensitivity); err != nil {
		return err
	}

	if err = isValidDeletePolicy(config.Snapshots.DeletePolicy); err != nil {
		return err
	}

	if err = isValidMemoryPolicy(&config.Memory); err != nil {
		return err
	}

	if err = isValidLimits(&config.Limits); err != nil {
		return err
	}

	return nil
}
