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
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// hookFunc normalizes the string enums accepted in config blobs. Adapters
// written against the Rust core send variant names ("InsensitivePreserving");
// the kebab-case spellings are accepted too.
func hookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(CaseSensitivity("")):
			switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
			case "sensitive":
				return CaseSensitive, nil
			case "insensitivepreserving":
				return CaseInsensitivePreserving, nil
			}
			return nil, fmt.Errorf("invalid case_sensitivity: %q", s)
		case reflect.TypeOf(DeletePolicy("")):
			switch strings.ToLower(s) {
			case "refuse":
				return DeleteRefuse, nil
			case "cascade":
				return DeleteCascade, nil
			}
			return nil, fmt.Errorf("invalid delete_policy: %q", s)
		default:
			return data, nil
		}
	}
}

// FromJSON parses the configuration blob handed to fs_create. A nil or
// empty blob yields the defaults. Fields absent from the blob keep their
// default values.
func FromJSON(blob []byte) (*FsConfig, error) {
	config := NewDefaultConfig()
	if len(blob) == 0 {
		return config, nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("config is not valid JSON: %w", err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  hookFunc(),
		ErrorUnused: true,
		Result:      config,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}
