// Copyright 2025 The llmist Authors
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

package stream

import "strings"

const argPrefix = "!!!ARG:"

// parseBody splits a gadget body into ARG path/value pairs and applies
// them onto a fresh parameters map. It never returns an error itself
// (malformed paths surface as a ParseError on the caller's event instead)
// except for genuinely unrecoverable structural failures.
func parseBody(body string) (map[string]any, string) {
	body = stripFence(body)
	lines := strings.Split(body, "\n")

	params := map[string]any{}
	var parseErr string

	var curPath string
	var curValue []string
	have := false

	flush := func() {
		if !have {
			return
		}
		raw := strings.Trim(strings.Join(curValue, "\n"), "\n")
		if err := setPath(params, curPath, inferValue(strings.TrimSpace(raw))); err != nil && parseErr == "" {
			parseErr = err.Error()
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), argPrefix) {
			flush()
			curPath = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), argPrefix))
			if curPath == "" && parseErr == "" {
				parseErr = "incomplete path expression in ARG header"
			}
			curValue = nil
			have = true
			continue
		}
		if have {
			curValue = append(curValue, line)
		}
	}
	flush()

	return params, parseErr
}
