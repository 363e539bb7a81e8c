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

package ratelimit

import "fmt"

// Error reports a misuse of the Limiter API (not a throttle — throttling
// never errors, it only delays, per spec.md §4.1).
type Error struct {
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ratelimit: %s: %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("ratelimit: %s: %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }
