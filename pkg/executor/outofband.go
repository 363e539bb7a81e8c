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

package executor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// outOfBandStore holds gadget results too large to inline into history. It
// is a plain concurrent map (spec.md §5: "out-of-band output store is a
// concurrent map") since entries are never removed for the lifetime of a
// run — there is no eviction policy to implement.
type outOfBandStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func newOutOfBandStore() *outOfBandStore {
	return &outOfBandStore{entries: make(map[string]string)}
}

// put stores full and returns a generated id plus a truncated placeholder
// naming it.
func (s *outOfBandStore) put(gadgetName, full string) (id string, placeholder string) {
	id = uuid.NewString()

	s.mu.Lock()
	s.entries[id] = full
	s.mu.Unlock()

	return id, fmt.Sprintf("[%s result truncated; full output stored as %s (%d bytes)]", gadgetName, id, len(full))
}

// get retrieves a previously stored full result by id.
func (s *outOfBandStore) get(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[id]
	return v, ok
}
