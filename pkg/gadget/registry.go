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

package gadget

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry is a keyed gadget lookup: one writer during the build phase,
// many concurrent readers during the run phase. It never needs write
// locking once Lookup has started being called by an executor, but the
// mutex is kept so a misbehaving caller that registers late fails safely
// instead of racing.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Gadget
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Gadget)}
}

// Register adds g under its own declared name. It fails if the name is
// empty, already taken, or the descriptor's schema is not a plain,
// serializable JSON-Schema-like map (no open-ended `any` leaves).
func (r *Registry) Register(g Gadget) error {
	desc := g.Describe()
	if desc.Name == "" {
		return &Error{Action: "register", Message: "gadget name cannot be empty"}
	}
	if err := validateSchema(desc.ParameterSchema); err != nil {
		return &Error{Action: "register", Message: "invalid parameter schema for " + desc.Name, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[desc.Name]; exists {
		return &Error{Action: "register", Message: fmt.Sprintf("gadget %q already registered", desc.Name)}
	}
	r.items[desc.Name] = g
	return nil
}

// Lookup returns the gadget registered under name. On miss it returns an
// error listing every registered name, so the caller (typically the
// executor, building a gadget_call_result) can surface a helpful message to
// the model.
func (r *Registry) Lookup(name string) (Gadget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.items[name]
	if !ok {
		return nil, &Error{Action: "lookup", Message: fmt.Sprintf("unknown gadget %q; registered: %s", name, strings.Join(r.names(), ", "))}
	}
	return g, nil
}

// Descriptors returns every registered descriptor, sorted by name, for
// rendering into a system prompt.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.items))
	for _, g := range r.items {
		out = append(out, g.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// names must be called with r.mu held.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.items))
	for n := range r.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// validateSchema rejects schemas that aren't plain JSON-Schema-shaped maps
// (spec.md §4.5: "does not use open-ended any types").
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	return walkSchema(schema, 0)
}

func walkSchema(node any, depth int) error {
	if depth > 32 {
		return fmt.Errorf("schema nesting too deep")
	}
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if key == "type" {
				if s, ok := val.(string); ok && s == "any" {
					return fmt.Errorf("open-ended 'any' type is not serializable")
				}
			}
			if err := walkSchema(val, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := walkSchema(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
