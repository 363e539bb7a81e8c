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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGadget struct {
	desc Descriptor
}

func (g fakeGadget) Describe() Descriptor { return g.desc }
func (g fakeGadget) Execute(ctx Context, params map[string]any) (Result, error) {
	return Result{Text: "ok"}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeGadget{desc: Descriptor{Name: "search"}}))

	g, err := r.Lookup("search")
	require.NoError(t, err)
	assert.Equal(t, "search", g.Describe().Name)
}

func TestLookupMissListsRegisteredNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeGadget{desc: Descriptor{Name: "alpha"}}))
	require.NoError(t, r.Register(fakeGadget{desc: Descriptor{Name: "beta"}}))

	_, err := r.Lookup("gamma")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")
	assert.Contains(t, err.Error(), "beta")
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeGadget{desc: Descriptor{Name: "search"}}))
	err := r.Register(fakeGadget{desc: Descriptor{Name: "search"}})
	assert.Error(t, err)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	err := r.Register(fakeGadget{desc: Descriptor{Name: ""}})
	assert.Error(t, err)
}

func TestRegisterRejectsOpenEndedAnySchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(fakeGadget{desc: Descriptor{
		Name: "bad",
		ParameterSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"payload": map[string]any{"type": "any"},
			},
		},
	}})
	assert.Error(t, err)
}

func TestDescriptorsSortedByName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeGadget{desc: Descriptor{Name: "zeta"}}))
	require.NoError(t, r.Register(fakeGadget{desc: Descriptor{Name: "alpha"}}))

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
	assert.Equal(t, "zeta", descs[1].Name)
}

type schemaArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max results"`
}

func TestReflectAndDecodeRoundTrip(t *testing.T) {
	schema, err := ReflectSchema[schemaArgs]()
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])

	args, err := DecodeParams[schemaArgs](map[string]any{"query": "go modules", "limit": int64(5)})
	require.NoError(t, err)
	assert.Equal(t, "go modules", args.Query)
	assert.Equal(t, 5, args.Limit)
}

func TestUsageMessageIncludesDescriptionAndSchema(t *testing.T) {
	msg := UsageMessage(Descriptor{
		Name:            "search",
		Description:     "Searches the web",
		ParameterSchema: map[string]any{"type": "object"},
		Examples:        []string{"!!!GADGET_START:search\n!!!ARG:query\nfoo\n!!!GADGET_END"},
	}, assert.AnError)

	assert.Contains(t, msg, "search")
	assert.Contains(t, msg, "Searches the web")
	assert.Contains(t, msg, "Example")
}
