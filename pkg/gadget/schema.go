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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// ReflectSchema generates a JSON-Schema-shaped map for T's exported fields,
// using the same struct tag conventions (json, jsonschema) a Go author
// would reach for to declare a gadget's typed parameters without
// hand-writing the schema map.
func ReflectSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("gadget: marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("gadget: unmarshal schema: %w", err)
	}
	return out, nil
}

// DecodeParams decodes the untyped parameter map produced by the stream
// parser into a typed T, via weakly-typed mapstructure conversion (so a
// number parsed by the stream parser as int64 still decodes into a struct
// field declared float64, etc).
func DecodeParams[T any](params map[string]any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return out, fmt.Errorf("gadget: build decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return out, fmt.Errorf("gadget: decode params: %w", err)
	}
	return out, nil
}

// ValidateParams checks params against schema's top-level "required" list
// and each declared property's "type", the minimum structural check needed
// to catch a model that omitted a field or sent the wrong shape before the
// call ever reaches the gadget's own typed decode. It does not implement
// the rest of JSON Schema (patterns, enums, nested validation) — none of
// this module's dependencies provide an instance validator, only
// invopop/jsonschema's Go-struct-to-schema reflection, so the executor
// decode step (mapstructure.WeaklyTypedInput, via DecodeParams) is the
// actual source of truth; this is a fast, cheap pre-check.
func ValidateParams(schema map[string]any, params map[string]any) error {
	if schema == nil {
		return nil
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := params[name]; !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, raw := range params {
		propSchema, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		wantType, ok := propSchema["type"].(string)
		if !ok {
			continue
		}
		if err := checkType(name, wantType, raw); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, wantType string, value any) error {
	switch wantType {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", name)
		}
	case "integer":
		switch value.(type) {
		case int64, int, float64:
		default:
			return fmt.Errorf("parameter %q must be an integer", name)
		}
	case "number":
		switch value.(type) {
		case int64, int, float64:
		default:
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("parameter %q must be an array", name)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be an object", name)
		}
	}
	return nil
}

// UsageMessage renders the "Gadget Usage" guidance spec.md §4.6 step 3
// requires on a parameter-validation failure: the gadget's description,
// its schema, and any examples, so the model can self-correct its next
// invocation.
func UsageMessage(desc Descriptor, validationErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Invalid parameters for gadget %q: %v\n\n", desc.Name, validationErr)
	fmt.Fprintf(&b, "%s\n", desc.Description)
	if desc.ParameterSchema != nil {
		if raw, err := json.MarshalIndent(desc.ParameterSchema, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nParameter schema:\n%s\n", string(raw))
		}
	}
	for _, ex := range desc.Examples {
		fmt.Fprintf(&b, "\nExample:\n%s\n", ex)
	}
	return b.String()
}
