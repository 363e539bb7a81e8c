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

// Package gadget defines the contract every callable operation implements
// and a registry for looking them up by name. Composition over inheritance:
// a Gadget needs only Describe and Execute; a per-gadget timeout is an
// opt-in capability interface the executor probes for with a type
// assertion, and cancellation cleanup is registered per call through the
// Context passed to Execute rather than through the Gadget value itself,
// since only the call knows what resources it opened.
package gadget

import (
	"context"
	"sync"
)

// Descriptor is the static, registry-owned metadata for a gadget. It is
// immutable for the lifetime of an agent run.
type Descriptor struct {
	Name            string
	Description     string
	ParameterSchema map[string]any
	TimeoutMs       int
	Dangerous       bool
	Examples        []string
}

// Result is what a gadget execution yields on success.
type Result struct {
	Text         string
	CostUSD      float64
	MediaOutputs []MediaOutput

	// BreakLoop signals the iteration driver to terminate after this
	// dispatch batch completes, regardless of maxIterations. A gadget that
	// represents task completion (e.g. "finish") sets this.
	BreakLoop bool
}

// MediaOutput is a non-text artifact a gadget produced.
type MediaOutput struct {
	MIMEType string
	Data     []byte
}

// Context is passed to Execute. It carries cancellation, cost reporting,
// and the correlating invocation id. It has no sub-agent host field; a
// gadget that spawns sub-agents does so through a subagent.Spawner (see
// pkg/subagent).
type Context struct {
	context.Context

	InvocationID string
	ReportCost   func(usd float64)

	// onCancel registers a cleanup callback invoked once this gadget's
	// scope is done: on its own timeout, on the root cancellation, or when
	// the executor releases the scope after Execute returns. Gadgets
	// holding external resources (a subprocess, an open connection) call
	// this during Execute. Callbacks run in registration order on a
	// separate goroutine; a panicking callback is not recovered.
	onCancel func(cleanup func())
}

// OnCancel registers cleanup to run when ctx's underlying Context is
// cancelled. A nil onCancel (e.g. a Context built outside the executor,
// as in a test) makes this a no-op.
func (c Context) OnCancel(cleanup func()) {
	if c.onCancel != nil {
		c.onCancel(cleanup)
	}
}

// NewContext builds a Context wired to invoke every registered cleanup
// when ctx is done.
func NewContext(ctx context.Context, invocationID string, reportCost func(usd float64)) Context {
	var mu sync.Mutex
	var cleanups []func()

	go func() {
		<-ctx.Done()
		mu.Lock()
		fns := cleanups
		mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}()

	return Context{
		Context:      ctx,
		InvocationID: invocationID,
		ReportCost:   reportCost,
		onCancel: func(cleanup func()) {
			mu.Lock()
			cleanups = append(cleanups, cleanup)
			mu.Unlock()
		},
	}
}

// Gadget is the base capability every callable operation implements.
type Gadget interface {
	// Describe returns the registry metadata for this gadget.
	Describe() Descriptor

	// Execute runs the gadget against parsed, schema-validated parameters.
	Execute(ctx Context, params map[string]any) (Result, error)
}

// Timeoutable is an optional capability: a gadget that wants a per-call
// timeout different from its Descriptor.TimeoutMs default can recompute it
// dynamically from the actual parameters (e.g. a longer timeout for a
// larger requested page size).
type Timeoutable interface {
	Timeout(params map[string]any) (ms int, ok bool)
}
