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

// Package hooks implements the driver's extension surface: fire-and-forget
// Observers, synchronous ordered Interceptors, and async tagged-variant
// Controllers. Each category has a distinct contract — observers never
// affect the loop, interceptors transform or suppress a single value, and
// controllers choose one of a fixed set of named actions — so the three
// are kept as separate registries rather than one generic callback list.
package hooks

import (
	"context"
	"log/slog"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// Bus holds every registered hook for one agent run.
type Bus struct {
	logger *slog.Logger

	observers    observerSet
	interceptors interceptorSet
	controllers  controllerSet
}

// New returns an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

func (b *Bus) logObserverErr(name string, err error) {
	if err != nil {
		b.logger.Warn("hook observer error", "hook", name, "error", err)
	}
}

// --- Observers -------------------------------------------------------------

// Observer is a fire-and-forget callback; an error it returns is logged,
// never propagated.
type Observer func(ctx context.Context, payload any) error

type observerSet struct {
	onLLMCallStart            []Observer
	onLLMCallComplete         []Observer
	onLLMCallError            []Observer
	onGadgetExecutionStart    []Observer
	onGadgetExecutionComplete []Observer
	onGadgetSkipped           []Observer
	onStreamChunk             []Observer
	onCompaction              []Observer
}

// OnLLMCallStart registers an observer fired before an LLM call is issued.
func (b *Bus) OnLLMCallStart(o Observer) { b.observers.onLLMCallStart = append(b.observers.onLLMCallStart, o) }

// OnLLMCallComplete registers an observer fired after an LLM call returns successfully.
func (b *Bus) OnLLMCallComplete(o Observer) {
	b.observers.onLLMCallComplete = append(b.observers.onLLMCallComplete, o)
}

// OnLLMCallError registers an observer fired when an LLM call fails.
func (b *Bus) OnLLMCallError(o Observer) { b.observers.onLLMCallError = append(b.observers.onLLMCallError, o) }

// OnGadgetExecutionStart registers an observer fired when a gadget begins running.
func (b *Bus) OnGadgetExecutionStart(o Observer) {
	b.observers.onGadgetExecutionStart = append(b.observers.onGadgetExecutionStart, o)
}

// OnGadgetExecutionComplete registers an observer fired when a gadget finishes.
func (b *Bus) OnGadgetExecutionComplete(o Observer) {
	b.observers.onGadgetExecutionComplete = append(b.observers.onGadgetExecutionComplete, o)
}

// OnGadgetSkipped registers an observer fired when a gadget is skipped.
func (b *Bus) OnGadgetSkipped(o Observer) { b.observers.onGadgetSkipped = append(b.observers.onGadgetSkipped, o) }

// OnStreamChunk registers an observer fired for every raw stream chunk.
func (b *Bus) OnStreamChunk(o Observer) { b.observers.onStreamChunk = append(b.observers.onStreamChunk, o) }

// OnCompaction registers an observer fired after history is compacted.
func (b *Bus) OnCompaction(o Observer) { b.observers.onCompaction = append(b.observers.onCompaction, o) }

func (b *Bus) fireAll(ctx context.Context, name string, list []Observer, payload any) {
	for _, o := range list {
		b.logObserverErr(name, o(ctx, payload))
	}
}

func (b *Bus) FireLLMCallStart(ctx context.Context, payload any) {
	b.fireAll(ctx, "onLLMCallStart", b.observers.onLLMCallStart, payload)
}
func (b *Bus) FireLLMCallComplete(ctx context.Context, payload any) {
	b.fireAll(ctx, "onLLMCallComplete", b.observers.onLLMCallComplete, payload)
}
func (b *Bus) FireLLMCallError(ctx context.Context, payload any) {
	b.fireAll(ctx, "onLLMCallError", b.observers.onLLMCallError, payload)
}
func (b *Bus) FireGadgetExecutionStart(ctx context.Context, payload any) {
	b.fireAll(ctx, "onGadgetExecutionStart", b.observers.onGadgetExecutionStart, payload)
}
func (b *Bus) FireGadgetExecutionComplete(ctx context.Context, payload any) {
	b.fireAll(ctx, "onGadgetExecutionComplete", b.observers.onGadgetExecutionComplete, payload)
}
func (b *Bus) FireGadgetSkipped(ctx context.Context, payload any) {
	b.fireAll(ctx, "onGadgetSkipped", b.observers.onGadgetSkipped, payload)
}
func (b *Bus) FireStreamChunk(ctx context.Context, payload any) {
	b.fireAll(ctx, "onStreamChunk", b.observers.onStreamChunk, payload)
}
func (b *Bus) FireCompaction(ctx context.Context, payload any) {
	b.fireAll(ctx, "onCompaction", b.observers.onCompaction, payload)
}

// --- Interceptors ------------------------------------------------------------

// Interceptor transforms a value of type T, or returns ok=false to
// suppress it. Interceptors of the same kind run in registration order,
// each seeing the previous one's output; any one suppressing short-circuits
// the chain.
type Interceptor[T any] func(ctx context.Context, value T) (T, bool)

type interceptorSet struct {
	rawChunk           []Interceptor[string]
	textChunk          []Interceptor[string]
	assistantMessage   []Interceptor[model.Message]
	gadgetParameters   []Interceptor[map[string]any]
	gadgetResult       []Interceptor[string]
}

func (b *Bus) InterceptRawChunk(i Interceptor[string]) {
	b.interceptors.rawChunk = append(b.interceptors.rawChunk, i)
}
func (b *Bus) InterceptTextChunk(i Interceptor[string]) {
	b.interceptors.textChunk = append(b.interceptors.textChunk, i)
}
func (b *Bus) InterceptAssistantMessage(i Interceptor[model.Message]) {
	b.interceptors.assistantMessage = append(b.interceptors.assistantMessage, i)
}
func (b *Bus) InterceptGadgetParameters(i Interceptor[map[string]any]) {
	b.interceptors.gadgetParameters = append(b.interceptors.gadgetParameters, i)
}
func (b *Bus) InterceptGadgetResult(i Interceptor[string]) {
	b.interceptors.gadgetResult = append(b.interceptors.gadgetResult, i)
}

func runChain[T any](ctx context.Context, chain []Interceptor[T], value T) (T, bool) {
	cur := value
	for _, i := range chain {
		next, ok := i(ctx, cur)
		if !ok {
			var zero T
			return zero, false
		}
		cur = next
	}
	return cur, true
}

func (b *Bus) ApplyRawChunk(ctx context.Context, chunk string) (string, bool) {
	return runChain(ctx, b.interceptors.rawChunk, chunk)
}
func (b *Bus) ApplyTextChunk(ctx context.Context, chunk string) (string, bool) {
	return runChain(ctx, b.interceptors.textChunk, chunk)
}
func (b *Bus) ApplyAssistantMessage(ctx context.Context, msg model.Message) (model.Message, bool) {
	return runChain(ctx, b.interceptors.assistantMessage, msg)
}
func (b *Bus) ApplyGadgetParameters(ctx context.Context, params map[string]any) (map[string]any, bool) {
	return runChain(ctx, b.interceptors.gadgetParameters, params)
}
func (b *Bus) ApplyGadgetResult(ctx context.Context, text string) (string, bool) {
	return runChain(ctx, b.interceptors.gadgetResult, text)
}
