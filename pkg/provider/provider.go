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

// Package provider defines the ProviderAdapter contract (spec.md §4.3,
// §6). This module never implements a concrete vendor wire format: the
// per-provider HTTP payloads are out of scope (spec.md §1), so the only
// adapter shipped here is an in-memory fake used by driver tests.
package provider

import (
	"context"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// Chunk is one unit of a streamed response.
type Chunk struct {
	Text          string
	Usage         *model.Usage
	FinishReason  model.FinishReason
	ReasoningTrace string
	Err           error
}

// ModelDescriptor identifies a model a caller wants to use; adapters decide
// whether they can serve it.
type ModelDescriptor struct {
	ID string
}

// Adapter turns a message list and options into an async chunk stream with
// token-usage metadata. Implementations are expected to close the returned
// channel when the stream ends (including on error — the final chunk on the
// error path carries a non-nil Err) and to stop producing as soon as ctx is
// done.
type Adapter interface {
	// Supports reports whether this adapter can serve descriptor.
	Supports(descriptor ModelDescriptor) bool

	// Stream starts a streaming completion. The returned channel is closed
	// by the adapter once the stream ends or ctx is cancelled.
	Stream(ctx context.Context, req model.Request, descriptor ModelDescriptor) (<-chan Chunk, error)

	// CountTokens estimates the token cost of messages for descriptor. May
	// fall back to tokenutil.EstimateChars.
	CountTokens(descriptor ModelDescriptor, messages []model.Message) int
}
