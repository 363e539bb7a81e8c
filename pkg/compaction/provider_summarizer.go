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

package compaction

import (
	"context"
	"fmt"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
	"github.com/zbigniewsobiecki/llmist/pkg/provider"
)

// ProviderSummarizer implements Summarizer by driving a provider.Adapter
// directly, bypassing the full iteration driver (no gadgets, no retry, no
// streaming to a caller) since all it needs is one blocking completion.
// Configuring it with a smaller/cheaper ModelDescriptor than the main
// conversation's is the intended use, per spec.md §4.10.
type ProviderSummarizer struct {
	Adapter    provider.Adapter
	Descriptor provider.ModelDescriptor
	Prompt     string
}

// NewProviderSummarizer returns a ProviderSummarizer using
// DefaultSummarizationPrompt.
func NewProviderSummarizer(adapter provider.Adapter, descriptor provider.ModelDescriptor) *ProviderSummarizer {
	return &ProviderSummarizer{Adapter: adapter, Descriptor: descriptor, Prompt: DefaultSummarizationPrompt}
}

// Summarize drains one completion from Adapter.Stream and returns the
// concatenated text.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []model.Message) (string, error) {
	req := model.Request{
		Model:              s.Descriptor.ID,
		SystemInstructions: s.Prompt,
		Messages:           messages,
	}

	chunks, err := s.Adapter.Stream(ctx, req, s.Descriptor)
	if err != nil {
		return "", fmt.Errorf("summarizer stream: %w", err)
	}

	var out string
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", fmt.Errorf("summarizer stream: %w", chunk.Err)
		}
		out += chunk.Text
	}
	return out, nil
}
