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

// Package tokenutil provides accurate, cached token counting shared by the
// compaction manager and by ProviderAdapter implementations that want a
// countTokens fallback instead of implementing their own.
package tokenutil

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter returns a Counter for model, falling back to the cl100k_base
// encoding when the model is unknown to tiktoken (e.g. a non-OpenAI model
// identifier). The resulting token counts are therefore an approximation
// for non-OpenAI models, which is the same caveat the teacher's
// TokenCounter carries.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tokenutil: failed to load encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = enc
	cacheMu.Unlock()

	return &Counter{encoding: enc, model: model}, nil
}

// Count returns the token count of a single string.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// perMessageOverhead approximates OpenAI's per-message framing tokens
// (role + separators); see the cookbook formula this mirrors.
const perMessageOverhead = 4

// CountMessages counts tokens across a message list, including a small
// per-message overhead for role framing so the result tracks what a real
// provider bills for, not just the raw text length.
func (c *Counter) CountMessages(messages []model.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(string(m.Role))
		total += c.Count(m.TextContent())
	}
	return total
}

// EstimateChars is the ProviderAdapter.countTokens fallback named in
// spec.md §4.3: ceil(totalChars / 4).
func EstimateChars(messages []model.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.TextContent())
	}
	return (chars + 3) / 4
}
