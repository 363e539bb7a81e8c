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

// Package conversation holds one agent run's message history: a frozen
// base (system instructions, the seed user prompt) and an append-only
// history tail that grows for the lifetime of the run and may be rewritten
// wholesale by the compaction manager.
package conversation

import (
	"sync"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// Manager owns the message list a driver sends to the provider each
// iteration. base is set once at construction and never mutated again;
// history is mutated only by the driver goroutine — gadget callbacks or
// hooks that want to inject a message do so by returning a controller
// action the driver applies, never by reaching into the Manager directly.
//
// The mutex here exists for observability readers (e.g. a hook or an
// external inspector) that want a consistent snapshot concurrently with
// the driver's own single-writer mutation, not to support concurrent
// writers.
type Manager struct {
	mu      sync.RWMutex
	base    []model.Message
	history []model.Message
}

// New returns a Manager with base frozen to a copy of seed.
func New(seed []model.Message) *Manager {
	base := make([]model.Message, len(seed))
	copy(base, seed)
	return &Manager{base: base}
}

// Messages returns base ++ history.
func (m *Manager) Messages() []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Message, 0, len(m.base)+len(m.history))
	out = append(out, m.base...)
	out = append(out, m.history...)
	return out
}

// HistoryMessages returns the mutable tail only.
func (m *Manager) HistoryMessages() []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Message, len(m.history))
	copy(out, m.history)
	return out
}

// BaseMessages returns the frozen seed messages.
func (m *Manager) BaseMessages() []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Message, len(m.base))
	copy(out, m.base)
	return out
}

// ReplaceHistory overwrites the history tail wholesale. Only the
// compaction manager calls this.
func (m *Manager) ReplaceHistory(newHistory []model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = make([]model.Message, len(newHistory))
	copy(m.history, newHistory)
}

// AddUserMessage appends a user-role message to history.
func (m *Manager) AddUserMessage(text string) {
	m.append(model.NewTextMessage(model.RoleUser, text))
}

// AddAssistantMessage appends an assistant-role message to history.
func (m *Manager) AddAssistantMessage(text string) {
	m.append(model.NewTextMessage(model.RoleAssistant, text))
}

// AddGadgetCallResult appends a user-role message correlating a gadget
// result back to its invocationId (spec.md §6: the wire syntax for
// gadget results must unambiguously carry this correlation).
func (m *Manager) AddGadgetCallResult(invocationID, text string) {
	m.append(model.Message{
		Role:    model.RoleUser,
		Content: []model.ContentPart{{Type: model.PartToolResult, Text: text, CorrelatesWith: invocationID}},
	})
}

func (m *Manager) append(msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msg)
}
