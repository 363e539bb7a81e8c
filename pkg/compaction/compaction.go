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

// Package compaction keeps a conversation's token footprint under a
// configured fraction of its model's context window, rewriting the
// mutable history tail in place via conversation.Manager.ReplaceHistory
// once a threshold is crossed. The frozen base is never touched and the
// most recent turns always survive, however the strategy trims the rest.
package compaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/zbigniewsobiecki/llmist/pkg/conversation"
	"github.com/zbigniewsobiecki/llmist/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// Strategy selects how the drop-off region of history is handled.
type Strategy string

const (
	StrategySlidingWindow Strategy = "sliding_window"
	StrategySummarization Strategy = "summarization"
	StrategyHybrid        Strategy = "hybrid"
)

// DefaultSummarizationPrompt seeds the Summarizer call; callers building
// their own Summarizer are free to use a different prompt.
const DefaultSummarizationPrompt = "Summarize the following conversation turns concisely, preserving any facts, decisions, or open questions a continuation would need. Do not include commentary about the summarization itself."

// Summarizer condenses the messages being dropped into a single summary
// string, typically by delegating to a (possibly cheaper) model via a
// provider.Adapter.
type Summarizer interface {
	Summarize(ctx context.Context, messages []model.Message) (string, error)
}

// TokenCounter is the subset of tokenutil.Counter this package needs,
// kept as an interface so tests can supply a deterministic stand-in.
type TokenCounter interface {
	CountMessages(messages []model.Message) int
}

// Config configures one Manager.
type Config struct {
	Strategy Strategy `yaml:"strategy,omitempty"`

	// ContextWindow is the model's total token budget.
	ContextWindow int `yaml:"context_window,omitempty"`

	// TriggerThresholdPercent is the usage percentage (of ContextWindow)
	// that triggers compaction. Default 80.
	TriggerThresholdPercent float64 `yaml:"trigger_threshold_percent,omitempty"`

	// TargetPercent is resolved and kept in Config (default 50), but no
	// built-in strategy reads it: each keeps the trailing
	// PreserveRecentTurns turns whatever their size, so usage after a
	// compaction is not bounded by TargetPercent.
	TargetPercent float64 `yaml:"target_percent,omitempty"`

	// PreserveRecentTurns is how many trailing assistant+response turns
	// always survive compaction, regardless of strategy. Default 4.
	PreserveRecentTurns int `yaml:"preserve_recent_turns,omitempty"`

	// Summarizer is required for StrategySummarization/StrategyHybrid; its
	// absence makes both fall back to sliding-window behavior.
	Summarizer Summarizer `yaml:"-"`
}

// DefaultConfig returns spec defaults for a model with the given context
// window, using the sliding-window strategy (no Summarizer needed).
func DefaultConfig(contextWindow int) Config {
	return Config{
		Strategy:                StrategySlidingWindow,
		ContextWindow:           contextWindow,
		TriggerThresholdPercent: 80,
		TargetPercent:           50,
		PreserveRecentTurns:     4,
	}
}

// Resolve merges partial config against package defaults (spec.md Design
// Notes §9), the same narrow caller-over-default link as
// ratelimit.Resolve and retry.Resolve; ContextWindow and Strategy are left
// as given since there is no sensible package-level default for either.
func Resolve(cfg Config) Config {
	if cfg.TriggerThresholdPercent <= 0 {
		cfg.TriggerThresholdPercent = 80
	}
	if cfg.TargetPercent <= 0 {
		cfg.TargetPercent = 50
	}
	if cfg.PreserveRecentTurns <= 0 {
		cfg.PreserveRecentTurns = 4
	}
	return cfg
}

// Result reports one compaction run's effect, also passed to the
// onCompaction hook observer.
type Result struct {
	Strategy      Strategy
	TokensBefore  int
	TokensAfter   int
	TurnsDropped  int
	TurnsRetained int
}

// Manager owns the compaction decision and strategy dispatch for one
// agent run.
type Manager struct {
	conv    *conversation.Manager
	counter TokenCounter
	hooks   *hooks.Bus
	cfg     Config

	mu            sync.Mutex
	baseTokens    int
	baseTokensSet bool
}

// New returns a Manager. hooksBus may be nil (observers are then skipped).
func New(conv *conversation.Manager, counter TokenCounter, hooksBus *hooks.Bus, cfg Config) *Manager {
	return &Manager{conv: conv, counter: counter, hooks: hooksBus, cfg: Resolve(cfg)}
}

// Config returns the resolved Config this Manager was built from, for
// snapshot logging.
func (m *Manager) Config() Config { return m.cfg }

// baseTokensCached counts base once and caches it — base is frozen at
// construction (pkg/conversation's invariant), so the count never goes
// stale for the lifetime of the Manager.
func (m *Manager) baseTokensCached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.baseTokensSet {
		m.baseTokens = m.counter.CountMessages(m.conv.BaseMessages())
		m.baseTokensSet = true
	}
	return m.baseTokens
}

// CheckAndCompact measures current usage and, if it is at or above
// TriggerThresholdPercent of ContextWindow, rewrites history using the
// configured strategy. It reports whether
// compaction ran. Callers (the iteration driver) are responsible for
// calling this at most once per iteration, per spec.
func (m *Manager) CheckAndCompact(ctx context.Context) (bool, Result, error) {
	baseTokens := m.baseTokensCached()
	historyTokens := m.counter.CountMessages(m.conv.HistoryMessages())
	total := baseTokens + historyTokens

	thresholdTokens := int(float64(m.cfg.ContextWindow) * m.cfg.TriggerThresholdPercent / 100)
	if total < thresholdTokens {
		return false, Result{}, nil
	}

	result, err := m.compact(ctx, baseTokens, total)
	if err != nil {
		return false, Result{}, err
	}
	return true, result, nil
}

// ForceCompact runs compaction unconditionally, bypassing
// TriggerThresholdPercent. The iteration driver uses this when the
// compiled prompt plus the configured max output tokens would not fit
// under ContextWindow even though usage is still below the percentage
// trigger.
func (m *Manager) ForceCompact(ctx context.Context) (Result, error) {
	baseTokens := m.baseTokensCached()
	historyTokens := m.counter.CountMessages(m.conv.HistoryMessages())
	return m.compact(ctx, baseTokens, baseTokens+historyTokens)
}

func (m *Manager) compact(ctx context.Context, baseTokens, total int) (Result, error) {
	history := m.conv.HistoryMessages()
	turns := groupTurns(history)

	var newHistory []model.Message
	var err error
	switch m.cfg.Strategy {
	case StrategySummarization:
		newHistory, err = m.summarize(ctx, turns)
	case StrategyHybrid:
		newHistory, err = m.hybrid(ctx, turns)
	default:
		newHistory = m.slidingWindow(turns)
	}
	if err != nil {
		return Result{}, fmt.Errorf("compaction: %w", err)
	}

	m.conv.ReplaceHistory(newHistory)
	tokensAfter := baseTokens + m.counter.CountMessages(newHistory)

	result := Result{
		Strategy:      m.cfg.Strategy,
		TokensBefore:  total,
		TokensAfter:   tokensAfter,
		TurnsRetained: len(groupTurns(newHistory)),
	}
	result.TurnsDropped = len(turns) - result.TurnsRetained
	if result.TurnsDropped < 0 {
		result.TurnsDropped = 0
	}

	if m.hooks != nil {
		m.hooks.FireCompaction(ctx, result)
	}
	return result, nil
}

// groupTurns splits history into turns: a turn starts at an assistant
// message and runs up to (not including) the next one. Any messages
// preceding the first assistant message form a leading turn of their own,
// so nothing in history is ever dropped silently by the grouping itself.
func groupTurns(history []model.Message) [][]model.Message {
	var turns [][]model.Message
	var current []model.Message
	for _, msg := range history {
		if msg.Role == model.RoleAssistant && len(current) > 0 {
			turns = append(turns, current)
			current = nil
		}
		current = append(current, msg)
	}
	if len(current) > 0 {
		turns = append(turns, current)
	}
	return turns
}

func flatten(turns [][]model.Message) []model.Message {
	var out []model.Message
	for _, t := range turns {
		out = append(out, t...)
	}
	return out
}

// slidingWindow retains the last PreserveRecentTurns turns, dropping the
// rest outright.
func (m *Manager) slidingWindow(turns [][]model.Message) []model.Message {
	keep := m.cfg.PreserveRecentTurns
	if keep > len(turns) {
		keep = len(turns)
	}
	return flatten(turns[len(turns)-keep:])
}

// summarize asks the configured Summarizer to condense every turn but the
// last PreserveRecentTurns into one system-role summary message. With no
// Summarizer configured it behaves like slidingWindow, per spec.md
// §4.10's fallback wording ("possibly a cheaper model" implies optional).
func (m *Manager) summarize(ctx context.Context, turns [][]model.Message) ([]model.Message, error) {
	if m.cfg.Summarizer == nil {
		return m.slidingWindow(turns), nil
	}

	keep := m.cfg.PreserveRecentTurns
	if keep >= len(turns) {
		return flatten(turns), nil
	}

	dropped := flatten(turns[:len(turns)-keep])
	recent := flatten(turns[len(turns)-keep:])

	summary, err := m.cfg.Summarizer.Summarize(ctx, dropped)
	if err != nil {
		return nil, err
	}

	out := make([]model.Message, 0, len(recent)+1)
	out = append(out, model.NewTextMessage(model.RoleSystem, summary))
	out = append(out, recent...)
	return out, nil
}

// hybrid summarizes everything but the last PreserveRecentTurns; if there
// are too few turns to make that worthwhile it falls back to sliding
// window, per spec.md §4.10.
func (m *Manager) hybrid(ctx context.Context, turns [][]model.Message) ([]model.Message, error) {
	if len(turns) <= m.cfg.PreserveRecentTurns {
		return m.slidingWindow(turns), nil
	}
	return m.summarize(ctx, turns)
}
