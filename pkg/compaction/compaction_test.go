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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbigniewsobiecki/llmist/pkg/conversation"
	"github.com/zbigniewsobiecki/llmist/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// constCounter counts each message as a fixed number of tokens, giving
// deterministic, easy-to-reason-about totals in tests.
type constCounter struct{ perMessage int }

func (c constCounter) CountMessages(messages []model.Message) int {
	return len(messages) * c.perMessage
}

type fakeSummarizer struct {
	calls [][]model.Message
	err   error
	text  string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []model.Message) (string, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	if f.text != "" {
		return f.text, nil
	}
	return "summary", nil
}

// turns builds n synthetic turns, each an assistant message followed by a
// user message, so groupTurns splits them back into n turns of 2 messages.
func turns(n int) []model.Message {
	var out []model.Message
	for i := 0; i < n; i++ {
		out = append(out, model.NewTextMessage(model.RoleAssistant, "a"))
		out = append(out, model.NewTextMessage(model.RoleUser, "u"))
	}
	return out
}

func TestCheckAndCompactNoopBelowThreshold(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(3))
	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategySlidingWindow,
		ContextWindow:           1000,
		TriggerThresholdPercent: 80,
		TargetPercent:           50,
		PreserveRecentTurns:     2,
	})

	ran, _, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestCheckAndCompactSlidingWindowKeepsRecentTurns(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(10))

	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategySlidingWindow,
		ContextWindow:           20,
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
	})

	ran, result, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, StrategySlidingWindow, result.Strategy)

	newHistory := conv.HistoryMessages()
	assert.Len(t, newHistory, 4) // 2 turns * 2 messages
	assert.Equal(t, "assistant", string(newHistory[0].Role))
}

func TestCheckAndCompactSummarizationReplacesDroppedTurnsWithSummary(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(10))

	summarizer := &fakeSummarizer{text: "condensed"}
	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategySummarization,
		ContextWindow:           20,
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
		Summarizer:              summarizer,
	})

	ran, _, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	newHistory := conv.HistoryMessages()
	require.Len(t, summarizer.calls, 1)
	assert.Len(t, summarizer.calls[0], 16) // 8 dropped turns * 2 messages

	require.NotEmpty(t, newHistory)
	assert.Equal(t, model.RoleSystem, newHistory[0].Role)
	assert.Equal(t, "condensed", newHistory[0].TextContent())
	assert.Len(t, newHistory, 1+4) // summary + 2 retained turns
}

func TestCheckAndCompactSummarizationWithoutSummarizerFallsBackToSlidingWindow(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(10))

	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategySummarization,
		ContextWindow:           20,
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
	})

	ran, _, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Len(t, conv.HistoryMessages(), 4)
}

func TestCheckAndCompactHybridFallsBackWhenTooFewTurns(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(3))

	summarizer := &fakeSummarizer{}
	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategyHybrid,
		ContextWindow:           20,
		TriggerThresholdPercent: 10,
		TargetPercent:           5,
		PreserveRecentTurns:     3,
		Summarizer:              summarizer,
	})

	ran, _, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	assert.Empty(t, summarizer.calls)
	assert.Len(t, conv.HistoryMessages(), 6) // all 3 turns retained verbatim
}

func TestCheckAndCompactHybridSummarizesWhenEnoughTurns(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(10))

	summarizer := &fakeSummarizer{text: "condensed"}
	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategyHybrid,
		ContextWindow:           20,
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
		Summarizer:              summarizer,
	})

	ran, _, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, summarizer.calls, 1)
}

func TestCheckAndCompactPropagatesSummarizerError(t *testing.T) {
	conv := conversation.New(nil)
	conv.ReplaceHistory(turns(10))

	summarizer := &fakeSummarizer{err: errors.New("boom")}
	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategySummarization,
		ContextWindow:           20,
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
		Summarizer:              summarizer,
	})

	ran, _, err := mgr.CheckAndCompact(context.Background())
	require.Error(t, err)
	assert.False(t, ran)
	// history must be untouched on failure
	assert.Len(t, conv.HistoryMessages(), 20)
}

func TestCheckAndCompactNeverTouchesBase(t *testing.T) {
	base := []model.Message{model.NewTextMessage(model.RoleSystem, "system prompt")}
	conv := conversation.New(base)
	conv.ReplaceHistory(turns(10))

	mgr := New(conv, constCounter{perMessage: 1}, hooks.New(nil), Config{
		Strategy:                StrategySlidingWindow,
		ContextWindow:           20,
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
	})

	_, _, err := mgr.CheckAndCompact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base, conv.BaseMessages())
}

func TestGroupTurnsLeadingMessagesFormTheirOwnTurn(t *testing.T) {
	history := []model.Message{
		model.NewTextMessage(model.RoleUser, "leading"),
		model.NewTextMessage(model.RoleAssistant, "a1"),
		model.NewTextMessage(model.RoleUser, "u1"),
		model.NewTextMessage(model.RoleAssistant, "a2"),
	}
	got := groupTurns(history)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 1)
	assert.Len(t, got[1], 2)
	assert.Len(t, got[2], 1)
}
