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

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

func TestMessagesIsBaseThenHistory(t *testing.T) {
	m := New([]model.Message{model.NewTextMessage(model.RoleSystem, "sys")})
	m.AddUserMessage("hi")
	m.AddAssistantMessage("hello")

	all := m.Messages()
	require.Len(t, all, 3)
	assert.Equal(t, model.RoleSystem, all[0].Role)
	assert.Equal(t, model.RoleUser, all[1].Role)
	assert.Equal(t, model.RoleAssistant, all[2].Role)
}

func TestBaseIsFrozenAfterConstruction(t *testing.T) {
	seed := []model.Message{model.NewTextMessage(model.RoleSystem, "sys")}
	m := New(seed)
	seed[0] = model.NewTextMessage(model.RoleSystem, "mutated")

	assert.Equal(t, "sys", m.BaseMessages()[0].TextContent())
}

func TestReplaceHistory(t *testing.T) {
	m := New(nil)
	m.AddUserMessage("first")
	m.ReplaceHistory([]model.Message{model.NewTextMessage(model.RoleUser, "summary")})

	history := m.HistoryMessages()
	require.Len(t, history, 1)
	assert.Equal(t, "summary", history[0].TextContent())
}

func TestAddGadgetCallResultCorrelatesID(t *testing.T) {
	m := New(nil)
	m.AddGadgetCallResult("call1", "result text")

	history := m.HistoryMessages()
	require.Len(t, history, 1)
	assert.Equal(t, "call1", history[0].Content[0].CorrelatesWith)
	assert.Equal(t, "result text", history[0].TextContent())
}
