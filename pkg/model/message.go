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

// Package model defines the universal message format exchanged between the
// iteration driver and a ProviderAdapter. It is intentionally provider
// agnostic: no package in this module imports a specific vendor SDK.
package model

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the kind of content carried by a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartAudio      PartType = "audio"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a Message's content. Exactly the fields
// relevant to Type are populated; the rest are zero.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text holds the text for PartText, and the human-readable summary for
	// PartToolResult.
	Text string `json:"text,omitempty"`

	// MediaData and MIMEType carry inline base64-free binary payloads for
	// PartImage/PartAudio (the caller owns encoding/decoding).
	MediaData []byte `json:"media_data,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`

	// ToolName, ToolUseID and ToolInput describe a PartToolUse part.
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// CorrelatesWith links a PartToolResult back to the PartToolUse id it
	// answers.
	CorrelatesWith string `json:"correlates_with,omitempty"`
}

// Text returns a single text part.
func Text(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

// Message is one immutable turn in a conversation. Once appended to a
// conversation's history it must not be mutated (see conversation.Manager).
type Message struct {
	Role Role `json:"role"`

	// Content holds the message body. A plain-text message has exactly one
	// PartText entry; multi-part messages (tool results, images) use the
	// same slice with one entry per part.
	Content []ContentPart `json:"content"`

	// Metadata carries caller-defined, non-semantic annotations (e.g. which
	// iteration produced this message). The driver never inspects it.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{Text(text)}}
}

// TextContent concatenates every PartText (and the text summary of any
// PartToolResult) part in order. It is the convenience accessor used
// throughout the driver and compaction manager, where only the textual
// content is needed for parsing or token counting.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Content {
		switch p.Type {
		case PartText, PartToolResult:
			out += p.Text
		}
	}
	return out
}

// GenerateConfig carries per-request sampling/shape options forwarded to the
// ProviderAdapter. It is deliberately sparse: anything provider-specific
// belongs in the adapter, not here.
type GenerateConfig struct {
	Temperature      *float64       `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	StopSequences    []string       `json:"stop_sequences,omitempty" yaml:"stop_sequences,omitempty"`
	ResponseSchema   map[string]any `json:"response_schema,omitempty" yaml:"-"`
	ResponseMIMEType string         `json:"response_mime_type,omitempty" yaml:"-"`
}

// Clone returns a deep-enough copy to prevent shared mutable state between
// requests (mirrors the teacher's ConfigRequestProcessor deep-copy discipline).
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		t := *c.Temperature
		clone.Temperature = &t
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	return &clone
}

// Usage reports token accounting for a single LLM call, as returned by a
// ProviderAdapter alongside the final chunk of a stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is what the iteration driver hands to a ProviderAdapter.
type Request struct {
	Model              string
	SystemInstructions string
	Messages           []Message
	Config             *GenerateConfig
}

// FinishReason enumerates why a stream ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolCalls      FinishReason = "tool_calls"
	FinishContentFilter  FinishReason = "content_filter"
	FinishError          FinishReason = "error"
)
