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

package hooks

import (
	"context"

	"github.com/zbigniewsobiecki/llmist/pkg/model"
)

// BeforeLLMCallAction is the tagged-variant result of a BeforeLLMCall
// controller. Kind selects which fields are meaningful.
type BeforeLLMCallActionKind string

const (
	BeforeLLMCallProceed BeforeLLMCallActionKind = "proceed"
	BeforeLLMCallSkip    BeforeLLMCallActionKind = "skip"
)

type BeforeLLMCallAction struct {
	Kind              BeforeLLMCallActionKind
	ModifiedOptions   *model.GenerateConfig // set when Kind == proceed and options were modified
	SyntheticResponse string                // set when Kind == skip
}

// AfterLLMCallActionKind tags the result of an AfterLLMCall controller.
type AfterLLMCallActionKind string

const (
	AfterLLMCallContinue           AfterLLMCallActionKind = "continue"
	AfterLLMCallAppendMessages     AfterLLMCallActionKind = "append_messages"
	AfterLLMCallModifyAndContinue  AfterLLMCallActionKind = "modify_and_continue"
	AfterLLMCallAppendAndModify    AfterLLMCallActionKind = "append_and_modify"
)

type AfterLLMCallAction struct {
	Kind     AfterLLMCallActionKind
	Messages []model.Message
	Text     string
}

// AfterLLMErrorActionKind tags the result of an AfterLLMError controller.
type AfterLLMErrorActionKind string

const (
	AfterLLMErrorRethrow AfterLLMErrorActionKind = "rethrow"
	AfterLLMErrorRecover AfterLLMErrorActionKind = "recover"
)

type AfterLLMErrorAction struct {
	Kind             AfterLLMErrorActionKind
	FallbackResponse string
}

// BeforeGadgetExecutionActionKind tags the result of a BeforeGadgetExecution controller.
type BeforeGadgetExecutionActionKind string

const (
	BeforeGadgetExecutionProceed BeforeGadgetExecutionActionKind = "proceed"
	BeforeGadgetExecutionSkip    BeforeGadgetExecutionActionKind = "skip"
)

type BeforeGadgetExecutionAction struct {
	Kind            BeforeGadgetExecutionActionKind
	SyntheticResult string
}

// AfterGadgetExecutionActionKind tags the result of an AfterGadgetExecution controller.
type AfterGadgetExecutionActionKind string

const (
	AfterGadgetExecutionContinue AfterGadgetExecutionActionKind = "continue"
	AfterGadgetExecutionRecover  AfterGadgetExecutionActionKind = "recover"
)

type AfterGadgetExecutionAction struct {
	Kind           AfterGadgetExecutionActionKind
	FallbackResult string
}

type (
	BeforeLLMCallController        func(ctx context.Context, req model.Request) BeforeLLMCallAction
	AfterLLMCallController         func(ctx context.Context, text string) AfterLLMCallAction
	AfterLLMErrorController        func(ctx context.Context, err error) AfterLLMErrorAction
	BeforeGadgetExecutionController func(ctx context.Context, name string, params map[string]any) BeforeGadgetExecutionAction
	AfterGadgetExecutionController  func(ctx context.Context, name string, result string, err error) AfterGadgetExecutionAction
)

type controllerSet struct {
	beforeLLMCall        []BeforeLLMCallController
	afterLLMCall         []AfterLLMCallController
	afterLLMError        []AfterLLMErrorController
	beforeGadgetExecution []BeforeGadgetExecutionController
	afterGadgetExecution []AfterGadgetExecutionController
}

func (b *Bus) OnBeforeLLMCall(c BeforeLLMCallController) {
	b.controllers.beforeLLMCall = append(b.controllers.beforeLLMCall, c)
}
func (b *Bus) OnAfterLLMCall(c AfterLLMCallController) {
	b.controllers.afterLLMCall = append(b.controllers.afterLLMCall, c)
}
func (b *Bus) OnAfterLLMError(c AfterLLMErrorController) {
	b.controllers.afterLLMError = append(b.controllers.afterLLMError, c)
}
func (b *Bus) OnBeforeGadgetExecution(c BeforeGadgetExecutionController) {
	b.controllers.beforeGadgetExecution = append(b.controllers.beforeGadgetExecution, c)
}
func (b *Bus) OnAfterGadgetExecution(c AfterGadgetExecutionController) {
	b.controllers.afterGadgetExecution = append(b.controllers.afterGadgetExecution, c)
}

// RunBeforeLLMCall runs every registered controller in order and returns
// the first skip action; if none skips, it returns "proceed" carrying the
// ModifiedOptions of the last proceeding controller that set any. An
// invalid Kind from a controller is treated as the default, per spec.md §4.9.
func (b *Bus) RunBeforeLLMCall(ctx context.Context, req model.Request) BeforeLLMCallAction {
	result := BeforeLLMCallAction{Kind: BeforeLLMCallProceed}
	for _, c := range b.controllers.beforeLLMCall {
		action := c(ctx, req)
		if action.Kind == BeforeLLMCallSkip {
			return action
		}
		if action.Kind == BeforeLLMCallProceed && action.ModifiedOptions != nil {
			result.ModifiedOptions = action.ModifiedOptions
		}
	}
	return result
}

func (b *Bus) RunAfterLLMCall(ctx context.Context, text string) AfterLLMCallAction {
	for _, c := range b.controllers.afterLLMCall {
		action := c(ctx, text)
		switch action.Kind {
		case AfterLLMCallAppendMessages, AfterLLMCallModifyAndContinue, AfterLLMCallAppendAndModify:
			return action
		}
	}
	return AfterLLMCallAction{Kind: AfterLLMCallContinue}
}

func (b *Bus) RunAfterLLMError(ctx context.Context, err error) AfterLLMErrorAction {
	for _, c := range b.controllers.afterLLMError {
		action := c(ctx, err)
		if action.Kind == AfterLLMErrorRecover {
			return action
		}
	}
	return AfterLLMErrorAction{Kind: AfterLLMErrorRethrow}
}

func (b *Bus) RunBeforeGadgetExecution(ctx context.Context, name string, params map[string]any) BeforeGadgetExecutionAction {
	for _, c := range b.controllers.beforeGadgetExecution {
		action := c(ctx, name, params)
		if action.Kind == BeforeGadgetExecutionSkip {
			return action
		}
	}
	return BeforeGadgetExecutionAction{Kind: BeforeGadgetExecutionProceed}
}

func (b *Bus) RunAfterGadgetExecution(ctx context.Context, name, result string, err error) AfterGadgetExecutionAction {
	for _, c := range b.controllers.afterGadgetExecution {
		action := c(ctx, name, result, err)
		if action.Kind == AfterGadgetExecutionRecover {
			return action
		}
	}
	return AfterGadgetExecutionAction{Kind: AfterGadgetExecutionContinue}
}
