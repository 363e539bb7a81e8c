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

// Package driver runs the fixed PREPARE/CALL/STREAM/POST/APPEND/DISPATCH/
// COMPACT/LOOP state machine that drives one agent conversation to
// completion, wiring every other component together (rate limiter, retry
// engine, provider adapter, stream parser, gadget executor, conversation
// manager, execution tree, hook bus, compaction manager) into a single
// sequential loop, bounded by maxIterations.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zbigniewsobiecki/llmist/pkg/compaction"
	"github.com/zbigniewsobiecki/llmist/pkg/conversation"
	"github.com/zbigniewsobiecki/llmist/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist/pkg/executor"
	"github.com/zbigniewsobiecki/llmist/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist/pkg/model"
	"github.com/zbigniewsobiecki/llmist/pkg/provider"
	"github.com/zbigniewsobiecki/llmist/pkg/ratelimit"
	"github.com/zbigniewsobiecki/llmist/pkg/retry"
	"github.com/zbigniewsobiecki/llmist/pkg/stream"
)

// Outcome is why Run returned.
type Outcome string

const (
	// OutcomeCompleted means a dispatch batch flagged break_loop, or an
	// iteration produced no gadget calls at all.
	OutcomeCompleted Outcome = "completed"
	// OutcomeIterationsExhausted means maxIterations was reached without
	// the model signaling completion.
	OutcomeIterationsExhausted Outcome = "iterations_exhausted"
	OutcomeCancelled           Outcome = "cancelled"
	OutcomeError               Outcome = "error"
)

// Result is Run's final report.
type Result struct {
	Outcome    Outcome
	Iterations int
	Err        error
}

// TokenCounter is the subset of tokenutil.Counter the driver needs for
// prompt-budget enforcement, reusing compaction's interface so a single
// Counter instance serves both.
type TokenCounter = compaction.TokenCounter

// Config configures one Driver run.
type Config struct {
	ModelDescriptor    provider.ModelDescriptor `yaml:"model_descriptor"`
	SystemInstructions string                   `yaml:"system_instructions,omitempty"`

	// ContextWindow and MaxOutputTokens bound the compiled prompt per
	// spec.md §4.11's token-budgeting rule.
	ContextWindow   int `yaml:"context_window,omitempty"`
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	MaxIterations int `yaml:"max_iterations,omitempty"`

	GenerateConfig *model.GenerateConfig `yaml:"generate_config,omitempty"`
}

// snapshotYAML renders v as YAML for human-readable config logging,
// falling back to the marshal error itself if v somehow can't encode.
func snapshotYAML(v any) string {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<snapshot error: %v>", err)
	}
	return string(b)
}

// Driver owns one agent run end to end.
type Driver struct {
	adapter   provider.Adapter
	limiter   *ratelimit.Limiter
	retryCfg  retry.Config
	registry  *gadget.Registry
	exec      *executor.Executor
	conv      *conversation.Manager
	tree      *exectree.Tree
	hooks     *hooks.Bus
	compactor *compaction.Manager
	counter   TokenCounter
	cfg       Config
	logger    *slog.Logger
}

// New wires a Driver from its components. logger may be nil (defaults to
// slog.Default()).
func New(
	adapter provider.Adapter,
	limiter *ratelimit.Limiter,
	retryCfg retry.Config,
	registry *gadget.Registry,
	exec *executor.Executor,
	conv *conversation.Manager,
	tree *exectree.Tree,
	bus *hooks.Bus,
	compactor *compaction.Manager,
	counter TokenCounter,
	cfg Config,
	logger *slog.Logger,
) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("driver: resolved configuration",
		"driver", snapshotYAML(cfg),
		"rate_limiter", snapshotYAML(limiter.Config()),
		"retry", snapshotYAML(retryCfg),
		"compaction", snapshotYAML(compactor.Config()),
	)
	return &Driver{
		adapter: adapter, limiter: limiter, retryCfg: retryCfg, registry: registry,
		exec: exec, conv: conv, tree: tree, hooks: bus, compactor: compactor,
		counter: counter, cfg: cfg, logger: logger,
	}
}

// Run drives the conversation until a terminal condition is reached:
// break_loop, an empty dispatch batch, maxIterations, cancellation, or an
// unrecoverable error.
func (d *Driver) Run(ctx context.Context) Result {
	rootID := d.tree.AddRoot(ctx)
	defer d.tree.CompleteRoot(rootID)

	for i := 0; i < d.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled, Iterations: i}
		}

		terminate, err := d.runIteration(ctx, rootID, i)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeCancelled, Iterations: i + 1}
			}
			return Result{Outcome: OutcomeError, Iterations: i + 1, Err: err}
		}
		if terminate {
			return Result{Outcome: OutcomeCompleted, Iterations: i + 1}
		}
	}
	return Result{Outcome: OutcomeIterationsExhausted, Iterations: d.cfg.MaxIterations}
}

// runIteration runs PREPARE through LOOP for iteration i and reports
// whether the loop should terminate after it.
func (d *Driver) runIteration(ctx context.Context, rootID string, i int) (bool, error) {
	// PREPARE
	req := model.Request{
		Model:              d.cfg.ModelDescriptor.ID,
		SystemInstructions: d.cfg.SystemInstructions,
		Messages:           d.conv.Messages(),
		Config:             d.cfg.GenerateConfig,
	}

	before := d.hooks.RunBeforeLLMCall(ctx, req)
	if before.Kind == hooks.BeforeLLMCallSkip {
		d.conv.AddAssistantMessage(before.SyntheticResponse)
		return true, nil
	}
	if before.ModifiedOptions != nil {
		req.Config = before.ModifiedOptions
	}

	// Token budgeting: the COMPACT phase at the end of the previous
	// iteration already keeps usage under the percentage trigger, but a
	// single oversized turn (e.g. a large gadget result) can still leave
	// the compiled prompt unable to fit MaxOutputTokens. Force compaction
	// here only in that specific case, so this never duplicates the
	// periodic COMPACT check below.
	if d.cfg.ContextWindow > 0 {
		promptTokens := d.counter.CountMessages(req.Messages)
		if promptTokens+d.cfg.MaxOutputTokens > d.cfg.ContextWindow {
			if _, err := d.compactor.ForceCompact(ctx); err != nil {
				return false, fmt.Errorf("driver: forced compaction before iteration %d: %w", i, err)
			}
			req.Messages = d.conv.Messages()
		}
	}

	llmNodeID := d.tree.AddLLMCall(ctx, rootID, i, req.Model)

	// CALL
	d.hooks.FireLLMCallStart(ctx, req)
	now := time.Now()
	delay := d.limiter.RequiredDelay(now)
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	release := d.limiter.ReserveRequest(time.Now())

	chunks, err := retry.Do(ctx, d.retryCfg, func(ctx context.Context) (<-chan provider.Chunk, error) {
		return d.adapter.Stream(ctx, req, d.cfg.ModelDescriptor)
	})
	if err != nil {
		release(0, 0)
		after := d.hooks.RunAfterLLMError(ctx, err)
		if after.Kind == hooks.AfterLLMErrorRecover {
			d.tree.CompleteLLMCall(llmNodeID, string(model.FinishError), nil)
			d.conv.AddAssistantMessage(after.FallbackResponse)
			return true, nil
		}
		d.hooks.FireLLMCallError(ctx, err)
		return false, err
	}

	// STREAM
	parser := stream.NewParser()
	var text string
	var batch []stream.GadgetCall
	var usage *model.Usage
	finishReason := model.FinishStop

	for chunk := range chunks {
		if chunk.Err != nil {
			release(0, 0)
			after := d.hooks.RunAfterLLMError(ctx, chunk.Err)
			if after.Kind == hooks.AfterLLMErrorRecover {
				d.tree.CompleteLLMCall(llmNodeID, string(model.FinishError), nil)
				d.conv.AddAssistantMessage(after.FallbackResponse)
				return true, nil
			}
			d.hooks.FireLLMCallError(ctx, chunk.Err)
			return false, chunk.Err
		}

		raw, ok := d.hooks.ApplyRawChunk(ctx, chunk.Text)
		if !ok {
			continue
		}
		d.hooks.FireStreamChunk(ctx, raw)

		for _, ev := range parser.Feed(raw) {
			switch ev.Type {
			case stream.EventText:
				textChunk, ok := d.hooks.ApplyTextChunk(ctx, ev.Text)
				if ok {
					text += textChunk
				}
			case stream.EventGadgetCall:
				batch = append(batch, *ev.Call)
			}
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
	}
	for _, ev := range parser.Finalize() {
		switch ev.Type {
		case stream.EventText:
			if textChunk, ok := d.hooks.ApplyTextChunk(ctx, ev.Text); ok {
				text += textChunk
			}
		case stream.EventGadgetCall:
			batch = append(batch, *ev.Call)
		}
	}

	var inputTokens, outputTokens int64
	if usage != nil {
		inputTokens, outputTokens = int64(usage.InputTokens), int64(usage.OutputTokens)
	}
	release(inputTokens, outputTokens)
	d.tree.CompleteLLMCall(llmNodeID, string(finishReason), usage)
	d.hooks.FireLLMCallComplete(ctx, text)

	// POST
	assistantMsg, ok := d.hooks.ApplyAssistantMessage(ctx, model.NewTextMessage(model.RoleAssistant, text))
	if !ok {
		assistantMsg = model.NewTextMessage(model.RoleAssistant, "")
	}

	var syntheticMessages []model.Message
	after := d.hooks.RunAfterLLMCall(ctx, assistantMsg.TextContent())
	switch after.Kind {
	case hooks.AfterLLMCallAppendMessages:
		syntheticMessages = after.Messages
	case hooks.AfterLLMCallModifyAndContinue:
		assistantMsg = model.NewTextMessage(model.RoleAssistant, after.Text)
	case hooks.AfterLLMCallAppendAndModify:
		assistantMsg = model.NewTextMessage(model.RoleAssistant, after.Text)
		syntheticMessages = after.Messages
	}

	// APPEND
	d.conv.AddAssistantMessage(assistantMsg.TextContent())
	for _, m := range syntheticMessages {
		d.conv.AddUserMessage(m.TextContent())
	}

	// DISPATCH
	outcomes := d.exec.Run(ctx, llmNodeID, batch)
	for _, o := range outcomes {
		d.conv.AddGadgetCallResult(o.InvocationID, o.Text)
	}

	// COMPACT
	if _, _, err := d.compactor.CheckAndCompact(ctx); err != nil {
		d.logger.Warn("driver: post-dispatch compaction failed", "error", err)
	}

	// LOOP
	breakLoop := len(batch) == 0
	for _, o := range outcomes {
		if o.BreakLoop {
			breakLoop = true
		}
	}
	return breakLoop, nil
}
