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

// Package subagent lets a gadget's Execute instantiate another agent run,
// nested under its own tree node and sharing the parent's rate limiter so
// concurrent sub-agents respect a single budget. Everything else about a
// sub-agent — its conversation, gadget registry, compaction policy — is
// independent of its parent's.
package subagent

import (
	"context"
	"log/slog"

	"github.com/zbigniewsobiecki/llmist/pkg/compaction"
	"github.com/zbigniewsobiecki/llmist/pkg/conversation"
	"github.com/zbigniewsobiecki/llmist/pkg/driver"
	"github.com/zbigniewsobiecki/llmist/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist/pkg/executor"
	"github.com/zbigniewsobiecki/llmist/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist/pkg/model"
	"github.com/zbigniewsobiecki/llmist/pkg/provider"
	"github.com/zbigniewsobiecki/llmist/pkg/ratelimit"
	"github.com/zbigniewsobiecki/llmist/pkg/retry"
)

// Config is what the spawning gadget decides about its child: the task it
// is handing off, the model and limits it runs under, and the gadgets it
// may call. Registry may be a restricted subset of the parent's.
type Config struct {
	ModelDescriptor    provider.ModelDescriptor
	SystemInstructions string
	Seed               []model.Message

	ContextWindow   int
	MaxOutputTokens int
	MaxIterations   int
	GenerateConfig  *model.GenerateConfig

	Registry         *gadget.Registry
	Counter          driver.TokenCounter
	CompactionConfig compaction.Config
	ExecutorConfig   executor.Config
	RetryConfig      retry.Config
}

// Spawner builds child agent runs on behalf of a parent driver. One
// Spawner is shared by every gadget in a run, since it only holds the
// pieces that must stay singular: the provider adapter, the rate limiter,
// and the parent's tree and hook bus to bridge/chain into.
type Spawner struct {
	adapter    provider.Adapter
	limiter    *ratelimit.Limiter
	parentTree *exectree.Tree
	parentBus  *hooks.Bus
	logger     *slog.Logger
}

// New returns a Spawner. logger may be nil (defaults to slog.Default()).
func New(adapter provider.Adapter, limiter *ratelimit.Limiter, parentTree *exectree.Tree, parentBus *hooks.Bus, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{adapter: adapter, limiter: limiter, parentTree: parentTree, parentBus: parentBus, logger: logger}
}

// SubAgent is one spawned child run, ready to be driven by the gadget that
// requested it.
type SubAgent struct {
	Driver       *driver.Driver
	Tree         *exectree.Tree
	Conversation *conversation.Manager

	// Bus is the child's own hook bus. Register additional observers on it
	// before calling Run if the spawning gadget wants to watch its child's
	// events directly, in addition to them reaching the parent's bus.
	Bus *hooks.Bus

	parentBus *hooks.Bus
}

// Run drives the child to completion, chaining its bus to the parent's and
// tearing down its tree's dispatch goroutine on return.
//
// ctx controls cancellation: pass the same ctx the spawning gadget
// received to inherit the parent run's cancellation, or build a new one
// (its own timeout, its own cancel) to decouple the child, per spec.
func (sa *SubAgent) Run(ctx context.Context) driver.Result {
	chainObservers(sa.Bus, sa.parentBus)
	defer sa.Tree.Close()
	return sa.Driver.Run(ctx)
}

// Spawn builds a child agent rooted under parentNodeID (typically the
// spawning gadget's own tree node, from gadget.Context.InvocationID
// resolved to a node by the caller) and tagged with invocationID as the
// child tree's SubagentContext.
func (s *Spawner) Spawn(parentNodeID, invocationID string, cfg Config) *SubAgent {
	conv := conversation.New(cfg.Seed)

	tree := exectree.New(invocationID, s.logger)
	s.parentTree.Bridge(tree, parentNodeID)

	bus := hooks.New(s.logger)

	registry := cfg.Registry
	if registry == nil {
		registry = gadget.NewRegistry()
	}
	execCfg := cfg.ExecutorConfig
	if execCfg.DefaultTimeout == 0 {
		execCfg = executor.DefaultConfig()
	}
	exec := executor.New(registry, tree, bus, execCfg, s.logger)

	compactCfg := cfg.CompactionConfig
	if compactCfg.ContextWindow == 0 {
		compactCfg = compaction.DefaultConfig(cfg.ContextWindow)
	}
	compactor := compaction.New(conv, cfg.Counter, bus, compactCfg)

	retryCfg := retry.Resolve(cfg.RetryConfig)

	driverCfg := driver.Config{
		ModelDescriptor:    cfg.ModelDescriptor,
		SystemInstructions: cfg.SystemInstructions,
		ContextWindow:      cfg.ContextWindow,
		MaxOutputTokens:    cfg.MaxOutputTokens,
		MaxIterations:      cfg.MaxIterations,
		GenerateConfig:     cfg.GenerateConfig,
	}
	d := driver.New(s.adapter, s.limiter, retryCfg, registry, exec, conv, tree, bus, compactor, cfg.Counter, driverCfg, s.logger)

	return &SubAgent{Driver: d, Tree: tree, Conversation: conv, Bus: bus, parentBus: s.parentBus}
}

// chainObservers registers, for every observer category, a forwarding
// Observer on child that replays the payload on parent. It is added last
// (right before Run starts driving the child), so any observer the
// spawning gadget registered on child directly already runs first — child
// observers see every event before the parent does, and transitively
// before any grandparent a prior Spawn call already chained parent to.
func chainObservers(child, parent *hooks.Bus) {
	child.OnLLMCallStart(func(ctx context.Context, payload any) error {
		parent.FireLLMCallStart(ctx, payload)
		return nil
	})
	child.OnLLMCallComplete(func(ctx context.Context, payload any) error {
		parent.FireLLMCallComplete(ctx, payload)
		return nil
	})
	child.OnLLMCallError(func(ctx context.Context, payload any) error {
		parent.FireLLMCallError(ctx, payload)
		return nil
	})
	child.OnGadgetExecutionStart(func(ctx context.Context, payload any) error {
		parent.FireGadgetExecutionStart(ctx, payload)
		return nil
	})
	child.OnGadgetExecutionComplete(func(ctx context.Context, payload any) error {
		parent.FireGadgetExecutionComplete(ctx, payload)
		return nil
	})
	child.OnGadgetSkipped(func(ctx context.Context, payload any) error {
		parent.FireGadgetSkipped(ctx, payload)
		return nil
	})
	child.OnStreamChunk(func(ctx context.Context, payload any) error {
		parent.FireStreamChunk(ctx, payload)
		return nil
	})
	child.OnCompaction(func(ctx context.Context, payload any) error {
		parent.FireCompaction(ctx, payload)
		return nil
	})
}
