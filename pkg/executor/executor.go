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

// Package executor runs a batch of parsed gadget calls to completion: it
// trims the batch to a configured cap, resolves the calls' declared
// dependency DAG, validates parameters against the registry's schema,
// dispatches each ready call (concurrently in parallel mode, in parsed
// order in sequential mode) under its own cancellation scope, and returns
// one Outcome per call in the batch's original parsed order regardless of
// completion order.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zbigniewsobiecki/llmist/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist/pkg/stream"
)

// Executor dispatches one response's parsed gadget calls.
type Executor struct {
	registry *gadget.Registry
	tree     *exectree.Tree
	hooks    *hooks.Bus
	oob      *outOfBandStore
	cfg      Config
	logger   *slog.Logger
}

// New returns an Executor wired to registry, tree and hooks. logger may be
// nil (defaults to slog.Default()).
func New(registry *gadget.Registry, tree *exectree.Tree, bus *hooks.Bus, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, tree: tree, hooks: bus, oob: newOutOfBandStore(), cfg: cfg, logger: logger}
}

// OutOfBand returns the full text previously truncated under id.
func (e *Executor) OutOfBand(id string) (string, bool) {
	return e.oob.get(id)
}

// Run dispatches calls under parentNodeID (the iteration's LLM-call tree
// node) and returns one Outcome per call, in calls' original order.
func (e *Executor) Run(ctx context.Context, parentNodeID string, calls []stream.GadgetCall) []Outcome {
	total := len(calls)
	outcomes := make([]Outcome, total)
	if total == 0 {
		return outcomes
	}

	limit := total
	if e.cfg.MaxGadgetsPerResponse > 0 && e.cfg.MaxGadgetsPerResponse < total {
		limit = e.cfg.MaxGadgetsPerResponse
	}
	active := calls[:limit]

	ids := make([]string, len(active))
	knownIDs := make(map[string]int, len(active))
	nodeIDs := make([]string, len(active))
	for i, c := range active {
		ids[i] = callID(c, i)
		knownIDs[ids[i]] = i
		nodeIDs[i] = e.tree.AddGadget(ctx, parentNodeID, ids[i], c.GadgetName, c.Parameters)
	}

	if e.cfg.Mode == ModeSequential {
		e.runSequential(ctx, active, ids, nodeIDs, knownIDs, outcomes)
	} else {
		e.runParallel(ctx, active, ids, nodeIDs, knownIDs, outcomes)
	}

	for i := limit; i < total; i++ {
		c := calls[i]
		id := callID(c, i)
		nodeID := e.tree.AddGadget(ctx, parentNodeID, id, c.GadgetName, c.Parameters)
		e.finalizeSkip(ctx, i, nodeID, id, c.GadgetName, outcomes, SkipMaxGadgetsExceeded, "")
	}

	return outcomes
}

func callID(c stream.GadgetCall, index int) string {
	if c.InvocationID != "" {
		return c.InvocationID
	}
	return fmt.Sprintf("call_%d", index)
}

// --- sequential mode ---------------------------------------------------

func (e *Executor) runSequential(ctx context.Context, calls []stream.GadgetCall, ids, nodeIDs []string, knownIDs map[string]int, outcomes []Outcome) {
	computed := make([]bool, len(calls))
	for i, c := range calls {
		if ctx.Err() != nil {
			e.finalizeSkip(ctx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipCancelled, "")
			computed[i] = true
			continue
		}

		if failedDep, ok := e.unresolvedDependency(c, knownIDs, outcomes, func(idx int) bool { return idx < i && computed[idx] }); ok {
			e.finalizeSkip(ctx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipFailedDependency, failedDep)
			computed[i] = true
			continue
		}

		outcomes[i] = e.executeOne(ctx, nodeIDs[i], ids[i], c)
		computed[i] = true
	}
}

// --- parallel mode -------------------------------------------------------

func (e *Executor) runParallel(ctx context.Context, calls []stream.GadgetCall, ids, nodeIDs []string, knownIDs map[string]int, outcomes []Outcome) {
	doneChs := make([]chan struct{}, len(calls))
	for i := range calls {
		doneChs[i] = make(chan struct{})
	}

	var sem *semaphore.Weighted
	if e.cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(e.cfg.MaxConcurrency))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		i := i
		g.Go(func() error {
			defer close(doneChs[i])
			e.runOneParallel(gctx, ctx, i, calls, ids, nodeIDs, doneChs, knownIDs, outcomes, sem)
			return nil
		})
	}
	_ = g.Wait()
}

// runOneParallel waits on i's dependencies, then acquires sem (if any) and
// executes. The semaphore is acquired only after the dependency wait so a
// call blocked on an unfinished dependency never holds a concurrency slot
// a dependency needs to make progress.
func (e *Executor) runOneParallel(gctx, rootCtx context.Context, i int, calls []stream.GadgetCall, ids, nodeIDs []string, doneChs []chan struct{}, knownIDs map[string]int, outcomes []Outcome, sem *semaphore.Weighted) {
	c := calls[i]

	depIdx := make([]int, 0, len(c.Dependencies))
	for _, dep := range c.Dependencies {
		idx, ok := knownIDs[dep]
		if !ok {
			e.finalizeSkip(rootCtx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipFailedDependency, dep)
			return
		}
		depIdx = append(depIdx, idx)
	}

	for _, idx := range depIdx {
		select {
		case <-doneChs[idx]:
		case <-gctx.Done():
			e.finalizeSkip(rootCtx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipCancelled, "")
			return
		}
		if outcomes[idx].Kind != OutcomeSuccess {
			e.finalizeSkip(rootCtx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipFailedDependency, outcomes[idx].InvocationID)
			return
		}
	}

	if gctx.Err() != nil {
		e.finalizeSkip(rootCtx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipCancelled, "")
		return
	}

	if sem != nil {
		if err := sem.Acquire(gctx, 1); err != nil {
			e.finalizeSkip(rootCtx, i, nodeIDs[i], ids[i], c.GadgetName, outcomes, SkipCancelled, "")
			return
		}
		defer sem.Release(1)
	}

	outcomes[i] = e.executeOne(gctx, nodeIDs[i], ids[i], c)
}

// unresolvedDependency reports the first dependency id that isn't a known,
// already-succeeded, already-computed call — used by sequential mode,
// where "known at dequeue time" means "appeared earlier in parsed order".
func (e *Executor) unresolvedDependency(c stream.GadgetCall, knownIDs map[string]int, outcomes []Outcome, eligible func(int) bool) (string, bool) {
	for _, dep := range c.Dependencies {
		idx, ok := knownIDs[dep]
		if !ok || !eligible(idx) {
			return dep, true
		}
		if outcomes[idx].Kind != OutcomeSuccess {
			return outcomes[idx].InvocationID, true
		}
	}
	return "", false
}

// --- per-call execution --------------------------------------------------

func (e *Executor) executeOne(ctx context.Context, nodeID, invocationID string, call stream.GadgetCall) Outcome {
	start := time.Now()
	e.hooks.FireGadgetExecutionStart(ctx, call)

	g, err := e.registry.Lookup(call.GadgetName)
	if err != nil {
		return e.finalizeError(ctx, nodeID, invocationID, call.GadgetName, start, err.Error())
	}
	desc := g.Describe()

	params := call.Parameters
	if params == nil {
		params = map[string]any{}
	}
	params, ok := e.hooks.ApplyGadgetParameters(ctx, params)
	if !ok {
		return e.finalizeSkipWithTime(ctx, nodeID, invocationID, call.GadgetName, start, SkipDenied, "")
	}

	if err := gadget.ValidateParams(desc.ParameterSchema, params); err != nil {
		return e.finalizeError(ctx, nodeID, invocationID, call.GadgetName, start, gadget.UsageMessage(desc, err))
	}

	before := e.hooks.RunBeforeGadgetExecution(ctx, call.GadgetName, params)
	if before.Kind == hooks.BeforeGadgetExecutionSkip {
		return e.finalizeSkipWithTime(ctx, nodeID, invocationID, call.GadgetName, start, SkipDenied, before.SyntheticResult)
	}

	timeoutMs := desc.TimeoutMs
	if t, ok := g.(gadget.Timeoutable); ok {
		if ms, ok := t.Timeout(params); ok {
			timeoutMs = ms
		}
	}
	timeout := e.cfg.DefaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var costMu sync.Mutex
	var cost float64
	gctx := gadget.NewContext(callCtx, invocationID, func(usd float64) {
		costMu.Lock()
		cost += usd
		costMu.Unlock()
	})

	result, execErr := g.Execute(gctx, params)

	costMu.Lock()
	totalCost := cost + result.CostUSD
	costMu.Unlock()

	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			execErr = fmt.Errorf("gadget %q timed out after %s: %w", call.GadgetName, timeout, execErr)
		} else if ctx.Err() != nil {
			e.tree.SkipGadget(nodeID, string(SkipCancelled))
			out := Outcome{InvocationID: invocationID, GadgetName: call.GadgetName, Kind: OutcomeSkipped, SkipReason: SkipCancelled, ExecutionTimeMs: elapsed}
			e.hooks.FireGadgetSkipped(ctx, out)
			return out
		}

		after := e.hooks.RunAfterGadgetExecution(ctx, call.GadgetName, "", execErr)
		if after.Kind == hooks.AfterGadgetExecutionRecover {
			text, _ := e.hooks.ApplyGadgetResult(ctx, after.FallbackResult)
			return e.finalizeSuccess(ctx, nodeID, invocationID, call.GadgetName, text, totalCost, false, elapsed)
		}
		return e.finalizeError(ctx, nodeID, invocationID, call.GadgetName, start, execErr.Error())
	}

	after := e.hooks.RunAfterGadgetExecution(ctx, call.GadgetName, result.Text, nil)
	text := result.Text
	if after.Kind == hooks.AfterGadgetExecutionRecover {
		text = after.FallbackResult
	}
	text, ok = e.hooks.ApplyGadgetResult(ctx, text)
	if !ok {
		text = ""
	}

	return e.finalizeSuccess(ctx, nodeID, invocationID, call.GadgetName, text, totalCost, result.BreakLoop, elapsed)
}

func (e *Executor) finalizeSuccess(ctx context.Context, nodeID, invocationID, name, text string, cost float64, breakLoop bool, elapsedMs int64) Outcome {
	oobID := ""
	if e.cfg.MaxResultBytes > 0 && len(text) > e.cfg.MaxResultBytes {
		id, placeholder := e.oob.put(name, text)
		oobID, text = id, placeholder
	}

	e.tree.CompleteGadget(nodeID, text, cost)
	out := Outcome{
		InvocationID: invocationID, GadgetName: name, Kind: OutcomeSuccess,
		Text: text, CostUSD: cost, BreakLoop: breakLoop, ExecutionTimeMs: elapsedMs, OutOfBandID: oobID,
	}
	e.hooks.FireGadgetExecutionComplete(ctx, out)
	return out
}

func (e *Executor) finalizeError(ctx context.Context, nodeID, invocationID, name string, start time.Time, message string) Outcome {
	err := fmt.Errorf("%s", message)
	e.tree.ErrorGadget(nodeID, err)
	out := Outcome{
		InvocationID: invocationID, GadgetName: name, Kind: OutcomeError,
		Text: message, Err: err, ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	e.hooks.FireGadgetExecutionComplete(ctx, out)
	return out
}

func (e *Executor) finalizeSkip(ctx context.Context, i int, nodeID, invocationID, name string, outcomes []Outcome, reason SkipReason, failedDep string) {
	outcomes[i] = e.finalizeSkipOutcome(ctx, nodeID, invocationID, name, reason, failedDep, "", 0)
}

func (e *Executor) finalizeSkipWithTime(ctx context.Context, nodeID, invocationID, name string, start time.Time, reason SkipReason, syntheticResult string) Outcome {
	return e.finalizeSkipOutcome(ctx, nodeID, invocationID, name, reason, "", syntheticResult, time.Since(start).Milliseconds())
}

func (e *Executor) finalizeSkipOutcome(ctx context.Context, nodeID, invocationID, name string, reason SkipReason, failedDep, syntheticResult string, elapsedMs int64) Outcome {
	e.tree.SkipGadget(nodeID, string(reason))
	text := syntheticResult
	if text == "" {
		text = skipText(name, reason, failedDep)
	}
	out := Outcome{
		InvocationID: invocationID, GadgetName: name, Kind: OutcomeSkipped,
		Text: text, SkipReason: reason, FailedDependency: failedDep, ExecutionTimeMs: elapsedMs,
	}
	e.hooks.FireGadgetSkipped(ctx, out)
	return out
}

func skipText(name string, reason SkipReason, failedDep string) string {
	switch reason {
	case SkipFailedDependency:
		return fmt.Sprintf("gadget %q skipped: dependency %q did not succeed", name, failedDep)
	case SkipMaxGadgetsExceeded:
		return fmt.Sprintf("gadget %q skipped: response exceeded the maximum gadgets per turn", name)
	case SkipCancelled:
		return fmt.Sprintf("gadget %q skipped: run was cancelled", name)
	default:
		return fmt.Sprintf("gadget %q skipped: %s", name, reason)
	}
}
