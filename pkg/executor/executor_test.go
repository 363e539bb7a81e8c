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

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbigniewsobiecki/llmist/pkg/exectree"
	"github.com/zbigniewsobiecki/llmist/pkg/gadget"
	"github.com/zbigniewsobiecki/llmist/pkg/hooks"
	"github.com/zbigniewsobiecki/llmist/pkg/stream"
)

type fakeGadget struct {
	name    string
	fn      func(ctx gadget.Context, params map[string]any) (gadget.Result, error)
	schema  map[string]any
	timeout int
}

func (g *fakeGadget) Describe() gadget.Descriptor {
	return gadget.Descriptor{Name: g.name, Description: "fake", ParameterSchema: g.schema, TimeoutMs: g.timeout}
}

func (g *fakeGadget) Execute(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
	return g.fn(ctx, params)
}

func newExecutor(t *testing.T, cfg Config, gadgets ...*fakeGadget) (*Executor, *exectree.Tree, string) {
	t.Helper()
	reg := gadget.NewRegistry()
	for _, g := range gadgets {
		require.NoError(t, reg.Register(g))
	}
	tree := exectree.New("", nil)
	t.Cleanup(tree.Close)
	root := tree.AddRoot(context.Background())
	return New(reg, tree, hooks.New(nil), cfg, nil), tree, root
}

func succeed(text string) func(gadget.Context, map[string]any) (gadget.Result, error) {
	return func(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
		return gadget.Result{Text: text}, nil
	}
}

func TestRunExecutesSuccessfulCall(t *testing.T) {
	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "echo", fn: succeed("hello")})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "echo", InvocationID: "c1", Parameters: map[string]any{}},
	})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSuccess, out[0].Kind)
	assert.Equal(t, "hello", out[0].Text)
}

func TestRunUnknownGadgetProducesErrorWithListing(t *testing.T) {
	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "known", fn: succeed("x")})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "missing", InvocationID: "c1"},
	})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeError, out[0].Kind)
	assert.Contains(t, out[0].Text, "known")
}

func TestRunTrimsBatchToMaxGadgetsPerResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGadgetsPerResponse = 1
	exec, _, root := newExecutor(t, cfg, &fakeGadget{name: "echo", fn: succeed("ok")})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "echo", InvocationID: "c1"},
		{GadgetName: "echo", InvocationID: "c2"},
	})

	require.Len(t, out, 2)
	assert.Equal(t, OutcomeSuccess, out[0].Kind)
	assert.Equal(t, OutcomeSkipped, out[1].Kind)
	assert.Equal(t, SkipMaxGadgetsExceeded, out[1].SkipReason)
}

func TestRunDependencyFailurePropagatesSkipButIndependentRuns(t *testing.T) {
	exec, _, root := newExecutor(t, DefaultConfig(),
		&fakeGadget{name: "fails", fn: func(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
			return gadget.Result{}, errors.New("boom")
		}},
		&fakeGadget{name: "dependent", fn: succeed("should not run")},
		&fakeGadget{name: "independent", fn: succeed("fine")},
	)

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "fails", InvocationID: "a"},
		{GadgetName: "dependent", InvocationID: "b", Dependencies: []string{"a"}},
		{GadgetName: "independent", InvocationID: "c"},
	})

	require.Len(t, out, 3)
	assert.Equal(t, OutcomeError, out[0].Kind)
	assert.Equal(t, OutcomeSkipped, out[1].Kind)
	assert.Equal(t, SkipFailedDependency, out[1].SkipReason)
	assert.Equal(t, "a", out[1].FailedDependency)
	assert.Equal(t, OutcomeSuccess, out[2].Kind)
}

func TestRunUnknownDependencyIDSkips(t *testing.T) {
	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "echo", fn: succeed("x")})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "echo", InvocationID: "c1", Dependencies: []string{"ghost"}},
	})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Kind)
	assert.Equal(t, SkipFailedDependency, out[0].SkipReason)
}

func TestRunSequentialModeDispatchesInParsedOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeSequential
	var order []string
	exec, _, root := newExecutor(t, cfg, &fakeGadget{name: "track", fn: func(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
		order = append(order, ctx.InvocationID)
		return gadget.Result{Text: "ok"}, nil
	}})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "track", InvocationID: "1"},
		{GadgetName: "track", InvocationID: "2"},
		{GadgetName: "track", InvocationID: "3"},
	})

	require.Len(t, out, 3)
	assert.Equal(t, []string{"1", "2", "3"}, order)
}

func TestRunValidatesRequiredParameters(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"required":   []any{"query"},
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
	}
	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "search", schema: schema, fn: succeed("x")})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{
		{GadgetName: "search", InvocationID: "c1", Parameters: map[string]any{}},
	})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeError, out[0].Kind)
	assert.Contains(t, out[0].Text, "query")
}

func TestRunBeforeGadgetExecutionSkipYieldsSyntheticResult(t *testing.T) {
	reg := gadget.NewRegistry()
	require.NoError(t, reg.Register(&fakeGadget{name: "dangerous", fn: succeed("should not run")}))
	tree := exectree.New("", nil)
	t.Cleanup(tree.Close)
	root := tree.AddRoot(context.Background())

	bus := hooks.New(nil)
	bus.OnBeforeGadgetExecution(func(ctx context.Context, name string, params map[string]any) hooks.BeforeGadgetExecutionAction {
		return hooks.BeforeGadgetExecutionAction{Kind: hooks.BeforeGadgetExecutionSkip, SyntheticResult: "denied by policy"}
	})

	exec := New(reg, tree, bus, DefaultConfig(), nil)
	out := exec.Run(context.Background(), root, []stream.GadgetCall{{GadgetName: "dangerous", InvocationID: "c1"}})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Kind)
	assert.Equal(t, SkipDenied, out[0].SkipReason)
	assert.Equal(t, "denied by policy", out[0].Text)
}

func TestRunAfterGadgetExecutionRecoversFromError(t *testing.T) {
	reg := gadget.NewRegistry()
	require.NoError(t, reg.Register(&fakeGadget{name: "flaky", fn: func(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
		return gadget.Result{}, errors.New("boom")
	}}))
	tree := exectree.New("", nil)
	t.Cleanup(tree.Close)
	root := tree.AddRoot(context.Background())

	bus := hooks.New(nil)
	bus.OnAfterGadgetExecution(func(ctx context.Context, name, result string, err error) hooks.AfterGadgetExecutionAction {
		return hooks.AfterGadgetExecutionAction{Kind: hooks.AfterGadgetExecutionRecover, FallbackResult: "recovered"}
	})

	exec := New(reg, tree, bus, DefaultConfig(), nil)
	out := exec.Run(context.Background(), root, []stream.GadgetCall{{GadgetName: "flaky", InvocationID: "c1"}})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSuccess, out[0].Kind)
	assert.Equal(t, "recovered", out[0].Text)
}

func TestRunTimeoutProducesErrorOutcome(t *testing.T) {
	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "slow", timeout: 10, fn: func(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
		select {
		case <-ctx.Done():
			return gadget.Result{}, ctx.Err()
		case <-time.After(time.Second):
			return gadget.Result{Text: "too slow"}, nil
		}
	}})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{{GadgetName: "slow", InvocationID: "c1"}})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeError, out[0].Kind)
	assert.Contains(t, out[0].Text, "timed out")
}

func TestRunLargeResultMovesToOutOfBandStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxResultBytes = 8
	full := "0123456789abcdef"
	exec, _, root := newExecutor(t, cfg, &fakeGadget{name: "big", fn: succeed(full)})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{{GadgetName: "big", InvocationID: "c1"}})

	require.Len(t, out, 1)
	require.NotEmpty(t, out[0].OutOfBandID)
	stored, ok := exec.OutOfBand(out[0].OutOfBandID)
	require.True(t, ok)
	assert.Equal(t, full, stored)
}

func TestRunCancellationSkipsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "echo", fn: succeed("x")})
	out := exec.Run(ctx, root, []stream.GadgetCall{{GadgetName: "echo", InvocationID: "c1"}})

	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Kind)
	assert.Equal(t, SkipCancelled, out[0].SkipReason)
}

func TestRunReportsCostFromContextAndResult(t *testing.T) {
	exec, _, root := newExecutor(t, DefaultConfig(), &fakeGadget{name: "paid", fn: func(ctx gadget.Context, params map[string]any) (gadget.Result, error) {
		ctx.ReportCost(0.02)
		return gadget.Result{Text: "done", CostUSD: 0.05}, nil
	}})

	out := exec.Run(context.Background(), root, []stream.GadgetCall{{GadgetName: "paid", InvocationID: "c1"}})

	require.Len(t, out, 1)
	assert.InDelta(t, 0.07, out[0].CostUSD, 0.0001)
}
