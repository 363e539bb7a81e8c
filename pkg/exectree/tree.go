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

// Package exectree is the single source of truth for one agent run's
// hierarchy of LLM calls and gadget invocations. Every observer — hook
// bus included — is driven off the events this tree emits, so a
// sub-agent's events reach its parent's listeners with correct depth and
// without any listener needing to know about sub-agent nesting directly.
package exectree

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NodeType distinguishes the kinds of node a Tree holds.
type NodeType string

const (
	NodeAgentRoot NodeType = "agent_root"
	NodeLLMCall   NodeType = "llm_call"
	NodeGadget    NodeType = "gadget"
)

// GadgetState is the lifecycle of a gadget node.
type GadgetState string

const (
	GadgetPending   GadgetState = "pending"
	GadgetRunning   GadgetState = "running"
	GadgetSucceeded GadgetState = "succeeded"
	GadgetFailed    GadgetState = "failed"
	GadgetSkipped   GadgetState = "skipped"
)

// Node is one entry in the tree.
type Node struct {
	ID        string
	ParentID  string
	Type      NodeType
	Depth     int
	StartedAt time.Time
	EndedAt   time.Time

	// LLM-call payload.
	Iteration    int
	ModelID      string
	FinishReason string
	Usage        any

	// Gadget payload.
	InvocationID string
	GadgetName   string
	Parameters   map[string]any
	State        GadgetState
	Result       any
	CostUSD      float64
	Err          error

	span trace.Span
}

// Event is what listeners receive: the node as of this change plus
// SubagentContext identifying which ancestor gadget (if any) spawned the
// sub-agent this node belongs to.
type Event struct {
	Node            Node
	SubagentContext string // invocationId of the spawning gadget, "" at depth 0
}

// Listener observes tree events. A non-nil return value is logged, not
// propagated — a broken observer must never break the driver loop.
type Listener func(Event) error

// Tree is safe for concurrent use. Every mutation enqueues an event that a
// single internal goroutine drains and fans out to listeners, so listener
// invocation order matches event emission order even under concurrent
// gadget completions (event-time order, per spec.md §4.6's ordering
// guarantee).
type Tree struct {
	mu    sync.Mutex
	nodes map[string]*Node

	subagentCtx string // this tree's SubagentContext, inherited by sub-agent trees

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextListener int

	events chan Event
	done   chan struct{}

	tracer trace.Tracer
	logger *slog.Logger
}

// New returns a Tree for a fresh agent run (depth 0). subagentContext
// should be "" for the root tree; sub-agent spawners pass the spawning
// gadget's invocationId so that nested events carry the correlation.
func New(subagentContext string, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tree{
		nodes:       make(map[string]*Node),
		subagentCtx: subagentContext,
		listeners:   make(map[int]Listener),
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
		tracer:      otel.Tracer("llmist/exectree"),
		logger:      logger,
	}
	go t.dispatchLoop()
	return t
}

func (t *Tree) dispatchLoop() {
	for ev := range t.events {
		t.listenersMu.Lock()
		listeners := make([]Listener, 0, len(t.listeners))
		for _, l := range t.listeners {
			listeners = append(listeners, l)
		}
		t.listenersMu.Unlock()

		for _, l := range listeners {
			if err := l(ev); err != nil {
				t.logger.Warn("exectree listener error", "error", err)
			}
		}
	}
	close(t.done)
}

// OnAll registers a listener and returns a token for OffAll.
func (t *Tree) OnAll(l Listener) int {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = l
	return id
}

// OffAll removes a previously registered listener.
func (t *Tree) OffAll(token int) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	delete(t.listeners, token)
}

// Close stops the dispatch loop after draining pending events.
func (t *Tree) Close() {
	close(t.events)
	<-t.done
}

func (t *Tree) emit(n Node) {
	t.emitWithContext(n, t.subagentCtx)
}

func (t *Tree) emitWithContext(n Node, subagentContext string) {
	select {
	case t.events <- Event{Node: n, SubagentContext: subagentContext}:
	default:
		// Channel full: dispatch synchronously rather than drop an event —
		// this only triggers under pathological listener backpressure.
		t.listenersMu.Lock()
		listeners := make([]Listener, 0, len(t.listeners))
		for _, l := range t.listeners {
			listeners = append(listeners, l)
		}
		t.listenersMu.Unlock()
		for _, l := range listeners {
			if err := l(Event{Node: n, SubagentContext: subagentContext}); err != nil {
				t.logger.Warn("exectree listener error", "error", err)
			}
		}
	}
}

func depthOf(parent *Node) int {
	if parent == nil {
		return 0
	}
	return parent.Depth + 1
}

// spanContext returns ctx with parent's span attached, if parent has one, so
// a child span nests under it in whatever SpanProcessor/exporter the
// caller's TracerProvider is configured with.
func spanContext(ctx context.Context, parent *Node) context.Context {
	if parent != nil && parent.span != nil {
		return trace.ContextWithSpan(ctx, parent.span)
	}
	return ctx
}

// AddRoot registers the root node of an agent run. Callers must defer
// CompleteRoot(id) to end the span it opens.
func (t *Tree) AddRoot(ctx context.Context) string {
	id := uuid.NewString()
	_, span := t.tracer.Start(ctx, "agent_root")
	n := &Node{ID: id, Type: NodeAgentRoot, Depth: 0, StartedAt: time.Now(), span: span}

	t.mu.Lock()
	t.nodes[id] = n
	t.mu.Unlock()

	t.emit(*n)
	return id
}

// CompleteRoot ends the span opened by AddRoot for rootID. It is a no-op if
// rootID is unknown or already completed.
func (t *Tree) CompleteRoot(rootID string) {
	t.mu.Lock()
	n, ok := t.nodes[rootID]
	if !ok || n.span == nil {
		t.mu.Unlock()
		return
	}
	n.EndedAt = time.Now()
	span := n.span
	n.span = nil
	t.mu.Unlock()

	span.End()
}

// AddLLMCall registers a new LLM-call node under parentID and opens a span
// nested under parentID's, ended by CompleteLLMCall.
func (t *Tree) AddLLMCall(ctx context.Context, parentID string, iteration int, modelID string) string {
	id := uuid.NewString()

	t.mu.Lock()
	parent := t.nodes[parentID]
	_, span := t.tracer.Start(spanContext(ctx, parent), "llm_call", trace.WithAttributes(
		attribute.Int("exectree.iteration", iteration),
		attribute.String("exectree.model_id", modelID),
	))
	n := &Node{
		ID: id, ParentID: parentID, Type: NodeLLMCall, Depth: depthOf(parent),
		Iteration: iteration, ModelID: modelID, StartedAt: time.Now(), span: span,
	}
	t.nodes[id] = n
	t.mu.Unlock()

	t.emit(*n)
	return id
}

// CompleteLLMCall records the outcome of an LLM call and ends its span.
func (t *Tree) CompleteLLMCall(nodeID string, finishReason string, usage any) {
	t.mu.Lock()
	n, ok := t.nodes[nodeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	n.FinishReason = finishReason
	n.Usage = usage
	n.EndedAt = time.Now()
	span := n.span
	if span != nil {
		span.SetAttributes(attribute.String("exectree.finish_reason", finishReason))
		n.span = nil
	}
	snap := *n
	t.mu.Unlock()

	if span != nil {
		span.End()
	}
	t.emit(snap)
}

// AddGadget registers a new gadget node under parentID and opens a span
// nested under parentID's, ended by CompleteGadget/ErrorGadget/SkipGadget.
func (t *Tree) AddGadget(ctx context.Context, parentID, invocationID, name string, params map[string]any) string {
	id := uuid.NewString()

	t.mu.Lock()
	parent := t.nodes[parentID]
	_, span := t.tracer.Start(spanContext(ctx, parent), "gadget:"+name, trace.WithAttributes(
		attribute.String("exectree.gadget_name", name),
		attribute.String("exectree.invocation_id", invocationID),
	))
	n := &Node{
		ID: id, ParentID: parentID, Type: NodeGadget, Depth: depthOf(parent),
		InvocationID: invocationID, GadgetName: name, Parameters: params,
		State: GadgetPending, StartedAt: time.Now(), span: span,
	}
	t.nodes[id] = n
	t.mu.Unlock()

	t.emit(*n)
	return id
}

// CompleteGadget marks a gadget node succeeded with result.
func (t *Tree) CompleteGadget(nodeID string, result any, costUSD float64) {
	t.transition(nodeID, func(n *Node) {
		n.State = GadgetSucceeded
		n.Result = result
		n.CostUSD = costUSD
		n.EndedAt = time.Now()
	})
}

// ErrorGadget marks a gadget node failed with err.
func (t *Tree) ErrorGadget(nodeID string, err error) {
	t.transition(nodeID, func(n *Node) {
		n.State = GadgetFailed
		n.Err = err
		n.EndedAt = time.Now()
	})
}

// SkipGadget marks a gadget node skipped with a reason string.
func (t *Tree) SkipGadget(nodeID string, reason string) {
	t.transition(nodeID, func(n *Node) {
		n.State = GadgetSkipped
		n.Result = reason
		n.EndedAt = time.Now()
	})
}

func (t *Tree) transition(nodeID string, mutate func(*Node)) {
	t.mu.Lock()
	n, ok := t.nodes[nodeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	mutate(n)
	span := n.span
	if span != nil {
		span.SetAttributes(attribute.String("exectree.gadget_state", string(n.State)))
		if n.Err != nil {
			span.RecordError(n.Err)
		}
		n.span = nil
	}
	snap := *n
	t.mu.Unlock()

	if span != nil {
		span.End()
	}
	t.emit(snap)
}

// Bridge wires child's events into t as if child's root node were parented
// under parentNodeID: every event child emits is re-dispatched to t's own
// listeners with Depth offset by parentNodeID's depth+1 and SubagentContext
// set to child's, so a sub-agent's tree reports correctly into its
// spawner's observers without either tree knowing the other's structure
// beyond this one call. Composes across nested spawns since a bridged
// child can itself be bridged again by a further sub-agent.
func (t *Tree) Bridge(child *Tree, parentNodeID string) {
	t.mu.Lock()
	parent := t.nodes[parentNodeID]
	t.mu.Unlock()
	offset := depthOf(parent)

	child.OnAll(func(ev Event) error {
		n := ev.Node
		n.Depth += offset
		if n.ParentID == "" {
			n.ParentID = parentNodeID
		}
		t.emitWithContext(n, child.subagentCtx)
		return nil
	})
}

// Node returns a snapshot of the node with id, if present.
func (t *Tree) Node(id string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}
