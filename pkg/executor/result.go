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

import "time"

// Mode selects how a batch's ready calls are dispatched.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Config configures one Executor.
type Config struct {
	Mode Mode

	// MaxGadgetsPerResponse caps how many calls from one batch actually
	// run; the tail is skipped with max_gadgets_exceeded. Zero means no
	// cap.
	MaxGadgetsPerResponse int

	// DefaultTimeout is used when a gadget's Descriptor.TimeoutMs is zero.
	DefaultTimeout time.Duration

	// MaxResultBytes caps the serialized result text kept inline; beyond
	// this the full text moves to the out-of-band store. Zero means no
	// cap.
	MaxResultBytes int

	// MaxConcurrency bounds how many gadgets run at once in parallel mode.
	// Zero means unbounded (one goroutine per ready call).
	MaxConcurrency int
}

// DefaultConfig returns reasonable defaults: parallel dispatch, a 30s
// per-gadget timeout, and a 16KiB inline result cap.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeParallel,
		DefaultTimeout: 30 * time.Second,
		MaxResultBytes: 16 * 1024,
	}
}

// OutcomeKind is the top-level shape of a gadget dispatch outcome,
// mirroring spec.md §4.1's Gadget Result union.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
	OutcomeSkipped OutcomeKind = "skipped"
)

// SkipReason enumerates why a call never executed.
type SkipReason string

const (
	SkipFailedDependency   SkipReason = "failed_dependency"
	SkipMaxGadgetsExceeded SkipReason = "max_gadgets_exceeded"
	SkipDenied             SkipReason = "denied"
	SkipCancelled          SkipReason = "cancelled"
)

// Outcome is one call's final disposition, in the batch's parsed order.
type Outcome struct {
	InvocationID string
	GadgetName   string

	Kind OutcomeKind

	// Text is what gets correlated back into conversation history as the
	// gadget_call_result: the success text, the error/usage message, or a
	// rendering of the skip reason.
	Text string
	Err  error

	SkipReason       SkipReason
	FailedDependency string // the invocationId that caused a failed_dependency skip

	CostUSD         float64
	BreakLoop       bool
	ExecutionTimeMs int64

	// OutOfBandID is set when Text was truncated and the full result moved
	// to the out-of-band store.
	OutOfBandID string
}
