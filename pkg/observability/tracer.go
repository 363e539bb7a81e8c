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

// Package observability installs the process-global OpenTelemetry
// TracerProvider that pkg/exectree's otel.Tracer call resolves against.
// Without it, every span exectree opens is a no-op; with it, a run's
// agent_root/llm_call/gadget spans are sampled, given real trace/span IDs,
// and exported wherever the configured exporter sends them.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig controls whether and how run spans are exported.
type TracerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// Writer receives pretty-printed span JSON when set. Defaults to
	// io.Discard, which still exercises the full SDK (sampling, resource
	// attributes, parent/child span linkage) without printing anything —
	// useful when a run only cares about exectree's in-process listeners
	// and has no separate trace backend.
	Writer io.Writer `yaml:"-"`
}

// InitTracerProvider builds a TracerProvider from cfg and installs it as
// the process-global provider via otel.SetTracerProvider, so every
// subsequent otel.Tracer(...) call (including exectree.New's) resolves
// against it. The returned shutdown func flushes and releases exporter
// resources; callers should defer it once the run (or process) is done.
func InitTracerProvider(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }, nil
	}

	writer := cfg.Writer
	if writer == nil {
		writer = io.Discard
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName(cfg.ServiceName))))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: building resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

func serviceName(name string) string {
	if name == "" {
		return "llmist"
	}
	return name
}
