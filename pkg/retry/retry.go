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

// Package retry wraps a fallible operation with exponential backoff,
// jitter, and Retry-After-aware scheduling. It is transport-agnostic: the
// operation is any func(context.Context) (T, error), so it can wrap a
// provider adapter's Stream call, a gadget invocation, or anything else a
// driver needs to retry.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config mirrors spec.md §4.2's retry options.
type Config struct {
	Retries           int           `yaml:"retries,omitempty"`
	MinTimeout        time.Duration `yaml:"min_timeout,omitempty"`
	MaxTimeout        time.Duration `yaml:"max_timeout,omitempty"`
	Factor            float64       `yaml:"factor,omitempty"`
	Randomize         bool          `yaml:"randomize,omitempty"`
	RespectRetryAfter bool          `yaml:"respect_retry_after,omitempty"`
	MaxRetryAfter     time.Duration `yaml:"max_retry_after,omitempty"`

	// ShouldRetry overrides Classify when non-nil, for callers with their
	// own notion of what is retryable.
	ShouldRetry func(error) bool `yaml:"-"`

	// OnRetriesExhausted, if set, is invoked with the final error once all
	// attempts have failed, before it is returned to the caller.
	OnRetriesExhausted func(err error, attempts int) `yaml:"-"`

	// OnRetry, if set, is invoked before sleeping ahead of each retry.
	OnRetry func(err error, attempt int, delay time.Duration) `yaml:"-"`
}

// DefaultConfig returns the spec.md §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		Retries:           3,
		MinTimeout:        1000 * time.Millisecond,
		MaxTimeout:        30000 * time.Millisecond,
		Factor:            2,
		Randomize:         true,
		RespectRetryAfter: true,
		MaxRetryAfter:     120000 * time.Millisecond,
	}
}

// Resolve merges partial config against package defaults (spec.md Design
// Notes §9), the same narrow caller-over-default link as
// ratelimit.Resolve: zero numeric fields (Retries, MinTimeout, MaxTimeout,
// Factor, MaxRetryAfter) fall back to DefaultConfig's value rather than
// literally meaning zero retries with no backoff. Randomize and
// RespectRetryAfter are kept as given.
func Resolve(cfg Config) Config {
	d := DefaultConfig()
	if cfg.Retries == 0 {
		cfg.Retries = d.Retries
	}
	if cfg.MinTimeout == 0 {
		cfg.MinTimeout = d.MinTimeout
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = d.MaxTimeout
	}
	if cfg.Factor == 0 {
		cfg.Factor = d.Factor
	}
	if cfg.MaxRetryAfter == 0 {
		cfg.MaxRetryAfter = d.MaxRetryAfter
	}
	return cfg
}

func (c Config) retryable(err error) bool {
	if c.ShouldRetry != nil {
		return c.ShouldRetry(err)
	}
	return Classify(err)
}

// delay computes the backoff for 0-indexed attempt n, honoring a
// Retry-After hint on err when RespectRetryAfter is set and the hint
// parses.
func (c Config) delay(n int, err error) time.Duration {
	if c.RespectRetryAfter {
		if hint, ok := ParseRetryAfter(err); ok {
			if hint > c.MaxRetryAfter {
				hint = c.MaxRetryAfter
			}
			return hint
		}
	}

	base := float64(c.MinTimeout) * math.Pow(c.Factor, float64(n))
	d := time.Duration(base)
	if d > c.MaxTimeout {
		d = c.MaxTimeout
	}
	if c.Randomize {
		factor := 0.5 + rand.Float64()*0.5
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// Do runs fn, retrying on retryable failures per cfg until it succeeds, a
// non-retryable error is returned, ctx is cancelled, or the attempt budget
// is exhausted. On exhaustion the last error is returned, after invoking
// cfg.OnRetriesExhausted.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !cfg.retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		d := cfg.delay(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt, d)
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if cfg.OnRetriesExhausted != nil {
		cfg.OnRetriesExhausted(lastErr, attempts)
	}
	return zero, lastErr
}
