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

// Package ratelimit implements a sliding-window rate tracker shared by every
// outbound call a driver makes to a model provider. Unlike a fixed-window
// counter, the window here is a literal slice of recent timestamps: it is
// pruned lazily on each check rather than reset on a clock tick, which is
// what lets requiredDelayMs and reserveRequest compose into a single
// race-free admission decision under concurrent callers.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

type tokenSample struct {
	at     time.Time
	tokens int64
}

// Limiter tracks request and token usage over sliding windows and computes
// the delay a caller must wait before its next call would stay within the
// configured limits. A Limiter is safe for concurrent use; reserveRequest
// is the synchronization point that closes the race between two goroutines
// that both observed requiredDelayMs == 0.
type Limiter struct {
	mu sync.Mutex

	cfg Config

	requestTimestamps []time.Time
	tokenSamples      []tokenSample

	dailyTokens int64
	dailyStamp  string // YYYY-MM-DD in UTC, the day dailyTokens accrues against

	metrics *metrics
}

// New constructs a Limiter from cfg, resolving defaults via Resolve. Metrics
// are registered against reg; pass nil to skip Prometheus registration
// entirely (e.g. in unit tests that construct many Limiters).
func New(cfg Config, reg prometheus.Registerer) *Limiter {
	return &Limiter{
		cfg:     Resolve(cfg),
		metrics: newMetrics(reg),
	}
}

// Config returns the resolved Config this Limiter was built from, for
// snapshot logging.
func (l *Limiter) Config() Config { return l.cfg }

func effectiveLimit(raw int64, margin float64) float64 {
	return float64(raw) * margin
}

func dayStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// pruneLocked drops samples that have aged out of their window. Callers
// must hold l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-minuteWindow)

	i := 0
	for ; i < len(l.requestTimestamps); i++ {
		if l.requestTimestamps[i].After(cutoff) {
			break
		}
	}
	l.requestTimestamps = l.requestTimestamps[i:]

	j := 0
	for ; j < len(l.tokenSamples); j++ {
		if l.tokenSamples[j].at.After(cutoff) {
			break
		}
	}
	l.tokenSamples = l.tokenSamples[j:]

	stamp := dayStamp(now)
	if l.dailyStamp != stamp {
		l.dailyStamp = stamp
		l.dailyTokens = 0
	}
}

func (l *Limiter) tokensInWindowLocked() int64 {
	var sum int64
	for _, s := range l.tokenSamples {
		sum += s.tokens
	}
	return sum
}

// RequiredDelay reports how long the caller must wait before the next
// outbound call would keep every enabled window within its effective
// (safety-margined) limit. requestTimestamps already reflects every
// in-flight reservation, so concurrent callers racing ahead of RecordUsage
// don't all see delay == 0.
func (l *Limiter) RequiredDelay(now time.Time) time.Duration {
	if !l.cfg.Enabled {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	var delay time.Duration

	if l.cfg.RequestsPerMinute > 0 {
		limit := effectiveLimit(l.cfg.RequestsPerMinute, l.cfg.SafetyMargin)
		count := len(l.requestTimestamps)
		if float64(count) >= limit && len(l.requestTimestamps) > 0 {
			oldest := l.requestTimestamps[0]
			if d := oldest.Add(minuteWindow).Sub(now); d > delay {
				delay = d
			}
		}
	}

	if l.cfg.TokensPerMinute > 0 {
		limit := effectiveLimit(l.cfg.TokensPerMinute, l.cfg.SafetyMargin)
		if float64(l.tokensInWindowLocked()) >= limit && len(l.tokenSamples) > 0 {
			oldest := l.tokenSamples[0].at
			if d := oldest.Add(minuteWindow).Sub(now); d > delay {
				delay = d
			}
		}
	}

	if l.cfg.TokensPerDay > 0 {
		limit := effectiveLimit(l.cfg.TokensPerDay, l.cfg.SafetyMargin)
		if dayStamp(now) == l.dailyStamp && float64(l.dailyTokens) >= limit {
			tomorrow := now.UTC().Truncate(dayWindow).Add(dayWindow)
			if d := tomorrow.Sub(now); d > delay {
				delay = d
			}
		}
	}

	if delay < 0 {
		delay = 0
	}
	if l.metrics != nil {
		l.metrics.delay.Observe(delay.Seconds())
		if delay > 0 {
			l.metrics.throttle.Inc()
		}
	}
	return delay
}

// ReserveRequest registers that a call is about to go out, before its
// result (and therefore its token usage) is known. It must be called after
// waiting RequiredDelay and before the outbound call so that a second,
// concurrent caller's RequiredDelay observes this reservation. Callers must
// pair every ReserveRequest with exactly one RecordUsage once the call
// completes (success or failure), via the returned release func.
func (l *Limiter) ReserveRequest(now time.Time) func(inputTokens, outputTokens int64) {
	l.mu.Lock()
	l.pruneLocked(now)
	l.requestTimestamps = append(l.requestTimestamps, now)
	l.mu.Unlock()

	var once sync.Once
	return func(inputTokens, outputTokens int64) {
		once.Do(func() {
			l.RecordUsage(time.Now(), inputTokens, outputTokens)
		})
	}
}

// RecordUsage folds a completed call's token usage into the sliding
// windows. It never appends a request timestamp: a call counts toward
// RequestsPerMinute only through ReserveRequest, so a caller that records
// usage without reserving (e.g. a test driving RecordUsage directly) adds
// tokens but no request. A total of zero or fewer tokens is ignored.
func (l *Limiter) RecordUsage(now time.Time, inputTokens, outputTokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	total := inputTokens + outputTokens
	if total <= 0 {
		return
	}
	l.tokenSamples = append(l.tokenSamples, tokenSample{at: now, tokens: total})

	stamp := dayStamp(now)
	if l.dailyStamp != stamp {
		l.dailyStamp = stamp
		l.dailyTokens = 0
	}
	l.dailyTokens += total
}

// Stats reports current usage, for dashboards and tests.
func (l *Limiter) Stats(now time.Time) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	s := Stats{
		RequestsInWindow: int64(len(l.requestTimestamps)),
		TokensInWindow:   l.tokensInWindowLocked(),
	}
	if dayStamp(now) == l.dailyStamp {
		s.TokensToday = l.dailyTokens
	}

	if l.cfg.RequestsPerMinute > 0 && float64(s.RequestsInWindow) >= effectiveLimit(l.cfg.RequestsPerMinute, l.cfg.SafetyMargin) {
		s.Triggering = append(s.Triggering, "requests_per_minute")
	}
	if l.cfg.TokensPerMinute > 0 && float64(s.TokensInWindow) >= effectiveLimit(l.cfg.TokensPerMinute, l.cfg.SafetyMargin) {
		s.Triggering = append(s.Triggering, "tokens_per_minute")
	}
	if l.cfg.TokensPerDay > 0 && float64(s.TokensToday) >= effectiveLimit(l.cfg.TokensPerDay, l.cfg.SafetyMargin) {
		s.Triggering = append(s.Triggering, "tokens_per_day")
	}

	return s
}
