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

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredDelayZeroWhenDisabled(t *testing.T) {
	l := New(Config{Enabled: false, RequestsPerMinute: 1}, nil)
	assert.Equal(t, time.Duration(0), l.RequiredDelay(time.Now()))
}

func TestRequestsPerMinuteThrottles(t *testing.T) {
	cfg := Config{Enabled: true, RequestsPerMinute: 2, SafetyMargin: 1.0}
	l := New(cfg, nil)

	base := time.Now()

	assert.Equal(t, time.Duration(0), l.RequiredDelay(base))
	release1 := l.ReserveRequest(base)

	assert.Equal(t, time.Duration(0), l.RequiredDelay(base))
	release2 := l.ReserveRequest(base)

	// Effective limit (2) now reached by pending reservations alone.
	d := l.RequiredDelay(base)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Minute)

	release1(10, 10)
	release2(10, 10)

	// Still within the 60s window, still throttled.
	d2 := l.RequiredDelay(base.Add(30 * time.Second))
	assert.Greater(t, d2, time.Duration(0))

	// Past the window, the two old timestamps are pruned.
	d3 := l.RequiredDelay(base.Add(61 * time.Second))
	assert.Equal(t, time.Duration(0), d3)
}

func TestTokensPerMinuteThrottles(t *testing.T) {
	cfg := Config{Enabled: true, TokensPerMinute: 1000, SafetyMargin: 1.0}
	l := New(cfg, nil)

	base := time.Now()
	l.RecordUsage(base, 600, 300)

	assert.Equal(t, time.Duration(0), l.RequiredDelay(base))

	l.RecordUsage(base, 100, 50)
	d := l.RequiredDelay(base)
	assert.Greater(t, d, time.Duration(0))

	d2 := l.RequiredDelay(base.Add(61 * time.Second))
	assert.Equal(t, time.Duration(0), d2)
}

func TestTokensPerDayResetsAtUTCMidnight(t *testing.T) {
	cfg := Config{Enabled: true, TokensPerDay: 100, SafetyMargin: 1.0}
	l := New(cfg, nil)

	day1 := time.Date(2026, 7, 30, 23, 59, 0, 0, time.UTC)
	l.RecordUsage(day1, 100, 0)

	d := l.RequiredDelay(day1)
	assert.Greater(t, d, time.Duration(0))

	day2 := time.Date(2026, 7, 31, 0, 1, 0, 0, time.UTC)
	d2 := l.RequiredDelay(day2)
	assert.Equal(t, time.Duration(0), d2)
}

func TestSafetyMarginDefaultsWhenUnset(t *testing.T) {
	l := New(Config{Enabled: true, RequestsPerMinute: 10}, nil)
	assert.InDelta(t, defaultSafetyMargin, l.cfg.SafetyMargin, 1e-9)
}

// TestConcurrentReservationsNeverExceedEffectiveLimit drives K goroutines
// through check-then-reserve concurrently and asserts the admitted count in
// the 60s window never exceeds rpm * safetyMargin, the quantified invariant
// this component exists to uphold. The clock is frozen at now, so a caller
// told to wait gives up instead of waiting.
func TestConcurrentReservationsNeverExceedEffectiveLimit(t *testing.T) {
	const rpm = 5
	cfg := Config{Enabled: true, RequestsPerMinute: rpm, SafetyMargin: 1.0}
	l := New(cfg, nil)

	now := time.Now()
	const callers = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.RequiredDelay(now) > 0 {
				return
			}
			release := l.ReserveRequest(now)
			mu.Lock()
			admitted++
			mu.Unlock()
			release(1, 1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, admitted, callers)
	stats := l.Stats(now)
	assert.LessOrEqual(t, stats.RequestsInWindow, int64(rpm))
}

func TestStatsReportsTriggering(t *testing.T) {
	cfg := Config{Enabled: true, RequestsPerMinute: 1, SafetyMargin: 1.0}
	l := New(cfg, nil)

	now := time.Now()
	release := l.ReserveRequest(now)
	release(5, 5)

	stats := l.Stats(now)
	assert.Contains(t, stats.Triggering, "requests_per_minute")
}
