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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string  { return fmt.Sprintf("http %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	assert.True(t, Classify(statusErr{429}))
	assert.True(t, Classify(statusErr{503}))
	assert.False(t, Classify(statusErr{400}))
	assert.False(t, Classify(statusErr{401}))

	assert.True(t, Classify(errors.New("connection timed out")))
	assert.True(t, Classify(errors.New("upstream overloaded, please retry")))
	assert.True(t, Classify(errors.New("resource_exhausted: quota exceeded")))

	assert.False(t, Classify(errors.New("invalid api key")))
	assert.False(t, Classify(errors.New("content policy violation")))
	assert.False(t, Classify(errors.New("something entirely unrecognized")))
	assert.False(t, Classify(nil))
}

func TestParseRetryAfterFreeText(t *testing.T) {
	cases := []struct {
		msg  string
		want time.Duration
	}{
		{"rate limited, retry in 45.28s", 45280 * time.Millisecond},
		{"please retry after 12s", 12 * time.Second},
		{"retry-after: 30s", 30 * time.Second},
		{"server busy, wait 5s and try again", 5 * time.Second},
	}
	for _, c := range cases {
		d, ok := ParseRetryAfter(errors.New(c.msg))
		require.True(t, ok, c.msg)
		assert.InDelta(t, c.want.Seconds(), d.Seconds(), 0.01, c.msg)
	}

	_, ok := ParseRetryAfter(errors.New("no timing information here"))
	assert.False(t, ok)
}

type retryAfterErr struct{ d time.Duration }

func (e retryAfterErr) Error() string                    { return "rate limited" }
func (e retryAfterErr) RetryAfter() (time.Duration, bool) { return e.d, true }

func TestParseRetryAfterProviderInterfaceWins(t *testing.T) {
	d, ok := ParseRetryAfter(retryAfterErr{d: 7 * time.Second})
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTimeout = time.Millisecond
	cfg.MaxTimeout = 5 * time.Millisecond

	attempts := 0
	result, err := Do(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", statusErr{503}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultConfig()
	attempts := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		return "", statusErr{401}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsAndInvokesCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retries = 2
	cfg.MinTimeout = time.Millisecond
	cfg.MaxTimeout = 2 * time.Millisecond

	exhausted := false
	cfg.OnRetriesExhausted = func(err error, attempts int) {
		exhausted = true
		assert.Equal(t, 3, attempts)
	}

	attempts := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		return "", statusErr{500}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, exhausted)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, cfg, func(ctx context.Context) (string, error) {
		return "", statusErr{503}
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoRespectsRetryAfterHint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinTimeout = time.Second // large, so a wrong backoff would be obvious
	cfg.MaxTimeout = 10 * time.Second

	var observedDelay time.Duration
	cfg.OnRetry = func(err error, attempt int, delay time.Duration) {
		observedDelay = delay
	}

	attempts := 0
	_, _ = Do(context.Background(), cfg, func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("http 429: rate limited, retry in 0.01s")
		}
		return "", statusErr{401} // stop after second attempt
	})

	assert.InDelta(t, 0.01, observedDelay.Seconds(), 0.005)
}
