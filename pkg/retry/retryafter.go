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
	"errors"
	"regexp"
	"strconv"
	"time"
)

// RetryAfterProvider is implemented by errors that carry a server-supplied
// hint about when to retry (an HTTP Retry-After header, or a provider's own
// free-text rate-limit message). ParseRetryAfter checks this before falling
// back to regex sniffing of the error text.
type RetryAfterProvider interface {
	RetryAfter() (time.Duration, bool)
}

// freeTextPatterns matches the provider rate-limit message shapes named in
// spec.md §6: "retry in 45.28s", "retry after 12s", "retry-after: 30",
// "wait 5s". The unitless "retry-after: <N>" form (delta-seconds, no "s"
// suffix) is tried last since it has no unit to anchor on and would
// otherwise shadow the more specific "...s" patterns.
var freeTextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry[\s-]?(?:in|after)?\s*:?\s*([0-9]+(?:\.[0-9]+)?)\s*s`),
	regexp.MustCompile(`(?i)wait\s+([0-9]+(?:\.[0-9]+)?)\s*s`),
	regexp.MustCompile(`(?i)retry[\s-]?after\s*:?\s*([0-9]+(?:\.[0-9]+)?)\b`),
}

// ParseRetryAfter extracts a retry delay hint from err, trying the
// RetryAfterProvider interface first, then an HTTP-date Retry-After value,
// then free-text patterns over the error's message. It reports ok == false
// when no hint is present, in which case the caller should fall back to
// computed backoff.
func ParseRetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var p RetryAfterProvider
	if errors.As(err, &p) {
		if d, ok := p.RetryAfter(); ok {
			return d, true
		}
	}

	msg := err.Error()

	if d, ok := parseRetryAfterDate(msg); ok {
		return d, true
	}

	for _, re := range freeTextPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		secs, perr := strconv.ParseFloat(m[1], 64)
		if perr != nil {
			continue
		}
		return time.Duration(secs * float64(time.Second)), true
	}

	return 0, false
}

// httpDatePattern matches an RFC 7231 HTTP-date, the second form
// Retry-After may take (e.g. "Retry-After: Wed, 21 Oct 2026 07:28:00 GMT").
var httpDatePattern = regexp.MustCompile(`(?i)retry[\s-]?after\s*:?\s*((?:Mon|Tue|Wed|Thu|Fri|Sat|Sun),\s+\d{2}\s+\w+\s+\d{4}\s+\d{2}:\d{2}:\d{2}\s+\w+)`)

// parseRetryAfterDate extracts an HTTP-date Retry-After value from msg and
// returns the delay until that instant, clamped to 0 if it is already in
// the past (a non-retryable server clock skew shouldn't produce a negative
// sleep).
func parseRetryAfterDate(msg string) (time.Duration, bool) {
	m := httpDatePattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	t, err := time.Parse(time.RFC1123, m[1])
	if err != nil {
		return 0, false
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return d, true
}

