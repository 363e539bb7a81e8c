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
	"strconv"
	"strings"
)

// StatusCoder is implemented by errors that carry an HTTP-like status code
// (e.g. a provider adapter's wrapped transport error). Classify prefers this
// over textual sniffing when available.
type StatusCoder interface {
	StatusCode() int
}

var retryableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

var nonRetryableStatus = map[int]bool{
	400: true, 401: true, 403: true, 404: true,
}

var retryableMarkers = []string{
	"timeout", "timed out", "econnreset", "econnrefused", "enotfound",
	"network", "overloaded", "capacity", "resource_exhausted",
	"quota exceeded", "unavailable", "deadline_exceeded",
}

var nonRetryableMarkers = []string{
	"content policy", "invalid", "unauthorized", "forbidden",
	"authentication", "permission denied",
}

// Classify reports whether err is retryable. Status-coded errors are
// checked first; otherwise the error's message (and the chain reached via
// errors.Unwrap) is scanned for the textual markers named in spec.md §4.2.
// An error matching neither list is non-retryable by default.
func Classify(err error) bool {
	if err == nil {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		if retryableStatus[code] {
			return true
		}
		if nonRetryableStatus[code] {
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range nonRetryableMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	if code, ok := leadingStatusCode(msg); ok {
		if retryableStatus[code] {
			return true
		}
		if nonRetryableStatus[code] {
			return false
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// leadingStatusCode extracts a 3-digit status code from strings of the
// shape "http 429" / "status 503: ..." that don't implement StatusCoder.
func leadingStatusCode(msg string) (int, bool) {
	for i := 0; i+3 <= len(msg); i++ {
		if isDigit(msg[i]) && isDigit(msg[i+1]) && isDigit(msg[i+2]) {
			if i > 0 && isDigit(msg[i-1]) {
				continue
			}
			if n, err := strconv.Atoi(msg[i : i+3]); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
