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

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus instrumentation for a Limiter. New builds
// a fresh set for every Limiter and registers it against the Registerer it
// is given, or leaves it unregistered when that Registerer is nil; callers
// can also read Stats() directly instead.
type metrics struct {
	delay    prometheus.Histogram
	throttle prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		delay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmist",
			Subsystem: "ratelimit",
			Name:      "required_delay_seconds",
			Help:      "Delay computed by requiredDelayMs before each reservation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		throttle: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmist",
			Subsystem: "ratelimit",
			Name:      "throttled_total",
			Help:      "Number of times requiredDelayMs returned a positive delay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.delay, m.throttle)
	}
	return m
}
