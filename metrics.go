// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package squidhelper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "squidhelper"

// Framing error reasons, used as the "reason" label.
const (
	reasonTooLong   = "too_long"
	reasonDecode    = "decode"
	reasonTruncated = "truncated"
	reasonPanic     = "panic"
	reasonNewline   = "newline"
)

// Metrics holds the collectors updated by a [Helper].
type Metrics struct {
	Requests      *prometheus.CounterVec
	FramingErrors *prometheus.CounterVec
	ResponderTime prometheus.Histogram
	ResponseBytes prometheus.Counter
}

// NewMetrics creates the helper collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Request lines answered, by whether they carried a channel ID.",
		}, []string{"channel"}),
		FramingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "framing_errors_total",
			Help:      "Request or response lines that could not be handled as-is.",
		}, []string{"reason"}),
		ResponderTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "responder_duration_seconds",
			Help:      "Time spent in the responder per request.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ResponseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "response_bytes_total",
			Help:      "Bytes written to the proxy, terminators included.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.FramingErrors, m.ResponderTime, m.ResponseBytes)
	}
	return m
}

func (m *Metrics) observeRequest(req Request, took time.Duration) {
	if m == nil {
		return
	}
	label := "no"
	if req.HasChannel() {
		label = "yes"
	}
	m.Requests.WithLabelValues(label).Inc()
	m.ResponderTime.Observe(took.Seconds())
}

func (m *Metrics) framingError(reason string) {
	if m == nil {
		return
	}
	m.FramingErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) wrote(n int) {
	if m == nil {
		return
	}
	m.ResponseBytes.Add(float64(n))
}
