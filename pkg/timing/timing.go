// Package timing provides request timing for the access log (spec §4.4).
package timing

import (
	"fmt"
	"time"
)

// Metrics captures the timing of a single RPC request/response.
type Metrics struct {
	// Connect is the time spent establishing the connection (call client only).
	Connect time.Duration `json:"connect"`
	// TTFB is the time spent waiting for the first response byte.
	TTFB time.Duration `json:"ttfb"`
	// TotalTime is the total end-to-end time.
	TotalTime time.Duration `json:"total_time"`
}

// Timer helps measure request timings.
type Timer struct {
	start        time.Time
	connectStart time.Time
	connectEnd   time.Time
	ttfbStart    time.Time
	ttfbEnd      time.Time
}

// NewTimer starts a new timing measurement session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartConnect marks the beginning of connection establishment.
func (t *Timer) StartConnect() { t.connectStart = time.Now() }

// EndConnect marks the end of connection establishment.
func (t *Timer) EndConnect() { t.connectEnd = time.Now() }

// StartTTFB marks when we start waiting for the first response byte.
func (t *Timer) StartTTFB() { t.ttfbStart = time.Now() }

// EndTTFB marks when we receive the first response byte.
func (t *Timer) EndTTFB() { t.ttfbEnd = time.Now() }

// Elapsed returns the time since the timer was created, for the access log's
// `elapsed` field (spec §4.4).
func (t *Timer) Elapsed() time.Duration { return time.Since(t.start) }

// GetMetrics returns the calculated timing metrics.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{TotalTime: time.Since(t.start)}
	if !t.connectStart.IsZero() && !t.connectEnd.IsZero() {
		m.Connect = t.connectEnd.Sub(t.connectStart)
	}
	if !t.ttfbStart.IsZero() && !t.ttfbEnd.IsZero() {
		m.TTFB = t.ttfbEnd.Sub(t.ttfbStart)
	}
	return m
}

// String provides a human-readable representation of the metrics.
func (m Metrics) String() string {
	return fmt.Sprintf("connect: %v, ttfb: %v, total: %v", m.Connect, m.TTFB, m.TotalTime)
}
