// FleetPulse - Vehicle Telemetry Ingestion
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetpulse

package metrics

import (
	"sort"
	"sync"
	"time"
)

// OperationStats summarises one named operation since process start.
type OperationStats struct {
	Count   int64         `json:"count"`
	Errors  int64         `json:"errors"`
	Total   time.Duration `json:"total_ns"`
	Max     time.Duration `json:"max_ns"`
	Average time.Duration `json:"average_ns"`
}

// Recorder tracks latency and count per operation name. Every observation is
// also exported through OperationDuration.
type Recorder struct {
	mu  sync.Mutex
	ops map[string]*OperationStats
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{ops: make(map[string]*OperationStats)}
}

// Operations is the process-wide recorder.
var Operations = NewRecorder()

// Observe records one completed operation.
func (r *Recorder) Observe(op string, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationDuration.WithLabelValues(op, result).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ops[op]
	if !ok {
		s = &OperationStats{}
		r.ops[op] = s
	}
	s.Count++
	if err != nil {
		s.Errors++
	}
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
}

// Start returns a function that records the elapsed time when called.
//
//	done := metrics.Operations.Start("store.bulk_set_location")
//	err := doWrite()
//	done(err)
func (r *Recorder) Start(op string) func(error) {
	start := time.Now()
	return func(err error) {
		r.Observe(op, time.Since(start), err)
	}
}

// Snapshot copies the current statistics.
func (r *Recorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.ops))
	for name, s := range r.ops {
		cp := *s
		if cp.Count > 0 {
			cp.Average = cp.Total / time.Duration(cp.Count)
		}
		out[name] = cp
	}
	return out
}

// Names returns the recorded operation names in sorted order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.ops))
	for n := range r.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
