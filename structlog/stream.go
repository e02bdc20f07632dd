/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package structlog implements the structured event stream (spec 4.I):
// one JSON record per line, independently parseable, no document-level
// brackets. Wire shape follows fbclock/daemon/json_stats.go's
// encoding/json use for its counters payload, generalized from a single
// map to the seven record kinds spec 4.I names via an envelope with a
// type discriminator, the way ptp/protocol's management TLVs carry a
// tag distinguishing their decoded body.
package structlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Kind discriminates a Record's body.
type Kind string

// All record kinds spec 4.I names.
const (
	KindSystemEvent      Kind = "SystemEvent"
	KindServoStateUpdate Kind = "ServoStateUpdate"
	KindTimeAdjustment   Kind = "TimeAdjustment"
	KindPIUpdate         Kind = "PIUpdate"
	KindThresholdAlert   Kind = "ThresholdAlert"
	KindMetricsSnapshot  Kind = "MetricsSnapshot"
	KindTestResult       Kind = "TestResult"
)

// Record is the envelope every structured-stream line carries.
type Record struct {
	TimestampNs int64  `json:"timestamp_ns"`
	Type        Kind   `json:"type"`
	RunUUID     string `json:"run_uuid"`
	Body        any    `json:"body"`
}

// SystemEventBody reports a lifecycle or error-level occurrence.
type SystemEventBody struct {
	Message string `json:"message"`
}

// ServoStateUpdateBody mirrors one statelog.Row, for consumers that
// prefer the structured stream over the CSV.
type ServoStateUpdateBody struct {
	FreqPPM      float64 `json:"freq_ppm"`
	IntErrorS    float64 `json:"int_error_s"`
	RemainingNs  int64   `json:"remaining_phase_ns"`
	State        string  `json:"state"`
	ServoEnabled bool    `json:"servo_enabled"`
}

// TimeAdjustmentBody reports the outcome of one adjust.Router.Adjust call.
type TimeAdjustmentBody struct {
	ModesMask  uint32 `json:"modes_mask"`
	AppliedPPM string `json:"applied,omitempty"`
}

// PIUpdateBody reports one servo.Corrector.Update outcome.
type PIUpdateBody struct {
	PhaseErrorS float64 `json:"phase_error_s"`
	DtS         float64 `json:"dt_s"`
	FreqPPM     float64 `json:"freq_ppm"`
	Clamped     bool    `json:"clamped"`
}

// ThresholdAlertBody reports an enable/disable threshold crossing.
type ThresholdAlertBody struct {
	ThresholdS float64 `json:"threshold_s"`
	ObservedS  float64 `json:"observed_s"`
}

// MetricsSnapshotBody carries the same counters a Prometheus scrape sees.
type MetricsSnapshotBody struct {
	FreqBiasPPM     float64 `json:"freq_bias_ppm"`
	PhaseResidualNs int64   `json:"phase_residual_ns"`
	DroppedEvents   uint64  `json:"dropped_events"`
}

// TestResultBody reports one seed-scenario assertion outcome.
type TestResultBody struct {
	Name string `json:"name"`
	Pass bool   `json:"pass"`
}

// Stream is a newline-delimited JSON writer; one Encode call per
// record, never wrapped in an array.
type Stream struct {
	mu      sync.Mutex
	enc     *json.Encoder
	runUUID string
}

// New creates a Stream writing to w, stamping runUUID on every record.
func New(w io.Writer, runUUID string) *Stream {
	return &Stream{enc: json.NewEncoder(w), runUUID: runUUID}
}

// Emit writes one record. Safe for concurrent callers.
func (s *Stream) Emit(timestampNs int64, kind Kind, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := Record{TimestampNs: timestampNs, Type: kind, RunUUID: s.runUUID, Body: body}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("encoding %s record: %w", kind, err)
	}
	return nil
}
