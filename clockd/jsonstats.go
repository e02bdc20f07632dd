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

package clockd

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// JSONStatus is the plain counters snapshot served alongside the
// Prometheus registry, the same dual-surface shape
// fbclock/daemon/json_stats.go's JSONStats sits next to
// ptp/ptp4u/stats's registry: one machine-readable endpoint for a
// Prometheus scraper, one for a human or a quick curl.
type JSONStatus struct {
	RunUUID         string  `json:"run_uuid"`
	State           string  `json:"state"`
	Servo           string  `json:"servo"`
	ServoState      string  `json:"servo_state"`
	FreqBiasPPM     float64 `json:"freq_bias_ppm"`
	PhaseResidualNs int64   `json:"phase_residual_ns"`
	DroppedEvents   uint64  `json:"dropped_events"`
}

// Status snapshots the instance's counters for JSON serving.
func (inst *Instance) Status() JSONStatus {
	snap := inst.tb.Snap()
	return JSONStatus{
		RunUUID:         inst.runUUID,
		State:           inst.currentState().String(),
		Servo:           string(inst.cfg.Servo),
		ServoState:      inst.lastServoState().String(),
		FreqBiasPPM:     snap.FreqBiasPPM,
		PhaseResidualNs: snap.PhaseResidualNs,
		DroppedEvents:   inst.ring.Dropped(),
	}
}

// ServeJSONStatus replies with the instance's current JSONStatus,
// the counters-over-HTTP endpoint JSONStats.handleRequest provides in
// the teacher daemon.
func (inst *Instance) ServeJSONStatus(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(inst.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("writing json status reply: %v", err)
	}
}
