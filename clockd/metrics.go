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

import "github.com/prometheus/client_golang/prometheus"

// metricsCollector implements prometheus.Collector by reading live
// values off the Instance at scrape time, the same live-gauge shape
// ptp/sptp/stats.PrometheusExporter uses when it registers one gauge
// per scraped counter instead of pre-computing a snapshot.
type metricsCollector struct {
	inst *Instance

	freqBiasPPM     *prometheus.Desc
	phaseResidualNs *prometheus.Desc
	droppedEvents   *prometheus.Desc
	servoState      *prometheus.Desc
}

func newMetricsCollector(inst *Instance) *metricsCollector {
	return &metricsCollector{
		inst:            inst,
		freqBiasPPM:     prometheus.NewDesc("synthclock_freq_bias_ppm", "Current applied frequency bias, in ppm.", nil, nil),
		phaseResidualNs: prometheus.NewDesc("synthclock_phase_residual_ns", "Remaining, not-yet-applied phase slew, in nanoseconds.", nil, nil),
		droppedEvents:   prometheus.NewDesc("synthclock_dropped_events_total", "Event ring reservations that found the ring full.", nil, nil),
		servoState:      prometheus.NewDesc("synthclock_servo_state", "Active servo's last reported state, as its numeric value.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freqBiasPPM
	ch <- c.phaseResidualNs
	ch <- c.droppedEvents
	ch <- c.servoState
}

// Collect implements prometheus.Collector.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.inst.tb.Snap()
	ch <- prometheus.MustNewConstMetric(c.freqBiasPPM, prometheus.GaugeValue, snap.FreqBiasPPM)
	ch <- prometheus.MustNewConstMetric(c.phaseResidualNs, prometheus.GaugeValue, float64(snap.PhaseResidualNs))
	ch <- prometheus.MustNewConstMetric(c.droppedEvents, prometheus.GaugeValue, float64(c.inst.ring.Dropped()))
	ch <- prometheus.MustNewConstMetric(c.servoState, prometheus.GaugeValue, float64(c.inst.lastServoState()))
}

// Registry exposes the instance's Prometheus registry for a host
// binding to serve via promhttp.
func (inst *Instance) Registry() *prometheus.Registry { return inst.registry }
