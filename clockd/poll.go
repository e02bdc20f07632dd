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
	"context"
	"time"

	"github.com/nsynth/synthclock/eventlog"
	"github.com/nsynth/synthclock/statelog"
	"github.com/nsynth/synthclock/structlog"
)

// pollLoop drives the six-step tick body (spec 4.F) at cfg.PollInterval
// cadence, the way fbclock/daemon.Daemon.Run drives its sample loop off
// a time.NewTicker first-run pattern. It never blocks Adjust or
// GetTime: each step takes the timebase's own short critical section
// and returns.
func (inst *Instance) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(inst.cfg.PollInterval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dtS := now.Sub(lastTick).Seconds()
			lastTick = now
			if err := inst.tick(dtS); err != nil {
				inst.pushEvent(eventlog.Error, nil)
				return err
			}
		}
	}
}

// tick runs one poll cycle: spec 4.F steps 1-6.
func (inst *Instance) tick(dtS float64) error {
	// 1. t_ref = now_ref() is implicit in every Timebase call below.
	// 2. Measure current phase error from the configured error source.
	phaseErrorS, err := inst.errSrc.PhaseErrorS()
	if err != nil {
		return err
	}

	// 3. Advance phase_residual by the slew consumption since last tick.
	if err := inst.tb.Tick(); err != nil {
		return err
	}

	// 4. Call the active servo with (e_s, dt_s).
	result := inst.corrector.Update(phaseErrorS, dtS)
	inst.lastState.Store(int32(result.State))
	if result.EnabledChanged {
		if inst.corrector.Enabled() {
			inst.pushEvent(eventlog.PIEnable, nil)
		} else {
			inst.pushEvent(eventlog.PIDisable, nil)
		}
	}

	// 5. Publish the servo output to the timebase and emit PI_STEP.
	if inst.corrector.Enabled() {
		if err := inst.tb.SetFrequency(result.FreqPPM); err != nil {
			return err
		}
	}
	inst.pushEvent(eventlog.PIStep, nil)
	if result.Clamped {
		inst.pushEvent(eventlog.FrequencyClamp, nil)
	}

	// 6. Enqueue a servo-state row through statelog if enabled; enqueue
	// a structured ServoStateUpdate through structlog if enabled.
	snap := inst.tb.Snap()
	nowNs := inst.nowMonotonic()

	if inst.stateWriter != nil {
		row := statelog.Row{
			TimestampNs:      nowNs,
			BaseRTNs:         snap.BaseRTNs,
			BaseMonoNs:       snap.BaseMonoNs,
			FreqScaledPPM:    snap.FreqBiasPPM,
			PIFreqPPM:        result.FreqPPM,
			RemainingPhaseNs: snap.PhaseResidualNs,
			PIServoEnabled:   inst.corrector.Enabled(),
			MaxErrorUs:       inst.router.MaxErrorUs(),
			EstErrorUs:       inst.router.EstErrorUs(),
			TAIOffsetS:       snap.TAIOffsetS,
		}
		if pi, ok := inst.corrector.(pIServoIntError); ok {
			row.PIIntErrorS = pi.IntegError()
		}
		if err := inst.stateWriter.Write(row); err != nil {
			return err
		}
		if inst.stateWriter.ShouldRotate() {
			inst.pushEvent(eventlog.Rotate, nil)
		}
	}

	if inst.stream != nil {
		body := structlog.ServoStateUpdateBody{
			FreqPPM:      result.FreqPPM,
			RemainingNs:  snap.PhaseResidualNs,
			State:        result.State.String(),
			ServoEnabled: inst.corrector.Enabled(),
		}
		if pi, ok := inst.corrector.(pIServoIntError); ok {
			body.IntErrorS = pi.IntegError()
		}
		_ = inst.stream.Emit(nowNs, structlog.KindServoStateUpdate, body)
		_ = inst.stream.Emit(nowNs, structlog.KindPIUpdate, structlog.PIUpdateBody{
			PhaseErrorS: phaseErrorS,
			DtS:         dtS,
			FreqPPM:     result.FreqPPM,
			Clamped:     result.Clamped,
		})
	}

	return nil
}

// pIServoIntError is satisfied by *servo.PiServo; used narrowly so
// poll.go can report the integrator term in the CSV without statelog
// or clockd depending on servo's concrete PI type beyond the Corrector
// capability it already holds.
type pIServoIntError interface {
	IntegError() float64
}
