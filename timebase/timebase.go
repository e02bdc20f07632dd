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

// Package timebase maintains the synthetic realtime/monotonic timebase:
// an anchor pair (base_rt_ns, base_mono_ns) plus a frequency bias and an
// in-progress phase slew, all driven off a single monotonic raw reference.
// Every write re-anchors in the same critical section it mutates in, so the
// output function never has a visible jump (see clock/clock.go's own
// re-anchor-on-AdjFrequency discipline in the teacher repo).
package timebase

import (
	"fmt"
	"sync"

	"github.com/nsynth/synthclock/clockerr"
	"github.com/nsynth/synthclock/refclock"
)

// ClockID selects which of the three synthetic clocks gettime answers for.
type ClockID uint8

// The three clock ids synthclock answers gettime for.
const (
	REALTIME ClockID = iota
	MONOTONIC
	MONOTONICRAW
)

func (c ClockID) String() string {
	switch c {
	case REALTIME:
		return "REALTIME"
	case MONOTONIC:
		return "MONOTONIC"
	case MONOTONICRAW:
		return "MONOTONIC_RAW"
	}
	return "UNKNOWN"
}

// MaxPPM is the maximum magnitude of freq_bias_ppm the timebase will accept,
// matching spec's MAX_PPM constant.
const MaxPPM = 200.0

// DefaultSlewRatePPM is the ramp rate used to drain phase_residual_ns when
// no servo-driven rate has been set. 500 ppm drains a 1ms step in 2s.
const DefaultSlewRatePPM = 500.0

// Timebase is the single synthetic-timebase instance. All fields are
// mutated only under mu, except where noted.
type Timebase struct {
	mu sync.Mutex

	ref refclock.Clock

	baseRTNs        int64
	baseMonoNs      int64
	refAtAnchorNs   int64
	freqBiasPPM     float64
	phaseResidualNs int64
	slewRatePPM     float64
	taiOffsetS      int64

	configuredSlewRatePPM float64
}

// New creates a Timebase whose realtime and monotonic outputs start at
// startRTNs and startMonoNs, anchored at the current reference value.
func New(ref refclock.Clock, startRTNs, startMonoNs int64, taiOffsetS int64) (*Timebase, error) {
	now, err := ref.Now()
	if err != nil {
		return nil, fmt.Errorf("reading reference clock at anchor: %w", err)
	}
	return &Timebase{
		ref:                   ref,
		baseRTNs:              startRTNs,
		baseMonoNs:            startMonoNs,
		refAtAnchorNs:         now,
		taiOffsetS:            taiOffsetS,
		configuredSlewRatePPM: DefaultSlewRatePPM,
	}, nil
}

// snapshot is the small struct GetTime copies out under the lock, so the
// arithmetic itself runs outside the critical section.
type snapshot struct {
	baseRTNs        int64
	baseMonoNs      int64
	refAtAnchorNs   int64
	freqBiasPPM     float64
	phaseResidualNs int64
	slewRatePPM     float64
}

func (tb *Timebase) snapshotLocked() snapshot {
	return snapshot{
		baseRTNs:        tb.baseRTNs,
		baseMonoNs:      tb.baseMonoNs,
		refAtAnchorNs:   tb.refAtAnchorNs,
		freqBiasPPM:     tb.freqBiasPPM,
		phaseResidualNs: tb.phaseResidualNs,
		slewRatePPM:     tb.slewRatePPM,
	}
}

// consumedSlew returns the portion of residual to apply given elapsedNs has
// passed at slewRatePPM, bounded so |consumed| <= |residual| and sign
// matches residual, which is what keeps |phase_residual_ns| non-increasing.
func consumedSlew(residualNs int64, slewRatePPM float64, elapsedNs int64) int64 {
	if residualNs == 0 || elapsedNs <= 0 || slewRatePPM <= 0 {
		return 0
	}
	budget := slewRatePPM * 1e-6 * float64(elapsedNs)
	abs := residualNs
	sign := int64(1)
	if abs < 0 {
		abs = -abs
		sign = -1
	}
	if budget >= float64(abs) {
		return sign * abs
	}
	return sign * int64(budget)
}

// advance computes (advanced, consumed) for the given snapshot and elapsed
// raw-reference duration: the ppm-scaled elapsed time plus any slew
// consumed during that window.
func advance(s snapshot, elapsedNs int64) (advancedNs int64, consumed int64) {
	advancedF := float64(elapsedNs) * (1 + s.freqBiasPPM*1e-6)
	return int64(advancedF), consumedSlew(s.phaseResidualNs, s.slewRatePPM, elapsedNs)
}

// GetTime returns the current nanosecond value for the requested clock.
func (tb *Timebase) GetTime(id ClockID) (int64, error) {
	now, err := tb.ref.Now()
	if err != nil {
		return 0, fmt.Errorf("reading reference clock: %w: %w", clockerr.ErrIO, err)
	}
	if id == MONOTONICRAW {
		// Passthrough: monotonic raw is never disciplined.
		return now, nil
	}

	tb.mu.Lock()
	s := tb.snapshotLocked()
	tb.mu.Unlock()

	elapsed := now - s.refAtAnchorNs
	advanced, consumed := advance(s, elapsed)

	switch id {
	case REALTIME:
		return s.baseRTNs + advanced + consumed, nil
	case MONOTONIC:
		return s.baseMonoNs + advanced + consumed, nil
	default:
		return 0, fmt.Errorf("%w: unknown clock id %v", clockerr.ErrInvalidArgument, id)
	}
}

// foldLocked folds the elapsed advance+slew since the last anchor into
// base_rt_ns/base_mono_ns, decrements phase_residual_ns by what was
// consumed, and re-anchors to now. Callers must hold mu.
func (tb *Timebase) foldLocked(now int64) {
	s := tb.snapshotLocked()
	elapsed := now - s.refAtAnchorNs
	advanced, consumed := advance(s, elapsed)
	tb.baseRTNs += advanced + consumed
	tb.baseMonoNs += advanced + consumed
	tb.phaseResidualNs -= consumed
	tb.refAtAnchorNs = now
}

// Tick folds elapsed time into the anchors and is called once per poll
// cycle by clockd's poll loop (spec step 3: "advance phase_residual by the
// slew consumption since last tick").
func (tb *Timebase) Tick() error {
	now, err := tb.ref.Now()
	if err != nil {
		return fmt.Errorf("reading reference clock: %w: %w", clockerr.ErrIO, err)
	}
	tb.mu.Lock()
	tb.foldLocked(now)
	tb.mu.Unlock()
	return nil
}

// SetFrequency clamps ppm to +/-MaxPPM, re-anchors to freeze the current
// output (no discontinuity), and applies the new frequency bias.
func (tb *Timebase) SetFrequency(ppm float64) error {
	if ppm > MaxPPM {
		ppm = MaxPPM
	} else if ppm < -MaxPPM {
		ppm = -MaxPPM
	}
	now, err := tb.ref.Now()
	if err != nil {
		return fmt.Errorf("reading reference clock: %w: %w", clockerr.ErrIO, err)
	}
	tb.mu.Lock()
	tb.foldLocked(now)
	tb.freqBiasPPM = ppm
	tb.mu.Unlock()
	return nil
}

// Frequency returns the currently applied frequency bias in ppm.
func (tb *Timebase) Frequency() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.freqBiasPPM
}

// Step re-anchors with base_rt_ns += deltaNs. This is a discontinuous jump
// and is only ever reachable through ADJ_SETOFFSET.
func (tb *Timebase) Step(deltaNs int64) error {
	now, err := tb.ref.Now()
	if err != nil {
		return fmt.Errorf("reading reference clock: %w: %w", clockerr.ErrIO, err)
	}
	tb.mu.Lock()
	tb.foldLocked(now)
	tb.baseRTNs += deltaNs
	tb.mu.Unlock()
	return nil
}

// BeginSlew adds phaseNs to the residual to be drained, selecting a slew
// rate from the configured ramp so the residual drains within a bounded
// time. rampPPM, when positive, overrides the instance's configured ramp
// for this slew; otherwise the current rate is kept, or the configured
// ramp is used if no rate has been set yet.
func (tb *Timebase) BeginSlew(phaseNs int64, rampPPM float64) error {
	now, err := tb.ref.Now()
	if err != nil {
		return fmt.Errorf("reading reference clock: %w: %w", clockerr.ErrIO, err)
	}
	tb.mu.Lock()
	tb.foldLocked(now)
	tb.phaseResidualNs += phaseNs
	if rampPPM > 0 {
		tb.slewRatePPM = rampPPM
	} else if tb.slewRatePPM == 0 {
		tb.slewRatePPM = tb.configuredSlewRatePPM
	}
	tb.mu.Unlock()
	return nil
}

// PhaseResidual returns the remaining, not-yet-applied phase slew.
func (tb *Timebase) PhaseResidual() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.phaseResidualNs
}

// SetTAIOffset writes tai_offset_s.
func (tb *Timebase) SetTAIOffset(s int64) {
	tb.mu.Lock()
	tb.taiOffsetS = s
	tb.mu.Unlock()
}

// TAIOffset returns tai_offset_s.
func (tb *Timebase) TAIOffset() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.taiOffsetS
}

// Snapshot is a read-only view of the timebase used by the CSV/structured
// loggers; it never escapes with the mutex held.
type Snapshot struct {
	BaseRTNs        int64
	BaseMonoNs      int64
	FreqBiasPPM     float64
	PhaseResidualNs int64
	SlewRatePPM     float64
	TAIOffsetS      int64
}

// Snap returns a copy of the current state for logging.
func (tb *Timebase) Snap() Snapshot {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return Snapshot{
		BaseRTNs:        tb.baseRTNs,
		BaseMonoNs:      tb.baseMonoNs,
		FreqBiasPPM:     tb.freqBiasPPM,
		PhaseResidualNs: tb.phaseResidualNs,
		SlewRatePPM:     tb.slewRatePPM,
		TAIOffsetS:      tb.taiOffsetS,
	}
}
