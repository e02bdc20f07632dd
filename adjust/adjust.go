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

// Package adjust implements the Adjustment Router (spec 4.E): it decodes a
// timex-style Command and dispatches each recognized flag to the slew path,
// the frequency path, or a direct base step, rejecting what the kernel's
// clock_adjtime(2) would reject for the same reason.
package adjust

import (
	"fmt"
	"math"

	"github.com/nsynth/synthclock/clockerr"
	"github.com/nsynth/synthclock/servo"
	"github.com/nsynth/synthclock/timebase"
)

// Mode bits, lifted from usr/include/linux/timex.h (same encoding the
// teacher's clock/clock.go and phc/adjtime.go use for the real
// CLOCK_ADJTIME syscall).
const (
	Offset     uint32 = 0x0001
	Frequency  uint32 = 0x0002
	MaxError   uint32 = 0x0004
	EstError   uint32 = 0x0008
	Status     uint32 = 0x0010
	TimeConst  uint32 = 0x0020
	TAI        uint32 = 0x0080
	SetOffset  uint32 = 0x0100
	Micro      uint32 = 0x1000
	Nano       uint32 = 0x2000
	Tick       uint32 = 0x4000
	recognized = Offset | Frequency | MaxError | EstError | Status | TimeConst | TAI | SetOffset | Micro | Nano | Tick
)

// Recognized STA_* status bits (linux/timex.h). Bits outside this set are
// reported back as invalid when AdjStatus is requested, but never reject
// the call outright: status is accepted-but-inert (spec 4.E, 9).
const (
	StaPLL       uint32 = 0x0001
	StaPPSFreq   uint32 = 0x0002
	StaPPSTime   uint32 = 0x0004
	StaFLL       uint32 = 0x0008
	StaIns       uint32 = 0x0010
	StaDel       uint32 = 0x0020
	StaUnsync    uint32 = 0x0040
	StaFreqHold  uint32 = 0x0080
	StaPPSSignal uint32 = 0x0100
	StaPPSJitter uint32 = 0x0200
	StaPPSWander uint32 = 0x0400
	StaPPSError  uint32 = 0x0800
	StaClockErr  uint32 = 0x1000
	StaNano      uint32 = 0x2000
	StaMode      uint32 = 0x4000
	StaClk       uint32 = 0x8000

	recognizedStatus = StaPLL | StaPPSFreq | StaPPSTime | StaFLL | StaIns | StaDel |
		StaUnsync | StaFreqHold | StaPPSSignal | StaPPSJitter | StaPPSWander |
		StaPPSError | StaClockErr | StaNano | StaMode | StaClk
)

// PPMScale is the 2^16 scale factor used to encode/decode freq_scaled, per
// man clock_adjtime(2) (the same constant as clock.PPBToTimexPPM's 65.536,
// expressed here as ppm*2^16 rather than ppm*65.536 to ppb).
const PPMScale = 65536.0

// TimeStep is the signed {sec, subsec} pair used by ADJ_SETOFFSET.
type TimeStep struct {
	Sec    int64
	Subsec int64 // ns or us, selected by Command's Nano/Micro bit
}

// Command is the configuration record adjust() accepts, mirroring the
// recognized options of a Linux struct timex.
type Command struct {
	ModesMask   uint32
	OffsetValue int64 // ns or us, selected by Nano/Micro
	FreqScaled  int64 // ppm * 2^16
	TimeStep    TimeStep
	TAIOffsetS  int64
	MaxErrorUs  int64
	EstErrorUs  int64
	Status      uint32
	// Strict, when true, rejects any modes_mask bit outside `recognized`.
	Strict bool
}

func (c Command) has(bit uint32) bool { return c.ModesMask&bit != 0 }

// Result reports what Adjust actually did, so the caller (clockd's
// instance) can emit the right events and update stats.
type Result struct {
	PhaseSlewBeganNs  int64 // 0 if ADJ_OFFSET was absent or a no-op
	FrequencyApplied  bool
	FrequencyClamped  bool
	Stepped           bool
	StepDeltaNs       int64
	TAIUpdated        bool
	InvalidStatusBits uint32
}

// PhaseNudger is told the amount of every non-zero slew command that
// Adjust starts (spec 4.E, OFFSET). What it does with that amount is up
// to the implementation.
type PhaseNudger interface {
	NudgePhase(ns int64)
}

// Router is the Adjustment Router (spec 4.E).
type Router struct {
	tb        *timebase.Timebase
	corrector servo.Corrector
	nudger    PhaseNudger

	statusBits uint32
	maxErrorUs int64
	estErrorUs int64
}

// New creates a Router driving tb and corrector. nudger may be nil.
func New(tb *timebase.Timebase, corrector servo.Corrector, nudger PhaseNudger) *Router {
	return &Router{tb: tb, corrector: corrector, nudger: nudger}
}

// Adjust routes cmd to the slew path, frequency path, or a direct step,
// per the behavior-by-flag table in spec 4.E. On any InvalidArgument, no
// state is changed.
func (r *Router) Adjust(cmd Command) (Result, error) {
	var res Result

	if cmd.has(TimeConst) || cmd.has(Tick) {
		return res, fmt.Errorf("%w: ADJ_TIMECONST/ADJ_TICK are not supported", clockerr.ErrInvalidArgument)
	}
	if cmd.Strict {
		if unknown := cmd.ModesMask &^ recognized; unknown != 0 {
			return res, fmt.Errorf("%w: unrecognized modes bits 0x%x under strict mode", clockerr.ErrInvalidArgument, unknown)
		}
	}

	nano := cmd.has(Nano)
	micro := cmd.has(Micro)

	var offsetNs int64
	if cmd.has(Offset) {
		offsetNs = toNs(cmd.OffsetValue, nano, micro)
	}

	var stepDeltaNs int64
	var stepRequested bool
	if cmd.has(SetOffset) {
		subsecNs := toNs(cmd.TimeStep.Subsec, nano, micro)
		if micro && !nano && cmd.TimeStep.Subsec >= 1_000_000 {
			return res, fmt.Errorf("%w: usec subsec %d overflows a second in microsecond mode", clockerr.ErrInvalidArgument, cmd.TimeStep.Subsec)
		}
		stepDeltaNs = cmd.TimeStep.Sec*1_000_000_000 + subsecNs
		stepRequested = true
	}

	var freqPPM float64
	var freqRequested bool
	if cmd.has(Frequency) {
		freqPPM = float64(cmd.FreqScaled) / PPMScale
		freqRequested = true
	}

	// All validation above must complete before any state mutation below,
	// so an invalid command never leaves partial state changes behind.

	if cmd.has(MaxError) {
		r.maxErrorUs = cmd.MaxErrorUs
	}
	if cmd.has(EstError) {
		r.estErrorUs = cmd.EstErrorUs
	}
	if cmd.has(Status) {
		r.statusBits = cmd.Status
		res.InvalidStatusBits = cmd.Status &^ recognizedStatus
	}
	if cmd.has(TAI) {
		r.tb.SetTAIOffset(cmd.TAIOffsetS)
		res.TAIUpdated = true
	}

	if freqRequested {
		res.FrequencyClamped = math.Abs(freqPPM) > timebase.MaxPPM
		if err := r.tb.SetFrequency(freqPPM); err != nil {
			return res, err
		}
		res.FrequencyApplied = true
		if r.corrector != nil && !r.corrector.Enabled() {
			r.corrector.Enable()
		}
	}

	if offsetNs != 0 {
		if err := r.tb.BeginSlew(offsetNs, 0); err != nil {
			return res, err
		}
		res.PhaseSlewBeganNs = offsetNs
		if r.nudger != nil {
			r.nudger.NudgePhase(offsetNs)
		}
	}

	if stepRequested {
		if err := r.tb.Step(stepDeltaNs); err != nil {
			return res, err
		}
		res.Stepped = true
		res.StepDeltaNs = stepDeltaNs
	}

	return res, nil
}

// StatusBits returns the remembered, reflected-back status bitmask.
func (r *Router) StatusBits() uint32 { return r.statusBits }

// MaxErrorUs returns the remembered, inert MAXERROR value.
func (r *Router) MaxErrorUs() int64 { return r.maxErrorUs }

// EstErrorUs returns the remembered, inert ESTERROR value.
func (r *Router) EstErrorUs() int64 { return r.estErrorUs }

func toNs(v int64, nano, micro bool) int64 {
	if micro && !nano {
		return v * 1000
	}
	return v
}
