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

package adjust

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsynth/synthclock/clockerr"
	"github.com/nsynth/synthclock/refclock"
	"github.com/nsynth/synthclock/servo"
	"github.com/nsynth/synthclock/timebase"
)

type fakeNudger struct{ nudgedNs int64 }

func (f *fakeNudger) NudgePhase(ns int64) { f.nudgedNs += ns }

func newTestRouter(t *testing.T) (*Router, *timebase.Timebase, *servo.PiServo, *fakeNudger) {
	t.Helper()
	ref := refclock.NewSynthetic(0)
	tb, err := timebase.New(ref, 0, 0, 37)
	require.NoError(t, err)
	pi := servo.NewPiServo(servo.DefaultPiServoCfg(), nil)
	nudger := &fakeNudger{}
	return New(tb, pi, nudger), tb, pi, nudger
}

func TestAdjustFrequencyDecodesScaledPPMAndEnablesServo(t *testing.T) {
	r, tb, pi, _ := newTestRouter(t)
	require.False(t, pi.Enabled())

	res, err := r.Adjust(Command{ModesMask: Frequency, FreqScaled: 10 * 65536})
	require.NoError(t, err)
	require.True(t, res.FrequencyApplied)
	require.False(t, res.FrequencyClamped)
	require.InDelta(t, 10.0, tb.Frequency(), 1e-9)
	require.True(t, pi.Enabled())
}

func TestAdjustFrequencyClampsOutOfRange(t *testing.T) {
	r, tb, _, _ := newTestRouter(t)
	huge := int64(timebase.MaxPPM*65536) * 10
	res, err := r.Adjust(Command{ModesMask: Frequency, FreqScaled: huge})
	require.NoError(t, err)
	require.True(t, res.FrequencyClamped)
	require.InDelta(t, timebase.MaxPPM, tb.Frequency(), 1e-6)
}

func TestAdjustOffsetSlewsAndNudges(t *testing.T) {
	r, tb, _, nudger := newTestRouter(t)
	res, err := r.Adjust(Command{ModesMask: Offset | Micro, OffsetValue: 1000}) // +1ms
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), res.PhaseSlewBeganNs)
	require.Equal(t, int64(1_000_000), nudger.nudgedNs)
	require.NotZero(t, tb.PhaseResidual())
}

func TestAdjustOffsetZeroIsNoop(t *testing.T) {
	r, tb, _, nudger := newTestRouter(t)
	res, err := r.Adjust(Command{ModesMask: Offset, OffsetValue: 0})
	require.NoError(t, err)
	require.Zero(t, res.PhaseSlewBeganNs)
	require.Zero(t, nudger.nudgedNs)
	require.Zero(t, tb.PhaseResidual())
}

func TestAdjustSetOffsetMicroOverflowRejected(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.Adjust(Command{
		ModesMask: SetOffset | Micro,
		TimeStep:  TimeStep{Sec: 0, Subsec: 1_000_000},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, clockerr.ErrInvalidArgument))
}

func TestAdjustSetOffsetSteps(t *testing.T) {
	r, tb, _, _ := newTestRouter(t)
	res, err := r.Adjust(Command{
		ModesMask: SetOffset | Micro,
		TimeStep:  TimeStep{Sec: 0, Subsec: 100_000}, // +100ms
	})
	require.NoError(t, err)
	require.True(t, res.Stepped)
	require.Equal(t, int64(100_000_000), res.StepDeltaNs)

	rt, err := tb.GetTime(timebase.REALTIME)
	require.NoError(t, err)
	require.InDelta(t, 100_000_000, rt, 1.0)
}

func TestAdjustRejectsTimeconstAndTick(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.Adjust(Command{ModesMask: TimeConst})
	require.True(t, errors.Is(err, clockerr.ErrInvalidArgument))

	_, err = r.Adjust(Command{ModesMask: Tick})
	require.True(t, errors.Is(err, clockerr.ErrInvalidArgument))
}

func TestAdjustStrictModeRejectsUnknownBits(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.Adjust(Command{ModesMask: 1 << 30, Strict: true})
	require.True(t, errors.Is(err, clockerr.ErrInvalidArgument))

	// the same unknown bit is accepted when strict mode is off
	_, err = r.Adjust(Command{ModesMask: 1 << 30})
	require.NoError(t, err)
}

func TestAdjustStatusBitsAcceptedButInertAndUnknownReflected(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	res, err := r.Adjust(Command{ModesMask: Status, Status: StaIns | StaDel | (1 << 28)})
	require.NoError(t, err)
	require.Equal(t, uint32(1<<28), res.InvalidStatusBits)
	require.Equal(t, StaIns|StaDel|(1<<28), r.StatusBits())
}

func TestAdjustTAIWrite(t *testing.T) {
	r, tb, _, _ := newTestRouter(t)
	res, err := r.Adjust(Command{ModesMask: TAI, TAIOffsetS: 38})
	require.NoError(t, err)
	require.True(t, res.TAIUpdated)
	require.Equal(t, int64(38), tb.TAIOffset())
}

func TestAdjustMaxErrorEstErrorRememberedInert(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	_, err := r.Adjust(Command{ModesMask: MaxError | EstError, MaxErrorUs: 123, EstErrorUs: 456})
	require.NoError(t, err)
	require.Equal(t, int64(123), r.MaxErrorUs())
	require.Equal(t, int64(456), r.EstErrorUs())
}

func TestAdjustIsAdditiveNotIdempotentCollapse(t *testing.T) {
	r, tb, _, _ := newTestRouter(t)
	_, err := r.Adjust(Command{ModesMask: Offset | Micro, OffsetValue: 1000})
	require.NoError(t, err)
	first := tb.PhaseResidual()

	_, err = r.Adjust(Command{ModesMask: Offset | Micro, OffsetValue: 1000})
	require.NoError(t, err)
	second := tb.PhaseResidual()

	require.Equal(t, first*2, second)
}

func TestScaledPPMRoundTrip(t *testing.T) {
	const f = 12.5
	scaled := int64(f * PPMScale)
	decoded := float64(scaled) / PPMScale
	require.InDelta(t, f, decoded, 1.0/PPMScale)
}
