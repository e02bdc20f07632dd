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

package timebase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsynth/synthclock/refclock"
)

func TestMonotonicOutputNonDecreasing(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	tb, err := New(ref, 1_700_000_000*1e9, 0, 37)
	require.NoError(t, err)

	ref.Advance(1_000_000)
	a, err := tb.GetTime(MONOTONIC)
	require.NoError(t, err)
	ref.Advance(1_000_000)
	b, err := tb.GetTime(MONOTONIC)
	require.NoError(t, err)
	require.GreaterOrEqual(t, b, a)
}

func TestSetFrequencyClampsAndRoundTrips(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	tb, err := New(ref, 0, 0, 37)
	require.NoError(t, err)

	require.NoError(t, tb.SetFrequency(10))
	require.InDelta(t, 10.0, tb.Frequency(), 1e-9)

	require.NoError(t, tb.SetFrequency(10_000))
	require.InDelta(t, MaxPPM, tb.Frequency(), 1e-9)

	require.NoError(t, tb.SetFrequency(-10_000))
	require.InDelta(t, -MaxPPM, tb.Frequency(), 1e-9)
}

func TestSetFrequencyNoDiscontinuity(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	tb, err := New(ref, 0, 0, 37)
	require.NoError(t, err)

	ref.Advance(1_000_000_000)
	before, err := tb.GetTime(REALTIME)
	require.NoError(t, err)

	require.NoError(t, tb.SetFrequency(50))

	after, err := tb.GetTime(REALTIME)
	require.NoError(t, err)

	// no reference time passed between before/after, so re-anchoring must
	// not introduce any visible jump
	require.InDelta(t, float64(before), float64(after), 1.0)
}

func TestStepAdvancesRealtimeOnly(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	tb, err := New(ref, 0, 0, 37)
	require.NoError(t, err)

	beforeMono, err := tb.GetTime(MONOTONIC)
	require.NoError(t, err)

	require.NoError(t, tb.Step(100_000_000))

	afterRT, err := tb.GetTime(REALTIME)
	require.NoError(t, err)
	require.InDelta(t, 100_000_000, afterRT, 1.0)

	afterMono, err := tb.GetTime(MONOTONIC)
	require.NoError(t, err)
	require.InDelta(t, float64(beforeMono), float64(afterMono), 1.0)
}

func TestBeginSlewDrainsMonotonicallyToZero(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	tb, err := New(ref, 0, 0, 37)
	require.NoError(t, err)

	require.NoError(t, tb.BeginSlew(1_000_000, 500)) // 1ms slew at 500ppm -> 2s to drain

	last := tb.PhaseResidual()
	require.NotZero(t, last)

	for i := 0; i < 20; i++ {
		ref.Advance(200_000_000) // 200ms steps
		require.NoError(t, tb.Tick())
		cur := tb.PhaseResidual()
		require.LessOrEqual(t, abs64(cur), abs64(last))
		last = cur
	}
	require.Zero(t, last)
}

func TestMonotonicRawIsPassthrough(t *testing.T) {
	ref := refclock.NewSynthetic(12345)
	tb, err := New(ref, 0, 0, 37)
	require.NoError(t, err)

	require.NoError(t, tb.SetFrequency(100))
	require.NoError(t, tb.Step(99999))

	n, err := tb.GetTime(MONOTONICRAW)
	require.NoError(t, err)
	require.Equal(t, int64(12345), n)
}

func TestTAIOffsetRoundTrip(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	tb, err := New(ref, 0, 0, 37)
	require.NoError(t, err)
	require.Equal(t, int64(37), tb.TAIOffset())
	tb.SetTAIOffset(38)
	require.Equal(t, int64(38), tb.TAIOffset())
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
