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

package servo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEKFServoConvergesTowardOffset(t *testing.T) {
	ekf := NewEKFServo(DefaultEKFServoCfg())
	ekf.Enable()

	var res UpdateResult
	for i := 0; i < 200; i++ {
		res = ekf.Update(0.0001, 0.01) // constant 100us offset
		require.LessOrEqual(t, math.Abs(res.FreqPPM), MaxPPM)
	}
	require.Equal(t, StateLocked, res.State)
}

func TestEKFServoGatesLargeInnovation(t *testing.T) {
	ekf := NewEKFServo(DefaultEKFServoCfg())
	ekf.Enable()

	for i := 0; i < 50; i++ {
		ekf.Update(0.00001, 0.01)
	}
	res := ekf.Update(10.0, 0.01) // wild outlier
	require.Equal(t, StateFilter, res.State)
}

func TestEKFServoMissedSampleHoldover(t *testing.T) {
	ekf := NewEKFServo(DefaultEKFServoCfg())
	ekf.Enable()

	for i := 0; i < 20; i++ {
		ekf.Update(0.00001, 0.01)
	}
	var res UpdateResult
	for i := 0; i < 5; i++ {
		res = ekf.Update(0.00001, 1.0) // huge gap vs ~10ms EWMA
	}
	require.Equal(t, StateHoldover, res.State)
}

func TestEKFServoOutputNeverExceedsMaxPPM(t *testing.T) {
	ekf := NewEKFServo(DefaultEKFServoCfg())
	ekf.Enable()
	res := ekf.Update(1.0, 0.01)
	require.True(t, res.Clamped)
	require.LessOrEqual(t, math.Abs(res.FreqPPM), MaxPPM)
}

func TestEKFServoReset(t *testing.T) {
	ekf := NewEKFServo(DefaultEKFServoCfg())
	ekf.Enable()
	ekf.Update(0.001, 0.01)
	require.NotZero(t, ekf.OffsetS())
	ekf.Reset()
	require.Zero(t, ekf.OffsetS())
	require.Zero(t, ekf.DriftSPerS())
}

func TestEKFServoDriftPPBConversion(t *testing.T) {
	ekf := NewEKFServo(DefaultEKFServoCfg())
	ekf.Enable()
	ekf.Update(0.001, 0.01)
	require.InDelta(t, ekf.DriftSPerS()*1e9, ekf.DriftPPB(), 1e-9)
}
