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

import "math"

// EKFServoCfg configures the two-state (offset, drift) Extended Kalman
// Filter servo variant described in spec 4.D.
type EKFServoCfg struct {
	// Q is the 2x2 process noise covariance.
	Q [2][2]float64
	// R is the baseline measurement noise variance.
	R float64
	// Gate is the normal innovation gate, in standard deviations.
	Gate float64
	// GateGap is the innovation gate used while a missed-sample streak is
	// active; wider than Gate so recovery isn't immediately re-gated.
	GateGap float64
	// MissedFactor*dtEWMA is the threshold above which an inter-sample
	// gap is considered missed.
	MissedFactor float64
	// DriftDecay multiplies the drift estimate while a gap is active or
	// after DriftDecayAfterUpdates consecutive updates.
	DriftDecay float64
	// DriftDecayAfterUpdates forces the drift decay even without a gap,
	// once this many updates have run since the last reset.
	DriftDecayAfterUpdates int
	// QuantFloorAlpha is the EWMA weight used to track the measurement
	// quantization-noise floor from |z_k - z_{k-1}|.
	QuantFloorAlpha float64
	// DtEWMAAlpha is the EWMA weight used to track the typical
	// inter-sample interval.
	DtEWMAAlpha float64
	// HoldoverStreak is the number of consecutive missed samples after
	// which the servo reports StateHoldover.
	HoldoverStreak int
}

// DefaultEKFServoCfg returns reasonable defaults for a ~10ms poll cadence.
func DefaultEKFServoCfg() *EKFServoCfg {
	return &EKFServoCfg{
		Q:                      [2][2]float64{{1e-20, 0}, {0, 1e-24}},
		R:                      1e-12,
		Gate:                   3.5,
		GateGap:                4.5,
		MissedFactor:           1.8,
		DriftDecay:             0.998,
		DriftDecayAfterUpdates: 80,
		QuantFloorAlpha:        0.1,
		DtEWMAAlpha:            0.2,
		HoldoverStreak:         3,
	}
}

// EKFServo is the alternative disciplining algorithm from spec 4.D: a
// linear-Gaussian two-state (offset_s, drift_s_per_s) filter with
// F = [[1,dt],[0,1]], H = [1,0], innovation gating, a quantization-noise
// floor, and missed-sample holdover heuristics.
type EKFServo struct {
	cfg *EKFServoCfg

	x [2]float64    // [offset_s, drift_s_per_s]
	p [2][2]float64 // covariance

	enabled bool

	haveLastZ  bool
	lastZ      float64
	quantFloor float64

	haveDt            bool
	dtEWMA            float64
	missedStreakCount int

	updatesSinceReset int

	lastInnovation float64
	lastGain       [2]float64
}

// NewEKFServo creates an EKFServo with identity initial covariance.
func NewEKFServo(cfg *EKFServoCfg) *EKFServo {
	return &EKFServo{
		cfg: cfg,
		p:   [2][2]float64{{1, 0}, {0, 1}},
	}
}

// Enable turns on servo output.
func (e *EKFServo) Enable() { e.enabled = true }

// Disable turns off servo output.
func (e *EKFServo) Disable() { e.enabled = false }

// Enabled reports whether servo output is currently applied.
func (e *EKFServo) Enabled() bool { return e.enabled }

// Reset clears the state vector, covariance, and all adaptive statistics.
func (e *EKFServo) Reset() {
	e.x = [2]float64{}
	e.p = [2][2]float64{{1, 0}, {0, 1}}
	e.haveLastZ = false
	e.quantFloor = 0
	e.haveDt = false
	e.dtEWMA = 0
	e.missedStreakCount = 0
	e.updatesSinceReset = 0
}

// OffsetS returns the current offset estimate, in seconds.
func (e *EKFServo) OffsetS() float64 { return e.x[0] }

// DriftSPerS returns the current drift estimate, in seconds per second.
func (e *EKFServo) DriftSPerS() float64 { return e.x[1] }

// DriftPPB returns the current drift estimate, in parts per billion.
func (e *EKFServo) DriftPPB() float64 { return e.x[1] * 1e9 }

// Update runs one EKF predict/update cycle (spec 4.D): predict, adapt the
// measurement noise floor from quantization and missed-sample gaps, gate
// the innovation, compute and clamp the Kalman gain, apply an
// offset-first correction, decay drift, and update the covariance.
func (e *EKFServo) Update(phaseErrorS, dtS float64) UpdateResult {
	z := phaseErrorS

	// 1. Predict: x- = F x, P- = F P F^T + Q, F = [[1,dt],[0,1]]
	x0 := e.x[0] + dtS*e.x[1]
	x1 := e.x[1]

	p00, p01, p10, p11 := e.p[0][0], e.p[0][1], e.p[1][0], e.p[1][1]
	fp00 := p00 + dtS*p10
	fp01 := p01 + dtS*p11
	fp10 := p10
	fp11 := p11
	pp00 := fp00 + dtS*fp01 + e.cfg.Q[0][0]
	pp01 := fp01 + e.cfg.Q[0][1]
	pp10 := fp10 + dtS*fp11 + e.cfg.Q[1][0]
	pp11 := fp11 + e.cfg.Q[1][1]

	// 2. Update quantization floor from |z_k - z_{k-1}| via EWMA.
	if e.haveLastZ {
		delta := math.Abs(z - e.lastZ)
		e.quantFloor += e.cfg.QuantFloorAlpha * (delta - e.quantFloor)
	}
	e.lastZ = z
	e.haveLastZ = true

	gapActive := false
	if !e.haveDt {
		e.dtEWMA = dtS
		e.haveDt = true
	} else if dtS > e.cfg.MissedFactor*e.dtEWMA {
		// A gap sample is not a typical interval: keep it out of the EWMA
		// so a sustained outage stays detected as a missed-sample streak.
		gapActive = true
	} else {
		e.dtEWMA += e.cfg.DtEWMAAlpha * (dtS - e.dtEWMA)
	}
	if gapActive {
		e.missedStreakCount++
	} else {
		e.missedStreakCount = 0
	}

	uniformQuantVar := e.quantFloor * e.quantFloor / 12.0
	rEff := e.cfg.R
	if e.quantFloor > rEff {
		rEff = e.quantFloor
	}
	if uniformQuantVar > rEff {
		rEff = uniformQuantVar
	}

	// 3. Inflate R_eff while a missed-sample streak is active, saturating
	// at 30*R.
	if e.missedStreakCount > 0 {
		maxR := 30 * e.cfg.R
		inflation := math.Pow(2, float64(e.missedStreakCount))
		rEff *= inflation
		if rEff > maxR {
			rEff = maxR
		}
	}

	// 4. Innovation and gating.
	y := z - x0 // H = [1,0]
	s := pp00 + rEff
	if s <= 0 {
		s = rEff
	}
	nSigma := math.Abs(y) / math.Sqrt(s)
	gate := e.cfg.Gate
	if gapActive {
		gate = e.cfg.GateGap
	}
	gated := nSigma > gate
	gainScale := 1.0
	if gated {
		gainScale = gate / nSigma
	}

	// 5. Kalman gain K = P- H^T S^-1, clamped asymmetrically.
	k0 := (pp00 / s) * gainScale
	k1 := (pp10 / s) * gainScale
	if k0 < 0 {
		k0 = 0
	}
	if y >= 0 {
		if k0 > 0.45 {
			k0 = 0.45
		}
	} else if k0 > 0.60 {
		k0 = 0.60
	}
	if k1 < 0 {
		k1 = 0
	} else if k1 > 0.25 {
		k1 = 0.25
	}

	// 6. Offset-first update: apply K[0] against y, recompute innovation
	// against the corrected offset, then apply K[1].
	newX0 := x0 + k0*y
	yPrime := z - newX0
	newX1 := x1 + k1*yPrime

	// 7. Decay drift under a gap or after many updates.
	e.updatesSinceReset++
	if gapActive || e.updatesSinceReset > e.cfg.DriftDecayAfterUpdates {
		newX1 *= e.cfg.DriftDecay
	}

	// 8. Standard covariance update P = (I - K H) P-.
	newP00 := (1 - k0) * pp00
	newP01 := (1 - k0) * pp01
	newP10 := pp10 - k1*pp00
	newP11 := pp11 - k1*pp01

	e.x[0], e.x[1] = newX0, newX1
	e.p[0][0], e.p[0][1], e.p[1][0], e.p[1][1] = newP00, newP01, newP10, newP11
	e.lastInnovation = y
	e.lastGain = [2]float64{k0, k1}

	freqPPM := (newX1 * 1e9) / 1000.0 // ppb -> ppm
	clamped := false
	if freqPPM > MaxPPM {
		freqPPM = MaxPPM
		clamped = true
	} else if freqPPM < -MaxPPM {
		freqPPM = -MaxPPM
		clamped = true
	}

	state := StateLocked
	switch {
	case e.missedStreakCount >= e.cfg.HoldoverStreak:
		state = StateHoldover
	case gated:
		state = StateFilter
	}

	return UpdateResult{FreqPPM: freqPPM, State: state, Clamped: clamped}
}
