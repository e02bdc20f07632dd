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
	"container/ring"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultKpPPMPerS is the proportional gain, in ppm per second of
	// phase error.
	DefaultKpPPMPerS = 200.0
	// DefaultKiPPMPerS2 is the integral gain, in ppm per second^2.
	DefaultKiPPMPerS2 = 8.0
	// DefaultEnableThresholdS auto-enables a disabled PiServo once the
	// phase error observed exceeds this magnitude, in seconds.
	DefaultEnableThresholdS = 1e-3

	defaultOffsetRange = 100
)

type filterState uint8

const (
	filterNoSpike filterState = iota
	filterSpike
	filterReset
)

// PiServoCfg configures the gains and the auto-enable threshold.
type PiServoCfg struct {
	KpPPMPerS        float64
	KiPPMPerS2       float64
	EnableThresholdS float64
}

// DefaultPiServoCfg returns the spec's default gains (KP=200, KI=8).
func DefaultPiServoCfg() *PiServoCfg {
	return &PiServoCfg{
		KpPPMPerS:        DefaultKpPPMPerS,
		KiPPMPerS2:       DefaultKiPPMPerS2,
		EnableThresholdS: DefaultEnableThresholdS,
	}
}

// PiServoFilterCfg is a filter configuration, carried over from the
// teacher's spike-rejection filter.
type PiServoFilterCfg struct {
	minOffsetLocked   int64   // minimum phase-error (ns) to treat servo as locked
	maxFreqChange     int64   // ppb the corrector can drift per 1s
	maxSkipCount      int     // samples to skip via filter before forcing a reset
	offsetRange       int64   // range within which a sample is considered valid
	offsetStdevFactor float64 // standard deviation factor for phase-error stddev
	freqStdevFactor   float64 // standard deviation factor for frequency stddev
	ringSize          int     // samples required to activate the filter
}

// DefaultPiServoFilterCfg mirrors the teacher's production filter config.
func DefaultPiServoFilterCfg() *PiServoFilterCfg {
	return &PiServoFilterCfg{
		minOffsetLocked:   15000,
		maxFreqChange:     40,
		maxSkipCount:      15,
		offsetRange:       defaultOffsetRange,
		offsetStdevFactor: 3.0,
		freqStdevFactor:   3.0,
		ringSize:          30,
	}
}

// piFilterSample is a phase-error (ns) / frequency (ppm) pair.
type piFilterSample struct {
	offsetNs int64
	freqPPM  float64
}

// PiServoFilter is an optional ring-buffer-backed spike rejector that sits
// ahead of PiServo.Update: samples that blow past the observed standard
// deviation are treated as spikes and skipped rather than integrated.
type PiServoFilter struct {
	offsetStdev        int64
	offsetMean         int64
	lastOffsetNs       int64
	freqStdev          float64
	freqMean           float64
	skippedCount       int
	offsetSamples      *ring.Ring
	offsetSamplesCount int
	freqSamples        *ring.Ring
	freqSamplesCount   int
	cfg                *PiServoFilterCfg
}

// NewPiServoFilter creates a filter instance seeded with the servo's
// current output.
func NewPiServoFilter(cfg *PiServoFilterCfg, seedFreqPPM float64) *PiServoFilter {
	f := &PiServoFilter{cfg: cfg}
	f.Reset()
	f.freqMean = seedFreqPPM
	return f
}

// Reset clears the filter's accumulated statistics. It does not reset
// freqMean: it's either good enough from the previous window, or it's the
// last value read during a restart.
func (f *PiServoFilter) Reset() {
	f.offsetSamples = ring.New(f.cfg.ringSize)
	f.freqSamples = ring.New(f.cfg.ringSize)
	f.offsetStdev = 0
	f.offsetMean = 0
	f.freqStdev = 0.0
	f.skippedCount = 0
	f.offsetSamplesCount = 0
	f.freqSamplesCount = 0
}

// IsStable reports whether both the last observed offset and this one fall
// within the configured normal range.
func (f *PiServoFilter) IsStable(offsetNs int64) bool {
	return inRange(f.lastOffsetNs, -f.cfg.offsetRange, f.cfg.offsetRange) && inRange(offsetNs, -f.cfg.offsetRange, f.cfg.offsetRange)
}

func (f *PiServoFilter) isSpike(offsetNs int64, lastCorrection time.Time) filterState {
	if f.skippedCount >= f.cfg.maxSkipCount {
		return filterReset
	}
	if f.offsetSamplesCount != f.cfg.ringSize {
		return filterNoSpike
	}
	maxOffsetLocked := int64(f.cfg.offsetStdevFactor * float64(f.offsetStdev))
	secPassed := math.Round(time.Since(lastCorrection).Seconds())
	waitFactor := secPassed * (f.cfg.freqStdevFactor*f.freqStdev + float64(f.cfg.maxFreqChange/2))
	maxOffsetLocked += int64(waitFactor)

	log.Debugf("PiServoFilter.isSpike: offset stdev %d, wait factor %0.3f, max offset locked %d", f.offsetStdev, waitFactor, maxOffsetLocked)
	abs := offsetNs
	if abs < 0 {
		abs = -abs
	}
	if abs > max(maxOffsetLocked, f.cfg.minOffsetLocked) {
		return filterSpike
	}
	return filterNoSpike
}

func inRange(value, minimum, maximum int64) bool {
	return value >= minimum && value <= maximum
}

// Sample adds a phase-error/frequency pair to the filter and recomputes
// its running mean/stdev.
func (f *PiServoFilter) Sample(s *piFilterSample) {
	if f.offsetSamples.Value != nil {
		v := f.offsetSamples.Value.(*piFilterSample)
		f.offsetMean -= v.offsetNs / int64(f.offsetSamplesCount)
	}
	f.offsetSamples.Value = s
	f.offsetSamples = f.offsetSamples.Next()
	if f.offsetSamplesCount != f.cfg.ringSize {
		f.offsetSamplesCount++
		f.offsetMean = -1 * (s.offsetNs / int64(f.offsetSamplesCount))
		f.offsetSamples.Do(func(val any) {
			if val == nil {
				return
			}
			v := val.(*piFilterSample)
			f.offsetMean += v.offsetNs / int64(f.offsetSamplesCount)
		})
	}
	f.offsetMean += s.offsetNs / int64(f.offsetSamplesCount)
	var offsetSigmaSq int64
	f.offsetSamples.Do(func(val any) {
		if val == nil {
			return
		}
		v := val.(*piFilterSample)
		offsetSigmaSq += (v.offsetNs - f.offsetMean) * (v.offsetNs - f.offsetMean)
	})
	f.offsetStdev = int64(math.Sqrt(float64(offsetSigmaSq) / float64(f.offsetSamplesCount)))
	f.lastOffsetNs = s.offsetNs

	if f.IsStable(s.offsetNs) {
		var freqSigmaSq float64
		if f.freqSamples.Value != nil {
			v := f.freqSamples.Value.(*piFilterSample)
			f.freqMean -= v.freqPPM / float64(f.freqSamplesCount)
			f.freqSamples.Value = s
			f.freqSamples = f.freqSamples.Next()
			f.freqMean += s.freqPPM / float64(f.freqSamplesCount)
		} else {
			f.freqSamples.Value = s
			f.freqSamples = f.freqSamples.Next()
			f.freqSamplesCount++
			if f.freqSamples.Value != nil {
				f.freqMean = 0
				f.freqSamples.Do(func(val any) {
					if val == nil {
						return
					}
					v := val.(*piFilterSample)
					f.freqMean += v.freqPPM / float64(f.freqSamplesCount)
				})
			}
		}
		f.freqSamples.Do(func(val any) {
			if val == nil {
				return
			}
			v := val.(*piFilterSample)
			freqSigmaSq += (v.freqPPM - f.freqMean) * (v.freqPPM - f.freqMean)
		})
		f.freqStdev = math.Sqrt(freqSigmaSq / float64(f.offsetSamplesCount))
		log.Debugf("PiServoFilter.Sample: freq stdev %f, mean freq %f", f.freqStdev, f.freqMean)
	}
}

// MeanFreq returns the filter's best current frequency estimate.
func (f *PiServoFilter) MeanFreq() float64 {
	return f.freqMean
}

// PiServo is the integral servo described in spec 4.C: it drives residual
// phase error toward zero by updating a frequency correction, with
// integral windup protection, output clamping, enable/disable state, and
// an optional spike pre-filter ahead of the integrator.
type PiServo struct {
	cfg    *PiServoCfg
	filter *PiServoFilter

	integErrorS        float64
	lastFreqPPM        float64
	enabled            bool
	sampleCount        int
	lastCorrectionTime time.Time
}

// NewPiServo creates a PiServo with the given config. filter may be nil to
// run without spike rejection.
func NewPiServo(cfg *PiServoCfg, filter *PiServoFilter) *PiServo {
	return &PiServo{cfg: cfg, filter: filter}
}

// Enable turns on servo output (spec 4.C: Disabled -> Enabled on first
// ADJ_FREQUENCY).
func (s *PiServo) Enable() { s.enabled = true }

// Disable turns off servo output (spec 4.C: Enabled -> Disabled on destroy).
func (s *PiServo) Disable() { s.enabled = false }

// Enabled reports whether servo output is currently applied.
func (s *PiServo) Enabled() bool { return s.enabled }

// Reset clears the integrator and the spike filter.
func (s *PiServo) Reset() {
	s.integErrorS = 0
	s.lastFreqPPM = 0
	s.sampleCount = 0
	if s.filter != nil {
		s.filter.Reset()
	}
}

// IntegError exposes integ_error_s for the CSV/structured loggers.
func (s *PiServo) IntegError() float64 { return s.integErrorS }

// LastFreq exposes last_freq_ppm for the CSV/structured loggers.
func (s *PiServo) LastFreq() float64 { return s.lastFreqPPM }

// Update runs one PI step (spec 4.C):
//  1. integrate phase error, clamp so |ki*integ| <= MaxPPM (anti-windup)
//  2. u = kp*e + ki*integ
//  3. clamp u to +/-MaxPPM without crediting the excess back to the integrator
//  4. publish last_freq_ppm
func (s *PiServo) Update(phaseErrorS, dtS float64) UpdateResult {
	enabledChanged := false
	if !s.enabled && s.cfg.EnableThresholdS > 0 && math.Abs(phaseErrorS) > s.cfg.EnableThresholdS {
		s.enabled = true
		enabledChanged = true
	}

	offsetNs := int64(phaseErrorS * 1e9)
	if s.filter != nil && s.sampleCount >= 2 {
		switch s.filter.isSpike(offsetNs, s.lastCorrectionTime) {
		case filterSpike:
			s.filter.skippedCount++
			s.lastFreqPPM = s.filter.MeanFreq()
			s.sampleCount++
			return UpdateResult{FreqPPM: s.lastFreqPPM, State: StateFilter, EnabledChanged: enabledChanged}
		case filterReset:
			s.lastFreqPPM = s.filter.MeanFreq()
			s.integErrorS = 0
			s.filter.Reset()
			log.Warning("pi servo: spike filter forced a reset")
			s.sampleCount = 0
		}
	}

	s.integErrorS += phaseErrorS * dtS
	maxInteg := MaxPPM / s.cfg.KiPPMPerS2
	if s.integErrorS > maxInteg {
		s.integErrorS = maxInteg
	} else if s.integErrorS < -maxInteg {
		s.integErrorS = -maxInteg
	}

	u := s.cfg.KpPPMPerS*phaseErrorS + s.cfg.KiPPMPerS2*s.integErrorS
	clamped := false
	if u > MaxPPM {
		u = MaxPPM
		clamped = true
	} else if u < -MaxPPM {
		u = -MaxPPM
		clamped = true
	}
	s.lastFreqPPM = u
	s.sampleCount++

	state := StateLocked
	if !s.enabled {
		state = StateInit
	}
	if s.filter != nil && state == StateLocked {
		s.filter.Sample(&piFilterSample{offsetNs: offsetNs, freqPPM: u})
		s.filter.skippedCount = 0
		s.lastCorrectionTime = time.Now()
	}

	return UpdateResult{FreqPPM: u, State: state, Clamped: clamped, EnabledChanged: enabledChanged}
}
