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

// Package clockd implements the instance lifecycle (spec 4.K) and poll
// loop (spec 4.F) that tie timebase, servo, adjust, eventlog, statelog,
// structlog, and session together into one running clock discipline
// session. Grounded on fbclock/daemon.New/Daemon.Run's
// constructor-then-Run shape, with an explicit state field and
// transition guard the teacher's own run-until-exit daemon doesn't
// need.
package clockd

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nsynth/synthclock/adjust"
	"github.com/nsynth/synthclock/clockerr"
	"github.com/nsynth/synthclock/eventlog"
	"github.com/nsynth/synthclock/refclock"
	"github.com/nsynth/synthclock/servo"
	"github.com/nsynth/synthclock/session"
	"github.com/nsynth/synthclock/statelog"
	"github.com/nsynth/synthclock/structlog"
	"github.com/nsynth/synthclock/timebase"
)

// State is the instance's lifecycle state (spec 4.K).
type State uint8

// The four instance lifecycle states.
const (
	Created State = iota
	Running
	Stopping
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Destroyed:
		return "DESTROYED"
	}
	return "UNKNOWN"
}

// PhaseErrorSource supplies the poll loop's per-tick phase error sample
// (spec 4.F step 2). Instance holds exactly one, matching spec.md's
// "measure current phase error from the configured error source."
type PhaseErrorSource interface {
	PhaseErrorS() (float64, error)
}

// ZeroPhaseErrorSource is a PhaseErrorSource that always reports no
// error; useful for instances disciplined purely by explicit Adjust
// calls (seed scenarios 1-4) rather than a continuous reference feed.
type ZeroPhaseErrorSource struct{}

// PhaseErrorS implements PhaseErrorSource.
func (ZeroPhaseErrorSource) PhaseErrorS() (float64, error) { return 0, nil }

// Instance is one running clock-discipline session.
type Instance struct {
	cfg Config

	stateMu sync.Mutex
	state   State

	runUUID   string
	startTime time.Time

	ref refclock.Clock
	tb  *timebase.Timebase

	corrector servo.Corrector
	router    *adjust.Router
	errSrc    PhaseErrorSource

	ring *eventlog.Ring

	stateWriter *statelog.Writer
	stream      *structlog.Stream
	streamFile  *os.File

	registry  *prometheus.Registry
	finalizer *session.Finalizer

	lastState atomic.Int32

	pollDone chan struct{}
	stopOnce sync.Once
	stop     context.CancelFunc
	eg       *errgroup.Group
}

// Create allocates state, opens log files, and transitions to Created.
// It does not yet spawn the poll thread: that happens in Start, per
// spec 4.K's create()/destroy() split (create allocates, a separate
// step runs).
func Create(cfg Config, ref refclock.Clock, errSrc PhaseErrorSource) (*Instance, error) {
	if errSrc == nil {
		errSrc = ZeroPhaseErrorSource{}
	}

	runUUID, err := newUUIDv4()
	if err != nil {
		return nil, fmt.Errorf("%w: generating run uuid: %v", clockerr.ErrInternal, err)
	}

	tb, err := timebase.New(ref, 0, 0, cfg.TAIOffsetS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", clockerr.ErrIO, err)
	}

	var corrector servo.Corrector
	switch cfg.Servo {
	case ServoEKF:
		corrector = servo.NewEKFServo(servo.DefaultEKFServoCfg())
	default:
		piCfg := servo.DefaultPiServoCfg()
		piCfg.KpPPMPerS = cfg.KpPPMPerS
		piCfg.KiPPMPerS2 = cfg.KiPPMPerS2
		corrector = servo.NewPiServo(piCfg, nil)
	}

	inst := &Instance{
		cfg:       cfg,
		state:     Created,
		runUUID:   runUUID,
		startTime: time.Now(),
		ref:       ref,
		tb:        tb,
		corrector: corrector,
		errSrc:    errSrc,
		ring:      eventlog.NewRing(cfg.RingCapacity),
		registry:  prometheus.NewRegistry(),
		pollDone:  make(chan struct{}),
	}
	inst.router = adjust.New(tb, corrector, nudgerFunc(inst.nudgePhase))
	inst.registry.MustRegister(newMetricsCollector(inst))

	if err := inst.openLogs(); err != nil {
		return nil, err
	}

	// The finalizer is built once, here, rather than lazily inside
	// finalizeAndDestroy: a lazy nil-check there would race two
	// concurrent Stop/Destroy callers into constructing two Finalizers,
	// each with its own sync.Once, breaking the "second finalize is a
	// no-op" guarantee (spec 4.J). StateWriter and StructFile are taken
	// as openLogs above left them; the closures below read inst's fields
	// at call time, since eg isn't set until Start.
	var structCloser session.Closer
	if inst.streamFile != nil {
		structCloser = inst.streamFile
	}
	inst.finalizer = session.New(session.Config{
		RunUUID:      inst.runUUID,
		StartTime:    inst.startTime,
		ManifestPath: filepath.Join(inst.cfg.LogDir, inst.runUUID+".manifest.json"),
		QuiescePoll: func(timeout time.Duration) bool {
			if inst.eg == nil {
				return true
			}
			select {
			case <-inst.pollDone:
				return true
			case <-time.After(timeout):
				return false
			}
		},
		StateWriter: inst.stateWriter,
		StructFile:  structCloser,
		Ring:        inst.ring,
		EmitEvent:   func(et eventlog.EventType) { inst.pushEvent(et, nil) },
	})

	return inst, nil
}

// nudgerFunc adapts a plain function to adjust.PhaseNudger.
type nudgerFunc func(ns int64)

func (f nudgerFunc) NudgePhase(ns int64) { f(ns) }

func (inst *Instance) nudgePhase(ns int64) {
	// Only the PHASE_SLEW_START event is recorded: the servo's
	// phase-error input is not changed, so the slew is drained by the
	// timebase alone.
	inst.pushEvent(eventlog.PhaseSlewStart, nil)
}

func (inst *Instance) openLogs() error {
	if inst.cfg.LogDir != "" {
		if err := os.MkdirAll(inst.cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("%w: creating log dir %s: %v", clockerr.ErrIO, inst.cfg.LogDir, err)
		}
	}

	if inst.cfg.servoLogEnabled() {
		path := filepath.Join(inst.cfg.LogDir, inst.runUUID+".servo-state.csv")
		meta := statelog.Metadata{
			TestName:         inst.cfg.TestName,
			RunUUID:          inst.runUUID,
			KpPPMPerS:        inst.cfg.KpPPMPerS,
			KiPPMPerS2:       inst.cfg.KiPPMPerS2,
			MaxPPM:           timebase.MaxPPM,
			PollNS:           inst.cfg.PollInterval.Nanoseconds(),
			PhaseEpsilonNs:   inst.cfg.PhaseEpsilonNs,
			TAIDefault:       inst.cfg.TAIOffsetS,
			ReferenceClock:   inst.cfg.ReferenceClock,
			ComplianceTarget: inst.cfg.ComplianceTarget,
		}
		w, err := statelog.New(path, meta, inst.cfg.MaxStateLogMB)
		if err != nil {
			log.Warnf("statelog disabled for this run: %v", err)
		} else {
			inst.stateWriter = w
		}
	}

	if !inst.cfg.DisableStructuredLog {
		path := filepath.Join(inst.cfg.LogDir, inst.runUUID+".structlog.ndjson")
		f, err := os.Create(path)
		if err != nil {
			log.Warnf("structured log disabled for this run: %v", err)
		} else {
			inst.streamFile = f
			inst.stream = structlog.New(f, inst.runUUID)
		}
	}
	return nil
}

// Start spawns the poll, ring-writer, and watchdog goroutines and
// transitions Created -> Running.
func (inst *Instance) Start(ctx context.Context) error {
	inst.stateMu.Lock()
	if inst.state != Created {
		inst.stateMu.Unlock()
		return fmt.Errorf("%w: Start called in state %s", clockerr.ErrNotRunning, inst.state)
	}
	inst.state = Running
	inst.stateMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	inst.stop = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	inst.eg = eg

	inst.pushEvent(eventlog.SessionStart, nil)

	eg.Go(func() error {
		defer close(inst.pollDone)
		return inst.pollLoop(egCtx)
	})
	eg.Go(func() error { return inst.writerLoop(egCtx) })
	eg.Go(func() error { return inst.watchdogLoop(egCtx) })

	return nil
}

// watchdogLoop periodically checks the reference clock is still
// readable. A failure pushes an ERROR event and returns an error, which
// cancels the poll and writer goroutines. The instance's state is left
// as it is; the session is finalized, returning that error, only when
// Stop or Destroy is called.
func (inst *Instance) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(inst.cfg.PollInterval * 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := inst.ref.Now(); err != nil {
				inst.pushEvent(eventlog.Error, nil)
				return fmt.Errorf("%w: reference clock unreadable: %v", clockerr.ErrIO, err)
			}
		}
	}
}

// writerLoop is the single consumer draining the event ring to disk.
// It is currently a no-op sink beyond accounting, since the structured
// and CSV streams are written synchronously from the poll loop; it
// exists as the dedicated drain point spec 5 requires ("a single
// writer thread drains the event ring to disk") and the place future
// on-disk binary event logging would hook in.
func (inst *Instance) writerLoop(ctx context.Context) error {
	ticker := time.NewTicker(inst.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			inst.ring.Drain()
			return nil
		case <-ticker.C:
			inst.ring.Drain()
		}
	}
}

// Adjust routes cmd through the Adjustment Router. It fails with
// NotRunning if the instance is not Running.
func (inst *Instance) Adjust(cmd adjust.Command) (adjust.Result, error) {
	if inst.currentState() != Running {
		return adjust.Result{}, fmt.Errorf("%w: Adjust called in state %s", clockerr.ErrNotRunning, inst.currentState())
	}
	inst.pushEvent(eventlog.AdjtimeCall, nil)
	res, err := inst.router.Adjust(cmd)
	if err != nil {
		return res, err
	}
	inst.pushEvent(eventlog.AdjtimeReturn, nil)
	if res.FrequencyClamped {
		inst.pushEvent(eventlog.FrequencyClamp, nil)
	}
	if inst.stream != nil {
		_ = inst.stream.Emit(inst.nowMonotonic(), structlog.KindTimeAdjustment, structlog.TimeAdjustmentBody{ModesMask: cmd.ModesMask})
	}
	return res, nil
}

// GetTime returns the current nanosecond value for the requested clock.
// It fails with NotRunning if the instance is not Running.
func (inst *Instance) GetTime(id timebase.ClockID) (int64, error) {
	if inst.currentState() != Running {
		return 0, fmt.Errorf("%w: GetTime called in state %s", clockerr.ErrNotRunning, inst.currentState())
	}
	return inst.tb.GetTime(id)
}

func (inst *Instance) currentState() State {
	inst.stateMu.Lock()
	defer inst.stateMu.Unlock()
	return inst.state
}

func (inst *Instance) lastServoState() servo.State {
	return servo.State(inst.lastState.Load())
}

func (inst *Instance) nowMonotonic() int64 {
	ns, _ := inst.tb.GetTime(timebase.MONOTONIC)
	return ns
}

func (inst *Instance) pushEvent(et eventlog.EventType, payload []byte) {
	var rec eventlog.Record
	rec.TimestampNs = inst.nowMonotonic()
	rec.Type = et
	if payload != nil {
		copy(rec.Payload[:], payload)
	}
	inst.ring.Push(rec)
}

// Stop transitions Running -> Stopping and runs the session finalizer.
// A second call is a no-op (spec 4.J: "a second finalize is a no-op").
func (inst *Instance) Stop() error {
	inst.stateMu.Lock()
	if inst.state == Destroyed || inst.state == Stopping {
		inst.stateMu.Unlock()
		return inst.finalizeAndDestroy()
	}
	inst.state = Stopping
	inst.stateMu.Unlock()
	return inst.finalizeAndDestroy()
}

// Destroy drives the session finalizer to completion then frees
// resources. It is equivalent to Stop for this instance's purposes:
// both paths converge on the same idempotent finalize.
func (inst *Instance) Destroy() error {
	return inst.Stop()
}

func (inst *Instance) finalizeAndDestroy() error {
	inst.stopOnce.Do(func() {
		if inst.stop != nil {
			inst.stop()
		}
	})

	err := inst.finalizer.Finalize()

	inst.stateMu.Lock()
	inst.state = Destroyed
	inst.stateMu.Unlock()

	if inst.eg != nil {
		if wErr := inst.eg.Wait(); wErr != nil && err == nil {
			err = wErr
		}
	}
	return err
}

func newUUIDv4() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}
