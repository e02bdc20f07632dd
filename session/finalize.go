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

// Package session implements the session finalizer (spec 4.J): on stop
// or destroy, quiesce the poll loop, seal the servo-state CSV, flush
// the structured stream, emit SESSION_END, close the event ring's
// consumer, and write a manifest. Idempotent via sync.Once, the same
// shape fbclock/shmem.go's Shm.Close and the teacher's various
// deferred Close pairs use throughout fbclock/daemon.go.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nsynth/synthclock/eventlog"
	"github.com/nsynth/synthclock/statelog"
)

// FileEntry describes one session output file in the manifest.
type FileEntry struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
	Sealed bool   `json:"sealed"`
}

// Manifest is the small structured document spec 6 names.
type Manifest struct {
	RunUUID       string      `json:"run_uuid"`
	StartISO      string      `json:"start_iso"`
	EndISO        string      `json:"end_iso"`
	Files         []FileEntry `json:"files"`
	DroppedEvents uint64      `json:"dropped_events"`
	Incidents     []string    `json:"incidents,omitempty"`
}

// Finalizer drives the session-end sequence exactly once.
type Finalizer struct {
	once sync.Once
	err  error

	runUUID      string
	startTime    time.Time
	manifestPath string

	quiescePoll func(timeout time.Duration) (joined bool)
	stateWriter *statelog.Writer
	structFile  Closer
	ring        *eventlog.Ring
	emitEvent   func(eventlog.EventType)
	joinTimeout time.Duration
}

// Config wires a Finalizer to the running instance's resources. StructFile
// and StateWriter may be nil if those logs are disabled for this run.
type Config struct {
	RunUUID      string
	StartTime    time.Time
	ManifestPath string
	// QuiescePoll stops the poll loop and reports whether it joined
	// within timeout (spec 5: "if a thread does not join, finalize
	// proceeds but the manifest records the incident").
	QuiescePoll func(timeout time.Duration) bool
	StateWriter *statelog.Writer
	StructFile  Closer
	Ring        *eventlog.Ring
	EmitEvent   func(eventlog.EventType)
	JoinTimeout time.Duration
}

// Closer is the minimal contract the structured-stream's backing file
// satisfies; kept narrow so Finalizer doesn't depend on *os.File.
type Closer interface {
	Close() error
}

// New creates a Finalizer from cfg.
func New(cfg Config) *Finalizer {
	timeout := cfg.JoinTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Finalizer{
		runUUID:      cfg.RunUUID,
		startTime:    cfg.StartTime,
		manifestPath: cfg.ManifestPath,
		quiescePoll:  cfg.QuiescePoll,
		stateWriter:  cfg.StateWriter,
		structFile:   cfg.StructFile,
		ring:         cfg.Ring,
		emitEvent:    cfg.EmitEvent,
		joinTimeout:  timeout,
	}
}

// Finalize runs the session-end sequence. A second call is a no-op and
// returns the first call's result.
func (f *Finalizer) Finalize() error {
	f.once.Do(func() {
		f.err = f.finalizeOnce()
	})
	return f.err
}

func (f *Finalizer) finalizeOnce() error {
	var incidents []string

	// 1. Quiesce the poll loop.
	if f.quiescePoll != nil {
		if joined := f.quiescePoll(f.joinTimeout); !joined {
			incidents = append(incidents, "poll loop did not join within timeout")
		}
	}

	var files []FileEntry

	// 2. Flush + seal H.
	if f.stateWriter != nil {
		sum, err := f.stateWriter.Seal()
		if err != nil {
			incidents = append(incidents, fmt.Sprintf("statelog seal failed: %v", err))
		} else {
			info, statErr := os.Stat(f.stateWriter.Path())
			entry := FileEntry{Path: f.stateWriter.Path(), SHA256: sum, Sealed: true}
			if statErr == nil {
				entry.Bytes = info.Size()
			}
			files = append(files, entry)
		}
	}

	// 3. Flush I (close releases any buffered writes to the structured
	// stream's backing file).
	if f.structFile != nil {
		if err := f.structFile.Close(); err != nil {
			incidents = append(incidents, fmt.Sprintf("structured stream close failed: %v", err))
		}
	}

	// 4. Emit SESSION_END.
	if f.emitEvent != nil {
		f.emitEvent(eventlog.SessionEnd)
	}

	// 5. Close G's consumer: drain whatever remains so the manifest's
	// dropped count is final.
	var dropped uint64
	if f.ring != nil {
		f.ring.Drain()
		dropped = f.ring.Dropped()
	}

	manifest := Manifest{
		RunUUID:       f.runUUID,
		StartISO:      f.startTime.UTC().Format(time.RFC3339Nano),
		EndISO:        time.Now().UTC().Format(time.RFC3339Nano),
		Files:         files,
		DroppedEvents: dropped,
		Incidents:     incidents,
	}

	// 6. Write manifest.
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(f.manifestPath, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest %s: %w", f.manifestPath, err)
	}
	return nil
}
