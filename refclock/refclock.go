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

// Package refclock adapts a monotonic hardware time source into the single
// "ground truth" nanosecond counter the rest of synthclock builds on. It
// must never be affected by host clock steering: CLOCK_MONOTONIC_RAW is the
// only clock id this package ever reads.
package refclock

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nsynth/synthclock/clockerr"
)

// Clock yields a strictly non-decreasing nanosecond count from a
// hardware-backed monotonic raw source. A failure to read is fatal to the
// owning session (clockerr.ErrIO).
type Clock interface {
	Now() (int64, error)
}

// HW is the production Clock, backed by clock_gettime(CLOCK_MONOTONIC_RAW).
type HW struct{}

// NewHW returns the hardware-backed reference clock.
func NewHW() *HW { return &HW{} }

// Now returns the current CLOCK_MONOTONIC_RAW value in nanoseconds.
func (HW) Now() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 0, fmt.Errorf("reading CLOCK_MONOTONIC_RAW: %w: %w", clockerr.ErrIO, err)
	}
	return ts.Nano(), nil
}
