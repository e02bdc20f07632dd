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

package refclock

import "sync/atomic"

// Synthetic is a manually-advanced Clock used by tests and harnesses that
// need a deterministic, fast-forwardable reference instead of real wall time.
type Synthetic struct {
	ns atomic.Int64
}

// NewSynthetic returns a Synthetic clock starting at startNS.
func NewSynthetic(startNS int64) *Synthetic {
	s := &Synthetic{}
	s.ns.Store(startNS)
	return s
}

// Now returns the current synthetic value.
func (s *Synthetic) Now() (int64, error) {
	return s.ns.Load(), nil
}

// Advance moves the synthetic clock forward by deltaNS. deltaNS must be
// non-negative: the reference clock is defined as strictly non-decreasing.
func (s *Synthetic) Advance(deltaNS int64) {
	if deltaNS < 0 {
		deltaNS = 0
	}
	s.ns.Add(deltaNS)
}

// Set pins the synthetic clock to an absolute value, for test setup only.
func (s *Synthetic) Set(ns int64) {
	s.ns.Store(ns)
}
