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

// Package clockerr defines the error taxonomy shared by every synthclock
// component: adjust, gettime, the log subsystem and the instance lifecycle
// all return errors wrapping one of these sentinels so callers can branch
// on errors.Is rather than parsing strings.
package clockerr

import "errors"

var (
	// ErrInvalidArgument is returned for malformed adjust commands: bad
	// mode bits, subsec overflow, or an unrecognized flag under strict mode.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotRunning is returned when a public operation is called against
	// an instance that is not in the Running state.
	ErrNotRunning = errors.New("clock instance is not running")

	// ErrIO wraps a failure writing a log file or reading the reference clock.
	ErrIO = errors.New("io error")

	// ErrResourceExhausted marks a non-fatal resource limit, such as the
	// event ring being full. It is counted, never fatal.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInternal marks an invariant violation. It is fatal to the session.
	ErrInternal = errors.New("internal invariant violation")
)
