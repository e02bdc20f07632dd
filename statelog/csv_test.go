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

package statelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMetadata() Metadata {
	return Metadata{
		TestName:         "seed-scenario-1",
		RunUUID:          "00000000-0000-4000-8000-000000000000",
		KpPPMPerS:        200.0,
		KiPPMPerS2:       8.0,
		MaxPPM:           200.0,
		PollNS:           10_000_000,
		PhaseEpsilonNs:   100,
		TAIDefault:       37,
		ReferenceClock:   "MONOTONIC_RAW",
		ComplianceTarget: "MTIE(1s) <= 100us",
	}
}

func TestCSVWriterSealVerifiesIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo-state.csv")
	w, err := New(path, testMetadata(), 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(Row{TimestampNs: int64(i) * 10_000_000, PIServoEnabled: true}))
	}
	sum, err := w.Seal()
	require.NoError(t, err)
	require.Len(t, sum, 64)

	reason, err := Verify(path)
	require.NoError(t, err)
	require.Empty(t, reason)
}

func TestCSVWriterTruncationInvalidatesSeal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo-state.csv")
	w, err := New(path, testMetadata(), 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(Row{TimestampNs: int64(i)}))
	}
	_, err = w.Seal()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-40], 0o644))

	reason, err := Verify(path)
	require.NoError(t, err)
	require.NotEmpty(t, reason)
}

func TestCSVWriterRotationThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo-state.csv")
	w, err := New(path, testMetadata(), 0)
	require.NoError(t, err)
	require.False(t, w.ShouldRotate()) // max_size_mb == 0 disables rotation
	_, err = w.Seal()
	require.NoError(t, err)
}

func TestCSVHeaderAndRecordsStayInLockstep(t *testing.T) {
	r := Row{}
	require.Len(t, r.CSVRecords(), len(Header))
}
