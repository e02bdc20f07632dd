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

package structlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamEmitsOneJSONRecordPerLineNoBrackets(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, "00000000-0000-4000-8000-000000000000")

	require.NoError(t, s.Emit(1, KindSystemEvent, SystemEventBody{Message: "session start"}))
	require.NoError(t, s.Emit(2, KindPIUpdate, PIUpdateBody{PhaseErrorS: 0.001, DtS: 0.01, FreqPPM: 5}))

	out := buf.String()
	require.False(t, bytes.HasPrefix([]byte(out), []byte("[")))

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	var lines int
	for scanner.Scan() {
		line := scanner.Bytes()
		require.NotEmpty(t, line)
		var rec Record
		require.NoError(t, json.Unmarshal(line, &rec))
		require.Equal(t, "00000000-0000-4000-8000-000000000000", rec.RunUUID)
		lines++
	}
	require.Equal(t, 2, lines)
}

func TestStreamRecordsAreIndependentlyParseable(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, "run-1")
	require.NoError(t, s.Emit(10, KindThresholdAlert, ThresholdAlertBody{ThresholdS: 0.0001, ObservedS: 0.0002}))

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	require.True(t, scanner.Scan())
	var rec map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	require.Equal(t, "ThresholdAlert", rec["type"])
}
