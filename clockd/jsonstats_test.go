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

package clockd

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsynth/synthclock/refclock"
)

func TestServeJSONStatusReportsRunUUIDAndState(t *testing.T) {
	ref := refclock.NewSynthetic(0)
	inst, err := Create(testConfig(t), ref, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	inst.ServeJSONStatus(rec, httptest.NewRequest("GET", "/status.json", nil))

	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got JSONStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, inst.runUUID, got.RunUUID)
	require.Equal(t, "CREATED", got.State)
	require.Equal(t, "pi", got.Servo)
}
