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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHWNowNonDecreasing(t *testing.T) {
	c := NewHW()
	a, err := c.Now()
	require.NoError(t, err)
	b, err := c.Now()
	require.NoError(t, err)
	require.GreaterOrEqual(t, b, a)
}

func TestSyntheticAdvance(t *testing.T) {
	c := NewSynthetic(1000)
	n, err := c.Now()
	require.NoError(t, err)
	require.Equal(t, int64(1000), n)

	c.Advance(500)
	n, err = c.Now()
	require.NoError(t, err)
	require.Equal(t, int64(1500), n)

	// negative deltas never move the clock backwards
	c.Advance(-1000)
	n, err = c.Now()
	require.NoError(t, err)
	require.Equal(t, int64(1500), n)
}

func TestSyntheticSet(t *testing.T) {
	c := NewSynthetic(0)
	c.Set(42)
	n, err := c.Now()
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
}
