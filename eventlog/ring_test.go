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

package eventlog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingCapacityRoundsToPowerOfTwo(t *testing.T) {
	r := NewRing(10)
	require.Equal(t, 16, r.Capacity())
}

func TestRingPushPopInOrder(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 5; i++ {
		require.True(t, r.Push(Record{TimestampNs: int64(i), Type: PIStep}))
	}
	for i := 0; i < 5; i++ {
		rec, ok := r.Pop()
		require.True(t, ok)
		require.Equal(t, int64(i), rec.TimestampNs)
	}
	_, ok := r.Pop()
	require.False(t, ok)
}

func TestRingNeverBlocksAndDropsOnOverflow(t *testing.T) {
	r := NewRing(4)
	capacity := r.Capacity()
	for i := 0; i < capacity*2; i++ {
		r.Push(Record{TimestampNs: int64(i)})
	}
	require.Equal(t, uint64(capacity), r.Dropped())
	require.Equal(t, uint64(capacity*2), r.Attempts())
	require.Equal(t, r.Attempts()-r.Dropped(), uint64(len(r.Drain())))
}

func TestRingConcurrentProducersNoLostOrDuplicateAcceptedRecords(t *testing.T) {
	r := NewRing(1024)
	const producers = 8
	const perProducer = 100
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Push(Record{Type: AdjtimeCall})
			}
		}()
	}
	wg.Wait()

	drained := r.Drain()
	require.Equal(t, int(r.Attempts()-r.Dropped()), len(drained))
}

func TestEventTypeStringCoversAllValues(t *testing.T) {
	for et := AdjtimeCall; et <= Error; et++ {
		require.NotEqual(t, "UNKNOWN", et.String())
	}
}
