// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package offsettracker

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type info struct {
	a int64
}

func TestTrackerAsync(t *testing.T) {
	tracker := New[info]()
	defer func() {
		if t.Failed() {
			t.Logf("Tracker: %+v", tracker)
		}
	}()

	length := int64(2048)
	offsets := make([]int64, length)
	for i := int64(0); i < length; i++ {
		offsets[i] = i
	}
	// Register offsets and spawn goroutines to mark them done. This ensures
	// that SafeOffset is updated correctly regardless of completion order.
	for _, offset := range offsets {
		tracker.RegisterOffset(offset, info{a: offset})
		go func(off int64, jitter time.Duration) {
			time.Sleep(time.Millisecond + jitter)
			tracker.MarkDone(off)
		}(offset, time.Duration(rand.Intn(200))*time.Millisecond)
	}
	assert.Eventually(t, func() bool {
		_, offset := tracker.SafeOffset()
		return offset == offsets[len(offsets)-1]
	}, time.Second, time.Millisecond)
}

func TestTrackerSequentialCommits(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprintf("start_%d", i), func(t *testing.T) {
			t.Run("Ascending", func(t *testing.T) {
				tracker := New[info]()
				for i := int64(0); i <= 5; i++ {
					tracker.RegisterOffset(i, info{a: i})
				}
				for i := int64(0); i <= 5; i++ {
					inf, offset := tracker.MarkDone(i)
					assert.Equal(t, i, offset)
					assert.Equal(t, info{a: i}, inf)
				}
			})
			t.Run("Descending", func(t *testing.T) {
				tracker := New[info]()
				for i := int64(5); i >= 0; i-- {
					tracker.RegisterOffset(i, info{a: i})
				}
				for i := int64(5); i >= 0; i-- {
					wantOffset := int64(-1)
					if i == 0 {
						wantOffset = 5
					}
					_, offset := tracker.MarkDone(i)
					assert.Equal(t, wantOffset, offset, i)
				}
			})
		})
	}
}

func TestTrackerNonSequentialCommits(t *testing.T) {
	tracker := New[info]()
	for i := int64(10); i <= 14; i++ {
		tracker.RegisterOffset(i, info{a: i})
	}
	_, offset := tracker.MarkDone(11)
	assert.Equal(t, int64(-1), offset)
	_, offset = tracker.MarkDone(12)
	assert.Equal(t, int64(-1), offset)
	// Marking 10 closes the gap up to 12.
	_, offset = tracker.MarkDone(10)
	assert.Equal(t, int64(12), offset)
	_, offset = tracker.MarkDone(14)
	assert.Equal(t, int64(12), offset)
	_, offset = tracker.MarkDone(13)
	assert.Equal(t, int64(14), offset)
	_, offset = tracker.SafeOffset()
	assert.Equal(t, int64(14), offset)

	for i := offset + 1; i <= 20; i++ {
		tracker.RegisterOffset(i, info{a: i})
	}
	_, offset = tracker.MarkDone(20)
	assert.Equal(t, int64(14), offset)
	_, offset = tracker.MarkDone(19)
	assert.Equal(t, int64(14), offset)
	_, offset = tracker.MarkDone(17)
	assert.Equal(t, int64(14), offset)
	_, offset = tracker.MarkDone(16)
	assert.Equal(t, int64(14), offset)
	// 18 is still missing, so the safe offset can only reach 17.
	_, offset = tracker.MarkDone(15)
	assert.Equal(t, int64(17), offset)
	// Marking 18 closes the final gap.
	_, offset = tracker.MarkDone(18)
	assert.Equal(t, int64(20), offset)
	_, offset = tracker.SafeOffset()
	assert.Equal(t, int64(20), offset)
}

func TestTrackerMarkDoneNonExisting(t *testing.T) {
	tracker := New[info]()
	for i := int64(0); i <= 5; i++ {
		tracker.RegisterOffset(i, info{a: i})
	}
	_, offset := tracker.MarkDone(10)
	assert.Equal(t, int64(-1), offset)
	_, offset = tracker.MarkDone(50)
	assert.Equal(t, int64(-1), offset)
}

func TestTrackerIsStale(t *testing.T) {
	tracker := New[info]()
	for i := int64(0); i <= 2; i++ {
		tracker.RegisterOffset(i, info{a: i})
	}
	assert.False(t, tracker.IsStale(0))
	tracker.MarkDone(0)
	tracker.MarkDone(1)
	assert.True(t, tracker.IsStale(0))
	assert.True(t, tracker.IsStale(1))
	assert.False(t, tracker.IsStale(2))
}

func TestTrackerReset(t *testing.T) {
	tracker := New[info]()
	tracker.RegisterOffset(0, info{a: 0})
	tracker.MarkDone(0)
	_, offset := tracker.SafeOffset()
	assert.Equal(t, int64(0), offset)

	tracker.Reset()
	_, offset = tracker.SafeOffset()
	assert.Equal(t, int64(-1), offset)
	assert.Equal(t, 0, tracker.Pending())
}
