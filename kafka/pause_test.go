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

package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	listener "github.com/kafkalistener/container"
)

func TestPauseControllerUserPausePartition(t *testing.T) {
	p := newPauseController(&listener.EventBus{})
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}
	tpB := listener.TopicPartition{Topic: "t", Partition: 1}
	assigned := []listener.TopicPartition{tpA, tpB}

	wanted := p.wanted(assigned, nil)
	assert.Empty(t, wanted)

	p.pausePartition(tpA)
	wanted = p.wanted(assigned, nil)
	assert.Contains(t, wanted, tpA)
	assert.NotContains(t, wanted, tpB)

	p.resumePartition(tpA)
	wanted = p.wanted(assigned, nil)
	assert.Empty(t, wanted)
}

func TestPauseControllerPauseAll(t *testing.T) {
	p := newPauseController(&listener.EventBus{})
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}
	assigned := []listener.TopicPartition{tpA}

	p.pauseAll()
	assert.True(t, p.isPausedAll())
	wanted := p.wanted(assigned, nil)
	assert.Contains(t, wanted, tpA)

	p.resumeAll()
	assert.False(t, p.isPausedAll())
	wanted = p.wanted(assigned, nil)
	assert.Empty(t, wanted)
}

func TestPauseControllerRetainedAlwaysPaused(t *testing.T) {
	p := newPauseController(&listener.EventBus{})
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}

	// Retained partitions are paused even if not in the assigned list's
	// pause set (e.g. an error-handler retention independent of user pause).
	wanted := p.wanted(nil, []listener.TopicPartition{tpA})
	assert.Contains(t, wanted, tpA)
}

func TestPauseControllerNackPauseExpires(t *testing.T) {
	p := newPauseController(&listener.EventBus{})
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}
	now := time.Now()

	newlyPaused := p.pauseForNack([]listener.TopicPartition{tpA}, 10*time.Millisecond, now)
	assert.Equal(t, []listener.TopicPartition{tpA}, newlyPaused)

	// A second nack pause request for an already-paused partition is a
	// no-op: it must not reset the expiry.
	again := p.pauseForNack([]listener.TopicPartition{tpA}, time.Hour, now)
	assert.Empty(t, again)

	wanted := p.wanted([]listener.TopicPartition{tpA}, nil)
	assert.Contains(t, wanted, tpA)

	expired := p.expireNackPauses(now.Add(20 * time.Millisecond))
	assert.Equal(t, []listener.TopicPartition{tpA}, expired)

	wanted = p.wanted([]listener.TopicPartition{tpA}, nil)
	assert.Empty(t, wanted)
}

func TestPauseControllerAppliedSetRoundTrip(t *testing.T) {
	p := newPauseController(&listener.EventBus{})
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}
	want := map[listener.TopicPartition]struct{}{tpA: {}}

	p.setApplied(want)
	got := p.appliedSet()
	assert.Equal(t, want, got)
}

func TestPauseControllerRemovePartitionClearsAllState(t *testing.T) {
	p := newPauseController(&listener.EventBus{})
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}

	p.pausePartition(tpA)
	p.pauseForNack([]listener.TopicPartition{tpA}, time.Hour, time.Now())
	p.removePartition(tpA)

	wanted := p.wanted([]listener.TopicPartition{tpA}, nil)
	assert.Empty(t, wanted)
}
