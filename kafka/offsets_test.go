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

	"github.com/stretchr/testify/assert"

	listener "github.com/kafkalistener/container"
)

func TestPendingOffsetsRecordIgnoresRegression(t *testing.T) {
	p := newPendingOffsets()
	tp := listener.TopicPartition{Topic: "t", Partition: 0}

	p.record(tp, listener.OffsetAndMetadata{Offset: 10})
	p.record(tp, listener.OffsetAndMetadata{Offset: 5})

	commits := p.commits()
	assert.Equal(t, int64(10), commits[tp].Offset)
}

func TestPendingOffsetsClearAllOnlyRemovesMatchingValue(t *testing.T) {
	p := newPendingOffsets()
	tp := listener.TopicPartition{Topic: "t", Partition: 0}

	p.record(tp, listener.OffsetAndMetadata{Offset: 5})
	stale := map[listener.TopicPartition]listener.OffsetAndMetadata{tp: {Offset: 5}}

	// A newer record arrives after the commit snapshot was taken but
	// before clearAll runs; clearAll must not drop it.
	p.record(tp, listener.OffsetAndMetadata{Offset: 6})
	p.clearAll(stale)

	commits := p.commits()
	assert.Equal(t, int64(6), commits[tp].Offset)
}

func TestRebalanceCommitsTakeOwnedFiltersByOwnership(t *testing.T) {
	r := newRebalanceCommits()
	tpOwned := listener.TopicPartition{Topic: "t", Partition: 0}
	tpOther := listener.TopicPartition{Topic: "t", Partition: 1}

	r.add(map[listener.TopicPartition]listener.OffsetAndMetadata{
		tpOwned: {Offset: 1},
		tpOther: {Offset: 2},
	})

	owned := map[listener.TopicPartition]struct{}{tpOwned: {}}
	taken := r.takeOwned(owned)

	assert.Contains(t, taken, tpOwned)
	assert.NotContains(t, taken, tpOther)

	// A second call finds nothing left for tpOwned, but tpOther is still
	// retained since it was never taken.
	taken = r.takeOwned(owned)
	assert.Empty(t, taken)
}

func TestRemainingRecordsDrainAndRevoke(t *testing.T) {
	r := newRemainingRecords()
	tp := listener.TopicPartition{Topic: "t", Partition: 0}
	recs := []listener.Record{{Topic: "t", Partition: 0, Offset: 0}}

	assert.True(t, r.isEmpty())
	r.set(tp, recs)
	assert.False(t, r.isEmpty())

	got, ok := r.drain(tp)
	assert.True(t, ok)
	assert.Equal(t, recs, got)
	assert.True(t, r.isEmpty())

	r.set(tp, recs)
	r.dropRevoked([]listener.TopicPartition{tp})
	assert.True(t, r.isEmpty())
}

func TestSavedPositionsGet(t *testing.T) {
	s := newSavedPositions()
	tp := listener.TopicPartition{Topic: "t", Partition: 0}

	_, ok := s.get(tp)
	assert.False(t, ok)

	s.snapshot(map[listener.TopicPartition]int64{tp: 42})
	pos, ok := s.get(tp)
	assert.True(t, ok)
	assert.Equal(t, int64(42), pos)
}
