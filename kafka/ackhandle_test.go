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

func newTestContainerForAck(asyncAcks bool) *Container {
	return &Container{
		cfg:     Config{AsyncAcks: asyncAcks},
		ackCh:   newAckChannel(16, asyncAcks),
		pending: newPendingOffsets(),
	}
}

func TestAckHandleSingleRecord(t *testing.T) {
	c := newTestContainerForAck(false)
	tp := listener.TopicPartition{Topic: "t", Partition: 0}
	ack := &ackHandle{c: c, single: true, tp: tp, offset: 5}

	ack.Acknowledge()

	c.ackCh.drain(c.pending)
	commits := c.pending.commits()
	om, ok := commits[tp]
	assert.True(t, ok)
	assert.Equal(t, int64(6), om.Offset)
}

func TestAckHandleBatchAcknowledgeIndex(t *testing.T) {
	c := newTestContainerForAck(false)
	tpA := listener.TopicPartition{Topic: "t", Partition: 0}
	tpB := listener.TopicPartition{Topic: "t", Partition: 1}
	batch := []listener.Record{
		{Topic: tpA.Topic, Partition: tpA.Partition, Offset: 0},
		{Topic: tpA.Topic, Partition: tpA.Partition, Offset: 1},
		{Topic: tpB.Topic, Partition: tpB.Partition, Offset: 10},
	}
	ack := &ackHandle{c: c, batch: batch}

	ack.AcknowledgeIndex(1)
	c.ackCh.drain(c.pending)
	commits := c.pending.commits()
	assert.Equal(t, int64(2), commits[tpA].Offset)
	_, hasB := commits[tpB]
	assert.False(t, hasB)

	// A second Acknowledge() after a partial index commit commits the rest.
	ack.Acknowledge()
	c.ackCh.drain(c.pending)
	commits = c.pending.commits()
	assert.Equal(t, int64(11), commits[tpB].Offset)
}

func TestAckHandleAcknowledgeIndexRejectsOutOfOrder(t *testing.T) {
	c := newTestContainerForAck(false)
	batch := []listener.Record{
		{Topic: "t", Partition: 0, Offset: 0},
		{Topic: "t", Partition: 0, Offset: 1},
	}
	ack := &ackHandle{c: c, batch: batch}

	ack.AcknowledgeIndex(1)
	assert.Equal(t, 2, ack.lastAckedIndex)

	// Going backwards is a no-op.
	ack.AcknowledgeIndex(0)
	assert.Equal(t, 2, ack.lastAckedIndex)

	// Out-of-range indices are a no-op.
	ack.AcknowledgeIndex(5)
	assert.Equal(t, 2, ack.lastAckedIndex)
}

func TestAckHandleNackSingle(t *testing.T) {
	c := newTestContainerForAck(false)
	ack := &ackHandle{c: c, single: true}

	ack.Nack(time.Second)

	assert.True(t, ack.nacked)
	assert.Equal(t, time.Second, ack.nackDuration)
}

func TestAckHandleNackIndex(t *testing.T) {
	c := newTestContainerForAck(false)
	tp := listener.TopicPartition{Topic: "t", Partition: 0}
	batch := []listener.Record{
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 0},
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 1},
		{Topic: tp.Topic, Partition: tp.Partition, Offset: 2},
	}
	ack := &ackHandle{c: c, batch: batch}

	ack.NackIndex(2, 500*time.Millisecond)

	assert.True(t, ack.nacked)
	assert.Equal(t, 2, ack.nackFromIndex)
	// NackIndex(2, ...) should have committed through index 1 first.
	c.ackCh.drain(c.pending)
	commits := c.pending.commits()
	assert.Equal(t, int64(2), commits[tp].Offset)
}

func TestAckHandleNackIsNoopUnderAsyncAcks(t *testing.T) {
	c := newTestContainerForAck(true)
	ack := &ackHandle{c: c, single: true}

	ack.Nack(time.Second)

	assert.False(t, ack.nacked)
	assert.True(t, ack.IsOutOfOrderCommit())
}

func TestAckHandleNackIndexIsNoopOnSingle(t *testing.T) {
	c := newTestContainerForAck(false)
	ack := &ackHandle{c: c, single: true}

	ack.NackIndex(0, time.Second)

	assert.False(t, ack.nacked)
}
