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
	"time"

	listener "github.com/kafkalistener/container"
)

// ackHandle is the listener.Ack the container hands to Acknowledging-kind
// listeners. One is built per record (single) or per batch dispatch. It is
// only valid for the duration of the invocation it was passed to; the
// container reads its nacked/acked state immediately after the handler
// returns and then discards it.
type ackHandle struct {
	c *Container

	// single-record mode.
	single bool
	tp     listener.TopicPartition
	offset int64

	// batch mode.
	batch []listener.Record

	lastAckedIndex int

	nacked        bool
	nackDuration  time.Duration
	nackFromIndex int
}

// Acknowledge implements listener.Ack.
func (a *ackHandle) Acknowledge() {
	if a.single {
		a.c.seedAck(a.tp, a.offset)
		a.c.commitIfManualImmediate()
		return
	}
	a.AcknowledgeIndex(len(a.batch) - 1)
}

// AcknowledgeIndex implements listener.Ack. It is only meaningful for batch
// handles; on a single-record handle it behaves like Acknowledge.
func (a *ackHandle) AcknowledgeIndex(i int) {
	if a.single {
		a.c.seedAck(a.tp, a.offset)
		a.c.commitIfManualImmediate()
		return
	}
	if i < 0 || i >= len(a.batch) || i < a.lastAckedIndex {
		return
	}
	for _, r := range a.batch[a.lastAckedIndex:i+1] {
		a.c.seedAck(r.TopicPartition(), r.Offset)
	}
	a.lastAckedIndex = i + 1
	a.c.commitIfManualImmediate()
}

// Nack implements listener.Ack. It is a no-op when async acks are enabled,
// mirroring spring-kafka's "Nack is not supported with out-of-order commit".
func (a *ackHandle) Nack(d time.Duration) {
	if a.c.cfg.AsyncAcks {
		return
	}
	a.nacked = true
	a.nackDuration = d
	if a.single {
		return
	}
	a.nackFromIndex = a.lastAckedIndex
}

// NackIndex implements listener.Ack.
func (a *ackHandle) NackIndex(i int, d time.Duration) {
	if a.c.cfg.AsyncAcks || a.single {
		return
	}
	if i < 0 || i >= len(a.batch) {
		return
	}
	a.AcknowledgeIndex(i - 1)
	a.nacked = true
	a.nackDuration = d
	a.nackFromIndex = i
}

// IsOutOfOrderCommit implements listener.Ack.
func (a *ackHandle) IsOutOfOrderCommit() bool { return a.c.cfg.AsyncAcks }
