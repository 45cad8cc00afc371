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
	"fmt"
	"sync"

	listener "github.com/kafkalistener/container"
	"github.com/kafkalistener/container/kafka/offsettracker"
)

// ackedOffset is a single handled (topic, partition, offset) pending commit.
type ackedOffset struct {
	tp     listener.TopicPartition
	offset int64
}

// ackChannel is the bounded queue of acked records described by spec §2's
// ack channel component. It is drained on the consumer thread before every
// poll. When out-of-order (async) acks are enabled, completions that arrive
// out of order are deferred via a per-partition offsettracker.Tracker until
// the in-order gap closes; RECORD/BATCH/etc. synchronous ack modes bypass
// the tracker entirely since completion order is already in-order there.
type ackChannel struct {
	ch chan ackedOffset

	async bool

	mu       sync.Mutex
	trackers map[listener.TopicPartition]*offsettracker.Tracker[struct{}]
}

func newAckChannel(size int, async bool) *ackChannel {
	return &ackChannel{
		ch:       make(chan ackedOffset, size),
		async:    async,
		trackers: make(map[listener.TopicPartition]*offsettracker.Tracker[struct{}]),
	}
}

// register notes that tp/offset has been dispatched to the handler and must
// eventually be acked, so that out-of-order completions can be tracked. It
// is a no-op unless async acks are enabled.
func (a *ackChannel) register(tp listener.TopicPartition, offset int64) {
	if !a.async {
		return
	}
	a.mu.Lock()
	t, ok := a.trackers[tp]
	if !ok {
		t = offsettracker.New[struct{}]()
		a.trackers[tp] = t
	}
	a.mu.Unlock()
	t.RegisterOffset(offset, struct{}{})
}

// ack enqueues a handled record. Safe to call from any goroutine.
func (a *ackChannel) ack(tp listener.TopicPartition, offset int64) {
	a.ch <- ackedOffset{tp: tp, offset: offset}
}

// isStale reports whether offset is at or below the already-established
// safe offset for tp, meaning an ack for it would be a stale, programmer
// error-class ack.
func (a *ackChannel) isStale(tp listener.TopicPartition, offset int64) bool {
	a.mu.Lock()
	t, ok := a.trackers[tp]
	a.mu.Unlock()
	if !ok {
		return false
	}
	return t.IsStale(offset)
}

// drain empties the channel into dst, resolving out-of-order completions
// through each partition's tracker and recording the resulting commits in
// dst. It panics with a descriptive message on a stale ack, mirroring the source's
// "fatal programmer error" treatment of acking below the established head.
func (a *ackChannel) drain(dst *pendingOffsets) {
	for {
		select {
		case acked := <-a.ch:
			a.resolve(acked, dst)
		default:
			return
		}
	}
}

func (a *ackChannel) resolve(acked ackedOffset, dst *pendingOffsets) {
	if !a.async {
		dst.record(acked.tp, listener.OffsetAndMetadata{Offset: acked.offset + 1})
		return
	}
	a.mu.Lock()
	t, ok := a.trackers[acked.tp]
	a.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("kafka: ack for %v offset %d with no registered offsets", acked.tp, acked.offset))
	}
	if t.IsStale(acked.offset) {
		panic(fmt.Sprintf("kafka: stale ack for %v offset %d", acked.tp, acked.offset))
	}
	_, safe := t.MarkDone(acked.offset)
	if safe >= 0 {
		dst.record(acked.tp, listener.OffsetAndMetadata{Offset: safe + 1})
	}
}

// pendingCount returns how many offsets, across all partitions, are
// registered but not yet safe to commit; a non-zero count makes the pause
// controller apply async-ack backpressure.
func (a *ackChannel) pendingCount() int {
	if !a.async {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, t := range a.trackers {
		total += t.Pending()
	}
	return total
}

// reset discards tracker state for tp, called on revoke/seek.
func (a *ackChannel) reset(tp listener.TopicPartition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.trackers, tp)
}
