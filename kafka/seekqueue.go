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
	"sync"
	"time"

	listener "github.com/kafkalistener/container"
)

// seekKind discriminates the shape of a queued seek intent.
type seekKind uint8

const (
	seekAbsolute seekKind = iota
	seekRelative
	seekBeginning
	seekEnd
	seekTimestamp
	seekFunc
)

// seekIntent is one entry enqueued by a ConsumerSeekAware-style callback
// from any goroutine, drained on the consumer thread before each poll.
type seekIntent struct {
	tp        listener.TopicPartition
	kind      seekKind
	offset    int64
	toCurrent bool
	timestamp time.Time
	fn        func(currentOffset int64) int64
}

// seekQueue is the thread-safe queue of pending seek intents described by
// spec §4.6.
type seekQueue struct {
	mu      sync.Mutex
	intents []seekIntent
}

func newSeekQueue() *seekQueue { return &seekQueue{} }

func (q *seekQueue) enqueue(i seekIntent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.intents = append(q.intents, i)
}

// drain removes and returns every queued intent.
func (q *seekQueue) drain() []seekIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.intents) == 0 {
		return nil
	}
	out := q.intents
	q.intents = nil
	return out
}
