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

package listener

import "time"

// Ack is handed to listeners registered with an Acknowledging kind. It is
// only valid for the duration of the handler call it was passed to.
type Ack interface {
	// Acknowledge marks the current record (or, for a batch listener, the
	// whole batch) as successfully handled.
	//
	// Calling Acknowledge a second time after a partial index-based commit
	// is interpreted as "commit the rest".
	Acknowledge()

	// AcknowledgeIndex commits through the i-th record of a batch. It is
	// only valid for batch listeners that received a list of records (not
	// a raw poll result), only under AckManualImmediate, and only from the
	// consumer thread. Subsequent calls must pass strictly increasing
	// indices.
	AcknowledgeIndex(i int)

	// Nack marks the remainder of the current dispatch as unprocessed: the
	// container pauses the affected partitions for d, then seeks back to
	// replay them. Nack may only be called from the consumer thread, and is
	// rejected outright when out-of-order (async) acks are enabled.
	Nack(d time.Duration)

	// NackIndex marks records from index i onward (batch listeners only) as
	// unprocessed, with the same pause-then-replay behavior as Nack.
	NackIndex(i int, d time.Duration)

	// IsOutOfOrderCommit reports whether asynchronous (out-of-order) acks
	// are enabled for this container.
	IsOutOfOrderCommit() bool
}
