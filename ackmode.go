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

// AckMode drives when the container commits offsets back to Kafka.
type AckMode uint8

const (
	// AckRecord commits after each successfully handled record.
	AckRecord AckMode = iota
	// AckBatch commits once every record from a single poll has been
	// handled.
	AckBatch
	// AckTime commits no more often than every AckTime interval.
	AckTime
	// AckCount commits every AckCount handled records.
	AckCount
	// AckCountTime commits on whichever of AckCount or AckTime triggers
	// first.
	AckCountTime
	// AckManual requires the user to call Ack.Acknowledge(); the commit
	// happens at the next poll boundary.
	AckManual
	// AckManualImmediate requires the user to call Ack.Acknowledge(); the
	// commit is attempted synchronously, from the consumer thread, as soon
	// as Acknowledge is called.
	AckManualImmediate
)

// String returns the canonical lowercase name of the ack mode.
func (m AckMode) String() string {
	switch m {
	case AckRecord:
		return "record"
	case AckBatch:
		return "batch"
	case AckTime:
		return "time"
	case AckCount:
		return "count"
	case AckCountTime:
		return "count_time"
	case AckManual:
		return "manual"
	case AckManualImmediate:
		return "manual_immediate"
	default:
		return "unknown"
	}
}

// IsManual reports whether commits only happen in response to an explicit
// Ack.Acknowledge() call, rather than automatically after handling.
func (m AckMode) IsManual() bool {
	return m == AckManual || m == AckManualImmediate
}
