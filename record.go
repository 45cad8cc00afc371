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

// TopicPartition identifies a single partition of a topic. Its zero value
// is not a valid partition; it is meant to be used as a map key.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// OffsetAndMetadata is the offset committed for a partition, meaning "the
// next record to fetch has this offset". The commit offset for a processed
// record R is therefore R.Offset+1.
type OffsetAndMetadata struct {
	Offset   int64
	Metadata string
}

// Header is a single Kafka record header.
type Header struct {
	Key   string
	Value []byte
}

// Record is an immutable view of a single record delivered by the broker.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time

	// DeserializationErr reports that Key or Value could not be decoded.
	// The kafka package's container never sets it and does not check it
	// before dispatch: the handler receives the record as it is.
	DeserializationErr error
}

// TopicPartition returns the partition this record belongs to.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// NextOffset returns the offset that should be committed once r has been
// fully handled.
func (r Record) NextOffset() OffsetAndMetadata {
	return OffsetAndMetadata{Offset: r.Offset + 1}
}
