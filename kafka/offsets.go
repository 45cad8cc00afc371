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

	listener "github.com/kafkalistener/container"
)

// pendingOffsets tracks, per partition, the highest handled offset not yet
// committed to the broker. The commit recorded for a partition is a
// monotonically non-decreasing function of time except across a seek or a
// revocation, which clear the entry outright.
type pendingOffsets struct {
	mu      sync.Mutex
	offsets map[listener.TopicPartition]listener.OffsetAndMetadata
}

func newPendingOffsets() *pendingOffsets {
	return &pendingOffsets{offsets: make(map[listener.TopicPartition]listener.OffsetAndMetadata)}
}

// record stores offset+metadata for tp if it advances (or equals) what's
// already pending; a record for a lower offset is a no-op, since commits
// must not go backwards outside of a seek.
func (p *pendingOffsets) record(tp listener.TopicPartition, offset listener.OffsetAndMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.offsets[tp]; ok && cur.Offset >= offset.Offset {
		return
	}
	p.offsets[tp] = offset
}

// commits returns a snapshot copy of everything pending, for handing to a
// commit call.
func (p *pendingOffsets) commits() map[listener.TopicPartition]listener.OffsetAndMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[listener.TopicPartition]listener.OffsetAndMetadata, len(p.offsets))
	for tp, om := range p.offsets {
		out[tp] = om
	}
	return out
}

func (p *pendingOffsets) clear(tp listener.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.offsets, tp)
}

func (p *pendingOffsets) clearAll(commits map[listener.TopicPartition]listener.OffsetAndMetadata) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tp, om := range commits {
		if cur, ok := p.offsets[tp]; ok && cur.Offset == om.Offset {
			delete(p.offsets, tp)
		}
	}
}

func (p *pendingOffsets) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offsets)
}

// lastCommits is the most recent successful commit per partition, consulted
// by the fix-tx-offsets step to re-send a commit when the consumer position
// has advanced past what was last committed without an intervening poll
// producing new records (an idle partition under transactional semantics).
type lastCommits struct {
	mu sync.Mutex
	m  map[listener.TopicPartition]int64
}

func newLastCommits() *lastCommits { return &lastCommits{m: make(map[listener.TopicPartition]int64)} }

func (l *lastCommits) set(tp listener.TopicPartition, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[tp] = offset
}

func (l *lastCommits) get(tp listener.TopicPartition) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.m[tp]
	return v, ok
}

func (l *lastCommits) snapshot() map[listener.TopicPartition]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[listener.TopicPartition]int64, len(l.m))
	for k, v := range l.m {
		out[k] = v
	}
	return out
}

func (l *lastCommits) remove(tp listener.TopicPartition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, tp)
}

// rebalanceCommits holds commits that failed because a rebalance was in
// progress; they're retried once assignment stabilizes, restricted to
// partitions still owned by this consumer.
type rebalanceCommits struct {
	mu sync.Mutex
	m  map[listener.TopicPartition]listener.OffsetAndMetadata
}

func newRebalanceCommits() *rebalanceCommits {
	return &rebalanceCommits{m: make(map[listener.TopicPartition]listener.OffsetAndMetadata)}
}

func (r *rebalanceCommits) add(commits map[listener.TopicPartition]listener.OffsetAndMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tp, om := range commits {
		r.m[tp] = om
	}
}

// takeOwned removes and returns every retained commit whose partition is in
// owned, leaving the rest (no longer owned, so no longer our concern) behind.
func (r *rebalanceCommits) takeOwned(owned map[listener.TopicPartition]struct{}) map[listener.TopicPartition]listener.OffsetAndMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[listener.TopicPartition]listener.OffsetAndMetadata)
	for tp, om := range r.m {
		if _, ok := owned[tp]; ok {
			out[tp] = om
			delete(r.m, tp)
		}
	}
	return out
}

func (r *rebalanceCommits) removeAll(tps []listener.TopicPartition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tp := range tps {
		delete(r.m, tp)
	}
}

// savedPositions is a snapshot, taken immediately before handler
// invocation, of the offset after the last record dispatched per partition.
// fixTxOffsets compares it with lastCommits, and drainSeeks uses it as the
// base for relative and function seeks. It does not record whether a seek
// happened during handling.
type savedPositions struct {
	mu sync.Mutex
	m  map[listener.TopicPartition]int64
}

func newSavedPositions() *savedPositions { return &savedPositions{m: make(map[listener.TopicPartition]int64)} }

func (s *savedPositions) snapshot(positions map[listener.TopicPartition]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = positions
}

func (s *savedPositions) get(tp listener.TopicPartition) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[tp]
	return v, ok
}

// remainingRecords is the holdover of records an error handler asked the
// loop to retain after a failure. While non-empty for a partition, that
// partition stays paused; on the next poll where it's unpaused, the buffer
// is replayed in place of a fresh poll result.
type remainingRecords struct {
	mu      sync.Mutex
	records map[listener.TopicPartition][]listener.Record
}

func newRemainingRecords() *remainingRecords {
	return &remainingRecords{records: make(map[listener.TopicPartition][]listener.Record)}
}

func (r *remainingRecords) set(tp listener.TopicPartition, recs []listener.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tp] = recs
}

func (r *remainingRecords) dropRevoked(revoked []listener.TopicPartition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tp := range revoked {
		delete(r.records, tp)
	}
}

func (r *remainingRecords) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records) == 0
}

func (r *remainingRecords) partitions() []listener.TopicPartition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]listener.TopicPartition, 0, len(r.records))
	for tp := range r.records {
		out = append(out, tp)
	}
	return out
}

// drain removes and returns the retained records for tp, if any.
func (r *remainingRecords) drain(tp listener.TopicPartition) ([]listener.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, ok := r.records[tp]
	if ok {
		delete(r.records, tp)
	}
	return recs, ok
}
