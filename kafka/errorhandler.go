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
	"context"
	"sync"

	listener "github.com/kafkalistener/container"
)

// ErrorHandler is the pluggable recovery bridge described by spec §4.8 and
// §6. The loop routes a handler exception through it and acts on the
// returned decision instead of hardcoding retry/seek/bubble-up policy.
type ErrorHandler interface {
	// HandleOne is invoked for a single failing record. Returning true means
	// the record is considered recovered: the loop commits through it and
	// continues with the next record. Returning false means the consumer
	// should be sought back to replay record and everything after it.
	HandleOne(ctx context.Context, err error, record listener.Record, consumer listener.ConsumerHandle) bool

	// HandleRemaining is invoked after HandleOne has returned false, with the
	// failing record and the records after it from the same partition and
	// poll; the container also keeps those records in its remaining-records
	// buffer.
	HandleRemaining(ctx context.Context, err error, records []listener.Record, consumer listener.ConsumerHandle)

	// HandleBatch is invoked for a failing batch dispatch. It returns the
	// subset of records (possibly all, possibly none) that should be
	// retained in the remaining-records buffer for replay.
	HandleBatch(ctx context.Context, err error, records []listener.Record, consumer listener.ConsumerHandle) []listener.Record

	// IsAckAfterHandle reports whether a record HandleOne recovers should
	// be committed through (true) or left for redelivery (false).
	IsAckAfterHandle() bool

	// SeeksAfterHandling reports whether this handler wants the remaining
	// records (via HandleRemaining) rather than a single record. The
	// container does not read it: every record failure goes to HandleOne
	// first, and to HandleRemaining only when HandleOne returns false.
	SeeksAfterHandling() bool

	// OnPartitionsAssigned lets the handler request partitions be paused
	// immediately upon assignment, e.g. to let a circuit breaker settle.
	OnPartitionsAssigned(consumer listener.ConsumerHandle, partitions []listener.TopicPartition, pause func(...listener.TopicPartition))

	// DeliveryAttempt returns the number of times tp/offset has been
	// delivered to the handler, including the current attempt. The optional
	// delivery-attempt header does not use it; that header carries the
	// container's own per-offset invocation count.
	DeliveryAttempt(tp listener.TopicPartition, offset int64) int
}

// deliveryAttempts counts handler invocations per (partition, offset),
// backing the delivery-attempt header feature and any error handler that
// wants attempt counts (e.g. the basic-retry scenario in spec §8).
type deliveryAttempts struct {
	mu sync.Mutex
	m  map[listener.TopicPartition]map[int64]int
}

func newDeliveryAttempts() *deliveryAttempts {
	return &deliveryAttempts{m: make(map[listener.TopicPartition]map[int64]int)}
}

func (d *deliveryAttempts) increment(tp listener.TopicPartition, offset int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	perOffset, ok := d.m[tp]
	if !ok {
		perOffset = make(map[int64]int)
		d.m[tp] = perOffset
	}
	perOffset[offset]++
	return perOffset[offset]
}

func (d *deliveryAttempts) get(tp listener.TopicPartition, offset int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m[tp][offset]
}

func (d *deliveryAttempts) removePartition(tp listener.TopicPartition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, tp)
}

// RecoveringErrorHandler commits through the failing record and continues,
// the default policy: a handler that keeps throwing simply loses that one
// record rather than wedging the partition.
type RecoveringErrorHandler struct {
	attempts *deliveryAttempts
}

// NewRecoveringErrorHandler returns the default recover-and-continue policy.
func NewRecoveringErrorHandler() *RecoveringErrorHandler {
	return &RecoveringErrorHandler{attempts: newDeliveryAttempts()}
}

func (h *RecoveringErrorHandler) HandleOne(_ context.Context, _ error, record listener.Record, _ listener.ConsumerHandle) bool {
	h.attempts.increment(record.TopicPartition(), record.Offset)
	return true
}

func (h *RecoveringErrorHandler) HandleRemaining(context.Context, error, []listener.Record, listener.ConsumerHandle) {}

func (h *RecoveringErrorHandler) HandleBatch(context.Context, error, []listener.Record, listener.ConsumerHandle) []listener.Record {
	return nil
}

func (h *RecoveringErrorHandler) IsAckAfterHandle() bool { return true }
func (h *RecoveringErrorHandler) SeeksAfterHandling() bool { return false }

func (h *RecoveringErrorHandler) OnPartitionsAssigned(listener.ConsumerHandle, []listener.TopicPartition, func(...listener.TopicPartition)) {
}

func (h *RecoveringErrorHandler) DeliveryAttempt(tp listener.TopicPartition, offset int64) int {
	return h.attempts.get(tp, offset)
}

// SeekToCurrentErrorHandler seeks the consumer back to the failing record
// and retains it (and the rest of the batch/tail) for replay after a pause,
// rather than skipping past it.
type SeekToCurrentErrorHandler struct {
	attempts *deliveryAttempts
	maxRetries int // 0 means unlimited
}

// NewSeekToCurrentErrorHandler returns a handler that replays the failing
// record (and any unconsumed tail) up to maxRetries times before giving up
// and recovering past it. maxRetries <= 0 means retry indefinitely.
func NewSeekToCurrentErrorHandler(maxRetries int) *SeekToCurrentErrorHandler {
	return &SeekToCurrentErrorHandler{attempts: newDeliveryAttempts(), maxRetries: maxRetries}
}

func (h *SeekToCurrentErrorHandler) HandleOne(_ context.Context, _ error, record listener.Record, _ listener.ConsumerHandle) bool {
	attempt := h.attempts.increment(record.TopicPartition(), record.Offset)
	if h.maxRetries > 0 && attempt > h.maxRetries {
		return true // give up recovering, commit through it
	}
	return false
}

func (h *SeekToCurrentErrorHandler) HandleRemaining(_ context.Context, _ error, records []listener.Record, consumer listener.ConsumerHandle) {
	for _, r := range records {
		consumer.Seek(r.TopicPartition(), r.Offset)
	}
}

func (h *SeekToCurrentErrorHandler) HandleBatch(_ context.Context, _ error, records []listener.Record, consumer listener.ConsumerHandle) []listener.Record {
	for _, r := range records {
		consumer.Seek(r.TopicPartition(), r.Offset)
	}
	return records
}

func (h *SeekToCurrentErrorHandler) IsAckAfterHandle() bool   { return false }
func (h *SeekToCurrentErrorHandler) SeeksAfterHandling() bool { return true }

func (h *SeekToCurrentErrorHandler) OnPartitionsAssigned(listener.ConsumerHandle, []listener.TopicPartition, func(...listener.TopicPartition)) {
}

func (h *SeekToCurrentErrorHandler) DeliveryAttempt(tp listener.TopicPartition, offset int64) int {
	return h.attempts.get(tp, offset)
}

// FallbackToRecordHandler wraps a batch dispatch failure by falling back to
// the per-record path for whatever records the batch didn't finish,
// supplementing the distilled spec with spring-kafka's
// RecoveringBatchErrorHandler partial-recovery behavior: rather than
// discarding or blindly retaining an entire failed batch, each remaining
// record is retried individually through recordHandler, and only the
// records recordHandler itself can't recover are retained.
type FallbackToRecordHandler struct {
	recordHandler func(ctx context.Context, record listener.Record, consumer listener.ConsumerHandle) error
}

// NewFallbackToRecordHandler returns a batch-error handler that retries
// each record of a failed batch individually via recordHandler.
func NewFallbackToRecordHandler(recordHandler func(ctx context.Context, record listener.Record, consumer listener.ConsumerHandle) error) *FallbackToRecordHandler {
	return &FallbackToRecordHandler{recordHandler: recordHandler}
}

// Recover runs records one at a time through recordHandler, returning the
// subset that still failed, in order, for retention.
func (h *FallbackToRecordHandler) Recover(ctx context.Context, records []listener.Record, consumer listener.ConsumerHandle) []listener.Record {
	var failed []listener.Record
	for _, r := range records {
		if err := h.recordHandler(ctx, r, consumer); err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
