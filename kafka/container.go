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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	listener "github.com/kafkalistener/container"
	"github.com/kafkalistener/container/queuecontext"
)

// ErrNoOffsetForPartition is fatal per spec §4.1: a partition with no
// committed offset and a "none" auto.offset.reset policy cannot proceed.
var ErrNoOffsetForPartition = errors.New("kafka: no offset for partition and reset policy is none")

// Container is the single-consumer listener runtime: the pollloop module
// of spec §4.1, wiring together every other module in this package. It is
// the sole implementation of the root listener.Container interface.
type Container struct {
	cfg    Config
	client *kgo.Client
	id     string
	tracer trace.Tracer

	metrics  *containerMetrics
	admin    *GroupAdmin
	txCoord  *transactionCoordinator

	pending          *pendingOffsets
	lastCommits      *lastCommits
	rebalanceCommits *rebalanceCommits
	savedPositions   *savedPositions
	remaining        *remainingRecords
	ackCh            *ackChannel
	seekQ            *seekQueue
	pauseCtl         *pauseController
	idleTracker      *idleTracker
	liveness         *livenessMonitor
	deliveryAttempts *deliveryAttempts

	assignedMu sync.RWMutex
	assigned   map[listener.TopicPartition]struct{}

	running  atomic.Bool
	stopping atomic.Bool

	healthMu  sync.Mutex
	healthErr error

	ackSinceCommit int
	lastCommitAt   time.Time
}

// NewContainer builds a Container from cfg, dialing no brokers until Run is
// called.
func NewContainer(cfg Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid container config: %w", err)
	}
	cfg.finalize()

	id := cfg.ClientID
	if id == "" {
		id = cfg.GroupID
	}
	if cfg.clientIDSuffix != "" {
		id = id + "-" + cfg.clientIDSuffix
	}

	c := &Container{
		cfg:              cfg,
		id:               id,
		tracer:           cfg.tracerProvider().Tracer("github.com/kafkalistener/container/kafka"),
		pending:          newPendingOffsets(),
		lastCommits:   newLastCommits(),
		rebalanceCommits: newRebalanceCommits(),
		savedPositions:   newSavedPositions(),
		remaining:        newRemainingRecords(),
		seekQ:            newSeekQueue(),
		pauseCtl:         newPauseController(cfg.Events),
		idleTracker:      newIdleTracker(id, cfg.IdleEventInterval, cfg.Events),
		deliveryAttempts: newDeliveryAttempts(),
		assigned:         make(map[listener.TopicPartition]struct{}),
	}
	c.ackCh = newAckChannel(1024, cfg.AsyncAcks)

	bridge := &rebalanceBridge{c: c}
	opts := []kgo.Opt{
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.BlockRebalanceOnPoll(),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(bridge.assigned),
		kgo.OnPartitionsRevoked(bridge.revoked),
		kgo.OnPartitionsLost(bridge.lost),
	}
	if len(cfg.Topics) > 0 {
		opts = append(opts, kgo.ConsumerGroup(cfg.GroupID), kgo.ConsumeTopics(cfg.Topics...))
	} else {
		partitions := make(map[string][]int32, len(cfg.Partitions))
		for topic, ps := range cfg.Partitions {
			partitions[topic] = ps
		}
		opts = append(opts, kgo.ConsumePartitions(partitionsToOffsetMap(partitions)))
	}
	if cfg.TransactionalID != "" {
		opts = append(opts, kgo.TransactionalID(cfg.TransactionalID))
	}

	client, err := cfg.newClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating kafka client: %w", err)
	}
	c.client = client

	if cfg.TransactionalID != "" {
		c.txCoord = newTransactionCoordinator(NewTransactionalProducer(client), cfg.StopContainerWhenFenced)
	} else {
		c.txCoord = newTransactionCoordinator(nil, false)
	}

	metrics, err := newContainerMetrics(otel.GetMeterProvider())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka: failed creating metrics: %w", err)
	}
	c.metrics = metrics

	admin, err := NewGroupAdmin(cfg.CommonConfig)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka: failed creating admin client: %w", err)
	}
	c.admin = admin

	c.liveness = newLivenessMonitor(id, cfg.MonitorInterval, cfg.NoPollThreshold, cfg.Events)
	return c, nil
}

func partitionsToOffsetMap(m map[string][]int32) map[string]map[int32]kgo.Offset {
	out := make(map[string]map[int32]kgo.Offset, len(m))
	for topic, partitions := range m {
		po := make(map[int32]kgo.Offset, len(partitions))
		for _, p := range partitions {
			po[p] = kgo.NewOffset()
		}
		out[topic] = po
	}
	return out
}

func (c *Container) logStartupConfig() {
	c.cfg.Logger.Info("starting kafka listener container",
		zap.String("group_id", c.cfg.GroupID),
		zap.Strings("topics", c.cfg.Topics),
		zap.String("ack_mode", c.cfg.AckMode.String()),
		zap.Bool("async_acks", c.cfg.AsyncAcks),
		zap.Duration("poll_timeout", c.cfg.PollTimeout),
		zap.Bool("transactional", c.cfg.TransactionalID != ""),
		zap.String("listener_info", c.cfg.ListenerInfo),
	)
}

// Run implements listener.Container.
func (c *Container) Run(ctx context.Context) error {
	if c.cfg.FailOnMissingTopics && len(c.cfg.Topics) > 0 {
		missing, err := c.admin.MissingTopics(ctx, c.cfg.Topics...)
		if err != nil {
			c.cfg.Events.Publish(listener.Event{Type: listener.EventFailedToStart, Time: now(), ContainerID: c.id, Err: err})
			return fmt.Errorf("kafka: checking topic existence: %w", err)
		}
		if len(missing) == len(c.cfg.Topics) {
			err := fmt.Errorf("kafka: none of the configured topics exist: %v", missing)
			c.cfg.Events.Publish(listener.Event{Type: listener.EventFailedToStart, Time: now(), ContainerID: c.id, Err: err})
			return err
		}
	}

	c.logStartupConfig()
	c.cfg.Events.Publish(listener.Event{Type: listener.EventStarting, Time: now(), ContainerID: c.id})
	c.liveness.start()
	c.running.Store(true)
	c.cfg.Events.Publish(listener.Event{Type: listener.EventStarted, Time: now(), ContainerID: c.id})

	reason := listener.StopNormal
	var runErr error

	for !c.stopping.Load() {
		if err := ctx.Err(); err != nil {
			break
		}
		fatal, iterErr := c.runIteration(ctx)
		if iterErr != nil {
			c.setHealthErr(iterErr)
			c.cfg.Logger.Error("poll loop iteration failed", zap.Error(iterErr))
		}
		if fatal {
			runErr = iterErr
			reason = classifyStopReason(iterErr)
			break
		}
	}

	c.drainFinalCommits()
	c.liveness.close()
	c.running.Store(false)
	c.cfg.Events.Publish(listener.Event{Type: listener.EventStopping, Time: now(), ContainerID: c.id})
	c.cfg.Events.Publish(listener.Event{Type: listener.EventStopped, Time: now(), ContainerID: c.id, Reason: reason, Err: runErr})
	return runErr
}

func classifyStopReason(err error) listener.StopReason {
	switch {
	case errors.Is(err, ErrProducerFenced):
		return listener.StopFenced
	case errors.Is(err, ErrNoOffsetForPartition):
		return listener.StopNoOffset
	case err != nil:
		return listener.StopError
	default:
		return listener.StopNormal
	}
}

// drainFinalCommits issues one last synchronous commit of anything pending
// before the client is closed, per spec §4.1's cancellation contract.
func (c *Container) drainFinalCommits() {
	c.ackCh.drain(c.pending)
	commits := c.pending.commits()
	if len(commits) == 0 {
		return
	}
	commitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncCommitTimeout)
	defer cancel()
	if err := c.commitSync(commitCtx, commits); err != nil {
		c.cfg.Logger.Warn("final commit failed", zap.Error(err))
	}
}

// Stop implements listener.Container.
func (c *Container) Stop() {
	c.stopping.Store(true)
}

// Pause implements listener.Container.
func (c *Container) Pause() { c.pauseCtl.pauseAll() }

// Resume implements listener.Container.
func (c *Container) Resume() { c.pauseCtl.resumeAll() }

// Healthy implements listener.Container.
func (c *Container) Healthy() error {
	c.healthMu.Lock()
	err := c.healthErr
	c.healthMu.Unlock()
	if err != nil {
		return err
	}
	return c.client.Ping(context.Background())
}

func (c *Container) setHealthErr(err error) {
	c.healthMu.Lock()
	c.healthErr = err
	c.healthMu.Unlock()
}

// Close implements listener.Container.
func (c *Container) Close() error {
	c.client.Close()
	return c.admin.Close()
}

func now() time.Time { return time.Now() }

func (c *Container) addAssigned(tps []listener.TopicPartition) {
	c.assignedMu.Lock()
	defer c.assignedMu.Unlock()
	for _, tp := range tps {
		c.assigned[tp] = struct{}{}
	}
}

func (c *Container) removeAssigned(tps []listener.TopicPartition) {
	c.assignedMu.Lock()
	defer c.assignedMu.Unlock()
	for _, tp := range tps {
		delete(c.assigned, tp)
	}
}

func (c *Container) assignedPartitions() []listener.TopicPartition {
	c.assignedMu.RLock()
	defer c.assignedMu.RUnlock()
	out := make([]listener.TopicPartition, 0, len(c.assigned))
	for tp := range c.assigned {
		out = append(out, tp)
	}
	return out
}

func (c *Container) applyPauses(wanted map[listener.TopicPartition]struct{}) {
	already := c.pauseCtl.appliedSet()

	toPause := make(map[string][]int32)
	toResume := make(map[string][]int32)
	for tp := range wanted {
		if _, ok := already[tp]; !ok {
			toPause[tp.Topic] = append(toPause[tp.Topic], tp.Partition)
		}
	}
	for tp := range already {
		if _, ok := wanted[tp]; !ok {
			toResume[tp.Topic] = append(toResume[tp.Topic], tp.Partition)
		}
	}
	if len(toPause) > 0 {
		c.client.PauseFetchPartitions(toPause)
	}
	if len(toResume) > 0 {
		c.client.ResumeFetchPartitions(toResume)
	}
	c.pauseCtl.setApplied(wanted)
}

// consumerHandle returns the listener.ConsumerHandle given to ConsumerAware
// listeners and to the error handler's OnPartitionsAssigned hook.
func (c *Container) consumerHandle() listener.ConsumerHandle {
	return &consumerHandle{c: c}
}

type consumerHandle struct{ c *Container }

func (h *consumerHandle) Pause(tps ...listener.TopicPartition) {
	for _, tp := range tps {
		h.c.pauseCtl.pausePartition(tp)
	}
}

func (h *consumerHandle) Resume(tps ...listener.TopicPartition) {
	for _, tp := range tps {
		h.c.pauseCtl.resumePartition(tp)
	}
}

func (h *consumerHandle) Seek(tp listener.TopicPartition, offset int64) {
	h.c.seekQ.enqueue(seekIntent{tp: tp, kind: seekAbsolute, offset: offset})
}

func (h *consumerHandle) Commit(ctx context.Context) error {
	h.c.ackCh.drain(h.c.pending)
	commits := h.c.pending.commits()
	if len(commits) == 0 {
		return nil
	}
	return h.c.commitSync(ctx, commits)
}

// commitSync issues a blocking commit of commits, following the teacher's
// CommitRecords idiom (consumer.go's partitionConsumer.consume): one
// synthetic *kgo.Record per partition carrying the offset to commit through,
// since CommitRecords commits record.Offset+1 and our OffsetAndMetadata
// already stores "next offset to fetch".
func (c *Container) commitSync(ctx context.Context, commits map[listener.TopicPartition]listener.OffsetAndMetadata) error {
	recs := make([]*kgo.Record, 0, len(commits))
	for tp, om := range commits {
		recs = append(recs, &kgo.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: om.Offset - 1})
	}
	start := time.Now()
	err := c.client.CommitRecords(ctx, recs...)
	c.metrics.recordCommit(ctx, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("kafka: commit failed: %w", err)
	}
	for tp, om := range commits {
		c.lastCommits.set(tp, om.Offset)
	}
	c.pending.clearAll(commits)
	return nil
}

// commitAsync is the fire-and-forget counterpart used when Config.SyncCommits
// is false.
func (c *Container) commitAsync(ctx context.Context, commits map[listener.TopicPartition]listener.OffsetAndMetadata) {
	recs := make([]*kgo.Record, 0, len(commits))
	for tp, om := range commits {
		recs = append(recs, &kgo.Record{Topic: tp.Topic, Partition: tp.Partition, Offset: om.Offset - 1})
	}
	detached := queuecontext.DetachedContext(ctx)
	go func() {
		start := time.Now()
		err := c.client.CommitRecords(detached, recs...)
		c.metrics.recordCommit(detached, time.Since(start).Seconds())
		if err != nil {
			c.cfg.Logger.Warn("async commit failed", zap.Error(err))
			return
		}
		for tp, om := range commits {
			c.lastCommits.set(tp, om.Offset)
		}
		c.pending.clearAll(commits)
	}()
}

// shouldCommitNow implements the ackMode-driven commit cadence of spec §3's
// ack-mode enumeration.
func (c *Container) shouldCommitNow(batchDone bool) bool {
	switch c.cfg.AckMode {
	case listener.AckRecord:
		return true
	case listener.AckBatch:
		return batchDone
	case listener.AckCount:
		if c.ackSinceCommit >= c.cfg.AckCount {
			return true
		}
		return batchDone && c.pending.len() > 0 && c.cfg.AckCount <= 0
	case listener.AckTime:
		return time.Since(c.lastCommitAt) >= c.cfg.AckTime
	case listener.AckCountTime:
		return c.ackSinceCommit >= c.cfg.AckCount || time.Since(c.lastCommitAt) >= c.cfg.AckTime
	case listener.AckManual, listener.AckManualImmediate:
		// Neither mode auto-acks, but once the handler has acknowledged
		// something, ackmode.go's contract ("commit at the next poll
		// boundary") still applies: flush whatever is pending rather than
		// letting it accumulate until drainFinalCommits at shutdown.
		return c.pending.len() > 0
	default:
		return batchDone
	}
}

func (c *Container) maybeCommit(ctx context.Context, batchDone bool) {
	if !c.shouldCommitNow(batchDone) {
		return
	}
	commits := c.pending.commits()
	if len(commits) == 0 {
		return
	}
	var err error
	if c.cfg.SyncCommits {
		err = c.commitSync(ctx, commits)
	} else {
		c.commitAsync(ctx, commits)
	}
	c.ackSinceCommit = 0
	c.lastCommitAt = time.Now()
	if err != nil {
		c.cfg.Logger.Warn("commit failed", zap.Error(err))
	}
}

// runIteration executes one pass of spec §4.1's numbered steps. It returns
// fatal=true when the loop must stop.
func (c *Container) runIteration(ctx context.Context) (fatal bool, err error) {
	iterCtx, span := c.tracer.Start(ctx, "Poll")
	defer span.End()

	// Step 2: process pending commits (ack channel drain + commit). The
	// previous iteration's dispatch has returned, so every record of the
	// previous poll has been handled: the batch is done.
	c.ackCh.drain(c.pending)
	c.maybeCommit(iterCtx, true)

	// Step 3: fix tx-offsets for partitions whose last dispatched position
	// is past their last commit. A seek made during the last dispatch is not
	// detected, so a sought partition is not skipped.
	if c.cfg.FixTxOffsets {
		c.fixTxOffsets(iterCtx)
	}

	// Step 4: idle-between-polls sleep, capped to MaxPollInterval minus 5s
	// minus the time already spent since the last poll.
	if c.cfg.IdleBetweenPolls > 0 && len(c.assignedPartitions()) > 0 {
		sleep := c.cfg.IdleBetweenPolls
		sincePoll := time.Since(time.Unix(0, c.liveness.lastPoll.Load()))
		if limit := c.cfg.MaxPollInterval - 5*time.Second - sincePoll; sleep > limit {
			sleep = limit
		}
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
			}
		}
	}

	// Step 5: drain seek queue.
	c.drainSeeks()

	// Step 7: pause/resume reconciliation. Async-ack backpressure is sourced
	// from the ack channel's out-of-order map: non-empty pauses, empty
	// resumes.
	c.pauseCtl.setAsyncBackpressure(c.ackCh.pendingCount() > 0)
	wanted := c.pauseCtl.wanted(c.assignedPartitions(), c.remaining.partitions())
	c.applyPauses(wanted)

	// Step 8: poll.
	pollTimeout := c.cfg.PollTimeout
	if c.pauseCtl.isPausedAll() {
		pollTimeout = c.cfg.PollTimeoutWhilePaused
	}
	pollCtx, cancel := context.WithTimeout(iterCtx, pollTimeout)
	fetches := c.client.PollRecords(pollCtx, 0)
	cancel()
	c.liveness.recordPoll(time.Now())

	if fetches.IsClientClosed() {
		c.client.AllowRebalance()
		return true, nil
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.cfg.Logger.Warn("fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		span.RecordError(err)
	})

	byPartition := make(map[listener.TopicPartition][]listener.Record)
	fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
		if len(ftp.Records) == 0 {
			return
		}
		tp := listener.TopicPartition{Topic: ftp.Topic, Partition: ftp.Partition}
		for _, r := range ftp.Records {
			byPartition[tp] = append(byPartition[tp], toRecord(r))
		}
	})

	// Step 9: retained-records merge / emergency-stop check.
	gotRecords := len(byPartition) > 0
	if !c.remaining.isEmpty() {
		if gotRecords {
			c.client.AllowRebalance()
			return true, fmt.Errorf("kafka: emergency stop: poll returned records while a remaining-records buffer was active")
		}
		for _, tp := range c.remaining.partitions() {
			if recs, ok := c.remaining.drain(tp); ok {
				byPartition[tp] = recs
			}
		}
		gotRecords = len(byPartition) > 0
	}

	// Step 10: dispatch.
	c.savePositions(byPartition)
	dispatchFatal, dispatchErr := c.dispatch(iterCtx, byPartition)
	c.client.AllowRebalance()
	if dispatchFatal {
		return true, dispatchErr
	}
	if dispatchErr != nil {
		c.cfg.Logger.Error("dispatch error", zap.Error(dispatchErr))
		span.SetStatus(codes.Error, dispatchErr.Error())
	}

	// Step 11: idle-event bookkeeping.
	partitionsWithData := make(map[listener.TopicPartition]struct{}, len(byPartition))
	for tp := range byPartition {
		partitionsWithData[tp] = struct{}{}
	}
	c.idleTracker.onPoll(time.Now(), gotRecords, partitionsWithData, c.assignedPartitions())

	// Expired nack sleeps: resume and replay from the sought offset.
	for _, tp := range c.pauseCtl.expireNackPauses(time.Now()) {
		c.pauseCtl.resumePartition(tp)
	}

	return false, nil
}

func (c *Container) savePositions(byPartition map[listener.TopicPartition][]listener.Record) {
	positions := make(map[listener.TopicPartition]int64, len(byPartition))
	for tp, recs := range byPartition {
		if len(recs) > 0 {
			positions[tp] = recs[len(recs)-1].Offset + 1
		}
	}
	c.savedPositions.snapshot(positions)
}

func (c *Container) fixTxOffsets(ctx context.Context) {
	for tp, last := range c.lastCommits.snapshot() {
		pos, ok := c.savedPositions.get(tp)
		if !ok || pos <= last {
			continue
		}
		c.pending.record(tp, listener.OffsetAndMetadata{Offset: pos})
	}
	commits := c.pending.commits()
	if len(commits) > 0 {
		if err := c.commitSync(ctx, commits); err != nil {
			c.cfg.Logger.Warn("fix-tx-offsets commit failed", zap.Error(err))
		}
	}
}

func (c *Container) drainSeeks() {
	intents := c.seekQ.drain()
	if len(intents) == 0 {
		return
	}
	assigned := c.assignedPartitions()
	assignedSet := make(map[listener.TopicPartition]struct{}, len(assigned))
	for _, tp := range assigned {
		assignedSet[tp] = struct{}{}
	}

	toSet := make(map[string]map[int32]kgo.EpochOffset)
	for _, intent := range intents {
		if _, ok := assignedSet[intent.tp]; !ok {
			c.cfg.Logger.Warn("dropping seek for unassigned partition", zap.String("topic", intent.tp.Topic), zap.Int32("partition", intent.tp.Partition))
			continue
		}
		offset := intent.offset
		switch intent.kind {
		case seekRelative:
			base, ok := c.savedPositions.get(intent.tp)
			if !ok {
				base = 0
			}
			offset = base + intent.offset
			if offset < 0 {
				offset = 0
			}
		case seekBeginning:
			offset = -2
		case seekEnd:
			offset = -1
		case seekFunc:
			base, _ := c.savedPositions.get(intent.tp)
			offset = intent.fn(base)
		case seekTimestamp:
			// Timestamp seeks are not resolved: no timestamp-to-offset
			// lookup is made, and the intent is dropped with a warning.
			c.cfg.Logger.Warn("dropping unresolved timestamp seek", zap.String("topic", intent.tp.Topic), zap.Int32("partition", intent.tp.Partition))
			continue
		}
		if toSet[intent.tp.Topic] == nil {
			toSet[intent.tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		toSet[intent.tp.Topic][intent.tp.Partition] = kgo.EpochOffset{Offset: offset, Epoch: -1}
		c.ackCh.reset(intent.tp)
		c.pending.clear(intent.tp)
	}
	if len(toSet) > 0 {
		c.client.SetOffsets(toSet)
	}
}

func toRecord(r *kgo.Record) listener.Record {
	headers := make([]listener.Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = listener.Header{Key: h.Key, Value: h.Value}
	}
	return listener.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// dispatch implements spec §4.2/§4.3: invoking the configured listener Kind
// against the records returned by this poll. fatal is true only when a
// producer-fencing error surfaces from the transaction coordinator with
// Config.StopContainerWhenFenced set.
func (c *Container) dispatch(ctx context.Context, byPartition map[listener.TopicPartition][]listener.Record) (fatal bool, err error) {
	if len(byPartition) == 0 {
		return false, nil
	}
	ctx = queuecontext.WithGroupID(ctx, c.cfg.GroupID)
	ctx = queuecontext.WithListenerID(ctx, c.cfg.ListenerInfo)
	kind := c.cfg.Listener.Kind()
	if kind.IsBatch() {
		return c.dispatchBatch(ctx, byPartition, kind)
	}
	return c.dispatchRecords(ctx, byPartition, kind)
}

// orderedPartitions returns the partitions of byPartition in a stable order,
// for deterministic sub-batch and full-poll dispatch.
func orderedPartitions(byPartition map[listener.TopicPartition][]listener.Record) []listener.TopicPartition {
	out := make([]listener.TopicPartition, 0, len(byPartition))
	for tp := range byPartition {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func (c *Container) dispatchRecords(ctx context.Context, byPartition map[listener.TopicPartition][]listener.Record, kind listener.Kind) (bool, error) {
	for _, tp := range orderedPartitions(byPartition) {
		for _, record := range byPartition[tp] {
			if c.cfg.StopImmediate && c.stopping.Load() {
				return false, nil
			}
			if c.cfg.DeliveryAttemptHeader {
				attempt := c.deliveryAttempts.increment(tp, record.Offset)
				record.Headers = append(record.Headers, listener.Header{Key: "x-delivery-attempt", Value: []byte{byte(attempt)}})
			}

			fatal, nacked, nackDur, err := c.invokeOne(ctx, record, kind)
			if fatal {
				return true, err
			}
			if err != nil {
				recovered := c.cfg.ErrorHandler.HandleOne(ctx, err, record, c.consumerHandle())
				if recovered {
					if c.cfg.ErrorHandler.IsAckAfterHandle() && (kind == listener.KindSimple || kind == listener.KindConsumerAware) {
						c.seedAck(tp, record.Offset)
					}
				} else {
					remaining := c.tailFrom(byPartition[tp], record.Offset)
					c.remaining.set(tp, remaining)
					c.cfg.ErrorHandler.HandleRemaining(ctx, err, remaining, c.consumerHandle())
					break
				}
				continue
			}
			if nacked {
				c.handleNack(tp, record.Offset, nackDur)
				break
			}
			// KindAcknowledging/KindAcknowledgingConsumerAware already
			// acked (or chose not to) through ack.Acknowledge during
			// invokeOne; auto-seeding here would double-ack and, under
			// AsyncAcks, panic on the resulting stale ack.
			if kind == listener.KindSimple || kind == listener.KindConsumerAware {
				c.seedAck(tp, record.Offset)
			}
			if c.cfg.AckMode == listener.AckRecord {
				c.ackCh.drain(c.pending)
				c.maybeCommit(ctx, false)
			}
			c.metrics.recordProcessed(ctx, tp.Topic, tp.Partition)
		}
	}
	return false, nil
}

// tailFrom returns the suffix of recs starting at the record with the given
// offset (inclusive), used to hand the error handler the unconsumed tail.
func (c *Container) tailFrom(recs []listener.Record, offset int64) []listener.Record {
	for i, r := range recs {
		if r.Offset == offset {
			return recs[i:]
		}
	}
	return nil
}

// invokeOne calls the listener for a single record, in the manner dictated
// by kind, optionally wrapped in a transaction. It returns whether the
// handler requested a nack and, if so, for how long.
func (c *Container) invokeOne(ctx context.Context, record listener.Record, kind listener.Kind) (fatal bool, nacked bool, nackDur time.Duration, err error) {
	ack := &ackHandle{c: c, tp: record.TopicPartition(), single: true, offset: record.Offset}
	invoke := func() error {
		switch kind {
		case listener.KindSimple:
			return c.cfg.Listener.Func().(listener.SimpleFunc)(ctx, record)
		case listener.KindConsumerAware:
			return c.cfg.Listener.Func().(listener.ConsumerAwareFunc)(ctx, record, c.consumerHandle())
		case listener.KindAcknowledging:
			return c.cfg.Listener.Func().(listener.AcknowledgingFunc)(ctx, record, ack)
		case listener.KindAcknowledgingConsumerAware:
			return c.cfg.Listener.Func().(listener.AcknowledgingConsumerAwareFunc)(ctx, record, ack, c.consumerHandle())
		default:
			return fmt.Errorf("kafka: unsupported listener kind for record dispatch: %s", kind)
		}
	}

	if c.txCoord.enabled() {
		err = c.txCoord.run(ctx, invoke)
		if err != nil && errors.Is(err, ErrProducerFenced) && c.cfg.StopContainerWhenFenced {
			return true, false, 0, err
		}
	} else {
		err = invoke()
	}
	return false, ack.nacked, ack.nackDuration, err
}

func (c *Container) dispatchBatch(ctx context.Context, byPartition map[listener.TopicPartition][]listener.Record, kind listener.Kind) (bool, error) {
	var all []listener.Record
	for _, tp := range orderedPartitions(byPartition) {
		all = append(all, byPartition[tp]...)
	}
	ack := &ackHandle{c: c, batch: all}

	invoke := func() error {
		switch kind {
		case listener.KindBatchSimple:
			return c.cfg.Listener.Func().(listener.BatchSimpleFunc)(ctx, all)
		case listener.KindBatchConsumerAware:
			return c.cfg.Listener.Func().(listener.BatchConsumerAwareFunc)(ctx, all, c.consumerHandle())
		case listener.KindBatchAcknowledging:
			return c.cfg.Listener.Func().(listener.BatchAcknowledgingFunc)(ctx, all, ack)
		case listener.KindBatchAcknowledgingConsumerAware:
			return c.cfg.Listener.Func().(listener.BatchAcknowledgingConsumerAwareFunc)(ctx, all, ack, c.consumerHandle())
		case listener.KindBatchFullPoll:
			return c.cfg.Listener.Func().(listener.BatchFullPollFunc)(ctx, listener.PollResult{Records: byPartition}, ack, c.consumerHandle())
		default:
			return fmt.Errorf("kafka: unsupported listener kind for batch dispatch: %s", kind)
		}
	}

	var err error
	if c.txCoord.enabled() {
		err = c.txCoord.run(ctx, invoke)
		if err != nil && errors.Is(err, ErrProducerFenced) && c.cfg.StopContainerWhenFenced {
			return true, err
		}
	} else {
		err = invoke()
	}

	if err != nil {
		retained := c.cfg.ErrorHandler.HandleBatch(ctx, err, all, c.consumerHandle())
		if len(retained) > 0 {
			byTP := make(map[listener.TopicPartition][]listener.Record)
			for _, r := range retained {
				byTP[r.TopicPartition()] = append(byTP[r.TopicPartition()], r)
			}
			for tp, recs := range byTP {
				c.remaining.set(tp, recs)
			}
		}
		return false, err
	}

	if ack.nacked {
		c.handleBatchNack(all, ack)
		return false, nil
	}

	if kind == listener.KindBatchSimple || kind == listener.KindBatchConsumerAware {
		// These kinds never see an Ack; a clean return means the whole
		// batch succeeded, so seed the highest offset per partition.
		highest := make(map[listener.TopicPartition]int64)
		for _, r := range all {
			tp := r.TopicPartition()
			if cur, ok := highest[tp]; !ok || r.Offset > cur {
				highest[tp] = r.Offset
			}
		}
		for tp, offset := range highest {
			c.seedAck(tp, offset)
			c.metrics.recordProcessed(ctx, tp.Topic, tp.Partition)
		}
		return false, nil
	}

	// Acknowledging kinds under manual ack modes already drove c.seedAck
	// through ack.Acknowledge/AcknowledgeIndex during invoke; a second
	// Acknowledge() call after a partial index commit is "commit the
	// rest", which AcknowledgeIndex's lastAckedIndex bookkeeping already
	// treats correctly without needing anything further here.
	for _, r := range all {
		c.metrics.recordProcessed(ctx, r.Topic, r.Partition)
	}
	return false, nil
}

// seedAck registers and immediately acks a handled offset, the common path
// used outside the Acknowledging listener kinds (where the container itself
// decides the record succeeded) as well as after a clean batch dispatch.
func (c *Container) seedAck(tp listener.TopicPartition, offset int64) {
	c.ackCh.register(tp, offset)
	c.ackCh.ack(tp, offset)
	c.ackSinceCommit++
}

// commitIfManualImmediate issues the synchronous commit ackmode.go describes
// for AckManualImmediate ("as soon as Acknowledge is called"), i.e. right
// here, on the handler's own call to Acknowledge/AcknowledgeIndex, rather than
// waiting for the next iteration's maybeCommit. ctx has no connection to the
// record's own (possibly already-cancelled) dispatch context by design; it
// is a fresh background context bounded by SyncCommitTimeout, the same
// pattern drainFinalCommits uses for a commit issued outside the poll loop.
func (c *Container) commitIfManualImmediate() {
	if c.cfg.AckMode != listener.AckManualImmediate {
		return
	}
	c.ackCh.drain(c.pending)
	commits := c.pending.commits()
	if len(commits) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncCommitTimeout)
	defer cancel()
	if err := c.commitSync(ctx, commits); err != nil {
		c.cfg.Logger.Warn("manual-immediate commit failed", zap.Error(err))
	}
}

func (c *Container) handleNack(tp listener.TopicPartition, offset int64, d time.Duration) {
	assigned := c.assignedPartitions()
	newlyPaused := c.pauseCtl.pauseForNack(assigned, d, time.Now())
	wanted := c.pauseCtl.wanted(assigned, c.remaining.partitions())
	c.applyPauses(wanted)
	if !c.stillAssigned(tp) {
		// Lost the partition between pausing and applying: a rebalance is
		// in progress, so the pause we just recorded for it is meaningless
		// and must not linger for whoever picks the partition up next.
		c.pauseCtl.rollbackNackPause(newlyPaused)
		return
	}
	c.seekQ.enqueue(seekIntent{tp: tp, kind: seekAbsolute, offset: offset})
	c.cfg.Events.Publish(listener.Event{Type: listener.EventPartitionPaused, Time: now(), ContainerID: c.id, Partition: &tp})
}

func (c *Container) stillAssigned(tp listener.TopicPartition) bool {
	c.assignedMu.RLock()
	defer c.assignedMu.RUnlock()
	_, ok := c.assigned[tp]
	return ok
}

func (c *Container) handleBatchNack(all []listener.Record, ack *ackHandle) {
	from := ack.nackFromIndex
	if from < 0 || from >= len(all) {
		return
	}
	byTP := make(map[listener.TopicPartition]int64)
	for _, r := range all[from:] {
		tp := r.TopicPartition()
		if cur, ok := byTP[tp]; !ok || r.Offset < cur {
			byTP[tp] = r.Offset
		}
	}
	assigned := c.assignedPartitions()
	c.pauseCtl.pauseForNack(assigned, ack.nackDuration, time.Now())
	for tp, offset := range byTP {
		c.seekQ.enqueue(seekIntent{tp: tp, kind: seekAbsolute, offset: offset})
	}
}
