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

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	listener "github.com/kafkalistener/container"
)

// rebalanceBridge implements the kgo.OnPartitionsAssigned/Revoked/Lost
// callbacks described by spec §4.7. It is grounded on the teacher's
// consumer.assigned/consumer.lost pair in kafka/consumer.go, generalized
// from "start/stop a per-partition goroutine" to "commit pending offsets,
// prune retained records, re-pause, optionally commit-on-assignment".
type rebalanceBridge struct {
	c *Container
}

func topicPartitionsFromMap(m map[string][]int32) []listener.TopicPartition {
	var out []listener.TopicPartition
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, listener.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

// assigned implements kgo.OnPartitionsAssigned.
func (b *rebalanceBridge) assigned(ctx context.Context, client *kgo.Client, assignedMap map[string][]int32) {
	c := b.c
	assigned := topicPartitionsFromMap(assignedMap)
	if len(assigned) == 0 {
		return
	}
	c.addAssigned(assigned)

	// Step 1: re-apply pauses Kafka cleared across the rebalance. The newly
	// assigned partitions are dropped from the applied set first, so that
	// applyPauses pauses them again instead of treating them as paused.
	applied := c.pauseCtl.appliedSet()
	for _, tp := range assigned {
		delete(applied, tp)
	}
	c.pauseCtl.setApplied(applied)
	wanted := c.pauseCtl.wanted(c.assignedPartitions(), c.remaining.partitions())
	if len(wanted) > 0 {
		c.applyPauses(wanted)
	}

	// Retry any commit that failed earlier with "rebalance in progress"
	// for a partition we've been handed back.
	owned := make(map[listener.TopicPartition]struct{}, len(assigned))
	for _, tp := range assigned {
		owned[tp] = struct{}{}
	}
	if retry := c.rebalanceCommits.takeOwned(owned); len(retry) > 0 {
		toCommit := make(map[string]map[int32]kgo.EpochOffset)
		for tp, om := range retry {
			if toCommit[tp.Topic] == nil {
				toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
			}
			toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: om.Offset, Epoch: -1}
		}
		client.CommitOffsets(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				c.cfg.Logger.Warn("retry of rebalance-interrupted commit failed", zap.Error(err))
			}
		})
	}

	positions := currentPositions(client, assigned)

	// Step 2: commit-on-assignment.
	if c.cfg.AssignmentCommitOption != AssignmentCommitNever {
		skipTx := c.cfg.AssignmentCommitOption == AssignmentCommitLatestOnlyNoTx && c.txCoord.enabled()
		if !skipTx {
			toCommit := make(map[string]map[int32]kgo.EpochOffset)
			for _, tp := range assigned {
				_, hasCommit := c.lastCommits.get(tp)
				if hasCommit && c.cfg.AssignmentCommitOption != AssignmentCommitAlways {
					continue
				}
				offset, ok := positions[tp]
				if !ok {
					continue
				}
				if toCommit[tp.Topic] == nil {
					toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
				}
				toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: offset, Epoch: -1}
			}
			if len(toCommit) > 0 {
				client.CommitOffsets(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
					if err != nil {
						c.cfg.Logger.Warn("commit-on-assignment failed", zap.Error(err))
					}
				})
			}
		}
	}

	// Step 3: seek-aware on-assigned callback.
	if c.cfg.RebalanceHooks != nil && c.cfg.RebalanceHooks.OnAssign != nil {
		c.cfg.RebalanceHooks.OnAssign(ctx, positions, func(tp listener.TopicPartition, offset int64) {
			c.seekQ.enqueue(seekIntent{tp: tp, kind: seekAbsolute, offset: offset})
		})
	}

	// Step 4: error handler's on-assigned hook may request pauses.
	c.cfg.ErrorHandler.OnPartitionsAssigned(c.consumerHandle(), assigned, func(tps ...listener.TopicPartition) {
		for _, tp := range tps {
			c.pauseCtl.pausePartition(tp)
		}
	})
}

// revoked implements kgo.OnPartitionsRevoked.
func (b *rebalanceBridge) revoked(ctx context.Context, client *kgo.Client, revokedMap map[string][]int32) {
	b.c.onLoseOwnership(ctx, client, revokedMap, true)
}

// lost implements kgo.OnPartitionsLost.
func (b *rebalanceBridge) lost(ctx context.Context, client *kgo.Client, lostMap map[string][]int32) {
	b.c.onLoseOwnership(ctx, client, lostMap, false)
}

// onLoseOwnership is shared by revoke and lost, differing only in whether a
// pre-revoke commit is attempted (spec §4.7: "On partitions lost: same as
// revoked but without pre-commit").
func (c *Container) onLoseOwnership(ctx context.Context, client *kgo.Client, m map[string][]int32, commit bool) {
	revoked := topicPartitionsFromMap(m)
	if len(revoked) == 0 {
		return
	}

	c.removeAssigned(revoked)
	c.remaining.dropRevoked(revoked)

	if commit {
		if hooks := c.cfg.RebalanceHooks; hooks != nil && hooks.PreCommit != nil {
			hooks.PreCommit(ctx, revoked)
		}

		c.ackCh.drain(c.pending)
		commits := c.pending.commits()
		if len(commits) > 0 {
			toCommit := make(map[string]map[int32]kgo.EpochOffset)
			for tp, om := range commits {
				if toCommit[tp.Topic] == nil {
					toCommit[tp.Topic] = make(map[int32]kgo.EpochOffset)
				}
				toCommit[tp.Topic][tp.Partition] = kgo.EpochOffset{Offset: om.Offset, Epoch: -1}
			}
			var commitErr error
			done := make(chan struct{})
			client.CommitOffsetsSync(ctx, toCommit, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
				commitErr = err
				close(done)
			})
			<-done
			if commitErr != nil && isRebalanceInProgress(commitErr) {
				c.rebalanceCommits.add(commits)
			} else if commitErr != nil {
				c.cfg.Logger.Warn("revoke-time commit failed", zap.Error(commitErr))
			} else {
				c.pending.clearAll(commits)
			}
		}

		if hooks := c.cfg.RebalanceHooks; hooks != nil && hooks.PostCommit != nil {
			hooks.PostCommit(ctx, revoked)
		}
	}

	for _, tp := range revoked {
		c.pending.clear(tp)
		c.lastCommits.remove(tp)
		c.ackCh.reset(tp)
		c.pauseCtl.removePartition(tp)
		c.idleTracker.removePartition(tp)
		c.deliveryAttempts.removePartition(tp)
		c.rebalanceCommits.removeAll([]listener.TopicPartition{tp})
	}
}

func isRebalanceInProgress(err error) bool {
	return err == kerr.RebalanceInProgress
}

// currentPositions reports the consumer's current head position for each of
// tps, derived from UncommittedOffsets. A freshly assigned partition with no
// fetched records yet has no entry, since there is nothing meaningful to
// commit for it until the first poll.
func currentPositions(client *kgo.Client, tps []listener.TopicPartition) map[listener.TopicPartition]int64 {
	out := make(map[listener.TopicPartition]int64, len(tps))
	uncommitted := client.UncommittedOffsets()
	for _, tp := range tps {
		if partitions, ok := uncommitted[tp.Topic]; ok {
			if eo, ok := partitions[tp.Partition]; ok {
				out[tp] = eo.Offset
			}
		}
	}
	return out
}
