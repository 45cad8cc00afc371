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

// Package kafka implements the single-consumer message listener container
// on top of github.com/twmb/franz-go, following the contracts declared by
// the root listener package.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	listener "github.com/kafkalistener/container"
)

// RebalanceHooks lets a caller observe or act on a rebalance without
// implementing the full kgo.OnPartitionsAssigned/Revoked/Lost contract,
// mirroring spec §4.7's "user-supplied pre-commit/post-commit rebalance
// hook" and "seek-aware on-assigned callback".
type RebalanceHooks struct {
	// PreCommit runs before the revoke-time commit is issued.
	PreCommit func(ctx context.Context, revoked []listener.TopicPartition)
	// PostCommit runs after the revoke-time commit completes (whether or
	// not it succeeded).
	PostCommit func(ctx context.Context, revoked []listener.TopicPartition)
	// OnAssign runs after pauses are re-applied for newly assigned
	// partitions. seek lets the callback request a seek without needing
	// its own queue.
	OnAssign func(ctx context.Context, positions map[listener.TopicPartition]int64, seek func(listener.TopicPartition, int64))
}

// AssignmentCommitOption controls whether the container commits a newly
// assigned partition's current position on assignment, to protect against
// a later consumer resetting the group to "earliest" and reprocessing
// everything this container already saw.
type AssignmentCommitOption uint8

const (
	// AssignmentCommitNever never commits on assignment.
	AssignmentCommitNever AssignmentCommitOption = iota
	// AssignmentCommitAlways commits on every assignment, even if a commit
	// is already stored for the partition.
	AssignmentCommitAlways
	// AssignmentCommitLatestOnly commits only when no commit is stored yet.
	AssignmentCommitLatestOnly
	// AssignmentCommitLatestOnlyNoTx is AssignmentCommitLatestOnly, but
	// skipped when a transactional producer is configured.
	AssignmentCommitLatestOnlyNoTx
)

// Config configures a Container: the consumer group, the listener to
// dispatch to, acknowledgement timing, and the knobs named in spec §6's
// "container properties" (pollTimeout, idle* intervals, ackMode, and so on).
type Config struct {
	CommonConfig

	// GroupID is the consumer group id. Required.
	GroupID string
	// Topics to subscribe to via group membership. Mutually exclusive with
	// Partitions.
	Topics []string
	// Partitions is an explicit topic->partitions assignment, bypassing
	// group membership entirely. Mutually exclusive with Topics.
	Partitions map[string][]int32

	// Listener is the user-supplied handler. Required.
	Listener listener.Listener
	// ListenerInfo is an opaque string surfaced to error handlers and log
	// lines for correlation, mirroring containerProperties.listenerInfo.
	ListenerInfo string

	// AckMode drives commit timing. The zero value is AckRecord.
	AckMode listener.AckMode
	// AckCount is the record count threshold for AckCount/AckCountTime.
	AckCount int
	// AckTime is the time threshold for AckTime/AckCountTime.
	AckTime time.Duration
	// AsyncAcks enables out-of-order (async) completion tracking via the
	// offsettracker; incompatible with Ack.Nack.
	AsyncAcks bool
	// SyncCommits, if true, blocks the poll loop until each commit
	// completes; otherwise commits are fire-and-forget.
	SyncCommits bool
	// SyncCommitTimeout bounds a synchronous commit. Defaults to 10s.
	SyncCommitTimeout time.Duration
	// CommitRetries is not read by the container: a failed commit is
	// logged and not retried.
	CommitRetries int

	// PollTimeout bounds each poll call. Defaults to 5s.
	PollTimeout time.Duration
	// PollTimeoutWhilePaused bounds poll while the whole consumer is
	// paused, kept short so pause/resume and stop stay responsive.
	// Defaults to 100ms.
	PollTimeoutWhilePaused time.Duration
	// IdleBetweenPolls sleeps between successive polls when assigned
	// partitions exist, capped to stay within MaxPollInterval.
	IdleBetweenPolls time.Duration
	// IdleBeforeDataMultiplier is not read by the container: the idle
	// sleep is IdleBetweenPolls whether or not data has arrived yet.
	IdleBeforeDataMultiplier float64
	// IdleEventInterval is how long with no records before a container-idle
	// event is published.
	IdleEventInterval time.Duration
	// IdlePartitionEventInterval is not read by the container: partition
	// idle events use IdleEventInterval as well.
	IdlePartitionEventInterval time.Duration
	// MonitorInterval is how often the liveness monitor checks for a
	// non-responsive poll loop. Defaults to 30s.
	MonitorInterval time.Duration
	// NoPollThreshold is how long without a poll before the liveness
	// monitor emits NonResponsive. Defaults to MaxPollInterval plus 5s.
	NoPollThreshold time.Duration
	// MaxPollInterval mirrors the consumer group's max.poll.interval.ms;
	// idle sleep is capped to stay well clear of it. Defaults to 5m.
	MaxPollInterval time.Duration

	// AuthExceptionRetryInterval is not read by the container: the poll
	// loop has no auth-specific handling, and fetch errors of any kind are
	// logged while polling continues.
	AuthExceptionRetryInterval time.Duration
	// StopContainerWhenFenced stops the loop on a fenced transactional
	// producer rather than treating it as a transient error.
	StopContainerWhenFenced bool
	// StopImmediate breaks dispatch mid-batch on Stop rather than
	// finishing the current record/batch first.
	StopImmediate bool
	// PauseImmediate is not read by the container: a pause requested
	// mid-batch takes effect before the next poll, after every record of
	// the current poll has been dispatched.
	PauseImmediate bool
	// FixTxOffsets re-sends a commit at the current position for idle
	// partitions whose position has advanced past the last commit.
	FixTxOffsets bool

	// SubBatchPerPartition is not read by the container: a batch listener
	// always receives every record of the poll in one invocation.
	SubBatchPerPartition bool
	// DeliveryAttemptHeader writes a one-byte delivery-attempt counter
	// (header "x-delivery-attempt") into each record's headers before a
	// record listener sees it. Batch dispatch does not add the header.
	DeliveryAttemptHeader bool

	// AssignmentCommitOption controls commit-on-assignment behavior.
	AssignmentCommitOption AssignmentCommitOption

	// TransactionalID, if set, makes the container's client transactional
	// and enables the transaction coordinator (spec §4.9).
	TransactionalID string

	// ErrorHandler routes handler exceptions. Defaults to
	// NewRecoveringErrorHandler().
	ErrorHandler ErrorHandler

	// FailOnMissingTopics fails container startup if none of Topics exist,
	// checked via GroupAdmin.MissingTopics (spring-kafka's
	// setMissingTopicsFatal). Pure existence check; does not create topics.
	FailOnMissingTopics bool

	// Events receives lifecycle events. A zero value EventBus is used if
	// nil.
	Events *listener.EventBus

	// RebalanceHooks, if set, is invoked at the points named by spec §4.7.
	RebalanceHooks *RebalanceHooks

	// clientIDSuffix is appended to ClientID to disambiguate multiple
	// container instances sharing a ClientID prefix; minted from
	// github.com/google/uuid if ClientID is set and this is empty.
	clientIDSuffix string
}

// Validate ensures cfg is usable, returning every problem found rather than
// just the first.
func (cfg *Config) Validate() error {
	var errs []error
	if err := cfg.CommonConfig.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.GroupID == "" && len(cfg.Partitions) == 0 {
		errs = append(errs, errors.New("kafka: GroupID is required unless Partitions is set"))
	}
	if len(cfg.Topics) == 0 && len(cfg.Partitions) == 0 {
		errs = append(errs, errors.New("kafka: one of Topics or Partitions must be set"))
	}
	if len(cfg.Topics) != 0 && len(cfg.Partitions) != 0 {
		errs = append(errs, errors.New("kafka: Topics and Partitions are mutually exclusive"))
	}
	if cfg.Listener.Func() == nil {
		errs = append(errs, errors.New("kafka: Listener is required"))
	}
	if cfg.AsyncAcks && !cfg.AckMode.IsManual() {
		errs = append(errs, errors.New("kafka: AsyncAcks requires a manual AckMode"))
	}
	return errors.Join(errs...)
}

// finalize fills in defaults, minting a client-id suffix if needed. It must
// be called after Validate succeeds.
func (cfg *Config) finalize() {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.PollTimeoutWhilePaused == 0 {
		cfg.PollTimeoutWhilePaused = 100 * time.Millisecond
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 5 * time.Minute
	}
	if cfg.NoPollThreshold == 0 {
		cfg.NoPollThreshold = cfg.MaxPollInterval + 5*time.Second
	}
	if cfg.SyncCommitTimeout == 0 {
		cfg.SyncCommitTimeout = 10 * time.Second
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = NewRecoveringErrorHandler()
	}
	if cfg.Events == nil {
		cfg.Events = &listener.EventBus{}
	}
	if cfg.ClientID != "" && cfg.clientIDSuffix == "" {
		cfg.clientIDSuffix = uuid.NewString()
	}
}
