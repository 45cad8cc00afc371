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
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	listener "github.com/kafkalistener/container"
)

// GroupAdmin is the narrow admin-side collaborator the container relies on:
// checking that subscribed topics exist (spec §3's FailOnMissingTopics) and
// describing consumer group lag (DescribeLag, and the MonitorGroupLag
// gauge built on it). It is grounded on the teacher's manager.go,
// narrowed to drop topic creation/deletion, which are explicit Non-goals.
type GroupAdmin struct {
	cfg         CommonConfig
	client      *kgo.Client
	adminClient *kadm.Client
	tracer      trace.Tracer
}

// NewGroupAdmin returns a new GroupAdmin with the given config.
func NewGroupAdmin(cfg CommonConfig) (*GroupAdmin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid admin config: %w", err)
	}
	client, err := cfg.newClient()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating kafka client: %w", err)
	}
	return &GroupAdmin{
		cfg:         cfg,
		client:      client,
		adminClient: kadm.NewClient(client),
		tracer:      cfg.tracerProvider().Tracer("kafka"),
	}, nil
}

// Close releases the admin client's resources.
func (m *GroupAdmin) Close() error {
	m.client.Close()
	return nil
}

// Healthy returns an error if the Kafka client fails to reach a discovered broker.
func (m *GroupAdmin) Healthy(ctx context.Context) error {
	if err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping kafka brokers: %w", err)
	}
	return nil
}

// MissingTopics returns the subset of topics that do not currently exist,
// backing Config.FailOnMissingTopics (spring-kafka's setMissingTopicsFatal):
// a pure existence check, not topic creation/reconciliation.
func (m *GroupAdmin) MissingTopics(ctx context.Context, topics ...string) ([]string, error) {
	ctx, span := m.tracer.Start(ctx, "MissingTopics")
	defer span.End()

	metadata, err := m.adminClient.ListTopics(ctx, topics...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("kafka: failed listing topics: %w", err)
	}
	var missing []string
	for _, topic := range topics {
		details, ok := metadata[topic]
		if !ok || details.Err != nil {
			missing = append(missing, topic)
		}
	}
	return missing, nil
}

// DescribeLag returns the consumer lag per partition for groupID across
// topics: the end offset minus the group's committed offset.
func (m *GroupAdmin) DescribeLag(ctx context.Context, groupID string, topics ...string) (map[listener.TopicPartition]int64, error) {
	ctx, span := m.tracer.Start(ctx, "DescribeLag")
	defer span.End()

	commits, err := m.adminClient.FetchOffsets(ctx, groupID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("kafka: failed fetching offsets for group %q: %w", groupID, err)
	}
	endOffsets, err := m.adminClient.ListEndOffsets(ctx, topics...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("kafka: failed listing end offsets: %w", err)
	}

	lag := make(map[listener.TopicPartition]int64)
	for topic, partitions := range commits {
		for partition, offsetResponse := range partitions {
			end, ok := endOffsets.Lookup(topic, partition)
			if !ok {
				continue
			}
			tp := listener.TopicPartition{Topic: topic, Partition: partition}
			lag[tp] = end.Offset - offsetResponse.At
		}
	}
	return lag, nil
}

// MonitorGroupLag registers an OpenTelemetry observable gauge reporting
// per-partition consumer lag for groupID, mirroring the teacher's
// MonitorConsumerLag but keyed directly off TopicPartition rather than a
// queueing-abstraction TopicConsumer pair.
func (m *GroupAdmin) MonitorGroupLag(mp metric.MeterProvider, groupID string, topics ...string) (metric.Registration, error) {
	meter := mp.Meter("github.com/kafkalistener/container/kafka")
	gauge, err := meter.Int64ObservableGauge("listener.consumer_group.lag")
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating consumer_group.lag metric: %w", err)
	}
	callback := func(ctx context.Context, o metric.Observer) error {
		lag, err := m.DescribeLag(ctx, groupID, topics...)
		if err != nil {
			m.cfg.Logger.Warn("failed gathering consumer group lag", zap.Error(err))
			return nil
		}
		for tp, l := range lag {
			o.ObserveInt64(gauge, l, metric.WithAttributes(
				attribute.String("group", groupID),
				attribute.String("topic", tp.Topic),
				attribute.Int("partition", int(tp.Partition)),
			))
		}
		return nil
	}
	return meter.RegisterCallback(callback, gauge)
}
