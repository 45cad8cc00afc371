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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentName = "github.com/kafkalistener/container/kafka"

// containerMetrics holds the OpenTelemetry instruments the poll loop feeds
// on every iteration: how many records made it through the handler, and
// how long each commit took.
type containerMetrics struct {
	recordsProcessed metric.Int64Counter
	commitLatency    metric.Float64Histogram
}

func newContainerMetrics(mp metric.MeterProvider) (*containerMetrics, error) {
	meter := mp.Meter(instrumentName)

	recordsProcessed, err := meter.Int64Counter(
		"listener.records.processed",
		metric.WithDescription("The number of records successfully handled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create listener.records.processed metric: %w", err)
	}

	commitLatency, err := meter.Float64Histogram(
		"listener.commit.latency",
		metric.WithDescription("Time taken to commit offsets"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create listener.commit.latency metric: %w", err)
	}

	return &containerMetrics{
		recordsProcessed: recordsProcessed,
		commitLatency:    commitLatency,
	}, nil
}

func (m *containerMetrics) recordProcessed(ctx context.Context, topic string, partition int32) {
	m.recordsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("partition", int(partition)),
	))
}

func (m *containerMetrics) recordCommit(ctx context.Context, seconds float64) {
	m.commitLatency.Record(ctx, seconds)
}
