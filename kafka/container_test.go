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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	listener "github.com/kafkalistener/container"
)

func TestNewContainerRejectsInvalidConfig(t *testing.T) {
	_, err := NewContainer(Config{})
	assert.Error(t, err)
}

// TestContainerBasicDelivery covers spec's basic-retry-free happy path: a
// simple listener sees both produced records, in produce order.
func TestContainerBasicDelivery(t *testing.T) {
	topic := "basic"
	_, common := newFakeCluster(t, 1, topic)

	var mu sync.Mutex
	var seen []listener.Record
	l := listener.NewSimpleListener(func(_ context.Context, r listener.Record) error {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
		return nil
	})

	cfg := newTestConfig(common, topic, l)
	c, err := NewContainer(cfg)
	require.NoError(t, err)
	stop := runContainer(t, c)
	defer stop()

	ctx := context.Background()
	produceRecord(ctx, t, common.Brokers, topic, []byte("k1"), []byte("v1"))
	produceRecord(ctx, t, common.Brokers, topic, []byte("k2"), []byte("v2"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	assert.Equal(t, []byte("v1"), seen[0].Value)
	assert.Equal(t, []byte("v2"), seen[1].Value)
	mu.Unlock()
}

// TestContainerNackReplaysRecord covers the nack-with-sleep scenario: a
// listener that nacks the first delivery of an offset must see that same
// offset again once the nack's pause duration elapses.
func TestContainerNackReplaysRecord(t *testing.T) {
	topic := "nacking"
	_, common := newFakeCluster(t, 1, topic)

	var mu sync.Mutex
	deliveries := map[int64]int{}
	l := listener.NewAcknowledgingListener(func(_ context.Context, r listener.Record, ack listener.Ack) error {
		mu.Lock()
		deliveries[r.Offset]++
		count := deliveries[r.Offset]
		mu.Unlock()
		if r.Offset == 0 && count == 1 {
			ack.Nack(50 * time.Millisecond)
			return nil
		}
		ack.Acknowledge()
		return nil
	})

	cfg := newTestConfig(common, topic, l)
	cfg.AckMode = listener.AckManual
	c, err := NewContainer(cfg)
	require.NoError(t, err)
	stop := runContainer(t, c)
	defer stop()

	produceRecord(context.Background(), t, common.Brokers, topic, []byte("k"), []byte("v"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries[0] >= 2
	})
}

// TestContainerBatchListener covers batch-kind dispatch: the batch listener
// receives both produced records across its calls.
func TestContainerBatchListener(t *testing.T) {
	topic := "batched"
	_, common := newFakeCluster(t, 1, topic)

	var mu sync.Mutex
	var batches [][]listener.Record
	l := listener.NewBatchSimpleListener(func(_ context.Context, recs []listener.Record) error {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]listener.Record, len(recs))
		copy(cp, recs)
		batches = append(batches, cp)
		return nil
	})

	cfg := newTestConfig(common, topic, l)
	cfg.AckMode = listener.AckBatch
	c, err := NewContainer(cfg)
	require.NoError(t, err)
	stop := runContainer(t, c)
	defer stop()

	ctx := context.Background()
	produceRecord(ctx, t, common.Brokers, topic, []byte("k1"), []byte("v1"))
	produceRecord(ctx, t, common.Brokers, topic, []byte("k2"), []byte("v2"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, b := range batches {
			total += len(b)
		}
		return total == 2
	})
}

func TestContainerPauseResumeStopsDelivery(t *testing.T) {
	topic := "pausable"
	_, common := newFakeCluster(t, 1, topic)

	var count int32Counter
	l := listener.NewSimpleListener(func(context.Context, listener.Record) error {
		count.inc()
		return nil
	})

	cfg := newTestConfig(common, topic, l)
	c, err := NewContainer(cfg)
	require.NoError(t, err)
	stop := runContainer(t, c)
	defer stop()

	c.Pause()
	produceRecord(context.Background(), t, common.Brokers, topic, []byte("k"), []byte("v"))

	// Give the paused consumer several poll cycles worth of time to prove
	// it does not deliver while paused.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), count.get())

	c.Resume()
	waitFor(t, 5*time.Second, func() bool { return count.get() == 1 })
}

type int32Counter struct {
	mu sync.Mutex
	n  int32
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *int32Counter) get() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
