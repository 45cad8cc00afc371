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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	listener "github.com/kafkalistener/container"
)

func zapTest(t testing.TB) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// newFakeCluster starts a single-broker fake cluster seeded with topic,
// returning a CommonConfig ready to be embedded into a Config.
func newFakeCluster(t testing.TB, partitions int32, topic string) (*kfake.Cluster, CommonConfig) {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster, CommonConfig{
		Brokers: cluster.ListenAddrs(),
		Logger:  zapTest(t),
	}
}

func produceRecord(ctx context.Context, t testing.TB, addrs []string, topic string, key, value []byte) {
	t.Helper()
	client, err := kgo.NewClient(kgo.SeedBrokers(addrs...))
	require.NoError(t, err)
	defer client.Close()
	res := client.ProduceSync(ctx, &kgo.Record{Topic: topic, Key: key, Value: value})
	require.NoError(t, res.FirstErr())
}

// waitFor polls cond every 10ms until it returns true or timeout elapses,
// failing the test otherwise.
func waitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestConfig(common CommonConfig, topic string, l listener.Listener) Config {
	return Config{
		CommonConfig: common,
		GroupID:      "test-group",
		Topics:       []string{topic},
		Listener:     l,
		AckMode:      listener.AckRecord,
		SyncCommits:  true,
		PollTimeout:  200 * time.Millisecond,
	}
}

func runContainer(t testing.TB, c *Container) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Run(ctx))
	}()
	return func() {
		c.Stop()
		cancel()
		<-done
		assert.NoError(t, c.Close())
	}
}
