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

	listener "github.com/kafkalistener/container"
)

func validListener() listener.Listener {
	return listener.NewSimpleListener(func(context.Context, listener.Record) error { return nil })
}

func TestConfigValidate(t *testing.T) {
	testCases := map[string]struct {
		cfg       Config
		expectErr bool
	}{
		"empty": {
			expectErr: true,
		},
		"missing group id without partitions": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				Topics:       []string{"topic"},
				Listener:     validListener(),
			},
			expectErr: true,
		},
		"topics and partitions both set": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				GroupID:      "group",
				Topics:       []string{"topic"},
				Partitions:   map[string][]int32{"topic": {0}},
				Listener:     validListener(),
			},
			expectErr: true,
		},
		"missing listener": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				GroupID:      "group",
				Topics:       []string{"topic"},
			},
			expectErr: true,
		},
		"async acks without manual ack mode": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				GroupID:      "group",
				Topics:       []string{"topic"},
				Listener:     validListener(),
				AsyncAcks:    true,
				AckMode:      listener.AckBatch,
			},
			expectErr: true,
		},
		"valid with topics": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				GroupID:      "group",
				Topics:       []string{"topic"},
				Listener:     validListener(),
			},
			expectErr: false,
		},
		"valid with explicit partitions, no group id": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				Partitions:   map[string][]int32{"topic": {0, 1}},
				Listener:     validListener(),
			},
			expectErr: false,
		},
		"valid async acks with manual ack mode": {
			cfg: Config{
				CommonConfig: CommonConfig{Brokers: []string{"localhost:9092"}, Logger: zapTest(t)},
				GroupID:      "group",
				Topics:       []string{"topic"},
				Listener:     validListener(),
				AsyncAcks:    true,
				AckMode:      listener.AckManual,
			},
			expectErr: false,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigFinalizeDefaults(t *testing.T) {
	cfg := Config{}
	cfg.finalize()
	assert.Equal(t, 5*time.Second, cfg.PollTimeout)
	assert.NotNil(t, cfg.ErrorHandler)
	assert.NotNil(t, cfg.Events)
}
