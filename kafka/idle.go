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
	"sync/atomic"
	"time"

	listener "github.com/kafkalistener/container"
)

// livenessMonitor runs on its own goroutine, external to the poll loop, and
// emits a NonResponsive event if the loop hasn't ticked in noPollThreshold.
// This is spec §2 component 6's "scheduled task external to the poll loop".
type livenessMonitor struct {
	containerID     string
	interval        time.Duration
	noPollThreshold time.Duration
	events          *listener.EventBus

	lastPoll atomic.Int64 // unix nanos

	stop chan struct{}
	wg   sync.WaitGroup
}

func newLivenessMonitor(containerID string, interval, noPollThreshold time.Duration, events *listener.EventBus) *livenessMonitor {
	m := &livenessMonitor{
		containerID:     containerID,
		interval:        interval,
		noPollThreshold: noPollThreshold,
		events:          events,
		stop:            make(chan struct{}),
	}
	m.recordPoll(time.Now())
	return m
}

func (m *livenessMonitor) recordPoll(t time.Time) {
	m.lastPoll.Store(t.UnixNano())
}

func (m *livenessMonitor) start() {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case now := <-ticker.C:
				last := time.Unix(0, m.lastPoll.Load())
				if now.Sub(last) > m.noPollThreshold {
					m.events.Publish(listener.Event{
						Type:        listener.EventNonResponsive,
						Time:        now,
						ContainerID: m.containerID,
					})
				}
			}
		}
	}()
}

func (m *livenessMonitor) close() {
	close(m.stop)
	m.wg.Wait()
}

// idleTracker watches how long it has been since a container, or a specific
// partition, last yielded a record, and emits Idle/NoLongerIdle events at
// the configured intervals. It's driven by the poll loop itself (unlike
// livenessMonitor, which runs independently).
type idleTracker struct {
	containerID string
	interval    time.Duration
	events      *listener.EventBus

	lastDataAt time.Time
	idle       bool

	partitions map[listener.TopicPartition]*partitionIdleState
}

type partitionIdleState struct {
	lastDataAt time.Time
	idle       bool
}

func newIdleTracker(containerID string, interval time.Duration, events *listener.EventBus) *idleTracker {
	return &idleTracker{
		containerID: containerID,
		interval:    interval,
		events:      events,
		lastDataAt:  time.Now(),
		partitions:  make(map[listener.TopicPartition]*partitionIdleState),
	}
}

// onPoll is called once per poll iteration with whether any records were
// returned, and the set of partitions for which records arrived.
func (t *idleTracker) onPoll(now time.Time, gotRecords bool, partitionsWithData map[listener.TopicPartition]struct{}, assigned []listener.TopicPartition) {
	if gotRecords {
		t.lastDataAt = now
		if t.idle {
			t.idle = false
			t.events.Publish(listener.Event{Type: listener.EventContainerNoLongerIdle, Time: now, ContainerID: t.containerID})
		}
	} else if t.interval > 0 && !t.idle && now.Sub(t.lastDataAt) >= t.interval {
		t.idle = true
		t.events.Publish(listener.Event{Type: listener.EventContainerIdle, Time: now, ContainerID: t.containerID})
	}

	for _, tp := range assigned {
		st, ok := t.partitions[tp]
		if !ok {
			st = &partitionIdleState{lastDataAt: now}
			t.partitions[tp] = st
		}
		if _, got := partitionsWithData[tp]; got {
			st.lastDataAt = now
			if st.idle {
				st.idle = false
				tpCopy := tp
				t.events.Publish(listener.Event{Type: listener.EventPartitionNoLongerIdle, Time: now, ContainerID: t.containerID, Partition: &tpCopy})
			}
		} else if t.interval > 0 && !st.idle && now.Sub(st.lastDataAt) >= t.interval {
			st.idle = true
			tpCopy := tp
			t.events.Publish(listener.Event{Type: listener.EventPartitionIdle, Time: now, ContainerID: t.containerID, Partition: &tpCopy})
		}
	}
}

func (t *idleTracker) removePartition(tp listener.TopicPartition) {
	delete(t.partitions, tp)
}
