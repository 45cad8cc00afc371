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

// pauseController reconciles the four sources of partition pausing named in
// spec §4.5: a whole-consumer or per-partition user pause, async-ack
// backpressure, nack-induced sleep pauses, and remaining-records retention.
// The container turns wanted's result into client calls in
// Container.applyPauses (once per poll iteration, on assignment, and on a
// nack); that is the only place partitions actually get paused or resumed
// on the client.
type pauseController struct {
	userPauseAll atomic.Bool

	mu           sync.Mutex
	userPaused   map[listener.TopicPartition]struct{}
	nackPausedUntil map[listener.TopicPartition]time.Time
	asyncBackpressure bool

	appliedMu sync.Mutex
	applied   map[listener.TopicPartition]struct{}

	events *listener.EventBus
}

func newPauseController(events *listener.EventBus) *pauseController {
	return &pauseController{
		userPaused:      make(map[listener.TopicPartition]struct{}),
		nackPausedUntil: make(map[listener.TopicPartition]time.Time),
		applied:         make(map[listener.TopicPartition]struct{}),
		events:          events,
	}
}

func (p *pauseController) pauseAll()   { p.userPauseAll.Store(true) }
func (p *pauseController) resumeAll()  { p.userPauseAll.Store(false) }
func (p *pauseController) isPausedAll() bool { return p.userPauseAll.Load() }

func (p *pauseController) pausePartition(tp listener.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userPaused[tp] = struct{}{}
}

func (p *pauseController) resumePartition(tp listener.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.userPaused, tp)
}

func (p *pauseController) setAsyncBackpressure(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asyncBackpressure = on
}

// pauseForNack pauses every assigned partition not already paused, until
// now+d, returning the set it newly paused so callers can roll them back if
// the underlying pause call fails because a rebalance is in progress.
func (p *pauseController) pauseForNack(assigned []listener.TopicPartition, d time.Duration, now time.Time) []listener.TopicPartition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var newlyPaused []listener.TopicPartition
	until := now.Add(d)
	for _, tp := range assigned {
		if _, already := p.nackPausedUntil[tp]; already {
			continue
		}
		p.nackPausedUntil[tp] = until
		newlyPaused = append(newlyPaused, tp)
	}
	return newlyPaused
}

func (p *pauseController) rollbackNackPause(tps []listener.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range tps {
		delete(p.nackPausedUntil, tp)
	}
}

// expireNackPauses removes and returns partitions whose nack sleep has
// elapsed as of now, so the loop can resume them. The replay seek was
// already queued when the nack was handled.
func (p *pauseController) expireNackPauses(now time.Time) []listener.TopicPartition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []listener.TopicPartition
	for tp, until := range p.nackPausedUntil {
		if !now.Before(until) {
			expired = append(expired, tp)
			delete(p.nackPausedUntil, tp)
		}
	}
	return expired
}

func (p *pauseController) removePartition(tp listener.TopicPartition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.userPaused, tp)
	delete(p.nackPausedUntil, tp)
}

// wanted returns the set of partitions that should be paused right now,
// given assigned partitions, user pause state, async backpressure, nack
// sleeps, and active record retention.
func (p *pauseController) wanted(assigned []listener.TopicPartition, retained []listener.TopicPartition) map[listener.TopicPartition]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[listener.TopicPartition]struct{})
	all := p.userPauseAll.Load()
	for _, tp := range assigned {
		if all {
			out[tp] = struct{}{}
			continue
		}
		if _, ok := p.userPaused[tp]; ok {
			out[tp] = struct{}{}
			continue
		}
		if p.asyncBackpressure {
			out[tp] = struct{}{}
			continue
		}
		if _, ok := p.nackPausedUntil[tp]; ok {
			out[tp] = struct{}{}
		}
	}
	for _, tp := range retained {
		out[tp] = struct{}{}
	}
	return out
}

// appliedSet returns the partitions currently believed to be paused on the
// client, for re-application after a rebalance clears all pauses.
func (p *pauseController) appliedSet() map[listener.TopicPartition]struct{} {
	p.appliedMu.Lock()
	defer p.appliedMu.Unlock()
	out := make(map[listener.TopicPartition]struct{}, len(p.applied))
	for tp := range p.applied {
		out[tp] = struct{}{}
	}
	return out
}

func (p *pauseController) setApplied(tps map[listener.TopicPartition]struct{}) {
	p.appliedMu.Lock()
	defer p.appliedMu.Unlock()
	p.applied = tps
}
