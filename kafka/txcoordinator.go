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

	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrProducerFenced is returned by TransactionalProducer.EndTransaction
// when a newer producer instance with the same transactional id has taken
// over. It's terminal: spec §4.9 says the loop exits when
// Config.StopContainerWhenFenced is set.
var ErrProducerFenced = errors.New("kafka: producer fenced by a newer transactional instance")

// TransactionalProducer is the narrow contract the transaction coordinator
// needs: begin a transaction, and end it by committing or aborting whatever
// was produced (and, for a per-record/per-batch dispatch sharing the
// consumer's own client, whatever offsets were consumed) since Begin.
//
// The default implementation wraps the same *kgo.Client used for consuming,
// following franz-go's transactional idiom where the one client both
// consumes the group and produces transactionally, committing consumed
// offsets as part of ending the transaction rather than through a
// side-channel "send offsets to transaction" call.
type TransactionalProducer interface {
	BeginTransaction() error
	EndTransaction(ctx context.Context, commit bool) error
}

type kgoTransactionalProducer struct {
	client *kgo.Client
}

// NewTransactionalProducer adapts a *kgo.Client configured with
// kgo.TransactionalID into a TransactionalProducer.
func NewTransactionalProducer(client *kgo.Client) TransactionalProducer {
	return &kgoTransactionalProducer{client: client}
}

func (p *kgoTransactionalProducer) BeginTransaction() error {
	return p.client.BeginTransaction()
}

func (p *kgoTransactionalProducer) EndTransaction(ctx context.Context, commit bool) error {
	try := kgo.TryAbort
	if commit {
		try = kgo.TryCommit
	}
	if err := p.client.EndTransaction(ctx, try); err != nil {
		// franz-go surfaces a fenced producer as an EndTransaction error;
		// the coordinator can't distinguish it from other transport errors
		// without depending on internal error types, so any failure here
		// is treated as fencing-class per spec's "producer-fenced is
		// terminal" rule.
		return fmt.Errorf("%w: %v", ErrProducerFenced, err)
	}
	return nil
}

// transactionCoordinator wraps each record or batch dispatch in a
// transaction when a TransactionalProducer is configured, per spec §4.9.
type transactionCoordinator struct {
	producer               TransactionalProducer
	stopContainerWhenFenced bool
}

func newTransactionCoordinator(producer TransactionalProducer, stopWhenFenced bool) *transactionCoordinator {
	return &transactionCoordinator{producer: producer, stopContainerWhenFenced: stopWhenFenced}
}

func (t *transactionCoordinator) enabled() bool { return t.producer != nil }

// run invokes fn inside a transaction, committing on success and aborting
// on failure. A fenced producer is surfaced as ErrProducerFenced regardless
// of fn's own error, so the caller can decide whether to stop the loop.
func (t *transactionCoordinator) run(ctx context.Context, fn func() error) error {
	if err := t.producer.BeginTransaction(); err != nil {
		return fmt.Errorf("kafka: failed beginning transaction: %w", err)
	}
	fnErr := fn()
	if endErr := t.producer.EndTransaction(ctx, fnErr == nil); endErr != nil {
		if fnErr == nil {
			return endErr
		}
		return errors.Join(fnErr, endErr)
	}
	return fnErr
}
