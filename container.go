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

package listener

import "context"

// Container wraps the implementation details of a single-consumer listener
// runtime. The github.com/kafkalistener/container/kafka package provides
// the only implementation of this interface.
type Container interface {
	// Run executes the container in a blocking manner until the context is
	// canceled, Stop is called, or a fatal error occurs.
	Run(ctx context.Context) error
	// Stop requests the container to stop; it does not block until the
	// container has actually exited, Run does.
	Stop()
	// Pause requests that the whole consumer stop having partitions fetched
	// until Resume is called.
	Pause()
	// Resume undoes a prior Pause.
	Resume()
	// Healthy returns an error if the container isn't healthy.
	Healthy() error
	// Close releases the container's resources. Run must have returned
	// before Close is called.
	Close() error
}
