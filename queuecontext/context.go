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

// Package queuecontext provides convenient wrappers for storing and
// accessing a stored metadata, including the listener and consumer group
// identifiers that error handlers, interceptors and log lines need without
// threading them through every function signature.
package queuecontext

import "context"

type metadataKey struct{}

// groupIDKey and listenerIDKey are well-known metadata keys populated by the
// container for every record dispatch, so that GroupIDFromContext and
// ListenerIDFromContext work regardless of what else Enrich has added.
const (
	groupIDKey    = "group.id"
	listenerIDKey = "listener.id"
)

// WithMetadata enriches a context with metadata.
func WithMetadata(ctx context.Context, metadata map[string]string) context.Context {
	return context.WithValue(ctx, metadataKey{}, metadata)
}

// MetadataFromContext returns the metadata from the passed context and a bool
// indicating whether the value is present or not.
func MetadataFromContext(ctx context.Context) (map[string]string, bool) {
	if v := ctx.Value(metadataKey{}); v != nil {
		metadata, ok := v.(map[string]string)
		return metadata, ok
	}
	return nil, false
}

// DetachedContext returns a new context detached from the lifetime
// of ctx, but which still returns the values of ctx.
//
// DetachedContext can be used to maintain the context values required
// to correlate events, but where the operation is "fire-and-forget",
// and should not be affected by the deadline or cancellation of ctx.
func DetachedContext(ctx context.Context) context.Context {
	return &detachedContext{Context: context.Background(), orig: ctx}
}

type detachedContext struct {
	context.Context
	orig context.Context
}

// Value returns c.orig.Value(key).
func (c *detachedContext) Value(key interface{}) interface{} {
	return c.orig.Value(key)
}

// Enrich returns a context carrying all of ctx's existing metadata plus
// key=value. It never mutates a map obtained from an ancestor context.
func Enrich(ctx context.Context, key string, value string) context.Context {
	orig, ok := MetadataFromContext(ctx)
	meta := make(map[string]string, len(orig)+1)
	if ok {
		for k, v := range orig {
			meta[k] = v
		}
	}

	meta[key] = value
	return WithMetadata(ctx, meta)
}

// WithGroupID returns a context carrying the consumer group id, for
// inclusion in log lines and error handler callbacks without a direct
// dependency on the container's configuration.
func WithGroupID(ctx context.Context, groupID string) context.Context {
	return Enrich(ctx, groupIDKey, groupID)
}

// GroupIDFromContext returns the consumer group id carried by ctx, if any.
func GroupIDFromContext(ctx context.Context) (string, bool) {
	meta, ok := MetadataFromContext(ctx)
	if !ok {
		return "", false
	}
	id, ok := meta[groupIDKey]
	return id, ok
}

// WithListenerID returns a context carrying the listener id (typically the
// container's bean/registration name) for correlation in logs and events.
func WithListenerID(ctx context.Context, listenerID string) context.Context {
	return Enrich(ctx, listenerIDKey, listenerID)
}

// ListenerIDFromContext returns the listener id carried by ctx, if any.
func ListenerIDFromContext(ctx context.Context) (string, bool) {
	meta, ok := MetadataFromContext(ctx)
	if !ok {
		return "", false
	}
	id, ok := meta[listenerIDKey]
	return id, ok
}
