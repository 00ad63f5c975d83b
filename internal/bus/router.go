/*
SPDX-FileCopyrightText: Copyright (c) 2026 Meek Vision Project. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Handler processes one routed message. Handlers may block on SQL or the
// cache but never on the bus client; errors and panics stay inside the
// router boundary.
type Handler func(ctx context.Context, topic string, payload []byte)

// DedupTTL is how long a (topic, message_id) pair suppresses duplicates.
const DedupTTL = 5 * time.Minute

const dedupCacheSize = 8192

// Router dispatches inbound bus messages to registered handlers through the
// priority queue and a worker pool. Exact-topic handlers run before wildcard
// handlers whose pattern matches.
type Router struct {
	queue   *PriorityQueue
	logger  *slog.Logger
	workers int

	mu       sync.RWMutex
	exact    map[string][]Handler
	wildcard []wildcardEntry

	dedup *expirable.LRU[string, struct{}]

	wg sync.WaitGroup
}

type wildcardEntry struct {
	pattern string
	handler Handler
}

// NewRouter creates a router draining the given queue with the given number
// of worker goroutines.
func NewRouter(queue *PriorityQueue, workers int, logger *slog.Logger) *Router {
	if workers <= 0 {
		workers = 4
	}
	return &Router{
		queue:   queue,
		logger:  logger,
		workers: workers,
		exact:   make(map[string][]Handler),
		dedup:   expirable.NewLRU[string, struct{}](dedupCacheSize, nil, DedupTTL),
	}
}

// Register adds a handler for an exact topic or a wildcard pattern.
func (r *Router) Register(pattern string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if containsWildcard(pattern) {
		r.wildcard = append(r.wildcard, wildcardEntry{pattern: pattern, handler: handler})
		return
	}
	r.exact[pattern] = append(r.exact[pattern], handler)
}

func containsWildcard(pattern string) bool {
	for _, c := range pattern {
		if c == '+' || c == '#' {
			return true
		}
	}
	return false
}

// Inbound is the broker callback entry point: dedup check, enqueue, return.
// It never blocks.
func (r *Router) Inbound(topic string, payload []byte) {
	if id := extractMessageID(payload); id != "" {
		key := topic + "|" + id
		if _, seen := r.dedup.Get(key); seen {
			r.logger.Debug("duplicate message discarded",
				slog.String("topic", topic),
				slog.String("message_id", id))
			return
		}
		r.dedup.Add(key, struct{}{})
	}
	r.queue.Push(topic, payload)
}

// dedupProbe is the minimal shape read to extract a message id.
type dedupProbe struct {
	MessageID string `json:"message_id"`
}

func extractMessageID(payload []byte) string {
	var p dedupProbe
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.MessageID
}

// Run starts the worker pool. It returns when ctx is cancelled and all
// workers have drained.
func (r *Router) Run(ctx context.Context) {
	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go func() {
			defer r.wg.Done()
			r.worker(ctx)
		}()
	}
	r.wg.Wait()
}

func (r *Router) worker(ctx context.Context) {
	for {
		env, err := r.queue.Pop(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, env)
	}
}

// dispatch invokes the matching handlers for one envelope.
func (r *Router) dispatch(ctx context.Context, env *Envelope) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.exact[env.Topic]...)
	for _, w := range r.wildcard {
		if MatchTopic(w.pattern, env.Topic) {
			handlers = append(handlers, w.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.invoke(ctx, h, env)
	}
}

// invoke runs one handler, recovering panics so a bad message never takes
// down the router.
func (r *Router) invoke(ctx context.Context, h Handler, env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked",
				slog.String("topic", env.Topic),
				slog.Any("panic", rec))
		}
	}()
	h(ctx, env.Topic, env.Payload)
}
