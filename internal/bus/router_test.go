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
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestRouter(workers int) (*Router, *PriorityQueue) {
	q := NewPriorityQueue(0, testPriorities())
	return NewRouter(q, workers, slog.Default()), q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestRouterRoutesExactAndWildcard(t *testing.T) {
	r, _ := newTestRouter(1)

	var mu sync.Mutex
	var order []string
	r.Register("meek/connection", func(ctx context.Context, topic string, payload []byte) {
		mu.Lock()
		order = append(order, "exact")
		mu.Unlock()
	})
	r.Register("meek/+/status", func(ctx context.Context, topic string, payload []byte) {
		mu.Lock()
		order = append(order, "wildcard:"+topic)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	r.Inbound("meek/connection", []byte(`{"mac":"aa"}`))
	r.Inbound("meek/aa:bb/status", []byte(`{}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "exact" || order[1] != "wildcard:meek/aa:bb/status" {
		t.Errorf("order = %v", order)
	}
}

func TestRouterExactRunsBeforeWildcard(t *testing.T) {
	r, _ := newTestRouter(1)

	var mu sync.Mutex
	var order []string
	r.Register("meek/+/result", func(ctx context.Context, topic string, payload []byte) {
		mu.Lock()
		order = append(order, "wildcard")
		mu.Unlock()
	})
	r.Register("meek/aa/result", func(ctx context.Context, topic string, payload []byte) {
		mu.Lock()
		order = append(order, "exact")
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	r.Inbound("meek/aa/result", []byte(`{}`))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "exact" || order[1] != "wildcard" {
		t.Errorf("order = %v, want exact before wildcard", order)
	}
}

func TestRouterDeduplicatesByMessageID(t *testing.T) {
	r, q := newTestRouter(1)

	r.Inbound("meek/aa/result", []byte(`{"message_id":"abc"}`))
	r.Inbound("meek/aa/result", []byte(`{"message_id":"abc"}`))
	r.Inbound("meek/aa/result", []byte(`{"message_id":"def"}`))
	// Same id on a different topic is not a duplicate.
	r.Inbound("meek/bb/result", []byte(`{"message_id":"abc"}`))
	// No message id means no dedup at all.
	r.Inbound("meek/aa/status", []byte(`{}`))
	r.Inbound("meek/aa/status", []byte(`{}`))

	if got := q.Len(); got != 5 {
		t.Errorf("queued = %d, want 5", got)
	}
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	r, _ := newTestRouter(1)

	var mu sync.Mutex
	var calls int
	r.Register("meek/aa/result", func(ctx context.Context, topic string, payload []byte) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("bad payload")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	r.Inbound("meek/aa/result", []byte(`{"message_id":"1"}`))
	r.Inbound("meek/aa/result", []byte(`{"message_id":"2"}`))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}
