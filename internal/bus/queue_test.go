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
	"testing"
	"time"
)

func testPriorities() map[string]int {
	return DefaultTopicPriorities(NewTopics("meek/"))
}

func TestTopicPriority(t *testing.T) {
	q := NewPriorityQueue(0, testPriorities())
	tests := []struct {
		topic string
		want  int
	}{
		{"meek/connection", PriorityCritical},
		{"meek/device_config_reply", PriorityHigh},
		{"meek/aa:bb/result", PriorityHigh},
		{"meek/aa:bb/status", PriorityDefault},
		{"meek/aa:bb/log", PriorityLow},
		{"meek/unmapped/other", PriorityDefault},
	}
	for _, tt := range tests {
		if got := q.TopicPriority(tt.topic); got != tt.want {
			t.Errorf("TopicPriority(%q) = %d, want %d", tt.topic, got, tt.want)
		}
	}
}

func TestQueueOrdersByPriority(t *testing.T) {
	q := NewPriorityQueue(0, testPriorities())
	q.Push("meek/aa/log", []byte("low"))
	q.Push("meek/aa/status", []byte("default"))
	q.Push("meek/connection", []byte("critical"))
	q.Push("meek/aa/result", []byte("high"))

	ctx := context.Background()
	want := []string{"critical", "high", "default", "low"}
	for _, w := range want {
		env, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if string(env.Payload) != w {
			t.Errorf("popped %q, want %q", env.Payload, w)
		}
	}
}

func TestQueuePreservesArrivalOrderWithinPriority(t *testing.T) {
	q := NewPriorityQueue(0, testPriorities())
	q.Push("meek/aa/status", []byte("first"))
	q.Push("meek/bb/status", []byte("second"))
	q.Push("meek/cc/status", []byte("third"))

	ctx := context.Background()
	for _, w := range []string{"first", "second", "third"} {
		env, _ := q.Pop(ctx)
		if string(env.Payload) != w {
			t.Errorf("popped %q, want %q", env.Payload, w)
		}
	}
}

func TestQueueOverflowEvictsLowerPriority(t *testing.T) {
	q := NewPriorityQueue(2, testPriorities())
	q.Push("meek/aa/log", []byte("low"))
	q.Push("meek/aa/status", []byte("default"))

	// Full; critical message should evict the low-priority entry.
	if !q.Push("meek/connection", []byte("critical")) {
		t.Fatal("critical push should succeed by evicting")
	}
	if got := q.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}

	ctx := context.Background()
	first, _ := q.Pop(ctx)
	second, _ := q.Pop(ctx)
	if string(first.Payload) != "critical" || string(second.Payload) != "default" {
		t.Errorf("remaining = %q, %q; want critical, default", first.Payload, second.Payload)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after draining, want 0", q.Len())
	}
}

func TestQueueOverflowDropsIncomingWhenNothingLower(t *testing.T) {
	q := NewPriorityQueue(2, testPriorities())
	q.Push("meek/connection", []byte("a"))
	q.Push("meek/connection", []byte("b"))

	if q.Push("meek/aa/status", []byte("incoming")) {
		t.Fatal("push should fail when queue is full of higher-priority entries")
	}
	if got := q.Dropped(); got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
}

func TestQueueLatestTracksDroppedMessages(t *testing.T) {
	q := NewPriorityQueue(1, testPriorities())
	q.Push("meek/connection", []byte("kept"))
	q.Push("meek/aa/status", []byte("dropped"))

	payload, ok := q.Latest("meek/aa/status")
	if !ok || string(payload) != "dropped" {
		t.Errorf("Latest should reflect dropped payload, got %q ok=%v", payload, ok)
	}

	q.Push("meek/connection", []byte("newer"))
	payload, _ = q.Latest("meek/connection")
	if string(payload) != "newer" {
		t.Errorf("Latest = %q, want newer", payload)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewPriorityQueue(0, testPriorities())

	done := make(chan *Envelope, 1)
	go func() {
		env, err := q.Pop(context.Background())
		if err != nil {
			t.Errorf("Pop: %v", err)
		}
		done <- env
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("meek/aa/status", []byte("wake"))

	select {
	case env := <-done:
		if string(env.Payload) != "wake" {
			t.Errorf("popped %q, want wake", env.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestQueueBurstWakesAllBlockedWorkers(t *testing.T) {
	q := NewPriorityQueue(0, testPriorities())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const workers = 4
	popped := make(chan *Envelope, workers)
	for i := 0; i < workers; i++ {
		go func() {
			env, err := q.Pop(ctx)
			if err != nil {
				return
			}
			popped <- env
		}()
	}

	// Let every worker park in Pop, then push a burst. The wakeup token
	// slot only holds one entry, so each pop must pass the token on while
	// messages remain queued.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < workers; i++ {
		q.Push("meek/aa/status", []byte("burst"))
	}

	for i := 0; i < workers; i++ {
		select {
		case <-popped:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d workers woke up", i, workers)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after burst drain, want 0", q.Len())
	}
}

func TestQueuePopHonorsContext(t *testing.T) {
	q := NewPriorityQueue(0, testPriorities())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatal("Pop with cancelled context should fail")
	}
}
