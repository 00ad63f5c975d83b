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
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Priority levels recognized by the inbound queue. Lower integer pops first.
const (
	PriorityCritical = 1 // connection up/down, commands, stop requests, errors
	PriorityHigh     = 3 // command replies, results, progress
	PriorityDefault  = 5 // heartbeats, status snapshots
	PriorityLow      = 7 // log chatter
	PriorityLevels   = 10
)

// DefaultTopicPriorities returns the normative pattern -> priority mapping
// for a topic prefix. Unmatched topics get PriorityDefault.
func DefaultTopicPriorities(t Topics) map[string]int {
	return map[string]int{
		t.Connection():    PriorityCritical,
		t.ConfigReply():   PriorityHigh,
		t.ResultPattern(): PriorityHigh,
		t.StatusPattern(): PriorityDefault,
		t.Prefix + "+/log": PriorityLow,
	}
}

// Envelope is one inbound bus message held by the queue.
type Envelope struct {
	Priority int
	Arrival  time.Time
	Topic    string
	Payload  []byte

	seq uint64 // insertion order tiebreaker
}

// envelopeHeap orders by priority asc, then arrival, then insertion order.
type envelopeHeap []*Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].Arrival.Equal(h[j].Arrival) {
		return h[i].Arrival.Before(h[j].Arrival)
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(*Envelope)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is the in-memory multi-level priority queue between the
// broker callback surface and the handler worker pool. When full, insertion
// evicts the single lowest-priority entry; if nothing has lower priority
// than the incoming message, the incoming message is dropped instead.
//
// A per-topic latest-message shadow map always reflects the most recent
// payload seen on each topic regardless of drops.
type PriorityQueue struct {
	mu       sync.Mutex
	items    envelopeHeap
	capacity int
	seq      uint64
	signal   chan struct{}

	priorities map[string]int
	latest     *xsync.Map[string, []byte]

	dropped atomic.Int64
}

// NewPriorityQueue creates a queue with the given capacity and topic
// priority mapping (pattern -> level). Zero capacity means unbounded.
func NewPriorityQueue(capacity int, priorities map[string]int) *PriorityQueue {
	return &PriorityQueue{
		capacity:   capacity,
		signal:     make(chan struct{}, 1),
		priorities: priorities,
		latest:     xsync.NewMap[string, []byte](),
	}
}

// TopicPriority resolves the priority level for a topic.
func (q *PriorityQueue) TopicPriority(topic string) int {
	for pattern, prio := range q.priorities {
		if MatchTopic(pattern, topic) {
			return prio
		}
	}
	return PriorityDefault
}

// Push enqueues an inbound message. It never blocks and is safe to call
// from broker callbacks. Returns false if the message was dropped.
func (q *PriorityQueue) Push(topic string, payload []byte) bool {
	q.latest.Store(topic, payload)

	prio := q.TopicPriority(topic)

	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		if !q.evictLowerThanLocked(prio) {
			q.mu.Unlock()
			q.dropped.Add(1)
			return false
		}
	}
	q.seq++
	heap.Push(&q.items, &Envelope{
		Priority: prio,
		Arrival:  time.Now(),
		Topic:    topic,
		Payload:  payload,
		seq:      q.seq,
	})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// evictLowerThanLocked removes the single worst entry whose priority is
// strictly lower (numerically greater) than prio. Returns false if no such
// entry exists.
func (q *PriorityQueue) evictLowerThanLocked(prio int) bool {
	worst := -1
	for i, e := range q.items {
		if e.Priority <= prio {
			continue
		}
		if worst == -1 || q.items[i].Priority > q.items[worst].Priority ||
			(q.items[i].Priority == q.items[worst].Priority && q.items[i].seq < q.items[worst].seq) {
			worst = i
		}
	}
	if worst == -1 {
		return false
	}
	heap.Remove(&q.items, worst)
	q.dropped.Add(1)
	return true
}

// Pop blocks until a message is available or the context is cancelled.
func (q *PriorityQueue) Pop(ctx context.Context) (*Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := heap.Pop(&q.items).(*Envelope)
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// The signal slot holds at most one token, so a push burst
				// can wake fewer workers than there are queued messages.
				// Re-arm it for the next blocked Pop.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Latest returns the most recent payload seen on a topic.
func (q *PriorityQueue) Latest(topic string) ([]byte, bool) {
	return q.latest.Load(topic)
}

// Len returns the number of queued messages.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of messages dropped on overflow.
func (q *PriorityQueue) Dropped() int64 {
	return q.dropped.Load()
}
