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

package dispatch

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meek-vision/meek/utils"
)

// retryQueueKey is the Redis key mirroring the in-memory retry queue so a
// controller restart does not lose scheduled retries.
const retryQueueKey = "meek:retryq"

// Retry schedule defaults: 5s, 10s, 20s, then give up.
const (
	DefaultRetryBase    = 5 * time.Second
	DefaultRetryFactor  = 2.0
	DefaultMaxRetries   = 3
	retryPersistTimeout = 5 * time.Second
)

// RetryItem is one scheduled re-dispatch.
type RetryItem struct {
	SubTaskID int64     `json:"subtask_id"`
	Priority  int       `json:"priority"`
	Attempt   int       `json:"attempt"`
	NextRetry time.Time `json:"next_retry"`
	seq       uint64
}

// RetryFunc re-dispatches one subtask when its retry comes due.
type RetryFunc func(ctx context.Context, item RetryItem)

// RetryQueue schedules failed dispatches for re-delivery with exponential
// backoff. Ordering is by due time, then priority, then insertion order.
type RetryQueue struct {
	logger *slog.Logger
	rdb    *redis.Client

	base   time.Duration
	factor float64

	mu     sync.Mutex
	items  retryHeap
	seq    uint64
	signal chan struct{}
}

// NewRetryQueue creates a retry queue. rdb may be nil to disable mirroring.
func NewRetryQueue(rdb *redis.Client, base time.Duration, factor float64, logger *slog.Logger) *RetryQueue {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if factor <= 0 {
		factor = DefaultRetryFactor
	}
	return &RetryQueue{
		logger: logger,
		rdb:    rdb,
		base:   base,
		factor: factor,
		signal: make(chan struct{}, 1),
	}
}

// Push schedules a retry for the given attempt number. The delay doubles
// per attempt from the base delay.
func (q *RetryQueue) Push(subtaskID int64, priority, attempt int) {
	delay := utils.RetryDelay(attempt-1, q.base, q.factor)
	q.pushItem(RetryItem{
		SubTaskID: subtaskID,
		Priority:  priority,
		Attempt:   attempt,
		NextRetry: time.Now().Add(delay),
	})
	q.logger.Info("subtask scheduled for retry",
		slog.Int64("subtask_id", subtaskID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

func (q *RetryQueue) pushItem(item RetryItem) {
	q.mu.Lock()
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of scheduled retries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Run delivers due items to fn until ctx is cancelled, then mirrors the
// remaining items to Redis.
func (q *RetryQueue) Run(ctx context.Context, fn RetryFunc) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var wait time.Duration = time.Hour
		if q.items.Len() > 0 {
			wait = time.Until(q.items[0].NextRetry)
		}
		q.mu.Unlock()

		if wait <= 0 {
			if item, ok := q.popDue(); ok {
				fn(ctx, item)
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			q.persist(context.WithoutCancel(ctx))
			return
		case <-timer.C:
		case <-q.signal:
		}
	}
}

func (q *RetryQueue) popDue() (RetryItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 || q.items[0].NextRetry.After(time.Now()) {
		return RetryItem{}, false
	}
	return heap.Pop(&q.items).(RetryItem), true
}

// Persist mirrors the queue to Redis. Scheduled from the periodic job
// surface; also runs once on shutdown.
func (q *RetryQueue) Persist(ctx context.Context) error {
	return q.persist(ctx)
}

func (q *RetryQueue) persist(ctx context.Context) error {
	if q.rdb == nil {
		return nil
	}
	q.mu.Lock()
	items := make([]RetryItem, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("dispatch: encode retry queue: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, retryPersistTimeout)
	defer cancel()
	if err := q.rdb.Set(ctx, retryQueueKey, data, 0).Err(); err != nil {
		return fmt.Errorf("dispatch: persist retry queue: %w", err)
	}
	return nil
}

// Load restores the mirrored queue after a restart. Items whose due time
// already passed fire on the first Run iteration.
func (q *RetryQueue) Load(ctx context.Context) error {
	if q.rdb == nil {
		return nil
	}
	data, err := q.rdb.Get(ctx, retryQueueKey).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: load retry queue: %w", err)
	}
	var items []RetryItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("dispatch: decode retry queue: %w", err)
	}
	for _, item := range items {
		q.pushItem(item)
	}
	if len(items) > 0 {
		q.logger.Info("retry queue restored", slog.Int("items", len(items)))
	}
	return nil
}

// retryHeap orders by due time, then by priority value (lower is more
// urgent), then by insertion order.
type retryHeap []RetryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if !h[i].NextRetry.Equal(h[j].NextRetry) {
		return h[i].NextRetry.Before(h[j].NextRetry)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) { *h = append(*h, x.(RetryItem)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
