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

// Package state owns every subtask status transition. Counters live in a
// Redis hash per task so the parent status can be derived without scanning
// child rows; SQL writes are deferred to a periodic batcher that folds all
// transitions since the last flush into one transaction per task.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"

	"github.com/meek-vision/meek/internal/model"
)

// Store is the slice of the SQL store the state manager writes through.
type Store interface {
	ApplyStatusBatch(ctx context.Context, taskID int64, subtaskStatuses map[int64]model.SubTaskStatus, taskStatus model.SubTaskStatus, activeCount int) error
	CountSubTaskStatuses(ctx context.Context, taskID int64) (model.StatusCounters, error)
	ListSubTasks(ctx context.Context, taskID int64) ([]model.SubTask, error)
}

// EventSink receives status transitions for live distribution. May be nil.
type EventSink interface {
	PublishTaskStatus(taskID int64, status model.SubTaskStatus)
	PublishSubTaskStatus(taskID, subtaskID int64, status model.SubTaskStatus)
}

// DefaultFlushInterval is how often dirty tasks are flushed to SQL.
const DefaultFlushInterval = 100 * time.Millisecond

func taskCountersKey(taskID int64) string {
	return fmt.Sprintf("meek:task:%d:counters", taskID)
}

func subtaskStatusKey(subtaskID int64) string {
	return fmt.Sprintf("meek:subtask:%d:status", subtaskID)
}

// Manager serializes status transitions per task and batches them to SQL.
type Manager struct {
	rdb      *redis.Client
	store    Store
	events   EventSink
	logger   *slog.Logger
	interval time.Duration

	locks *xsync.Map[int64, *sync.Mutex]

	mu    sync.Mutex
	dirty map[int64]map[int64]model.SubTaskStatus
}

// NewManager creates a state manager. events may be nil.
func NewManager(rdb *redis.Client, store Store, events EventSink, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Manager{
		rdb:      rdb,
		store:    store,
		events:   events,
		logger:   logger,
		interval: interval,
		locks:    xsync.NewMap[int64, *sync.Mutex](),
		dirty:    make(map[int64]map[int64]model.SubTaskStatus),
	}
}

func (m *Manager) lockFor(taskID int64) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(taskID, &sync.Mutex{})
	return mu
}

// SeedTask initializes the counter hash and subtask status keys for a newly
// created task whose subtasks are all pending.
func (m *Manager) SeedTask(ctx context.Context, taskID int64, subtaskIDs []int64) error {
	pipe := m.rdb.Pipeline()
	pipe.Del(ctx, taskCountersKey(taskID))
	pipe.HSet(ctx, taskCountersKey(taskID),
		strconv.Itoa(int(model.StatusPending)), len(subtaskIDs))
	for _, id := range subtaskIDs {
		pipe.Set(ctx, subtaskStatusKey(id), int(model.StatusPending), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: seed task %d: %w", taskID, err)
	}
	return nil
}

// ForgetTask drops the cache entries of a deleted task.
func (m *Manager) ForgetTask(ctx context.Context, taskID int64, subtaskIDs []int64) error {
	keys := make([]string, 0, len(subtaskIDs)+1)
	keys = append(keys, taskCountersKey(taskID))
	for _, id := range subtaskIDs {
		keys = append(keys, subtaskStatusKey(id))
	}
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("state: forget task %d: %w", taskID, err)
	}
	m.locks.Delete(taskID)
	m.mu.Lock()
	delete(m.dirty, taskID)
	m.mu.Unlock()
	return nil
}

// UpdateSubTaskStatus applies one transition: adjusts the counter hash,
// records the subtask status, marks the task dirty for the next flush and
// returns the derived parent status. Transitions of the same task are
// serialized by a per-task lock.
func (m *Manager) UpdateSubTaskStatus(ctx context.Context, taskID, subtaskID int64, status model.SubTaskStatus) (model.SubTaskStatus, error) {
	mu := m.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	old, err := m.loadSubTaskStatus(ctx, taskID, subtaskID)
	if err != nil {
		return 0, err
	}

	if old != status {
		pipe := m.rdb.Pipeline()
		pipe.HIncrBy(ctx, taskCountersKey(taskID), strconv.Itoa(int(old)), -1)
		pipe.HIncrBy(ctx, taskCountersKey(taskID), strconv.Itoa(int(status)), 1)
		pipe.Set(ctx, subtaskStatusKey(subtaskID), int(status), 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("state: update subtask %d status: %w", subtaskID, err)
		}
	}

	counters, err := m.readCounters(ctx, taskID)
	if err != nil {
		return 0, err
	}
	derived := model.DeriveTaskStatus(counters)

	m.mu.Lock()
	perTask, ok := m.dirty[taskID]
	if !ok {
		perTask = make(map[int64]model.SubTaskStatus)
		m.dirty[taskID] = perTask
	}
	perTask[subtaskID] = status
	m.mu.Unlock()

	if m.events != nil {
		m.events.PublishSubTaskStatus(taskID, subtaskID, status)
		m.events.PublishTaskStatus(taskID, derived)
	}
	return derived, nil
}

// SubTaskStatus returns the cached status of one subtask, resyncing the
// task's cache from SQL on a miss.
func (m *Manager) SubTaskStatus(ctx context.Context, taskID, subtaskID int64) (model.SubTaskStatus, error) {
	mu := m.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()
	return m.loadSubTaskStatus(ctx, taskID, subtaskID)
}

func (m *Manager) loadSubTaskStatus(ctx context.Context, taskID, subtaskID int64) (model.SubTaskStatus, error) {
	val, err := m.rdb.Get(ctx, subtaskStatusKey(subtaskID)).Int()
	if err == nil {
		return model.SubTaskStatus(val), nil
	}
	if err != redis.Nil {
		return 0, fmt.Errorf("state: read subtask %d status: %w", subtaskID, err)
	}
	if err := m.resync(ctx, taskID); err != nil {
		return 0, err
	}
	val, err = m.rdb.Get(ctx, subtaskStatusKey(subtaskID)).Int()
	if err != nil {
		return 0, fmt.Errorf("state: subtask %d unknown after resync: %w", subtaskID, err)
	}
	return model.SubTaskStatus(val), nil
}

// Counters returns the per-status counter map of a task, rebuilding the
// cache from SQL on a miss.
func (m *Manager) Counters(ctx context.Context, taskID int64) (model.StatusCounters, error) {
	mu := m.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	counters, err := m.readCounters(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if counters.Total() == 0 {
		if err := m.resync(ctx, taskID); err != nil {
			return nil, err
		}
		counters, err = m.readCounters(ctx, taskID)
		if err != nil {
			return nil, err
		}
	}
	return counters, nil
}

// TaskStatus derives the parent task status from the cached counters.
func (m *Manager) TaskStatus(ctx context.Context, taskID int64) (model.SubTaskStatus, error) {
	counters, err := m.Counters(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return model.DeriveTaskStatus(counters), nil
}

func (m *Manager) readCounters(ctx context.Context, taskID int64) (model.StatusCounters, error) {
	fields, err := m.rdb.HGetAll(ctx, taskCountersKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("state: read counters of task %d: %w", taskID, err)
	}
	counters := model.StatusCounters{}
	for field, raw := range fields {
		status, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		count, err := strconv.Atoi(raw)
		if err != nil || count <= 0 {
			continue
		}
		counters[model.SubTaskStatus(status)] = count
	}
	return counters, nil
}

// resync rebuilds the counter hash and subtask keys of one task from SQL.
// Callers hold the task lock.
func (m *Manager) resync(ctx context.Context, taskID int64) error {
	subtasks, err := m.store.ListSubTasks(ctx, taskID)
	if err != nil {
		return fmt.Errorf("state: resync task %d: %w", taskID, err)
	}
	counters := model.StatusCounters{}
	pipe := m.rdb.Pipeline()
	pipe.Del(ctx, taskCountersKey(taskID))
	for _, st := range subtasks {
		counters[st.Status]++
		pipe.Set(ctx, subtaskStatusKey(st.ID), int(st.Status), 0)
	}
	for status, count := range counters {
		pipe.HSet(ctx, taskCountersKey(taskID), strconv.Itoa(int(status)), count)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("state: write resynced cache of task %d: %w", taskID, err)
	}
	m.logger.Info("task status cache resynced from store",
		slog.Int64("task_id", taskID),
		slog.Int("subtasks", len(subtasks)))
	return nil
}

// Run drives the batcher until ctx is cancelled, then performs a final
// flush so shutdown does not lose buffered transitions.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}

// Flush writes every dirty task to SQL, one transaction per task. A failed
// transaction re-queues the task's transitions for the next flush.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.dirty
	m.dirty = make(map[int64]map[int64]model.SubTaskStatus)
	m.mu.Unlock()

	for taskID, subtaskStatuses := range batch {
		if err := m.flushTask(ctx, taskID, subtaskStatuses); err != nil {
			m.logger.Error("status batch flush failed, requeueing",
				slog.Int64("task_id", taskID),
				slog.Int("subtasks", len(subtaskStatuses)),
				slog.Any("error", err))
			m.requeue(taskID, subtaskStatuses)
		}
	}
}

func (m *Manager) flushTask(ctx context.Context, taskID int64, subtaskStatuses map[int64]model.SubTaskStatus) error {
	mu := m.lockFor(taskID)
	mu.Lock()
	defer mu.Unlock()

	counters, err := m.readCounters(ctx, taskID)
	if err != nil {
		return err
	}
	derived := model.DeriveTaskStatus(counters)
	active := counters[model.StatusRunning]
	return m.store.ApplyStatusBatch(ctx, taskID, subtaskStatuses, derived, active)
}

// requeue folds failed transitions back into the dirty set without
// clobbering transitions recorded since the flush started.
func (m *Manager) requeue(taskID int64, subtaskStatuses map[int64]model.SubTaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perTask, ok := m.dirty[taskID]
	if !ok {
		m.dirty[taskID] = subtaskStatuses
		return
	}
	for id, status := range subtaskStatuses {
		if _, newer := perTask[id]; !newer {
			perTask[id] = status
		}
	}
}
