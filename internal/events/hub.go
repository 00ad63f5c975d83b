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

// Package events fans task and subtask status transitions out to connected
// UI sessions. The hub is strictly best-effort: publishing never blocks the
// state manager, and a session that cannot keep up is disconnected.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meek-vision/meek/internal/model"
)

// Event is one status transition pushed to subscribers.
type Event struct {
	Kind      string `json:"kind"` // "task" or "subtask"
	TaskID    int64  `json:"task_id"`
	SubTaskID int64  `json:"subtask_id,omitempty"`
	Status    int    `json:"status"`
	StatusStr string `json:"status_name"`
	Timestamp string `json:"timestamp"`
}

const sessionBuffer = 64

// Hub distributes events to registered sessions.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// PublishTaskStatus pushes a task-level transition to all sessions.
func (h *Hub) PublishTaskStatus(taskID int64, status model.SubTaskStatus) {
	h.publish(Event{
		Kind:      "task",
		TaskID:    taskID,
		Status:    int(status),
		StatusStr: status.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PublishSubTaskStatus pushes a subtask-level transition to all sessions.
func (h *Hub) PublishSubTaskStatus(taskID, subtaskID int64, status model.SubTaskStatus) {
	h.publish(Event{
		Kind:      "subtask",
		TaskID:    taskID,
		SubTaskID: subtaskID,
		Status:    int(status),
		StatusStr: status.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// publish delivers e to every session without blocking. Sessions whose
// buffer is full are closed and dropped.
func (h *Hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		select {
		case s.out <- e:
		default:
			h.logger.Warn("dropping slow event session",
				slog.String("remote", s.remote))
			delete(h.sessions, s)
			s.closeOnce()
		}
	}
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		s.closeOnce()
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close disconnects every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.sessions {
		delete(h.sessions, s)
		s.closeOnce()
	}
}
