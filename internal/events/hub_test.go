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

package events

import (
	"log/slog"
	"testing"

	"github.com/meek-vision/meek/internal/model"
)

func newTestSession(buffer int) *session {
	return &session{out: make(chan Event, buffer), remote: "test"}
}

func TestHubPublishesToSessions(t *testing.T) {
	h := NewHub(slog.Default())
	s := newTestSession(4)
	if !h.register(s) {
		t.Fatal("register failed")
	}

	h.PublishTaskStatus(9, model.StatusRunning)
	h.PublishSubTaskStatus(9, 42, model.StatusCompleted)

	e := <-s.out
	if e.Kind != "task" || e.TaskID != 9 || e.StatusStr != "running" {
		t.Errorf("task event = %+v", e)
	}
	e = <-s.out
	if e.Kind != "subtask" || e.SubTaskID != 42 || e.Status != int(model.StatusCompleted) {
		t.Errorf("subtask event = %+v", e)
	}
}

func TestHubDropsSlowSession(t *testing.T) {
	h := NewHub(slog.Default())
	slow := newTestSession(1)
	fast := newTestSession(4)
	h.register(slow)
	h.register(fast)

	h.PublishTaskStatus(1, model.StatusRunning)
	h.PublishTaskStatus(1, model.StatusCompleted) // overflows slow

	if h.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1 after dropping slow session", h.SessionCount())
	}
	// Dropped session's channel is closed after its buffered event.
	<-slow.out
	if _, ok := <-slow.out; ok {
		t.Error("slow session channel should be closed")
	}
	if len(fast.out) != 2 {
		t.Errorf("fast session buffered %d events, want 2", len(fast.out))
	}
}

func TestHubUnregisterIdempotent(t *testing.T) {
	h := NewHub(slog.Default())
	s := newTestSession(1)
	h.register(s)
	h.unregister(s)
	h.unregister(s)
	if h.SessionCount() != 0 {
		t.Errorf("SessionCount = %d, want 0", h.SessionCount())
	}
}

func TestHubCloseRejectsNewSessions(t *testing.T) {
	h := NewHub(slog.Default())
	s := newTestSession(1)
	h.register(s)
	h.Close()

	if _, ok := <-s.out; ok {
		t.Error("session channel should be closed by hub shutdown")
	}
	if h.register(newTestSession(1)) {
		t.Error("register after Close should fail")
	}
	// Publishing into a closed hub is a no-op.
	h.PublishTaskStatus(1, model.StatusRunning)
}
