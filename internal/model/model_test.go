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

package model

import "testing"

func TestDeriveTaskStatus(t *testing.T) {
	tests := []struct {
		name     string
		counters StatusCounters
		want     SubTaskStatus
	}{
		{
			name:     "any running wins",
			counters: StatusCounters{StatusRunning: 1, StatusCompleted: 5, StatusError: 3},
			want:     StatusRunning,
		},
		{
			name:     "pending without running",
			counters: StatusCounters{StatusPending: 2, StatusCompleted: 1},
			want:     StatusPending,
		},
		{
			name:     "all completed",
			counters: StatusCounters{StatusCompleted: 4},
			want:     StatusCompleted,
		},
		{
			name:     "all errored",
			counters: StatusCounters{StatusError: 3},
			want:     StatusError,
		},
		{
			name:     "mixed terminal is stopped",
			counters: StatusCounters{StatusCompleted: 2, StatusError: 1},
			want:     StatusStopped,
		},
		{
			name:     "stopped plus completed is stopped",
			counters: StatusCounters{StatusStopped: 1, StatusCompleted: 2},
			want:     StatusStopped,
		},
		{
			name:     "empty counters fall back to stopped",
			counters: StatusCounters{},
			want:     StatusStopped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveTaskStatus(tt.counters); got != tt.want {
				t.Errorf("DeriveTaskStatus(%v) = %v, want %v", tt.counters, got, tt.want)
			}
		})
	}
}

func TestAnalysisKindValid(t *testing.T) {
	for _, k := range []AnalysisKind{AnalysisImage, AnalysisVideo, AnalysisStream} {
		if !k.Valid() {
			t.Errorf("%v should be valid", k)
		}
	}
	for _, k := range []AnalysisKind{0, 4, -1} {
		if k.Valid() {
			t.Errorf("%v should be invalid", k)
		}
	}
}

func TestSubTaskStatusTerminal(t *testing.T) {
	terminal := map[SubTaskStatus]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusStopped:   false,
		StatusCompleted: true,
		StatusError:     true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%v.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestNodeCapacity(t *testing.T) {
	n := &Node{
		Online:   true,
		Active:   true,
		MaxTasks: 3,
		TaskCounts: map[AnalysisKind]int{
			AnalysisImage:  1,
			AnalysisStream: 1,
		},
	}
	if n.TotalTasks() != 2 {
		t.Errorf("TotalTasks = %d, want 2", n.TotalTasks())
	}
	if !n.Available() {
		t.Error("node with free slot should be available")
	}

	n.TaskCounts[AnalysisVideo] = 1
	if n.HasCapacity() {
		t.Error("full node should have no capacity")
	}
	if n.Available() {
		t.Error("full node should not be available")
	}

	n.MaxTasks = 0
	if !n.HasCapacity() {
		t.Error("max_tasks 0 means unlimited")
	}

	n.Online = false
	if n.Available() {
		t.Error("offline node should not be available")
	}
}
