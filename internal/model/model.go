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

// Package model holds the domain entities of the control plane: tasks,
// subtasks, worker nodes, video streams and detection models. The SQL store
// is authoritative for identity and lifecycle; these structs are small owned
// snapshots carried between components, with related entities looked up by
// id on demand.
package model

import "time"

// AnalysisKind selects which source fields of a task are meaningful.
type AnalysisKind int

const (
	AnalysisImage  AnalysisKind = 1
	AnalysisVideo  AnalysisKind = 2
	AnalysisStream AnalysisKind = 3
)

// String returns the lowercase name of the analysis kind.
func (k AnalysisKind) String() string {
	switch k {
	case AnalysisImage:
		return "image"
	case AnalysisVideo:
		return "video"
	case AnalysisStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known analysis kind.
func (k AnalysisKind) Valid() bool {
	return k == AnalysisImage || k == AnalysisVideo || k == AnalysisStream
}

// SubTaskStatus is the lifecycle state of a subtask. Task status shares the
// same value space because it is derived from subtask statuses.
type SubTaskStatus int

const (
	StatusPending   SubTaskStatus = 0
	StatusRunning   SubTaskStatus = 1
	StatusStopped   SubTaskStatus = 2
	StatusCompleted SubTaskStatus = 3
	StatusError     SubTaskStatus = 4
)

// String returns the lowercase name of the status.
func (s SubTaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state.
func (s SubTaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// UserStoppedMessage is the stable marker stored in a task's error field
// when the user stops it. Node migration skips tasks carrying it.
const UserStoppedMessage = "task stopped by user"

// StatusCounters counts subtasks of a task per status value. It is the
// cached aggregate that lets the parent task status be derived without
// rescanning children.
type StatusCounters map[SubTaskStatus]int

// Total returns the sum over all status slots.
func (c StatusCounters) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// DeriveTaskStatus computes the parent task status from subtask counters:
// any running -> running; else any pending -> pending; else all completed ->
// completed; else all errored -> error; else stopped.
func DeriveTaskStatus(c StatusCounters) SubTaskStatus {
	if c[StatusRunning] > 0 {
		return StatusRunning
	}
	if c[StatusPending] > 0 {
		return StatusPending
	}
	total := c.Total()
	if total > 0 && c[StatusCompleted] == total {
		return StatusCompleted
	}
	if total > 0 && c[StatusError] == total {
		return StatusError
	}
	return StatusStopped
}

// Task is a user-defined analysis job fanning out into subtasks.
type Task struct {
	ID               int64
	Name             string
	Kind             AnalysisKind
	ModelIDs         []int64
	StreamIDs        []int64 // stream kind only
	SourceURLs       []string
	Config           map[string]any
	SaveResult       bool
	SaveImages       bool
	AnalysisInterval float64
	Status           SubTaskStatus
	ActiveSubTasks   int
	TotalSubTasks    int
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubTask is the atomic unit of dispatch: one (model, source) pair executed
// on one node.
type SubTask struct {
	ID           int64
	TaskID       int64
	Kind         AnalysisKind
	ModelID      int64
	StreamID     *int64   // stream kind
	SourceURLs   []string // image/video kinds
	Config       map[string]any
	AnalysisType string // detection, segmentation, ...
	Status       SubTaskStatus
	NodeID       *int64
	// WorkerTaskID is the opaque worker-side id matched against replies and
	// results. Always treated as a string, never parsed.
	WorkerTaskID string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	RetryCount   int
}

// Node is a worker process running ML inference, identified by MAC address.
type Node struct {
	ID            int64
	MACAddress    string
	ClientID      string
	Hostname      string
	IPAddress     string
	Port          int
	Capabilities  []string
	Online        bool
	Active        bool
	LastHeartbeat time.Time
	OfflineAt     *time.Time
	NeedsTransfer bool
	// Per-kind running subtask counters keyed by AnalysisKind.
	TaskCounts  map[AnalysisKind]int
	MaxTasks    int
	Weight      float64
	CPUUsage    float64
	MemoryUsage float64
	GPUUsage    float64
}

// TotalTasks returns the sum of the per-kind counters.
func (n *Node) TotalTasks() int {
	total := 0
	for _, c := range n.TaskCounts {
		total += c
	}
	return total
}

// HasCapacity reports whether the node can accept another subtask.
func (n *Node) HasCapacity() bool {
	return n.MaxTasks <= 0 || n.TotalTasks() < n.MaxTasks
}

// Available reports whether the node may be assigned work at all.
func (n *Node) Available() bool {
	return n.Online && n.Active && n.HasCapacity()
}

// Stream is a registered video source probed by the stream monitor.
type Stream struct {
	ID       int64
	URL      string
	Name     string
	Online   bool
	GroupIDs []int64
}

// Model is a detection or segmentation model synced from the marketplace.
type Model struct {
	ID         int64
	Code       string // unique
	Version    string
	ClassCount int
	ClassNames map[string]string
}
