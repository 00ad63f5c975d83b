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

// Package health detects dead worker nodes and moves their running work.
// A node whose heartbeat is older than twice the check interval is marked
// offline; its running subtasks are re-published round-robin across the
// surviving nodes, or reset to pending when no node has capacity.
package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/meek-vision/meek/internal/model"
)

// DefaultInterval is the check cycle period. Nodes go offline after two
// missed intervals.
const DefaultInterval = 20 * time.Second

const offlineFactor = 2

// awaitingReassignmentMsg marks subtasks parked pending because migration
// found no node with capacity.
const awaitingReassignmentMsg = "awaiting reassignment"

// Store is the slice of the SQL store the tracker needs.
type Store interface {
	ListStaleOnlineNodes(ctx context.Context, cutoff time.Time) ([]model.Node, error)
	ListOfflineNodesNeedingTransfer(ctx context.Context) ([]model.Node, error)
	ListRunningSubTasksByNode(ctx context.Context, nodeID int64) ([]model.SubTask, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ClearSubTaskAssignment(ctx context.Context, id int64, reason string) error
}

// Nodes is the registry surface the tracker mutates through.
type Nodes interface {
	MarkOffline(ctx context.Context, mac string) error
	AvailableNodes(ctx context.Context) ([]model.Node, error)
	AdjustTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error
}

// Mover is the dispatcher surface used during migration.
type Mover interface {
	Republish(ctx context.Context, st *model.SubTask, node *model.Node) error
	DispatchPending(ctx context.Context, limit int)
}

// States is the state-manager surface for resetting migrated subtasks.
type States interface {
	UpdateSubTaskStatus(ctx context.Context, taskID, subtaskID int64, status model.SubTaskStatus) (model.SubTaskStatus, error)
}

// Tracker runs the periodic node health cycle.
type Tracker struct {
	store    Store
	nodes    Nodes
	mover    Mover
	state    States
	logger   *slog.Logger
	interval time.Duration

	// migrating guards against overlapping cycles migrating the same node.
	mu        sync.Mutex
	migrating map[int64]struct{}
}

// New creates a health tracker.
func New(st Store, nodes Nodes, mover Mover, state States, interval time.Duration, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		store:     st,
		nodes:     nodes,
		mover:     mover,
		state:     state,
		logger:    logger,
		interval:  interval,
		migrating: make(map[int64]struct{}),
	}
}

// Check is one health cycle: stale detection, migration of dead nodes'
// work, then a pending-subtask sweep. Scheduled from the periodic job
// surface.
func (t *Tracker) Check(ctx context.Context) {
	t.detectStale(ctx)
	t.migrateDead(ctx)
	t.mover.DispatchPending(ctx, 100)
}

// detectStale marks nodes offline whose heartbeat is older than twice the
// check interval.
func (t *Tracker) detectStale(ctx context.Context) {
	cutoff := time.Now().Add(-offlineFactor * t.interval)
	stale, err := t.store.ListStaleOnlineNodes(ctx, cutoff)
	if err != nil {
		t.logger.Error("stale node scan failed", slog.Any("error", err))
		return
	}
	for _, n := range stale {
		if err := t.nodes.MarkOffline(ctx, n.MACAddress); err != nil {
			t.logger.Error("failed to mark node offline",
				slog.String("mac", n.MACAddress), slog.Any("error", err))
			continue
		}
		t.logger.Warn("node heartbeat stale, marked offline",
			slog.String("mac", n.MACAddress),
			slog.Int64("node_id", n.ID),
			slog.Time("last_heartbeat", n.LastHeartbeat))
	}
}

// migrateDead moves running subtasks off offline nodes.
func (t *Tracker) migrateDead(ctx context.Context) {
	dead, err := t.store.ListOfflineNodesNeedingTransfer(ctx)
	if err != nil {
		t.logger.Error("dead node scan failed", slog.Any("error", err))
		return
	}
	for i := range dead {
		t.migrateNode(ctx, &dead[i])
	}
}

func (t *Tracker) migrateNode(ctx context.Context, node *model.Node) {
	t.mu.Lock()
	if _, busy := t.migrating[node.ID]; busy {
		t.mu.Unlock()
		return
	}
	t.migrating[node.ID] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.migrating, node.ID)
		t.mu.Unlock()
	}()

	subtasks, err := t.store.ListRunningSubTasksByNode(ctx, node.ID)
	if err != nil {
		t.logger.Error("running subtask scan failed",
			slog.Int64("node_id", node.ID), slog.Any("error", err))
		return
	}
	if len(subtasks) == 0 {
		return
	}

	targets, err := t.nodes.AvailableNodes(ctx)
	if err != nil {
		t.logger.Error("available node scan failed", slog.Any("error", err))
		return
	}

	t.logger.Info("migrating work off dead node",
		slog.Int64("node_id", node.ID),
		slog.String("mac", node.MACAddress),
		slog.Int("subtasks", len(subtasks)),
		slog.Int("targets", len(targets)))

	// Per-kind count of subtasks taken off the dead node, to settle its
	// counters once the loop is done.
	moved := make(map[model.AnalysisKind]int)

	next := 0
	for i := range subtasks {
		st := &subtasks[i]

		task, err := t.store.GetTask(ctx, st.TaskID)
		if err != nil {
			t.logger.Error("parent task lookup failed during migration",
				slog.Int64("task_id", st.TaskID), slog.Any("error", err))
			continue
		}
		if strings.Contains(task.ErrorMessage, model.UserStoppedMessage) {
			// The user already stopped this task; the dead node just never
			// confirmed. Settle it as stopped instead of reviving it.
			if _, err := t.state.UpdateSubTaskStatus(ctx, st.TaskID, st.ID, model.StatusStopped); err != nil {
				t.logger.Error("failed to settle user-stopped subtask",
					slog.Int64("subtask_id", st.ID), slog.Any("error", err))
			}
			moved[st.Kind]++
			continue
		}

		if len(targets) > 0 {
			target := &targets[next%len(targets)]
			next++
			if err := t.mover.Republish(ctx, st, target); err == nil {
				t.logger.Info("subtask migrated",
					slog.Int64("subtask_id", st.ID),
					slog.String("from", node.MACAddress),
					slog.String("to", target.MACAddress))
				moved[st.Kind]++
				continue
			} else {
				t.logger.Warn("migration republish failed",
					slog.Int64("subtask_id", st.ID),
					slog.String("to", target.MACAddress),
					slog.Any("error", err))
			}
		}

		// No target accepted the subtask: park it pending so the next
		// dispatch sweep picks it up once capacity returns.
		if err := t.store.ClearSubTaskAssignment(ctx, st.ID, awaitingReassignmentMsg); err != nil {
			t.logger.Error("failed to clear subtask assignment",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
			continue
		}
		moved[st.Kind]++
		if _, err := t.state.UpdateSubTaskStatus(ctx, st.TaskID, st.ID, model.StatusPending); err != nil {
			t.logger.Error("failed to reset subtask to pending",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		}
	}

	for kind, count := range moved {
		if err := t.nodes.AdjustTaskCount(ctx, node.ID, kind, -count); err != nil {
			t.logger.Error("failed to settle dead node counters",
				slog.Int64("node_id", node.ID),
				slog.String("kind", kind.String()),
				slog.Any("error", err))
		}
	}
}
