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

// Package ingest consumes worker result messages: it maps the opaque
// worker-side subtask id back to a subtask row, drives the terminal status
// transitions and persists result payloads for tasks that asked for them.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/meek-vision/meek/internal/bus"
	"github.com/meek-vision/meek/internal/messages"
	"github.com/meek-vision/meek/internal/model"
	"github.com/meek-vision/meek/internal/store"
)

// Store is the slice of the SQL store the ingester needs.
type Store interface {
	GetSubTaskByWorkerID(ctx context.Context, workerID string) (*model.SubTask, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	SetSubTaskError(ctx context.Context, id int64, msg string) error
	InsertSubTaskResult(ctx context.Context, subtaskID, taskID int64, statusCode int, results []byte) error
}

// Nodes is the registry surface for releasing node capacity.
type Nodes interface {
	AdjustTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error
}

// States is the state-manager surface driving status transitions.
type States interface {
	UpdateSubTaskStatus(ctx context.Context, taskID, subtaskID int64, status model.SubTaskStatus) (model.SubTaskStatus, error)
	SubTaskStatus(ctx context.Context, taskID, subtaskID int64) (model.SubTaskStatus, error)
}

// ResultNoter lets the dispatcher treat an early result as an implicit
// command acceptance.
type ResultNoter interface {
	NoteResult(workerSubTaskID string)
}

// Ingester processes result messages from the worker fleet.
type Ingester struct {
	store  Store
	nodes  Nodes
	state  States
	noter  ResultNoter
	topics bus.Topics
	logger *slog.Logger
}

// New creates an ingester. noter may be nil.
func New(st Store, nodes Nodes, state States, noter ResultNoter, topics bus.Topics, logger *slog.Logger) *Ingester {
	return &Ingester{
		store:  st,
		nodes:  nodes,
		state:  state,
		noter:  noter,
		topics: topics,
		logger: logger,
	}
}

// Register wires the ingester's handler into the message router.
func (in *Ingester) Register(router *bus.Router) {
	router.Register(in.topics.ResultPattern(), in.HandleResult)
}

// HandleResult processes one result message.
func (in *Ingester) HandleResult(ctx context.Context, topic string, payload []byte) {
	var result messages.Result
	if err := messages.Decode(payload, &result); err != nil {
		in.logger.Warn("malformed result message",
			slog.String("topic", topic), slog.Any("error", err))
		return
	}
	if result.SubTaskID == "" {
		in.logger.Warn("result without subtask id", slog.String("topic", topic))
		return
	}

	if in.noter != nil {
		in.noter.NoteResult(result.SubTaskID)
	}

	st, err := in.store.GetSubTaskByWorkerID(ctx, result.SubTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			in.logger.Warn("result for unknown subtask",
				slog.String("worker_subtask_id", result.SubTaskID),
				slog.String("topic", topic))
			return
		}
		in.logger.Error("subtask lookup for result failed",
			slog.String("worker_subtask_id", result.SubTaskID),
			slog.Any("error", err))
		return
	}

	switch result.Status {
	case messages.ResultProcessing:
		in.handleProcessing(ctx, st)
	case messages.ResultCompleted:
		in.handleTerminal(ctx, st, &result, model.StatusCompleted)
	case messages.ResultFailed:
		in.handleTerminal(ctx, st, &result, model.StatusError)
	default:
		in.logger.Warn("unknown result status",
			slog.Int64("subtask_id", st.ID),
			slog.String("status", result.Status))
	}
}

// handleProcessing promotes a still-pending subtask to running. Routine
// progress messages for an already-running subtask are a no-op.
func (in *Ingester) handleProcessing(ctx context.Context, st *model.SubTask) {
	current, err := in.state.SubTaskStatus(ctx, st.TaskID, st.ID)
	if err != nil {
		in.logger.Error("status read failed",
			slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		return
	}
	if current != model.StatusPending {
		return
	}
	if _, err := in.state.UpdateSubTaskStatus(ctx, st.TaskID, st.ID, model.StatusRunning); err != nil {
		in.logger.Error("running transition failed",
			slog.Int64("subtask_id", st.ID), slog.Any("error", err))
	}
}

// handleTerminal finishes a subtask: status transition, error recording,
// optional result persistence and node capacity release.
func (in *Ingester) handleTerminal(ctx context.Context, st *model.SubTask, result *messages.Result, status model.SubTaskStatus) {
	current, err := in.state.SubTaskStatus(ctx, st.TaskID, st.ID)
	if err == nil && current.Terminal() {
		in.logger.Debug("duplicate terminal result ignored",
			slog.Int64("subtask_id", st.ID))
		return
	}

	if status == model.StatusError && result.ErrorMessage != "" {
		if err := in.store.SetSubTaskError(ctx, st.ID, result.ErrorMessage); err != nil {
			in.logger.Error("failed to record subtask error",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		}
	}

	if _, err := in.state.UpdateSubTaskStatus(ctx, st.TaskID, st.ID, status); err != nil {
		in.logger.Error("terminal transition failed",
			slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		return
	}

	task, err := in.store.GetTask(ctx, st.TaskID)
	if err != nil {
		in.logger.Error("parent task lookup failed",
			slog.Int64("task_id", st.TaskID), slog.Any("error", err))
	} else if task.SaveResult && len(result.Results) > 0 {
		if err := in.store.InsertSubTaskResult(ctx, st.ID, st.TaskID, result.StatusCode, result.Results); err != nil {
			in.logger.Error("result persistence failed",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		}
	}

	if st.NodeID != nil {
		if err := in.nodes.AdjustTaskCount(ctx, *st.NodeID, st.Kind, -1); err != nil {
			in.logger.Error("node counter decrement failed",
				slog.Int64("node_id", *st.NodeID), slog.Any("error", err))
		}
	}

	in.logger.Info("subtask finished",
		slog.Int64("subtask_id", st.ID),
		slog.Int64("task_id", st.TaskID),
		slog.String("status", status.String()),
		slog.Int64("frames", result.FrameCount))
}
