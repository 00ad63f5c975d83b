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

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/meek-vision/meek/internal/model"
	"github.com/meek-vision/meek/internal/store"
)

type createTaskRequest struct {
	Name             string         `json:"name"`
	AnalysisKind     int            `json:"analysis_kind"`
	ModelIDs         []int64        `json:"model_ids"`
	StreamIDs        []int64        `json:"stream_ids,omitempty"`
	SourceURLs       []string       `json:"source_urls,omitempty"`
	AnalysisType     string         `json:"analysis_type,omitempty"`
	AnalysisInterval float64        `json:"analysis_interval,omitempty"`
	SaveResult       bool           `json:"save_result"`
	SaveImages       bool           `json:"save_images"`
	Config           map[string]any `json:"config,omitempty"`
}

// handleTaskCreate validates the request, fans the task out into subtasks
// (streams x models for stream analysis, one per model otherwise) and
// persists everything in one transaction. Creation does not dispatch; the
// start endpoint does.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := model.AnalysisKind(req.AnalysisKind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown analysis kind")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "task name is required")
		return
	}
	if len(req.ModelIDs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one model is required")
		return
	}
	switch kind {
	case model.AnalysisStream:
		if len(req.StreamIDs) == 0 {
			writeError(w, http.StatusBadRequest, "stream analysis requires stream ids")
			return
		}
	default:
		if len(req.SourceURLs) == 0 {
			writeError(w, http.StatusBadRequest, "image and video analysis require source urls")
			return
		}
	}

	ctx := r.Context()
	if _, err := s.store.GetModelsByIDs(ctx, req.ModelIDs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown model id")
			return
		}
		s.logger.Error("model lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "model lookup failed")
		return
	}

	var streams []model.Stream
	if kind == model.AnalysisStream {
		var err error
		streams, err = s.store.GetStreamsByIDs(ctx, req.StreamIDs)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusBadRequest, "unknown stream id")
				return
			}
			s.logger.Error("stream lookup failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "stream lookup failed")
			return
		}
	}

	analysisType := req.AnalysisType
	if analysisType == "" {
		analysisType = "detection"
	}

	task := &model.Task{
		Name:             req.Name,
		Kind:             kind,
		ModelIDs:         req.ModelIDs,
		StreamIDs:        req.StreamIDs,
		SourceURLs:       req.SourceURLs,
		Config:           req.Config,
		SaveResult:       req.SaveResult,
		SaveImages:       req.SaveImages,
		AnalysisInterval: req.AnalysisInterval,
	}

	var subtasks []model.SubTask
	if kind == model.AnalysisStream {
		for i := range streams {
			streamID := streams[i].ID
			for _, modelID := range req.ModelIDs {
				subtasks = append(subtasks, model.SubTask{
					Kind:         kind,
					ModelID:      modelID,
					StreamID:     &streamID,
					SourceURLs:   []string{streams[i].URL},
					Config:       req.Config,
					AnalysisType: analysisType,
				})
			}
		}
	} else {
		for _, modelID := range req.ModelIDs {
			subtasks = append(subtasks, model.SubTask{
				Kind:         kind,
				ModelID:      modelID,
				SourceURLs:   req.SourceURLs,
				Config:       req.Config,
				AnalysisType: analysisType,
			})
		}
	}

	taskID, err := s.store.CreateTask(ctx, task, subtasks)
	if err != nil {
		s.logger.Error("task creation failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "task creation failed")
		return
	}

	subtaskIDs := make([]int64, len(subtasks))
	for i := range subtasks {
		subtaskIDs[i] = subtasks[i].ID
	}
	if err := s.state.SeedTask(ctx, taskID, subtaskIDs); err != nil {
		// The cache resyncs from SQL on first use; creation still succeeded.
		s.logger.Warn("task counter seeding failed",
			slog.Int64("task_id", taskID), slog.Any("error", err))
	}

	s.logger.Info("task created",
		slog.Int64("task_id", taskID),
		slog.String("kind", kind.String()),
		slog.Int("subtasks", len(subtasks)))
	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id":     taskID,
		"subtask_ids": subtaskIDs,
	})
}

type taskIDRequest struct {
	TaskID int64 `json:"task_id"`
}

func (s *Server) taskIDFromBody(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req taskIDRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	if req.TaskID <= 0 {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return 0, false
	}
	return req.TaskID, true
}

func (s *Server) getTask(w http.ResponseWriter, ctx context.Context, taskID int64) (*model.Task, bool) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		s.logger.Error("task lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return nil, false
	}
	return task, true
}

// handleTaskStart dispatches the task's pending subtasks. Dispatch blocks
// on worker confirmation, so it runs detached and the endpoint answers 202.
// The task's operation lock is held until the detached work finishes so a
// concurrent stop or delete cannot interleave.
func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDFromBody(w, r)
	if !ok {
		return
	}
	mu := s.lockTask(taskID)
	mu.Lock()

	task, ok := s.getTask(w, r.Context(), taskID)
	if !ok {
		mu.Unlock()
		return
	}
	subtasks, err := s.store.ListSubTasks(r.Context(), task.ID)
	if err != nil {
		mu.Unlock()
		s.logger.Error("subtask list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subtask list failed")
		return
	}

	if task.ErrorMessage == model.UserStoppedMessage {
		// Restarting a stopped task clears the stop marker.
		if err := s.store.SetTaskError(r.Context(), task.ID, ""); err != nil {
			s.logger.Error("stop marker clear failed",
				slog.Int64("task_id", task.ID), slog.Any("error", err))
		}
	}

	go func(ctx context.Context) {
		defer mu.Unlock()
		s.startSubtasks(ctx, task.ID, subtasks)
	}(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  task.ID,
		"starting": len(subtasks),
	})
}

func (s *Server) startSubtasks(ctx context.Context, taskID int64, subtasks []model.SubTask) {
	started := 0
	for i := range subtasks {
		st := &subtasks[i]
		if st.Status != model.StatusPending && st.Status != model.StatusStopped {
			continue
		}
		if st.Status == model.StatusStopped {
			if _, err := s.state.UpdateSubTaskStatus(ctx, taskID, st.ID, model.StatusPending); err != nil {
				s.logger.Error("subtask restart transition failed",
					slog.Int64("subtask_id", st.ID), slog.Any("error", err))
				continue
			}
			st.Status = model.StatusPending
		}
		if err := s.dispatch.Dispatch(ctx, st, ""); err != nil {
			s.logger.Warn("subtask dispatch failed",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
			continue
		}
		started++
	}
	s.logger.Info("task start finished",
		slog.Int64("task_id", taskID),
		slog.Int("dispatched", started))
}

// handleTaskStop records the user-stop marker, sends stop commands for
// running subtasks and settles the rest. Holds the task's operation lock
// until the detached settlement finishes.
func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDFromBody(w, r)
	if !ok {
		return
	}
	mu := s.lockTask(taskID)
	mu.Lock()
	ctx := r.Context()

	task, ok := s.getTask(w, ctx, taskID)
	if !ok {
		mu.Unlock()
		return
	}

	if err := s.store.SetTaskError(ctx, task.ID, model.UserStoppedMessage); err != nil {
		mu.Unlock()
		s.logger.Error("stop marker write failed",
			slog.Int64("task_id", task.ID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "stop failed")
		return
	}

	subtasks, err := s.store.ListSubTasks(ctx, task.ID)
	if err != nil {
		mu.Unlock()
		s.logger.Error("subtask list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subtask list failed")
		return
	}

	go func(ctx context.Context) {
		defer mu.Unlock()
		s.stopSubtasks(ctx, task.ID, subtasks)
	}(context.WithoutCancel(ctx))
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID, "status": int(model.StatusStopped)})
}

func (s *Server) stopSubtasks(ctx context.Context, taskID int64, subtasks []model.SubTask) {
	for i := range subtasks {
		st := &subtasks[i]
		switch st.Status {
		case model.StatusRunning:
			if st.NodeID != nil {
				node, err := s.store.GetNode(ctx, *st.NodeID)
				if err == nil {
					if err := s.dispatch.StopOnNode(ctx, st, node.MACAddress); err != nil {
						s.logger.Warn("stop command failed",
							slog.Int64("subtask_id", st.ID),
							slog.String("mac", node.MACAddress),
							slog.Any("error", err))
					}
				}
			}
			if _, err := s.state.UpdateSubTaskStatus(ctx, taskID, st.ID, model.StatusStopped); err != nil {
				s.logger.Error("stop transition failed",
					slog.Int64("subtask_id", st.ID), slog.Any("error", err))
			}
		case model.StatusPending:
			if _, err := s.state.UpdateSubTaskStatus(ctx, taskID, st.ID, model.StatusStopped); err != nil {
				s.logger.Error("stop transition failed",
					slog.Int64("subtask_id", st.ID), slog.Any("error", err))
			}
		}
	}
	s.logger.Info("task stopped", slog.Int64("task_id", taskID))
}

// handleTaskDelete removes a task that is not running, dropping its cache
// entries; child rows cascade. A running task must be stopped first.
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDFromBody(w, r)
	if !ok {
		return
	}
	mu := s.lockTask(taskID)
	mu.Lock()
	defer mu.Unlock()
	ctx := r.Context()

	task, ok := s.getTask(w, ctx, taskID)
	if !ok {
		return
	}

	status, err := s.state.TaskStatus(ctx, task.ID)
	if err != nil {
		s.logger.Warn("live status unavailable, using stored status",
			slog.Int64("task_id", task.ID), slog.Any("error", err))
		status = task.Status
	}
	if status == model.StatusRunning {
		writeError(w, http.StatusConflict, "task is running; stop it before deleting")
		return
	}

	subtasks, err := s.store.ListSubTasks(ctx, task.ID)
	if err != nil {
		s.logger.Error("subtask list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subtask list failed")
		return
	}
	subtaskIDs := make([]int64, len(subtasks))
	for i := range subtasks {
		subtaskIDs[i] = subtasks[i].ID
	}

	if err := s.state.ForgetTask(ctx, task.ID, subtaskIDs); err != nil {
		s.logger.Warn("cache cleanup failed",
			slog.Int64("task_id", task.ID), slog.Any("error", err))
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		s.logger.Error("task delete failed",
			slog.Int64("task_id", task.ID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "task delete failed")
		return
	}
	s.ops.Delete(task.ID)

	s.logger.Info("task deleted", slog.Int64("task_id", task.ID))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task_id": task.ID})
}

type subtaskView struct {
	ID           int64  `json:"id"`
	ModelID      int64  `json:"model_id"`
	StreamID     *int64 `json:"stream_id,omitempty"`
	Status       int    `json:"status"`
	StatusName   string `json:"status_name"`
	NodeID       *int64 `json:"node_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

// handleTaskStatus reports the derived task status, the live counters,
// the active/total subtask counts and the per-subtask breakdown.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.taskIDFromBody(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	task, ok := s.getTask(w, ctx, taskID)
	if !ok {
		return
	}

	status, err := s.state.TaskStatus(ctx, taskID)
	if err != nil {
		s.logger.Warn("live status unavailable, using stored status",
			slog.Int64("task_id", taskID), slog.Any("error", err))
		status = task.Status
	}
	counters, err := s.state.Counters(ctx, taskID)
	if err != nil {
		counters = model.StatusCounters{}
	}

	subtasks, err := s.store.ListSubTasks(ctx, taskID)
	if err != nil {
		s.logger.Error("subtask list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subtask list failed")
		return
	}
	views := make([]subtaskView, 0, len(subtasks))
	for i := range subtasks {
		st := &subtasks[i]
		views = append(views, subtaskView{
			ID:           st.ID,
			ModelID:      st.ModelID,
			StreamID:     st.StreamID,
			Status:       int(st.Status),
			StatusName:   st.Status.String(),
			NodeID:       st.NodeID,
			ErrorMessage: st.ErrorMessage,
			RetryCount:   st.RetryCount,
		})
	}

	counterView := make(map[string]int, len(counters))
	for status, count := range counters {
		counterView[status.String()] = count
	}
	total := counters.Total()
	if total == 0 {
		total = len(subtasks)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":       task.ID,
		"name":          task.Name,
		"analysis_kind": task.Kind.String(),
		"status":        int(status),
		"status_name":   status.String(),
		"counters":      counterView,
		"active":        counters[model.StatusRunning],
		"total":         total,
		"error_message": task.ErrorMessage,
		"subtasks":      views,
	})
}

type createStreamRequest struct {
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	GroupIDs []int64 `json:"group_ids,omitempty"`
}

func (s *Server) handleStreamCreate(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "stream url is required")
		return
	}

	stream := &model.Stream{
		URL:      req.URL,
		Name:     req.Name,
		GroupIDs: req.GroupIDs,
	}
	id, err := s.store.CreateStream(r.Context(), stream)
	if err != nil {
		s.logger.Error("stream creation failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "stream creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"stream_id": id})
}
