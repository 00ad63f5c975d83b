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

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meek-vision/meek/internal/model"
)

const subtaskColumns = `id, task_id, analysis_kind, model_id, stream_id,
	source_urls, config, analysis_type, status, node_id, worker_task_id,
	started_at, completed_at, error_message, retry_count`

func scanSubTask(row pgx.Row) (*model.SubTask, error) {
	var st model.SubTask
	var kind, status int
	var urls, config []byte
	err := row.Scan(&st.ID, &st.TaskID, &kind, &st.ModelID, &st.StreamID,
		&urls, &config, &st.AnalysisType, &status, &st.NodeID, &st.WorkerTaskID,
		&st.StartedAt, &st.CompletedAt, &st.ErrorMessage, &st.RetryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan subtask: %w", err)
	}
	st.Kind = model.AnalysisKind(kind)
	st.Status = model.SubTaskStatus(status)
	if err := unmarshalInto(urls, &st.SourceURLs); err != nil {
		return nil, fmt.Errorf("store: decode subtask urls: %w", err)
	}
	if err := unmarshalInto(config, &st.Config); err != nil {
		return nil, fmt.Errorf("store: decode subtask config: %w", err)
	}
	return &st, nil
}

func collectSubTasks(rows pgx.Rows) ([]model.SubTask, error) {
	defer rows.Close()
	var out []model.SubTask
	for rows.Next() {
		st, err := scanSubTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetSubTask fetches one subtask row.
func (s *Store) GetSubTask(ctx context.Context, id int64) (*model.SubTask, error) {
	return scanSubTask(s.pool.QueryRow(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, id))
}

// GetSubTaskByWorkerID finds the subtask matching the opaque worker-side id.
func (s *Store) GetSubTaskByWorkerID(ctx context.Context, workerID string) (*model.SubTask, error) {
	return scanSubTask(s.pool.QueryRow(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE worker_task_id = $1`, workerID))
}

// ListSubTasks returns all subtasks of a task ordered by id.
func (s *Store) ListSubTasks(ctx context.Context, taskID int64) ([]model.SubTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list subtasks: %w", err)
	}
	return collectSubTasks(rows)
}

// ListRunningSubTasksByNode returns the running subtasks assigned to a node.
func (s *Store) ListRunningSubTasksByNode(ctx context.Context, nodeID int64) ([]model.SubTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE node_id = $1 AND status = 1 ORDER BY id`,
		nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: list running subtasks by node: %w", err)
	}
	return collectSubTasks(rows)
}

// ListPendingSubTasks returns up to limit pending subtasks, oldest first.
func (s *Store) ListPendingSubTasks(ctx context.Context, limit int) ([]model.SubTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE status = 0 ORDER BY id LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending subtasks: %w", err)
	}
	return collectSubTasks(rows)
}

// AssignSubTask records the node assignment and the worker-side id for a
// dispatched subtask. The status transition itself is the state manager's.
func (s *Store) AssignSubTask(ctx context.Context, id, nodeID int64, workerTaskID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET node_id = $2, worker_task_id = $3, updated_at = now()
		WHERE id = $1`,
		id, nodeID, workerTaskID)
	if err != nil {
		return fmt.Errorf("store: assign subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSubTaskAssignment releases the node assignment and worker-side id,
// recording why in the error field. Used when a subtask is reset to pending.
func (s *Store) ClearSubTaskAssignment(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET node_id = NULL, worker_task_id = '', error_message = $2,
			updated_at = now()
		WHERE id = $1`,
		id, reason)
	if err != nil {
		return fmt.Errorf("store: clear subtask assignment: %w", err)
	}
	return nil
}

// SetSubTaskError records the most recent subtask-level error message.
func (s *Store) SetSubTaskError(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subtasks SET error_message = $2, updated_at = now() WHERE id = $1`,
		id, msg)
	if err != nil {
		return fmt.Errorf("store: set subtask error: %w", err)
	}
	return nil
}

// SetSubTaskRetryCount persists the retry counter of a subtask.
func (s *Store) SetSubTaskRetryCount(ctx context.Context, id int64, count int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subtasks SET retry_count = $2, updated_at = now() WHERE id = $1`,
		id, count)
	if err != nil {
		return fmt.Errorf("store: set subtask retry count: %w", err)
	}
	return nil
}

// InsertSubTaskResult persists a worker result payload for a subtask whose
// parent task asked for results to be saved.
func (s *Store) InsertSubTaskResult(ctx context.Context, subtaskID, taskID int64, statusCode int, results []byte) error {
	if len(results) == 0 {
		results = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subtask_results (subtask_id, task_id, status_code, results)
		VALUES ($1, $2, $3, $4)`,
		subtaskID, taskID, statusCode, results)
	if err != nil {
		return fmt.Errorf("store: insert subtask result: %w", err)
	}
	return nil
}
