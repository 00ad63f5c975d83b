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
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meek-vision/meek/internal/model"
)

// CreateTask inserts the task, its model/stream associations and its fanned
// out subtasks in a single transaction. Returns the new task id with subtask
// ids filled in.
func (s *Store) CreateTask(ctx context.Context, t *model.Task, subtasks []model.SubTask) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin create task: %w", err)
	}
	defer tx.Rollback(ctx)

	urls, err := marshalJSON(t.SourceURLs, "[]")
	if err != nil {
		return 0, err
	}
	config, err := marshalJSON(t.Config, "{}")
	if err != nil {
		return 0, err
	}

	var taskID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (name, analysis_kind, source_urls, config, save_result,
			save_images, analysis_interval, status, total_subtasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		t.Name, int(t.Kind), urls, config, t.SaveResult,
		t.SaveImages, t.AnalysisInterval, int(model.StatusPending), len(subtasks),
	).Scan(&taskID)
	if err != nil {
		return 0, fmt.Errorf("store: insert task: %w", err)
	}

	for _, mid := range t.ModelIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_models (task_id, model_id) VALUES ($1, $2)`,
			taskID, mid); err != nil {
			return 0, fmt.Errorf("store: insert task model ref: %w", err)
		}
	}
	for _, sid := range t.StreamIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_streams (task_id, stream_id) VALUES ($1, $2)`,
			taskID, sid); err != nil {
			return 0, fmt.Errorf("store: insert task stream ref: %w", err)
		}
	}

	for i := range subtasks {
		st := &subtasks[i]
		st.TaskID = taskID
		stURLs, err := marshalJSON(st.SourceURLs, "[]")
		if err != nil {
			return 0, err
		}
		stConfig, err := marshalJSON(st.Config, "{}")
		if err != nil {
			return 0, err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO subtasks (task_id, analysis_kind, model_id, stream_id,
				source_urls, config, analysis_type, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			taskID, int(st.Kind), st.ModelID, st.StreamID,
			stURLs, stConfig, st.AnalysisType, int(model.StatusPending),
		).Scan(&st.ID)
		if err != nil {
			return 0, fmt.Errorf("store: insert subtask: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit create task: %w", err)
	}
	t.ID = taskID
	return taskID, nil
}

const taskColumns = `id, name, analysis_kind, source_urls, config, save_result,
	save_images, analysis_interval, status, active_subtasks, total_subtasks,
	error_message, created_at, updated_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var kind, status int
	var urls, config []byte
	err := row.Scan(&t.ID, &t.Name, &kind, &urls, &config, &t.SaveResult,
		&t.SaveImages, &t.AnalysisInterval, &status, &t.ActiveSubTasks,
		&t.TotalSubTasks, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.Kind = model.AnalysisKind(kind)
	t.Status = model.SubTaskStatus(status)
	if err := unmarshalInto(urls, &t.SourceURLs); err != nil {
		return nil, fmt.Errorf("store: decode task urls: %w", err)
	}
	if err := unmarshalInto(config, &t.Config); err != nil {
		return nil, fmt.Errorf("store: decode task config: %w", err)
	}
	return &t, nil
}

// GetTask fetches one task with its model and stream references.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT model_id FROM task_models WHERE task_id = $1 ORDER BY model_id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query task models: %w", err)
	}
	t.ModelIDs, err = collectIDs(rows)
	if err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT stream_id FROM task_streams WHERE task_id = $1 ORDER BY stream_id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query task streams: %w", err)
	}
	t.StreamIDs, err = collectIDs(rows)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTask removes the task row; subtasks, results and association rows
// cascade.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskError records the most recent task-level error message.
func (s *Store) SetTaskError(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET error_message = $2, updated_at = now() WHERE id = $1`,
		id, msg)
	if err != nil {
		return fmt.Errorf("store: set task error: %w", err)
	}
	return nil
}

// ApplyStatusBatch writes one flush of the state-manager batcher: every
// touched subtask status as an absolute value, the derived parent status,
// the active count and lifecycle timestamps, in a single transaction.
func (s *Store) ApplyStatusBatch(
	ctx context.Context,
	taskID int64,
	subtaskStatuses map[int64]model.SubTaskStatus,
	taskStatus model.SubTaskStatus,
	activeCount int,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin status batch: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for id, status := range subtaskStatuses {
		_, err := tx.Exec(ctx, `
			UPDATE subtasks SET
				status = $2,
				started_at = CASE WHEN $2 = 1 AND started_at IS NULL THEN $3 ELSE started_at END,
				completed_at = CASE WHEN $2 IN (2, 3, 4) AND completed_at IS NULL THEN $3 ELSE completed_at END,
				updated_at = $3
			WHERE id = $1`,
			id, int(status), now)
		if err != nil {
			return fmt.Errorf("store: batch update subtask %d: %w", id, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, active_subtasks = $3, updated_at = $4
		WHERE id = $1`,
		taskID, int(taskStatus), activeCount, now)
	if err != nil {
		return fmt.Errorf("store: batch update task %d: %w", taskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit status batch: %w", err)
	}
	return nil
}

// CountSubTaskStatuses rebuilds the per-status counter map of a task from
// its subtask rows. Used to synthesize the cache on a miss.
func (s *Store) CountSubTaskStatuses(ctx context.Context, taskID int64) (model.StatusCounters, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM subtasks WHERE task_id = $1 GROUP BY status`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("store: count subtask statuses: %w", err)
	}
	defer rows.Close()

	counters := model.StatusCounters{}
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: scan status count: %w", err)
		}
		counters[model.SubTaskStatus(status)] = count
	}
	return counters, rows.Err()
}
