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

// CreateStream registers a new video stream.
func (s *Store) CreateStream(ctx context.Context, st *model.Stream) (int64, error) {
	groups, err := marshalJSON(st.GroupIDs, "[]")
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO streams (url, name, group_ids) VALUES ($1, $2, $3)
		RETURNING id`,
		st.URL, st.Name, groups,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create stream: %w", err)
	}
	st.ID = id
	return id, nil
}

func scanStream(row pgx.Row) (*model.Stream, error) {
	var st model.Stream
	var groups []byte
	err := row.Scan(&st.ID, &st.URL, &st.Name, &st.Online, &groups)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan stream: %w", err)
	}
	if err := unmarshalInto(groups, &st.GroupIDs); err != nil {
		return nil, fmt.Errorf("store: decode stream groups: %w", err)
	}
	return &st, nil
}

// GetStream fetches one stream by id.
func (s *Store) GetStream(ctx context.Context, id int64) (*model.Stream, error) {
	return scanStream(s.pool.QueryRow(ctx,
		`SELECT id, url, name, is_online, group_ids FROM streams WHERE id = $1`, id))
}

// GetStreamsByIDs fetches the given streams, erroring if any id is unknown.
func (s *Store) GetStreamsByIDs(ctx context.Context, ids []int64) ([]model.Stream, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, name, is_online, group_ids FROM streams WHERE id = ANY($1) ORDER BY id`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("store: get streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != len(ids) {
		return nil, ErrNotFound
	}
	return out, nil
}

// ListStreamsForRunningTasks returns the streams referenced by at least one
// running or pending task. Streams nothing references are not probed.
func (s *Store) ListStreamsForRunningTasks(ctx context.Context) ([]model.Stream, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (st.id) st.id, st.url, st.name, st.is_online, st.group_ids
		FROM streams st
		JOIN task_streams ts ON ts.stream_id = st.id
		JOIN tasks t ON t.id = ts.task_id AND t.status IN (0, 1)
		ORDER BY st.id`)
	if err != nil {
		return nil, fmt.Errorf("store: list streams for running tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// SetStreamOnline flips the online flag of a stream.
func (s *Store) SetStreamOnline(ctx context.Context, id int64, online bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE streams SET is_online = $2, updated_at = now() WHERE id = $1`,
		id, online)
	if err != nil {
		return fmt.Errorf("store: set stream online: %w", err)
	}
	return nil
}
