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

// UpsertModel creates or refreshes a model record keyed by its unique code.
func (s *Store) UpsertModel(ctx context.Context, m *model.Model) (int64, error) {
	classNames, err := marshalJSON(m.ClassNames, "{}")
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO models (code, version, class_count, class_names)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			version = EXCLUDED.version,
			class_count = EXCLUDED.class_count,
			class_names = EXCLUDED.class_names,
			updated_at = now()
		RETURNING id`,
		m.Code, m.Version, m.ClassCount, classNames,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert model: %w", err)
	}
	m.ID = id
	return id, nil
}

func scanModel(row pgx.Row) (*model.Model, error) {
	var m model.Model
	var classNames []byte
	err := row.Scan(&m.ID, &m.Code, &m.Version, &m.ClassCount, &classNames)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan model: %w", err)
	}
	if err := unmarshalInto(classNames, &m.ClassNames); err != nil {
		return nil, fmt.Errorf("store: decode model class names: %w", err)
	}
	return &m, nil
}

// GetModel fetches one model by id.
func (s *Store) GetModel(ctx context.Context, id int64) (*model.Model, error) {
	return scanModel(s.pool.QueryRow(ctx,
		`SELECT id, code, version, class_count, class_names FROM models WHERE id = $1`, id))
}

// GetModelsByIDs fetches the given models, erroring if any id is unknown.
func (s *Store) GetModelsByIDs(ctx context.Context, ids []int64) ([]model.Model, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, code, version, class_count, class_names FROM models WHERE id = ANY($1) ORDER BY id`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("store: get models: %w", err)
	}
	defer rows.Close()

	var out []model.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != len(ids) {
		return nil, ErrNotFound
	}
	return out, nil
}
