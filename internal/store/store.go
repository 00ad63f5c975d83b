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

// Package store is the PostgreSQL persistence layer. It runs embedded
// migrations at startup and exposes typed queries over a pgx pool. The SQL
// rows are the single source of truth for entity identity, node assignment
// and lifecycle timestamps; consuming packages declare the narrow interfaces
// they need and this type satisfies all of them.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an existing pool and applies pending migrations.
func New(ctx context.Context, pool *pgxpool.Pool, dsn string, logger *slog.Logger) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	logger.Info("store migrations applied")
	return &Store{pool: pool, logger: logger}, nil
}

// runMigrations applies all pending up-migrations against dsn. Safe to call
// multiple times; ErrNoChange is treated as success.
func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// DSN to the pgx5:// scheme expected by
// golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

// marshalJSON encodes v for a JSONB column, mapping nil to the given empty
// literal so NOT NULL defaults hold.
func marshalJSON(v any, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json: %w", err)
	}
	return data, nil
}

func unmarshalInto[T any](data []byte, out *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
