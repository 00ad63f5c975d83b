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

const nodeColumns = `id, mac_address, client_id, hostname, ip_address, port,
	capabilities, is_online, is_active, last_heartbeat, offline_at,
	needs_transfer, image_task_count, video_task_count, stream_task_count,
	max_tasks, weight, cpu_usage, memory_usage, gpu_usage`

func scanNode(row pgx.Row) (*model.Node, error) {
	var n model.Node
	var caps []byte
	var lastHeartbeat *time.Time
	var imageCount, videoCount, streamCount int
	err := row.Scan(&n.ID, &n.MACAddress, &n.ClientID, &n.Hostname, &n.IPAddress,
		&n.Port, &caps, &n.Online, &n.Active, &lastHeartbeat, &n.OfflineAt,
		&n.NeedsTransfer, &imageCount, &videoCount, &streamCount,
		&n.MaxTasks, &n.Weight, &n.CPUUsage, &n.MemoryUsage, &n.GPUUsage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan node: %w", err)
	}
	if lastHeartbeat != nil {
		n.LastHeartbeat = *lastHeartbeat
	}
	if err := unmarshalInto(caps, &n.Capabilities); err != nil {
		return nil, fmt.Errorf("store: decode node capabilities: %w", err)
	}
	n.TaskCounts = map[model.AnalysisKind]int{
		model.AnalysisImage:  imageCount,
		model.AnalysisVideo:  videoCount,
		model.AnalysisStream: streamCount,
	}
	return &n, nil
}

// GetNode fetches one node by id.
func (s *Store) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	return scanNode(s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
}

// GetNodeByMAC fetches one node by MAC address.
func (s *Store) GetNodeByMAC(ctx context.Context, mac string) (*model.Node, error) {
	return scanNode(s.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE mac_address = $1`, mac))
}

// ListNodes returns every known node.
func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UpsertNodeOnline creates or refreshes a node record from a connect
// announcement, marking it online. When resetCounters is set (the worker
// restarted under a new client id) the per-kind counters are zeroed.
func (s *Store) UpsertNodeOnline(ctx context.Context, n *model.Node, resetCounters bool) (int64, error) {
	caps, err := marshalJSON(n.Capabilities, "[]")
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO nodes (mac_address, client_id, hostname, ip_address, port,
			capabilities, is_online, last_heartbeat, offline_at, needs_transfer,
			max_tasks, weight)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, now(), NULL, FALSE, $7, $8)
		ON CONFLICT (mac_address) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			port = EXCLUDED.port,
			capabilities = EXCLUDED.capabilities,
			is_online = TRUE,
			last_heartbeat = now(),
			offline_at = NULL,
			needs_transfer = FALSE,
			max_tasks = EXCLUDED.max_tasks,
			image_task_count = CASE WHEN $9 THEN 0 ELSE nodes.image_task_count END,
			video_task_count = CASE WHEN $9 THEN 0 ELSE nodes.video_task_count END,
			stream_task_count = CASE WHEN $9 THEN 0 ELSE nodes.stream_task_count END,
			updated_at = now()
		RETURNING id`,
		n.MACAddress, n.ClientID, n.Hostname, n.IPAddress, n.Port,
		caps, n.MaxTasks, n.Weight, resetCounters,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert node online: %w", err)
	}
	return id, nil
}

// MarkNodeOffline flips a node offline, stamps the offline time and flags
// its running work for transfer. Running subtask rows stay untouched; the
// health tracker migrates them.
func (s *Store) MarkNodeOffline(ctx context.Context, mac string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET is_online = FALSE, offline_at = now(),
			needs_transfer = TRUE, updated_at = now()
		WHERE mac_address = $1`,
		mac)
	if err != nil {
		return fmt.Errorf("store: mark node offline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNodeHeartbeat refreshes the liveness timestamp and resource gauges
// of a node. When the task count the node reports disagrees with the stored
// per-kind counters, the counters are recounted from the running subtask
// rows so dispatch drift (a lost decrement, a missed increment) heals on
// the next heartbeat. Returns ErrNotFound for an unknown MAC so the
// registry can synthesize a record.
func (s *Store) UpdateNodeHeartbeat(
	ctx context.Context,
	mac string,
	cpu, mem, gpu float64,
	taskCount, maxTasks int,
	active bool,
) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET last_heartbeat = now(), is_online = TRUE,
			cpu_usage = $2, memory_usage = $3, gpu_usage = $4,
			max_tasks = $5, is_active = $6,
			image_task_count = CASE
				WHEN $7 = image_task_count + video_task_count + stream_task_count
				THEN image_task_count
				ELSE (SELECT count(*) FROM subtasks st
					WHERE st.node_id = nodes.id AND st.status = 1 AND st.analysis_kind = 1) END,
			video_task_count = CASE
				WHEN $7 = image_task_count + video_task_count + stream_task_count
				THEN video_task_count
				ELSE (SELECT count(*) FROM subtasks st
					WHERE st.node_id = nodes.id AND st.status = 1 AND st.analysis_kind = 2) END,
			stream_task_count = CASE
				WHEN $7 = image_task_count + video_task_count + stream_task_count
				THEN stream_task_count
				ELSE (SELECT count(*) FROM subtasks st
					WHERE st.node_id = nodes.id AND st.status = 1 AND st.analysis_kind = 3) END,
			updated_at = now()
		WHERE mac_address = $1`,
		mac, cpu, mem, gpu, maxTasks, active, taskCount)
	if err != nil {
		return fmt.Errorf("store: update node heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var kindColumn = map[model.AnalysisKind]string{
	model.AnalysisImage:  "image_task_count",
	model.AnalysisVideo:  "video_task_count",
	model.AnalysisStream: "stream_task_count",
}

// AdjustNodeTaskCount adds delta to a node's per-kind running counter,
// clamping at zero.
func (s *Store) AdjustNodeTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error {
	col, ok := kindColumn[kind]
	if !ok {
		return fmt.Errorf("store: unknown analysis kind %d", kind)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE nodes SET %s = GREATEST(%s + $2, 0), updated_at = now()
		WHERE id = $1`, col, col),
		nodeID, delta)
	if err != nil {
		return fmt.Errorf("store: adjust node task count: %w", err)
	}
	return nil
}

// ListStaleOnlineNodes returns nodes still marked online whose last
// heartbeat is older than the cutoff.
func (s *Store) ListStaleOnlineNodes(ctx context.Context, cutoff time.Time) ([]model.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE is_online = TRUE AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list stale online nodes: %w", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// ListOfflineNodesNeedingTransfer returns offline nodes that still have
// running subtasks rowed to them.
func (s *Store) ListOfflineNodesNeedingTransfer(ctx context.Context) ([]model.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (n.id) `+prefixedNodeColumns("n")+`
		FROM nodes n
		JOIN subtasks st ON st.node_id = n.id AND st.status = 1
		WHERE n.is_online = FALSE
		ORDER BY n.id`)
	if err != nil {
		return nil, fmt.Errorf("store: list offline nodes needing transfer: %w", err)
	}
	defer rows.Close()

	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func prefixedNodeColumns(alias string) string {
	return alias + `.id, ` + alias + `.mac_address, ` + alias + `.client_id, ` +
		alias + `.hostname, ` + alias + `.ip_address, ` + alias + `.port, ` +
		alias + `.capabilities, ` + alias + `.is_online, ` + alias + `.is_active, ` +
		alias + `.last_heartbeat, ` + alias + `.offline_at, ` + alias + `.needs_transfer, ` +
		alias + `.image_task_count, ` + alias + `.video_task_count, ` +
		alias + `.stream_task_count, ` + alias + `.max_tasks, ` + alias + `.weight, ` +
		alias + `.cpu_usage, ` + alias + `.memory_usage, ` + alias + `.gpu_usage`
}
