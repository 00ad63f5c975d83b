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

// Package registry is the single writer for worker node records. Connection
// announcements and heartbeats flow in through the message router; every
// other component reads nodes through the registry's snapshot cache instead
// of hitting SQL on the hot path.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meek-vision/meek/internal/bus"
	"github.com/meek-vision/meek/internal/messages"
	"github.com/meek-vision/meek/internal/model"
	"github.com/meek-vision/meek/internal/store"
)

// Store is the slice of the SQL store the registry writes through.
type Store interface {
	GetNodeByMAC(ctx context.Context, mac string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	UpsertNodeOnline(ctx context.Context, n *model.Node, resetCounters bool) (int64, error)
	MarkNodeOffline(ctx context.Context, mac string) error
	UpdateNodeHeartbeat(ctx context.Context, mac string, cpu, mem, gpu float64, taskCount, maxTasks int, active bool) error
	AdjustNodeTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error
}

// DefaultCacheTTL bounds how stale the node snapshot may get between
// refreshes when no mutation invalidates it earlier.
const DefaultCacheTTL = 30 * time.Second

// Registry owns node lifecycle writes and serves cached node reads.
type Registry struct {
	store    Store
	topics   bus.Topics
	logger   *slog.Logger
	cacheTTL time.Duration

	mu        sync.RWMutex
	snapshot  []model.Node
	byMAC     map[string]*model.Node
	fetchedAt time.Time
}

// New creates a registry over the given store.
func New(st Store, topics bus.Topics, cacheTTL time.Duration, logger *slog.Logger) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Registry{
		store:    st,
		topics:   topics,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// Register wires the registry's handlers into the message router.
func (r *Registry) Register(router *bus.Router) {
	router.Register(r.topics.Connection(), r.HandleConnection)
	router.Register(r.topics.StatusPattern(), r.HandleHeartbeat)
}

// HandleConnection processes an online/offline announcement from the
// retained connection topic or a broker last-will.
func (r *Registry) HandleConnection(ctx context.Context, topic string, payload []byte) {
	var conn messages.Connection
	if err := messages.Decode(payload, &conn); err != nil {
		r.logger.Warn("malformed connection announcement",
			slog.String("topic", topic), slog.Any("error", err))
		return
	}
	if conn.MACAddress == "" {
		r.logger.Warn("connection announcement without mac address",
			slog.String("topic", topic))
		return
	}

	switch conn.Status {
	case messages.ConnStatusOnline:
		r.handleOnline(ctx, &conn)
	case messages.ConnStatusOffline:
		r.handleOffline(ctx, &conn)
	default:
		r.logger.Warn("unknown connection status",
			slog.String("mac", conn.MACAddress),
			slog.String("status", conn.Status))
	}
}

func (r *Registry) handleOnline(ctx context.Context, conn *messages.Connection) {
	existing, err := r.store.GetNodeByMAC(ctx, conn.MACAddress)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("node lookup failed",
			slog.String("mac", conn.MACAddress), slog.Any("error", err))
		return
	}

	// A changed client id means the worker process restarted: whatever it
	// was running is gone, so the per-kind counters start from zero.
	resetCounters := existing != nil &&
		existing.ClientID != "" && existing.ClientID != conn.ClientID

	n := &model.Node{
		MACAddress:   conn.MACAddress,
		ClientID:     conn.ClientID,
		Hostname:     conn.Metadata.Hostname,
		IPAddress:    conn.Metadata.IP,
		Port:         conn.Metadata.Port,
		Capabilities: conn.Metadata.Capabilities,
		MaxTasks:     conn.Metadata.MaxTasks,
		Weight:       1.0,
	}
	if existing != nil {
		n.Weight = existing.Weight
	}

	id, err := r.store.UpsertNodeOnline(ctx, n, resetCounters)
	if err != nil {
		r.logger.Error("node online upsert failed",
			slog.String("mac", conn.MACAddress), slog.Any("error", err))
		return
	}
	r.Invalidate()
	r.logger.Info("node online",
		slog.String("mac", conn.MACAddress),
		slog.Int64("node_id", id),
		slog.String("client_id", conn.ClientID),
		slog.Bool("counters_reset", resetCounters))
}

func (r *Registry) handleOffline(ctx context.Context, conn *messages.Connection) {
	if err := r.store.MarkNodeOffline(ctx, conn.MACAddress); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("offline announcement for unknown node",
				slog.String("mac", conn.MACAddress))
			return
		}
		r.logger.Error("node offline update failed",
			slog.String("mac", conn.MACAddress), slog.Any("error", err))
		return
	}
	r.Invalidate()
	r.logger.Info("node offline", slog.String("mac", conn.MACAddress))
}

// HandleHeartbeat processes a periodic node status message. A heartbeat
// from a MAC the registry has never seen synthesizes a node record rather
// than being dropped.
func (r *Registry) HandleHeartbeat(ctx context.Context, topic string, payload []byte) {
	var hb messages.Heartbeat
	if err := messages.Decode(payload, &hb); err != nil {
		r.logger.Warn("malformed heartbeat",
			slog.String("topic", topic), slog.Any("error", err))
		return
	}
	mac := hb.MACAddress
	if mac == "" {
		mac = r.topics.NodeMAC(topic)
	}
	if mac == "" {
		r.logger.Warn("heartbeat without mac address", slog.String("topic", topic))
		return
	}

	err := r.store.UpdateNodeHeartbeat(ctx, mac,
		hb.CPUUsage, hb.MemoryUsage, hb.GPUUsage, hb.TaskCount, hb.MaxTasks, hb.IsActive)
	if errors.Is(err, store.ErrNotFound) {
		n := &model.Node{
			MACAddress: mac,
			ClientID:   hb.ClientID,
			MaxTasks:   hb.MaxTasks,
			Weight:     1.0,
		}
		if _, err := r.store.UpsertNodeOnline(ctx, n, false); err != nil {
			r.logger.Error("node synthesis from heartbeat failed",
				slog.String("mac", mac), slog.Any("error", err))
			return
		}
		r.Invalidate()
		r.logger.Info("node synthesized from heartbeat", slog.String("mac", mac))
		return
	}
	if err != nil {
		r.logger.Error("heartbeat update failed",
			slog.String("mac", mac), slog.Any("error", err))
	}
}

// Snapshot returns the cached node list, refreshing it from SQL when the
// TTL has lapsed or a mutation invalidated it.
func (r *Registry) Snapshot(ctx context.Context) ([]model.Node, error) {
	r.mu.RLock()
	if r.snapshot != nil && time.Since(r.fetchedAt) < r.cacheTTL {
		nodes := r.snapshot
		r.mu.RUnlock()
		return nodes, nil
	}
	r.mu.RUnlock()
	return r.refresh(ctx)
}

func (r *Registry) refresh(ctx context.Context) ([]model.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	byMAC := make(map[string]*model.Node, len(nodes))
	for i := range nodes {
		byMAC[nodes[i].MACAddress] = &nodes[i]
	}
	r.mu.Lock()
	r.snapshot = nodes
	r.byMAC = byMAC
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nodes, nil
}

// AvailableNodes returns the cached nodes currently eligible for dispatch.
func (r *Registry) AvailableNodes(ctx context.Context) ([]model.Node, error) {
	nodes, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Node
	for _, n := range nodes {
		if n.Available() {
			out = append(out, n)
		}
	}
	return out, nil
}

// NodeByMAC returns the cached node with the given MAC, or ErrNotFound.
func (r *Registry) NodeByMAC(ctx context.Context, mac string) (*model.Node, error) {
	if _, err := r.Snapshot(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byMAC[mac]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// AdjustTaskCount moves a node's per-kind running counter and invalidates
// the snapshot so the next read sees it.
func (r *Registry) AdjustTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error {
	if err := r.store.AdjustNodeTaskCount(ctx, nodeID, kind, delta); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// MarkOffline flips a node offline on behalf of the health tracker.
func (r *Registry) MarkOffline(ctx context.Context, mac string) error {
	if err := r.store.MarkNodeOffline(ctx, mac); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Invalidate forces the next read to refresh from SQL.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.byMAC = nil
	r.mu.Unlock()
}
