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

// Package monitor probes the reachability of video streams referenced by
// running tasks and keeps the streams' online flag current.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meek-vision/meek/internal/model"
)

// DefaultWorkers bounds concurrent probes per cycle.
const DefaultWorkers = 5

// DefaultProbeTimeout bounds one probe attempt.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks whether one stream URL is reachable.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Store is the slice of the SQL store the monitor needs.
type Store interface {
	ListStreamsForRunningTasks(ctx context.Context) ([]model.Stream, error)
	SetStreamOnline(ctx context.Context, id int64, online bool) error
}

// Monitor runs the periodic stream reachability cycle.
type Monitor struct {
	store   Store
	prober  Prober
	logger  *slog.Logger
	workers int
	timeout time.Duration
}

// New creates a monitor. A nil prober gets the default network prober.
func New(st Store, prober Prober, workers int, timeout time.Duration, logger *slog.Logger) *Monitor {
	if prober == nil {
		prober = NewNetProber()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Monitor{
		store:   st,
		prober:  prober,
		logger:  logger,
		workers: workers,
		timeout: timeout,
	}
}

// Check probes every stream a running task references, with bounded
// concurrency, and flips the online flag on state changes. Scheduled from
// the periodic job surface.
func (m *Monitor) Check(ctx context.Context) {
	streams, err := m.store.ListStreamsForRunningTasks(ctx)
	if err != nil {
		m.logger.Error("stream scan failed", slog.Any("error", err))
		return
	}
	if len(streams) == 0 {
		return
	}

	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for i := range streams {
		stream := streams[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.checkOne(ctx, &stream)
		}()
	}
	wg.Wait()
}

func (m *Monitor) checkOne(ctx context.Context, stream *model.Stream) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx, stream.URL)
	online := err == nil
	if online == stream.Online {
		return
	}

	if err := m.store.SetStreamOnline(ctx, stream.ID, online); err != nil {
		m.logger.Error("stream flag update failed",
			slog.Int64("stream_id", stream.ID), slog.Any("error", err))
		return
	}
	if online {
		m.logger.Info("stream back online",
			slog.Int64("stream_id", stream.ID),
			slog.String("name", stream.Name))
	} else {
		m.logger.Warn("stream unreachable",
			slog.Int64("stream_id", stream.ID),
			slog.String("name", stream.Name),
			slog.Any("error", err))
	}
}
