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

package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meek-vision/meek/internal/model"
)

type fakeStreamStore struct {
	mu      sync.Mutex
	streams []model.Stream
	flips   map[int64]bool
}

func (f *fakeStreamStore) ListStreamsForRunningTasks(ctx context.Context) ([]model.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams, nil
}

func (f *fakeStreamStore) SetStreamOnline(ctx context.Context, id int64, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flips == nil {
		f.flips = map[int64]bool{}
	}
	f.flips[id] = online
	return nil
}

type fakeProber struct {
	mu    sync.Mutex
	down  map[string]bool
	seen  []string
	block time.Duration
}

func (f *fakeProber) Probe(ctx context.Context, url string) error {
	f.mu.Lock()
	f.seen = append(f.seen, url)
	down := f.down[url]
	block := f.block
	f.mu.Unlock()
	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if down {
		return errors.New("connection refused")
	}
	return nil
}

func TestCheckFlipsOnlyChangedStreams(t *testing.T) {
	st := &fakeStreamStore{streams: []model.Stream{
		{ID: 1, URL: "rtsp://cam/1", Online: true},  // still up: no flip
		{ID: 2, URL: "rtsp://cam/2", Online: true},  // went down: flip off
		{ID: 3, URL: "rtsp://cam/3", Online: false}, // came back: flip on
	}}
	prober := &fakeProber{down: map[string]bool{"rtsp://cam/2": true}}
	m := New(st, prober, 2, time.Second, slog.Default())

	m.Check(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.flips) != 2 {
		t.Fatalf("flips = %v, want exactly the changed streams", st.flips)
	}
	if online, ok := st.flips[2]; !ok || online {
		t.Errorf("stream 2 should flip offline, flips = %v", st.flips)
	}
	if online, ok := st.flips[3]; !ok || !online {
		t.Errorf("stream 3 should flip online, flips = %v", st.flips)
	}
}

func TestCheckProbesEveryStream(t *testing.T) {
	streams := []model.Stream{
		{ID: 1, URL: "rtsp://cam/1"},
		{ID: 2, URL: "rtsp://cam/2"},
		{ID: 3, URL: "rtsp://cam/3"},
		{ID: 4, URL: "rtsp://cam/4"},
	}
	st := &fakeStreamStore{streams: streams}
	prober := &fakeProber{}
	m := New(st, prober, 2, time.Second, slog.Default())

	m.Check(context.Background())

	prober.mu.Lock()
	defer prober.mu.Unlock()
	if len(prober.seen) != len(streams) {
		t.Errorf("probed %d streams, want %d", len(prober.seen), len(streams))
	}
}

func TestCheckProbeTimeoutMarksOffline(t *testing.T) {
	st := &fakeStreamStore{streams: []model.Stream{
		{ID: 1, URL: "rtsp://cam/slow", Online: true},
	}}
	prober := &fakeProber{block: time.Second}
	m := New(st, prober, 1, 20*time.Millisecond, slog.Default())

	m.Check(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	if online, ok := st.flips[1]; !ok || online {
		t.Errorf("timed-out probe should mark stream offline, flips = %v", st.flips)
	}
}

func TestCheckNoStreamsIsNoop(t *testing.T) {
	st := &fakeStreamStore{}
	prober := &fakeProber{}
	m := New(st, prober, 2, time.Second, slog.Default())
	m.Check(context.Background())
	if len(prober.seen) != 0 {
		t.Errorf("probed %v with no streams", prober.seen)
	}
}
