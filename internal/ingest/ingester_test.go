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

package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/meek-vision/meek/internal/bus"
	"github.com/meek-vision/meek/internal/messages"
	"github.com/meek-vision/meek/internal/model"
	"github.com/meek-vision/meek/internal/store"
)

type fakeResultStore struct {
	mu       sync.Mutex
	byWorker map[string]*model.SubTask
	tasks    map[int64]*model.Task

	errors  map[int64]string
	results []savedResult
}

type savedResult struct {
	subtaskID  int64
	taskID     int64
	statusCode int
	results    []byte
}

func (f *fakeResultStore) GetSubTaskByWorkerID(ctx context.Context, workerID string) (*model.SubTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.byWorker[workerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeResultStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeResultStore) SetSubTaskError(ctx context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errors == nil {
		f.errors = map[int64]string{}
	}
	f.errors[id] = msg
	return nil
}

func (f *fakeResultStore) InsertSubTaskResult(ctx context.Context, subtaskID, taskID int64, statusCode int, results []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, savedResult{subtaskID, taskID, statusCode, results})
	return nil
}

type fakeCapacity struct {
	mu       sync.Mutex
	adjusted map[int64]int
}

func (f *fakeCapacity) AdjustTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adjusted == nil {
		f.adjusted = map[int64]int{}
	}
	f.adjusted[nodeID] += delta
	return nil
}

type fakeStatusState struct {
	mu          sync.Mutex
	statuses    map[int64]model.SubTaskStatus
	transitions []model.SubTaskStatus
}

func (f *fakeStatusState) UpdateSubTaskStatus(ctx context.Context, taskID, subtaskID int64, status model.SubTaskStatus) (model.SubTaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[subtaskID] = status
	f.transitions = append(f.transitions, status)
	return status, nil
}

func (f *fakeStatusState) SubTaskStatus(ctx context.Context, taskID, subtaskID int64) (model.SubTaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[subtaskID], nil
}

type fakeNoter struct {
	mu    sync.Mutex
	noted []string
}

func (f *fakeNoter) NoteResult(workerSubTaskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noted = append(f.noted, workerSubTaskID)
}

type ingestFixture struct {
	store *fakeResultStore
	nodes *fakeCapacity
	state *fakeStatusState
	noter *fakeNoter
	in    *Ingester
}

func newIngestFixture() *ingestFixture {
	nodeID := int64(3)
	st := &fakeResultStore{
		byWorker: map[string]*model.SubTask{
			"42": {ID: 42, TaskID: 1, Kind: model.AnalysisStream, NodeID: &nodeID, WorkerTaskID: "42"},
		},
		tasks: map[int64]*model.Task{
			1: {ID: 1, SaveResult: true},
		},
	}
	state := &fakeStatusState{statuses: map[int64]model.SubTaskStatus{42: model.StatusRunning}}
	nodes := &fakeCapacity{}
	noter := &fakeNoter{}
	in := New(st, nodes, state, noter, bus.NewTopics("meek/"), slog.Default())
	return &ingestFixture{store: st, nodes: nodes, state: state, noter: noter, in: in}
}

func resultPayload(t *testing.T, r messages.Result) []byte {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestHandleResultCompleted(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{
		TaskID:     "1",
		SubTaskID:  "42",
		Status:     messages.ResultCompleted,
		StatusCode: 3,
		Results:    json.RawMessage(`[{"label":"person"}]`),
	})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if f.state.statuses[42] != model.StatusCompleted {
		t.Errorf("status = %v, want completed", f.state.statuses[42])
	}
	if len(f.store.results) != 1 {
		t.Fatalf("saved results = %d, want 1", len(f.store.results))
	}
	saved := f.store.results[0]
	if saved.subtaskID != 42 || saved.taskID != 1 || saved.statusCode != 3 {
		t.Errorf("saved = %+v", saved)
	}
	if f.nodes.adjusted[3] != -1 {
		t.Errorf("node counter delta = %d, want -1", f.nodes.adjusted[3])
	}
	if len(f.noter.noted) != 1 || f.noter.noted[0] != "42" {
		t.Errorf("noted = %v", f.noter.noted)
	}
}

func TestHandleResultFailedRecordsError(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{
		SubTaskID:    "42",
		Status:       messages.ResultFailed,
		ErrorMessage: "decoder crashed",
	})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if f.state.statuses[42] != model.StatusError {
		t.Errorf("status = %v, want error", f.state.statuses[42])
	}
	if f.store.errors[42] != "decoder crashed" {
		t.Errorf("error message = %q", f.store.errors[42])
	}
	if len(f.store.results) != 0 {
		t.Errorf("failure without results should save nothing, got %d", len(f.store.results))
	}
}

func TestHandleResultProcessingPromotesPending(t *testing.T) {
	f := newIngestFixture()
	f.state.statuses[42] = model.StatusPending
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{SubTaskID: "42", Status: messages.ResultProcessing})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if f.state.statuses[42] != model.StatusRunning {
		t.Errorf("status = %v, want running", f.state.statuses[42])
	}
}

func TestHandleResultProcessingNoopWhenRunning(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{SubTaskID: "42", Status: messages.ResultProcessing})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if len(f.state.transitions) != 0 {
		t.Errorf("progress on a running subtask caused transitions: %v", f.state.transitions)
	}
}

func TestHandleResultDuplicateTerminalIgnored(t *testing.T) {
	f := newIngestFixture()
	f.state.statuses[42] = model.StatusCompleted
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{
		SubTaskID: "42",
		Status:    messages.ResultCompleted,
		Results:   json.RawMessage(`[]`),
	})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if len(f.state.transitions) != 0 {
		t.Errorf("duplicate terminal caused transitions: %v", f.state.transitions)
	}
	if f.nodes.adjusted[3] != 0 {
		t.Errorf("duplicate terminal released capacity: %d", f.nodes.adjusted[3])
	}
}

func TestHandleResultSkipsSaveWhenDisabled(t *testing.T) {
	f := newIngestFixture()
	f.store.tasks[1].SaveResult = false
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{
		SubTaskID: "42",
		Status:    messages.ResultCompleted,
		Results:   json.RawMessage(`[{"label":"car"}]`),
	})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if len(f.store.results) != 0 {
		t.Errorf("results saved despite save_result=false: %d", len(f.store.results))
	}
}

func TestHandleResultUnknownSubTask(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	payload := resultPayload(t, messages.Result{SubTaskID: "999", Status: messages.ResultCompleted})
	f.in.HandleResult(ctx, "meek/aa:bb/result", payload)

	if len(f.state.transitions) != 0 {
		t.Errorf("unknown subtask caused transitions: %v", f.state.transitions)
	}
	// The noter still sees it: implicit acceptance is keyed worker-side.
	if len(f.noter.noted) != 1 {
		t.Errorf("noted = %v", f.noter.noted)
	}
}

func TestHandleResultMalformed(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	f.in.HandleResult(ctx, "meek/aa:bb/result", []byte("not json"))
	f.in.HandleResult(ctx, "meek/aa:bb/result", resultPayload(t, messages.Result{Status: messages.ResultCompleted}))

	if len(f.state.transitions) != 0 {
		t.Errorf("malformed results caused transitions: %v", f.state.transitions)
	}
}
