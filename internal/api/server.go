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

// Package api is the controller's HTTP surface: task lifecycle, stream and
// model management, the worker HTTP callback and the live event stream.
// Invalid input is rejected with a 4xx before any database mutation.
package api

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/meek-vision/meek/internal/model"
	"github.com/meek-vision/meek/utils"
)

// Store is the slice of the SQL store the API reads and writes.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task, subtasks []model.SubTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	SetTaskError(ctx context.Context, id int64, msg string) error
	ListSubTasks(ctx context.Context, taskID int64) ([]model.SubTask, error)
	GetNode(ctx context.Context, id int64) (*model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	GetModelsByIDs(ctx context.Context, ids []int64) ([]model.Model, error)
	GetStreamsByIDs(ctx context.Context, ids []int64) ([]model.Stream, error)
	CreateStream(ctx context.Context, st *model.Stream) (int64, error)
}

// States is the state-manager surface the API drives.
type States interface {
	SeedTask(ctx context.Context, taskID int64, subtaskIDs []int64) error
	ForgetTask(ctx context.Context, taskID int64, subtaskIDs []int64) error
	UpdateSubTaskStatus(ctx context.Context, taskID, subtaskID int64, status model.SubTaskStatus) (model.SubTaskStatus, error)
	Counters(ctx context.Context, taskID int64) (model.StatusCounters, error)
	TaskStatus(ctx context.Context, taskID int64) (model.SubTaskStatus, error)
}

// Dispatch is the dispatcher surface the API drives.
type Dispatch interface {
	Dispatch(ctx context.Context, st *model.SubTask, preferredMAC string) error
	StopOnNode(ctx context.Context, st *model.SubTask, mac string) error
}

// ResultHandler consumes worker results delivered over the HTTP callback
// instead of the bus.
type ResultHandler interface {
	HandleResult(ctx context.Context, topic string, payload []byte)
}

// ModelSyncer triggers a marketplace catalog pull.
type ModelSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// EventStream upgrades a request into a live event session.
type EventStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server holds the handler dependencies.
type Server struct {
	store    Store
	state    States
	dispatch Dispatch
	results  ResultHandler
	syncer   ModelSyncer
	events   EventStream
	logger   *slog.Logger
	started  time.Time

	// One lock per task id so start, stop and delete serialize against
	// each other; individual status transitions have their own lock in
	// the state manager.
	ops *xsync.Map[int64, *sync.Mutex]
}

// NewServer creates the API server. syncer and events may be nil; their
// endpoints then answer 503.
func NewServer(st Store, state States, dispatch Dispatch, results ResultHandler, syncer ModelSyncer, events EventStream, logger *slog.Logger) *Server {
	return &Server{
		store:    st,
		state:    state,
		dispatch: dispatch,
		results:  results,
		syncer:   syncer,
		events:   events,
		logger:   logger,
		started:  time.Now(),
		ops:      xsync.NewMap[int64, *sync.Mutex](),
	}
}

func (s *Server) lockTask(taskID int64) *sync.Mutex {
	mu, _ := s.ops.LoadOrStore(taskID, &sync.Mutex{})
	return mu
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks/create", s.handleTaskCreate)
	mux.HandleFunc("POST /tasks/start", s.handleTaskStart)
	mux.HandleFunc("POST /tasks/stop", s.handleTaskStop)
	mux.HandleFunc("POST /tasks/delete", s.handleTaskDelete)
	mux.HandleFunc("POST /tasks/status", s.handleTaskStatus)
	mux.HandleFunc("POST /streams/create", s.handleStreamCreate)
	mux.HandleFunc("POST /models/sync", s.handleModelSync)
	mux.HandleFunc("GET /nodes", s.handleNodeList)
	mux.HandleFunc("POST /callback", s.handleCallback)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}
	s.events.ServeWS(w, r)
}

func (s *Server) handleModelSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "model sync not enabled")
		return
	}
	synced, err := s.syncer.Sync(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		s.logger.Error("node list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "node list failed")
		return
	}
	out := make([]nodeView, 0, len(nodes))
	for i := range nodes {
		out = append(out, newNodeView(&nodes[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// handleCallback accepts a worker result payload over HTTP for workers
// that cannot publish results on the bus.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body is not valid json")
		return
	}
	s.results.HandleResult(r.Context(), "callback", body)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

type nodeView struct {
	ID          int64    `json:"id"`
	MACAddress  string   `json:"mac_address"`
	Hostname    string   `json:"hostname"`
	Online      bool     `json:"is_online"`
	Active      bool     `json:"is_active"`
	TotalTasks  int      `json:"total_tasks"`
	MaxTasks    int      `json:"max_tasks"`
	CPUUsage    float64  `json:"cpu_usage"`
	MemoryUsage float64  `json:"memory_usage"`
	GPUUsage    float64  `json:"gpu_usage"`
	Capability  []string `json:"capabilities,omitempty"`
}

func newNodeView(n *model.Node) nodeView {
	return nodeView{
		ID:          n.ID,
		MACAddress:  n.MACAddress,
		Hostname:    n.Hostname,
		Online:      n.Online,
		Active:      n.Active,
		TotalTasks:  n.TotalTasks(),
		MaxTasks:    n.MaxTasks,
		CPUUsage:    n.CPUUsage,
		MemoryUsage: n.MemoryUsage,
		GPUUsage:    n.GPUUsage,
		Capability:  n.Capabilities,
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// FlagPointers holds pointers to flag values for the HTTP listener.
type FlagPointers struct {
	listenAddr *string
}

// RegisterFlags registers API-related command-line flags.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		listenAddr: flag.String("listen-addr",
			utils.GetEnv("MEEK_LISTEN_ADDR", ":8080"),
			"HTTP listen address"),
	}
}

// ListenAddr returns the configured listen address. Must be called after
// flag.Parse().
func (f *FlagPointers) ListenAddr() string {
	return *f.listenAddr
}
