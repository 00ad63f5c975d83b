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

// Package dispatch selects a worker node for each subtask, delivers the
// start command over the bus and confirms acceptance. Rejected and
// unconfirmed dispatches are rescheduled through a backoff retry queue
// until the retry cap marks the subtask failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/meek-vision/meek/internal/bus"
	"github.com/meek-vision/meek/internal/messages"
	"github.com/meek-vision/meek/internal/model"
)

// ErrNoCapacity is returned when no available node can accept the subtask.
var ErrNoCapacity = errors.New("dispatch: no node with free capacity")

// ErrRejected is returned when the selected node explicitly refused the
// start command.
var ErrRejected = errors.New("dispatch: node rejected command")

// ErrReplyTimeout is returned when no node reply arrived within the
// confirmation window across all attempts.
var ErrReplyTimeout = errors.New("dispatch: node reply timeout")

// exceededRetriesMsg is persisted on subtasks that ran out of retries.
const exceededRetriesMsg = "exceeded dispatch retries"

// Node scoring weights: free resources, free task slots, operator weight.
const (
	weightResource = 0.4
	weightBalance  = 0.4
	weightNode     = 0.2
)

// Store is the slice of the SQL store the dispatcher needs.
type Store interface {
	GetSubTask(ctx context.Context, id int64) (*model.SubTask, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	GetModel(ctx context.Context, id int64) (*model.Model, error)
	AssignSubTask(ctx context.Context, id, nodeID int64, workerTaskID string) error
	SetSubTaskError(ctx context.Context, id int64, msg string) error
	SetSubTaskRetryCount(ctx context.Context, id int64, count int) error
	ListPendingSubTasks(ctx context.Context, limit int) ([]model.SubTask, error)
}

// Nodes is the registry surface the dispatcher selects from.
type Nodes interface {
	AvailableNodes(ctx context.Context) ([]model.Node, error)
	NodeByMAC(ctx context.Context, mac string) (*model.Node, error)
	AdjustTaskCount(ctx context.Context, nodeID int64, kind model.AnalysisKind, delta int) error
}

// States is the state-manager surface the dispatcher transitions through.
type States interface {
	UpdateSubTaskStatus(ctx context.Context, taskID, subtaskID int64, status model.SubTaskStatus) (model.SubTaskStatus, error)
}

// Publisher sends command envelopes to the worker fleet.
type Publisher interface {
	PublishJSON(topic string, v any, qos byte, retain bool) error
}

// Config tunes the confirmation wait and retry behavior.
type Config struct {
	ReplyTimeout time.Duration // per-attempt confirmation wait
	Attempts     int           // publish attempts per dispatch
	AttemptGap   time.Duration // pause between attempts
	MaxRetries   int           // retry-queue cap before failing the subtask
}

// DefaultConfig returns the standard dispatch tuning.
func DefaultConfig() Config {
	return Config{
		ReplyTimeout: 10 * time.Second,
		Attempts:     3,
		AttemptGap:   time.Second,
		MaxRetries:   DefaultMaxRetries,
	}
}

// Dispatcher assigns subtasks to nodes and confirms command delivery.
type Dispatcher struct {
	cfg     Config
	store   Store
	nodes   Nodes
	state   States
	pub     Publisher
	topics  bus.Topics
	retry   *RetryQueue
	pending *pendingReplies
	logger  *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config, st Store, nodes Nodes, state States, pub Publisher, topics bus.Topics, retry *RetryQueue, logger *slog.Logger) *Dispatcher {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.AttemptGap <= 0 {
		cfg.AttemptGap = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   st,
		nodes:   nodes,
		state:   state,
		pub:     pub,
		topics:  topics,
		retry:   retry,
		pending: newPendingReplies(),
		logger:  logger,
	}
}

// Register wires the dispatcher's reply handler into the message router.
func (d *Dispatcher) Register(router *bus.Router) {
	router.Register(d.topics.ConfigReply(), d.HandleReply)
}

// Score rates a node for new work: higher is better. Utilization gauges a
// node never reported count as fully free.
func Score(n *model.Node) float64 {
	util := (n.CPUUsage + n.MemoryUsage + n.GPUUsage) / 3.0 / 100.0
	if util < 0 {
		util = 0
	}
	if util > 1 {
		util = 1
	}
	var load float64
	if n.MaxTasks > 0 {
		load = float64(n.TotalTasks()) / float64(n.MaxTasks)
		if load > 1 {
			load = 1
		}
	}
	return weightResource*(1-util) + weightBalance*(1-load) + weightNode*n.Weight
}

// selectNode picks the target node: a viable preferred node short-circuits
// scoring, otherwise the best-scored available node wins.
func (d *Dispatcher) selectNode(ctx context.Context, preferredMAC string) (*model.Node, error) {
	if preferredMAC != "" {
		n, err := d.nodes.NodeByMAC(ctx, preferredMAC)
		if err == nil && n.Available() {
			return n, nil
		}
	}
	candidates, err := d.nodes.AvailableNodes(ctx)
	if err != nil {
		return nil, err
	}
	var best *model.Node
	var bestScore float64
	for i := range candidates {
		s := Score(&candidates[i])
		if best == nil || s > bestScore {
			best = &candidates[i]
			bestScore = s
		}
	}
	if best == nil {
		return nil, ErrNoCapacity
	}
	return best, nil
}

// Dispatch delivers one subtask to a node and waits for acceptance. On
// success the subtask transitions to running; on rejection or confirmation
// timeout it is scheduled for retry, or failed past the retry cap.
func (d *Dispatcher) Dispatch(ctx context.Context, st *model.SubTask, preferredMAC string) error {
	node, err := d.selectNode(ctx, preferredMAC)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			d.scheduleRetry(ctx, st)
		}
		return err
	}

	workerID := strconv.FormatInt(st.ID, 10)
	if err := d.store.AssignSubTask(ctx, st.ID, node.ID, workerID); err != nil {
		return err
	}

	req, err := d.buildStartRequest(ctx, st, node, workerID)
	if err != nil {
		return err
	}

	reply, err := d.publishAndWait(ctx, node.MACAddress, req, workerID)
	if err != nil {
		d.logger.Warn("dispatch unconfirmed",
			slog.Int64("subtask_id", st.ID),
			slog.String("mac", node.MACAddress),
			slog.Any("error", err))
		d.scheduleRetry(ctx, st)
		return err
	}
	if !reply.Success() {
		d.logger.Warn("dispatch rejected",
			slog.Int64("subtask_id", st.ID),
			slog.String("mac", node.MACAddress),
			slog.String("error_code", reply.Data.ErrorCode),
			slog.String("message", reply.Data.Message))
		d.scheduleRetry(ctx, st)
		return fmt.Errorf("%w: %s", ErrRejected, reply.Data.ErrorCode)
	}

	if _, err := d.state.UpdateSubTaskStatus(ctx, st.TaskID, st.ID, model.StatusRunning); err != nil {
		return err
	}
	if err := d.nodes.AdjustTaskCount(ctx, node.ID, st.Kind, 1); err != nil {
		d.logger.Error("node counter increment failed",
			slog.Int64("node_id", node.ID), slog.Any("error", err))
	}
	d.logger.Info("subtask dispatched",
		slog.Int64("subtask_id", st.ID),
		slog.Int64("task_id", st.TaskID),
		slog.String("mac", node.MACAddress))
	return nil
}

func (d *Dispatcher) buildStartRequest(ctx context.Context, st *model.SubTask, node *model.Node, workerID string) (messages.Request, error) {
	task, err := d.store.GetTask(ctx, st.TaskID)
	if err != nil {
		return messages.Request{}, err
	}
	mdl, err := d.store.GetModel(ctx, st.ModelID)
	if err != nil {
		return messages.Request{}, err
	}

	data := messages.CmdData{
		CmdType:   messages.CmdStartTask,
		TaskID:    strconv.FormatInt(st.TaskID, 10),
		SubTaskID: workerID,
		Source: &messages.TaskSource{
			Kind: st.Kind.String(),
			URLs: st.SourceURLs,
		},
		Config: &messages.TaskConfig{
			ModelCode:        mdl.Code,
			AnalysisType:     st.AnalysisType,
			AnalysisInterval: task.AnalysisInterval,
			UserConfig:       st.Config,
		},
		ResultConfig: &messages.ResultConfig{
			SaveResult:    task.SaveResult,
			SaveImages:    task.SaveImages,
			CallbackTopic: d.topics.Result(node.MACAddress),
		},
	}
	return messages.NewTaskRequest(d.topics.ConfigReply(), data), nil
}

// publishAndWait sends the request up to the attempt cap, waiting for the
// node reply each round.
func (d *Dispatcher) publishAndWait(ctx context.Context, mac string, req messages.Request, workerID string) (*messages.Reply, error) {
	waiter := d.pending.track(req.MessageUUID, workerID)
	defer d.pending.cancel(req.MessageUUID, workerID)

	topic := d.topics.RequestSetting(mac)
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if err := d.pub.PublishJSON(topic, req, 1, false); err != nil {
			d.logger.Warn("command publish failed",
				slog.String("topic", topic),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}

		select {
		case reply := <-waiter:
			return reply, nil
		case <-time.After(d.cfg.ReplyTimeout):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if attempt < d.cfg.Attempts {
			select {
			case reply := <-waiter:
				return reply, nil
			case <-time.After(d.cfg.AttemptGap):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, ErrReplyTimeout
}

// scheduleRetry moves a failed dispatch to the retry queue, or fails the
// subtask past the cap. Each rejection pushes the retry one priority level
// lower so chronically refused work yields to fresh dispatches.
func (d *Dispatcher) scheduleRetry(ctx context.Context, st *model.SubTask) {
	attempt := st.RetryCount + 1
	if attempt > d.cfg.MaxRetries {
		d.logger.Error("subtask exceeded dispatch retries",
			slog.Int64("subtask_id", st.ID),
			slog.Int64("task_id", st.TaskID))
		if err := d.store.SetSubTaskError(ctx, st.ID, exceededRetriesMsg); err != nil {
			d.logger.Error("failed to record retry exhaustion",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		}
		if _, err := d.state.UpdateSubTaskStatus(ctx, st.TaskID, st.ID, model.StatusError); err != nil {
			d.logger.Error("failed to fail exhausted subtask",
				slog.Int64("subtask_id", st.ID), slog.Any("error", err))
		}
		return
	}
	if err := d.store.SetSubTaskRetryCount(ctx, st.ID, attempt); err != nil {
		d.logger.Error("failed to persist retry count",
			slog.Int64("subtask_id", st.ID), slog.Any("error", err))
	}
	st.RetryCount = attempt
	prio := bus.PriorityDefault + attempt
	if prio > bus.PriorityLevels-1 {
		prio = bus.PriorityLevels - 1
	}
	d.retry.Push(st.ID, prio, attempt)
}

// Retry is the RetryFunc the retry queue drives: it re-reads the subtask
// and dispatches again unless the subtask moved on in the meantime.
func (d *Dispatcher) Retry(ctx context.Context, item RetryItem) {
	st, err := d.store.GetSubTask(ctx, item.SubTaskID)
	if err != nil {
		d.logger.Warn("retried subtask no longer exists",
			slog.Int64("subtask_id", item.SubTaskID), slog.Any("error", err))
		return
	}
	if st.Status != model.StatusPending {
		d.logger.Info("retried subtask moved on, skipping",
			slog.Int64("subtask_id", st.ID),
			slog.String("status", st.Status.String()))
		return
	}
	if err := d.Dispatch(ctx, st, ""); err != nil {
		d.logger.Warn("retry dispatch failed",
			slog.Int64("subtask_id", st.ID), slog.Any("error", err))
	}
}

// DispatchPending pushes up to limit pending subtasks through dispatch.
// The health tracker calls this every cycle so work never sits waiting for
// an external trigger.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) {
	pending, err := d.store.ListPendingSubTasks(ctx, limit)
	if err != nil {
		d.logger.Error("pending subtask scan failed", slog.Any("error", err))
		return
	}
	for i := range pending {
		st := &pending[i]
		if st.RetryCount > 0 {
			// Already owned by the retry queue's schedule.
			continue
		}
		if err := d.Dispatch(ctx, st, ""); err != nil {
			if errors.Is(err, ErrNoCapacity) {
				return
			}
		}
	}
}

// StopOnNode sends a stop command for a running subtask to its node. A
// "task not found" error from the worker counts as stopped.
func (d *Dispatcher) StopOnNode(ctx context.Context, st *model.SubTask, mac string) error {
	data := messages.CmdData{
		CmdType:   messages.CmdStopTask,
		TaskID:    strconv.FormatInt(st.TaskID, 10),
		SubTaskID: st.WorkerTaskID,
	}
	req := messages.NewTaskRequest(d.topics.ConfigReply(), data)

	waiter := d.pending.track(req.MessageUUID, "")
	defer d.pending.cancel(req.MessageUUID, "")

	if err := d.pub.PublishJSON(d.topics.RequestSetting(mac), req, 1, false); err != nil {
		return err
	}
	select {
	case reply := <-waiter:
		if reply.Success() || reply.Data.ErrorCode == messages.ErrCodeTaskNotFound {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRejected, reply.Data.ErrorCode)
	case <-time.After(d.cfg.ReplyTimeout):
		return ErrReplyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Republish resends a start command for an already-assigned subtask to a
// new node during migration, without waiting through the full blocking
// confirmation cycle.
func (d *Dispatcher) Republish(ctx context.Context, st *model.SubTask, node *model.Node) error {
	workerID := strconv.FormatInt(st.ID, 10)
	if err := d.store.AssignSubTask(ctx, st.ID, node.ID, workerID); err != nil {
		return err
	}
	req, err := d.buildStartRequest(ctx, st, node, workerID)
	if err != nil {
		return err
	}
	if err := d.pub.PublishJSON(d.topics.RequestSetting(node.MACAddress), req, 1, false); err != nil {
		return err
	}
	if err := d.nodes.AdjustTaskCount(ctx, node.ID, st.Kind, 1); err != nil {
		d.logger.Error("node counter increment failed",
			slog.Int64("node_id", node.ID), slog.Any("error", err))
	}
	return nil
}

// HandleReply resolves a worker command reply against its waiter.
func (d *Dispatcher) HandleReply(ctx context.Context, topic string, payload []byte) {
	var reply messages.Reply
	if err := messages.Decode(payload, &reply); err != nil {
		d.logger.Warn("malformed command reply",
			slog.String("topic", topic), slog.Any("error", err))
		return
	}
	if !d.pending.resolve(&reply) {
		d.logger.Debug("reply without waiter",
			slog.String("message_uuid", reply.MessageUUID),
			slog.String("mac", reply.MACAddress))
	}
}

// NoteResult records that a result message arrived for a worker-side
// subtask id, implicitly confirming a still-pending start command.
func (d *Dispatcher) NoteResult(workerSubTaskID string) {
	if d.pending.resolveBySubTask(workerSubTaskID) {
		d.logger.Info("start confirmed implicitly by result",
			slog.String("worker_subtask_id", workerSubTaskID))
	}
}
