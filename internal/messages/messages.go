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

// Package messages defines the JSON payloads exchanged between the
// controller and the worker fleet over the message bus.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestType values carried in request envelopes.
type RequestType string

const (
	RequestTaskCmd RequestType = "task_cmd"
	RequestNodeCmd RequestType = "node_cmd"
)

// CmdType values the controller emits.
type CmdType string

const (
	CmdStartTask    CmdType = "start_task"
	CmdStopTask     CmdType = "stop_task"
	CmdSyncTime     CmdType = "sync_time"
	CmdUpdateConfig CmdType = "update_config"
)

// Reply error codes reported by workers.
const (
	ErrCodeInvalidParams   = "ERR_001"
	ErrCodeUnsupportedType = "ERR_002"
	ErrCodeTaskExists      = "ERR_003"
	ErrCodeTaskNotFound    = "ERR_004"
)

// Connection status values on the connection topic.
const (
	ConnStatusOnline  = "online"
	ConnStatusOffline = "offline"
)

// Result status values on the result topic.
const (
	ResultProcessing = "processing"
	ResultCompleted  = "completed"
	ResultFailed     = "failed"
)

// Timestamp is the wire timestamp format (UTC, microsecond precision).
const timestampLayout = "2006-01-02T15:04:05.999999"

// Now returns the current time formatted for the wire.
func Now() string {
	return time.Now().UTC().Format(timestampLayout)
}

// NewUUID returns a message uuid without dashes, matching the worker-side
// convention.
func NewUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ConnectionMeta carries node metadata on connection announcements.
type ConnectionMeta struct {
	IP           string         `json:"ip"`
	Port         int            `json:"port"`
	Hostname     string         `json:"hostname"`
	MaxTasks     int            `json:"max_tasks"`
	Capabilities []string       `json:"capabilities"`
	Resources    map[string]any `json:"resources,omitempty"`
	Version      string         `json:"version,omitempty"`
}

// Connection is published retained on <prefix>connection, both as the
// node's own announcement and as its broker last-will.
type Connection struct {
	Status      string         `json:"status"`
	MACAddress  string         `json:"mac_address"`
	ClientID    string         `json:"client_id"`
	ServiceType string         `json:"service_type"`
	Timestamp   string         `json:"timestamp"`
	Metadata    ConnectionMeta `json:"metadata"`
}

// Heartbeat is the periodic node status message on <prefix><MAC>/status.
type Heartbeat struct {
	Type        string  `json:"type"`
	MACAddress  string  `json:"mac_address"`
	ClientID    string  `json:"client_id"`
	ServiceType string  `json:"service_type"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	GPUUsage    float64 `json:"gpu_usage"`
	TaskCount   int     `json:"task_count"`
	MaxTasks    int     `json:"max_tasks"`
	IsActive    bool    `json:"is_active"`
	Timestamp   string  `json:"timestamp"`
}

// TaskSource describes the input of a subtask.
type TaskSource struct {
	Kind string   `json:"kind"`
	URLs []string `json:"urls,omitempty"`
}

// TaskConfig describes the model and analysis parameters of a subtask.
type TaskConfig struct {
	ModelCode        string         `json:"model_code"`
	AnalysisType     string         `json:"analysis_type"`
	AnalysisInterval float64        `json:"analysis_interval"`
	UserConfig       map[string]any `json:"user_config,omitempty"`
}

// ResultConfig tells the worker what to do with results.
type ResultConfig struct {
	SaveResult    bool   `json:"save_result"`
	SaveImages    bool   `json:"save_images"`
	CallbackTopic string `json:"callback_topic"`
}

// CmdData is the data section of a request envelope.
type CmdData struct {
	CmdType      CmdType       `json:"cmd_type"`
	TaskID       string        `json:"task_id,omitempty"`
	SubTaskID    string        `json:"subtask_id,omitempty"`
	Source       *TaskSource   `json:"source,omitempty"`
	Config       *TaskConfig   `json:"config,omitempty"`
	ResultConfig *ResultConfig `json:"result_config,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Request is the envelope published to <prefix><MAC>/request_setting.
type Request struct {
	ConfirmationTopic string      `json:"confirmation_topic"`
	MessageID         string      `json:"message_id"`
	MessageUUID       string      `json:"message_uuid"`
	RequestType       RequestType `json:"request_type"`
	Timestamp         string      `json:"timestamp"`
	Data              CmdData     `json:"data"`
}

// ReplyData is the data section of a reply envelope.
type ReplyData struct {
	CmdType   CmdType `json:"cmd_type"`
	TaskID    string  `json:"task_id,omitempty"`
	SubTaskID string  `json:"subtask_id,omitempty"`
	Message   string  `json:"message,omitempty"`
	ErrorCode string  `json:"error_code,omitempty"`
	ErrorType string  `json:"error_type,omitempty"`
}

// Reply is the envelope nodes publish on <prefix>device_config_reply.
type Reply struct {
	MessageID    string    `json:"message_id"`
	MessageUUID  string    `json:"message_uuid"`
	ResponseType string    `json:"response_type"`
	Status       string    `json:"status"`
	MACAddress   string    `json:"mac_address"`
	Data         ReplyData `json:"data"`
}

// Success reports whether the reply acknowledges the command.
func (r *Reply) Success() bool {
	return r.Status == "success"
}

// Result is the payload nodes publish on <prefix><MAC>/result.
type Result struct {
	TaskID       string          `json:"task_id"`
	SubTaskID    string          `json:"subtask_id"`
	Status       string          `json:"status"`
	StatusCode   int             `json:"status_code"`
	Results      json.RawMessage `json:"results,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FrameCount   int64           `json:"frame_count,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

// NewTaskRequest builds a task_cmd request envelope with a fresh message
// uuid and the reply topic the worker must confirm on.
func NewTaskRequest(confirmationTopic string, data CmdData) Request {
	return Request{
		ConfirmationTopic: confirmationTopic,
		MessageID:         NewUUID(),
		MessageUUID:       NewUUID(),
		RequestType:       RequestTaskCmd,
		Timestamp:         Now(),
		Data:              data,
	}
}

// Encode marshals the message to JSON.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a JSON payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
