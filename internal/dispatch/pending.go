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

package dispatch

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/meek-vision/meek/internal/messages"
)

// pendingReplies tracks in-flight command uuids awaiting a worker reply.
// A waiter resolves either explicitly, by a reply carrying the uuid, or
// implicitly, by a result message for the same worker-side subtask id: a
// worker that is already streaming results has accepted the command even if
// its reply was lost.
type pendingReplies struct {
	// uuid -> waiter
	byUUID *xsync.Map[string, chan *messages.Reply]
	// worker-side subtask id -> uuid, for implicit acceptance
	bySubTask *xsync.Map[string, string]
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{
		byUUID:    xsync.NewMap[string, chan *messages.Reply](),
		bySubTask: xsync.NewMap[string, string](),
	}
}

// track registers a waiter for the given message uuid and worker subtask id.
func (p *pendingReplies) track(uuid, subtaskID string) chan *messages.Reply {
	ch := make(chan *messages.Reply, 1)
	p.byUUID.Store(uuid, ch)
	if subtaskID != "" {
		p.bySubTask.Store(subtaskID, uuid)
	}
	return ch
}

// cancel drops a waiter without resolving it.
func (p *pendingReplies) cancel(uuid, subtaskID string) {
	p.byUUID.Delete(uuid)
	if subtaskID != "" {
		p.bySubTask.Delete(subtaskID)
	}
}

// resolve delivers a reply to its waiter. Returns false when nothing was
// waiting (late or duplicate reply).
func (p *pendingReplies) resolve(reply *messages.Reply) bool {
	ch, ok := p.byUUID.LoadAndDelete(reply.MessageUUID)
	if !ok {
		return false
	}
	if reply.Data.SubTaskID != "" {
		p.bySubTask.Delete(reply.Data.SubTaskID)
	}
	ch <- reply
	return true
}

// resolveBySubTask treats a result message for the worker-side subtask id
// as an implicit success reply. Returns false when nothing was waiting.
func (p *pendingReplies) resolveBySubTask(subtaskID string) bool {
	uuid, ok := p.bySubTask.LoadAndDelete(subtaskID)
	if !ok {
		return false
	}
	ch, ok := p.byUUID.LoadAndDelete(uuid)
	if !ok {
		return false
	}
	ch <- &messages.Reply{
		MessageUUID: uuid,
		Status:      "success",
		Data:        messages.ReplyData{SubTaskID: subtaskID},
	}
	return true
}
