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

package bus

import "strings"

// DefaultTopicPrefix is prepended to every topic unless overridden.
const DefaultTopicPrefix = "meek/"

// Topics is the set of topic builders for a given prefix.
type Topics struct {
	Prefix string
}

// NewTopics returns topic builders for the given prefix, normalizing a
// missing trailing slash.
func NewTopics(prefix string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return Topics{Prefix: prefix}
}

// Connection is the retained node online/offline announcement topic.
func (t Topics) Connection() string { return t.Prefix + "connection" }

// Status is the heartbeat/status topic of one node.
func (t Topics) Status(mac string) string { return t.Prefix + mac + "/status" }

// StatusPattern matches the status topics of all nodes.
func (t Topics) StatusPattern() string { return t.Prefix + "+/status" }

// RequestSetting is the controller-to-node command topic.
func (t Topics) RequestSetting(mac string) string { return t.Prefix + mac + "/request_setting" }

// ConfigReply is the node-to-controller command reply topic.
func (t Topics) ConfigReply() string { return t.Prefix + "device_config_reply" }

// Result is the result topic of one node.
func (t Topics) Result(mac string) string { return t.Prefix + mac + "/result" }

// ResultPattern matches the result topics of all nodes.
func (t Topics) ResultPattern() string { return t.Prefix + "+/result" }

// Broadcast is the controller-wide announcement topic.
func (t Topics) Broadcast() string { return t.Prefix + "system/broadcast" }

// MatchTopic reports whether topic matches pattern. Pattern levels may be
// "+" (exactly one level) or a terminal "#" (zero or more levels).
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, p := range pp {
		if p == "#" {
			// "#" is only valid as the last pattern level.
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// NodeMAC extracts the per-node segment from a topic of the form
// <prefix><MAC>/<leaf>. Returns "" when the topic does not have that shape.
func (t Topics) NodeMAC(topic string) string {
	if !strings.HasPrefix(topic, t.Prefix) {
		return ""
	}
	rest := strings.TrimPrefix(topic, t.Prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}
