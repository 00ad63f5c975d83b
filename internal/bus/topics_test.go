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

import "testing"

func TestTopicsBuilders(t *testing.T) {
	topics := NewTopics("meek/")
	tests := []struct {
		got  string
		want string
	}{
		{topics.Connection(), "meek/connection"},
		{topics.Status("aa:bb"), "meek/aa:bb/status"},
		{topics.StatusPattern(), "meek/+/status"},
		{topics.RequestSetting("aa:bb"), "meek/aa:bb/request_setting"},
		{topics.ConfigReply(), "meek/device_config_reply"},
		{topics.Result("aa:bb"), "meek/aa:bb/result"},
		{topics.ResultPattern(), "meek/+/result"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestNewTopicsNormalizesPrefix(t *testing.T) {
	if got := NewTopics("fleet").Connection(); got != "fleet/connection" {
		t.Errorf("missing slash not normalized: %q", got)
	}
	if got := NewTopics("").Connection(); got != "meek/connection" {
		t.Errorf("empty prefix should use default: %q", got)
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"meek/connection", "meek/connection", true},
		{"meek/connection", "meek/other", false},
		{"meek/+/status", "meek/aa:bb/status", true},
		{"meek/+/status", "meek/aa:bb/result", false},
		{"meek/+/status", "meek/a/b/status", false},
		{"meek/#", "meek/anything/at/all", true},
		{"meek/#", "meek/x", true},
		{"meek/+/result", "meek/aa:bb/result", true},
		{"meek/+", "meek/x/y", false},
		{"meek/#/x", "meek/a/x", false}, // "#" only valid terminally
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v",
				tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestNodeMAC(t *testing.T) {
	topics := NewTopics("meek/")
	tests := []struct {
		topic string
		want  string
	}{
		{"meek/aa:bb:cc/status", "aa:bb:cc"},
		{"meek/aa:bb:cc/result", "aa:bb:cc"},
		{"meek/connection", ""},
		{"other/aa:bb/status", ""},
		{"meek/a/b/c", ""},
	}
	for _, tt := range tests {
		if got := topics.NodeMAC(tt.topic); got != tt.want {
			t.Errorf("NodeMAC(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
