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

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"critical", slog.LevelError},
		{"fatal", slog.LevelError},
		{"  info  ", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestServiceHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	handler := NewServiceHandler("controller", slog.LevelInfo, &buf)
	logger := slog.New(handler)

	logger.Info("task created", slog.Int64("task_id", 42))

	line := strings.TrimSpace(buf.String())
	pattern := regexp.MustCompile(
		`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}[+-]\d{2}:\d{2} controller \[INFO\] [^ ]+: task created task_id=42$`)
	if !pattern.MatchString(line) {
		t.Errorf("unexpected log line format: %s", line)
	}
}

func TestServiceHandlerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	handler := NewServiceHandler("controller", slog.LevelWarn, &buf)
	logger := slog.New(handler)

	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Errorf("info line should have been filtered, got: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn line missing, got: %s", out)
	}
}

func TestServiceHandlerStructuredAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewServiceHandler("controller", slog.LevelInfo, &buf)
	logger := slog.New(handler)

	logger.Info("subtask dispatched",
		slog.Int64("subtask_id", 7),
		slog.String("mac", "aa:bb:cc:dd:ee:ff"),
		slog.Bool("retry", false),
	)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{"subtask_id=7", "mac=aa:bb:cc:dd:ee:ff", "retry=false"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in output, got: %s", want, line)
		}
	}
}

func TestServiceHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewServiceHandler("controller", slog.LevelInfo, &buf)
	logger := slog.New(handler).With(slog.String("component", "dispatcher"))

	logger.Info("node selected")

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "component=dispatcher") {
		t.Errorf("expected component=dispatcher from WithAttrs, got: %s", line)
	}
}

func TestServiceHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewServiceHandler("controller", slog.LevelInfo, &buf)
	logger := slog.New(handler).WithGroup("node")

	logger.Info("heartbeat", slog.String("mac", "aa:bb"))

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "node.mac=aa:bb") {
		t.Errorf("expected grouped attribute node.mac, got: %s", line)
	}
}

func TestServiceHandlerGroupPrefixesAttrsOnce(t *testing.T) {
	var buf bytes.Buffer
	handler := NewServiceHandler("controller", slog.LevelInfo, &buf)
	logger := slog.New(handler).WithGroup("node").With(slog.String("mac", "aa:bb"))

	logger.Info("heartbeat", slog.Int("tasks", 3))

	line := strings.TrimSpace(buf.String())
	if !strings.Contains(line, "node.mac=aa:bb") {
		t.Errorf("pre-set attr should carry the group prefix, got: %s", line)
	}
	if strings.Contains(line, "node.node.mac") {
		t.Errorf("group prefix applied twice, got: %s", line)
	}
	if !strings.Contains(line, "node.tasks=3") {
		t.Errorf("record attr should carry the group prefix, got: %s", line)
	}
}

func TestServiceHandlerEnabled(t *testing.T) {
	handler := NewServiceHandler("controller", slog.LevelWarn, &bytes.Buffer{})
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestInitLoggerCreatesFile(t *testing.T) {
	dir := t.TempDir()
	logger := InitLogger("controller-test", Config{
		Level:   slog.LevelInfo,
		LogDir:  dir,
		LogName: "unit",
	})
	logger.Info("hello from test")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.Contains(name, "unit") || filepath.Ext(name) != ".txt" {
		t.Errorf("unexpected log file name: %s", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing entry, got: %s", data)
	}
}
