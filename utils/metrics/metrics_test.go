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

package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		// The gRPC exporter connects lazily, so no collector is needed.
		OTLPEndpoint:     "localhost:4317",
		ExportIntervalMS: 60000,
		ServiceName:      "meek-test",
		ServiceVersion:   "0.0.0",
		GlobalTags:       map[string]string{"env": "test"},
		Enabled:          true,
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	assert.NoError(t, r.RecordCounter(ctx, "c", 1, "{item}", "d", nil))
	assert.NoError(t, r.RecordUpDownCounter(ctx, "u", -1, "{item}", "d", nil))
	assert.NoError(t, r.RecordHistogram(ctx, "h", 0.5, "s", "d", nil))
	assert.NoError(t, r.Shutdown(ctx))
}

func TestRecorderCachesInstruments(t *testing.T) {
	r, err := newRecorder(testConfig())
	require.NoError(t, err)

	first, err := r.getOrCreateCounter("meek.test.counter", "{item}", "test counter")
	require.NoError(t, err)
	second, err := r.getOrCreateCounter("meek.test.counter", "{item}", "test counter")
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeated lookups should return the cached instrument")
}

func TestRecorderRecordsWithoutCollector(t *testing.T) {
	r, err := newRecorder(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, r.RecordCounter(ctx, "meek.test.events", 3, "{event}", "events", map[string]string{"kind": "a"}))
	assert.NoError(t, r.RecordUpDownCounter(ctx, "meek.test.depth", -2, "{item}", "depth", nil))
	assert.NoError(t, r.RecordHistogram(ctx, "meek.test.latency", 12.5, "ms", "latency", nil))
}

func TestBuildAttributesMergesTags(t *testing.T) {
	r := &Recorder{globalTags: map[string]string{"env": "test", "region": "eu"}}

	attrs := r.buildAttributes(map[string]string{"node": "aa:bb"})
	require.Len(t, attrs, 3)
	seen := map[string]string{}
	for _, a := range attrs {
		seen[string(a.Key)] = a.Value.AsString()
	}
	assert.Equal(t, "test", seen["env"])
	assert.Equal(t, "eu", seen["region"])
	assert.Equal(t, "aa:bb", seen["node"])
}

func TestToConfigBuildsEndpoint(t *testing.T) {
	enable := true
	host := "collector.internal"
	port := 4317
	interval := 5000
	component := "meek-controller"
	version := "1.4.0"
	f := &FlagPointers{
		enable:     &enable,
		host:       &host,
		port:       &port,
		intervalMS: &interval,
		component:  &component,
		version:    &version,
	}

	config := f.ToConfig()
	assert.Equal(t, "collector.internal:4317", config.OTLPEndpoint)
	assert.True(t, config.Enabled)
	assert.Equal(t, "meek-controller", config.ServiceName)
	assert.Equal(t, "1.4.0", config.ServiceVersion)
	assert.Equal(t, 5000, config.ExportIntervalMS)
}
