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

package utils

import (
	"testing"
	"time"
)

func TestCalculateBackoffDoubles(t *testing.T) {
	initial := time.Second
	max := 60 * time.Second
	for retry := 1; retry <= 5; retry++ {
		got := CalculateBackoff(retry, initial, max)
		floor := initial << uint(retry-1)
		ceil := floor + initial // jitter upper bound
		if ceil > max {
			ceil = max
		}
		if got < floor || got > ceil {
			t.Errorf("retry %d: backoff %v outside [%v, %v]", retry, got, floor, ceil)
		}
	}
}

func TestCalculateBackoffCaps(t *testing.T) {
	max := 60 * time.Second
	got := CalculateBackoff(30, time.Second, max)
	if got > max {
		t.Errorf("backoff %v exceeds cap %v", got, max)
	}
}

func TestCalculateBackoffZeroRetry(t *testing.T) {
	if got := CalculateBackoff(0, time.Second, time.Minute); got != 0 {
		t.Errorf("retry 0 should give 0, got %v", got)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryDelay(tt.retry, 5*time.Second, 2.0); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
