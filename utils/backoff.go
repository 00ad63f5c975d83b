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
	"math/rand"
	"time"
)

// CalculateBackoff returns exponential backoff duration with a max cap and
// random jitter. Starting from initialDelay the duration doubles on every
// retry, then is capped at maxBackoff. A random jitter in [0, initialDelay)
// is added before capping so that a fleet of reconnecting clients does not
// stampede the broker.
func CalculateBackoff(retryCount int, initialDelay, maxBackoff time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	d := initialDelay << uint(retryCount-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Float64() * float64(initialDelay))
	result := d + jitter
	if result > maxBackoff {
		result = maxBackoff
	}
	return result
}

// RetryDelay returns the delay before retry attempt n of a failed dispatch:
// baseDelay * factor^n, without jitter. Used by the retry queue where the
// schedule must be deterministic and testable.
func RetryDelay(retryCount int, baseDelay time.Duration, factor float64) time.Duration {
	if retryCount <= 0 {
		return baseDelay
	}
	d := float64(baseDelay)
	for i := 0; i < retryCount; i++ {
		d *= factor
	}
	return time.Duration(d)
}
