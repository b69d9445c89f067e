//go:build !linux

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FutexWait polls the word at addr until it differs from val or timeout elapses. A
// negative timeout waits forever.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		d := b.NextBackOff()
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrFutexTimeout
			}
			if d > left {
				d = left
			}
		}
		time.Sleep(d)
	}
	return nil
}

// FutexWake is a no-op; pollers notice the changed word on their own.
func FutexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
