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
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrLockCorrupt is returned when a lock word holds neither of its two sentinels.
var ErrLockCorrupt = errors.New("lock word corrupted")

// LockStateError reports the unexpected value found in a lock word.
type LockStateError struct {
	Got uint32
	Op  string
}

func (e *LockStateError) Error() string {
	return fmt.Sprintf("%s: lock word holds %#x: %v", e.Op, e.Got, ErrLockCorrupt)
}

func (e *LockStateError) Unwrap() error { return ErrLockCorrupt }

// WordLock is a spin lock over a 32-bit word in shared memory. The word holds either
// Unlocked or Locked; any other value is reported as corruption. The zero Sleep spins
// with runtime.Gosched between attempts.
type WordLock struct {
	word     *uint32
	Unlocked uint32
	Locked   uint32
	Sleep    time.Duration
}

// NewWordLock returns a lock over word using the given sentinels.
func NewWordLock(word *uint32, unlocked, locked uint32) WordLock {
	return WordLock{word: word, Unlocked: unlocked, Locked: locked}
}

// Init stores the unlocked sentinel. Only the creator of the word may call it.
func (l WordLock) Init() {
	atomic.StoreUint32(l.word, l.Unlocked)
}

// Value returns the raw word.
func (l WordLock) Value() uint32 {
	return atomic.LoadUint32(l.word)
}

// Lock acquires the lock. It never times out.
func (l WordLock) Lock() error {
	for {
		if atomic.CompareAndSwapUint32(l.word, l.Unlocked, l.Locked) {
			return nil
		}
		if v := atomic.LoadUint32(l.word); v != l.Locked && v != l.Unlocked {
			return &LockStateError{Got: v, Op: "lock"}
		}
		if l.Sleep > 0 {
			time.Sleep(l.Sleep)
		} else {
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock. The word must hold the locked sentinel.
func (l WordLock) Unlock() error {
	if atomic.CompareAndSwapUint32(l.word, l.Locked, l.Unlocked) {
		return nil
	}
	return &LockStateError{Got: atomic.LoadUint32(l.word), Op: "unlock"}
}

// Held reports whether the word currently holds the locked sentinel.
func (l WordLock) Held() bool {
	return atomic.LoadUint32(l.word) == l.Locked
}
