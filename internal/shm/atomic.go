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
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Uint32At returns a pointer to the 32-bit word at off inside b. The word must lie
// within b and be 4-byte aligned, otherwise Uint32At panics: an unaligned word cannot be
// used with atomic operations or futexes.
func Uint32At(b []byte, off int) *uint32 {
	if off < 0 || off+4 > len(b) {
		panic(fmt.Sprintf("shm: word offset %d out of range [0,%d)", off, len(b)))
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)%4 != 0 {
		panic(fmt.Sprintf("shm: word offset %d is not 4-byte aligned", off))
	}
	return (*uint32)(p)
}

// AtomicLoadUint32 loads the word at off inside shared memory b.
func AtomicLoadUint32(b []byte, off int) uint32 {
	return atomic.LoadUint32(Uint32At(b, off))
}

// AtomicStoreUint32 stores val into the word at off inside shared memory b.
func AtomicStoreUint32(b []byte, off int, val uint32) {
	atomic.StoreUint32(Uint32At(b, off), val)
}

// AtomicAddUint32 adds delta to the word at off and returns the new value.
func AtomicAddUint32(b []byte, off int, delta uint32) uint32 {
	return atomic.AddUint32(Uint32At(b, off), delta)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps the word at off.
func AtomicCompareAndSwapUint32(b []byte, off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(Uint32At(b, off), old, new)
}

// IsAligned reports whether b starts on an 8-byte boundary.
func IsAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%8 == 0
}

// AlignedBytes returns a zeroed, 8-byte aligned slice of n bytes in ordinary memory.
func AlignedBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
