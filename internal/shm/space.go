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

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrNotEnoughSpace is returned when /dev/shm cannot hold a new region.
var ErrNotEnoughSpace = errors.New("share memory had not left space")

// CanCreate reports whether a region of size bytes fits at path. Only paths on
// /dev/shm are checked; anything else is assumed to be backed by a real disk.
func CanCreate(size uint64, path string) bool {
	if !isDevShmPath(path) {
		return true
	}
	stat, err := disk.Usage(DevShmDir)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
