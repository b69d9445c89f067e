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

// Package shm contains platform-specific helpers for mapping shared memory and for
// synchronizing on words that live inside it.
package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DevShmDir is where named regions live when the platform has a tmpfs for them.
const DevShmDir = "/dev/shm"

// FilePrefix is prepended to every region file name.
const FilePrefix = "shmring_"

var (
	// ErrRegionExists is returned when creating a region whose backing file exists.
	ErrRegionExists = errors.New("shared memory region already exists")
	// ErrRegionNotExist is returned when opening a region that was never created.
	ErrRegionNotExist = errors.New("shared memory region does not exist")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Path string
	// unmap releases the mapping; set by the platform files.
	unmap func() error
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name   string
	Size   int
	Create bool
	// Dir overrides the directory holding the backing file.
	Dir string
	// Mode is the permission of a created backing file, 0600 when zero.
	Mode os.FileMode
}

// RegionPath returns the backing file path for a region name.
func RegionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, FilePrefix+name)
}

// DefaultDir returns /dev/shm when it is available and the temp dir otherwise.
func DefaultDir() string {
	if info, err := os.Stat(DevShmDir); err == nil && info.IsDir() {
		return DevShmDir
	}
	return os.TempDir()
}

// RemoveRegion deletes the backing file of a named region.
func RemoveRegion(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func isDevShmPath(path string) bool {
	return strings.HasPrefix(filepath.Clean(path), DevShmDir+string(filepath.Separator))
}

func (opts MapOptions) mode() os.FileMode {
	if opts.Mode == 0 {
		return 0o600
	}
	return opts.Mode
}

// Unmap releases the mapping. The backing file is left in place.
func (r *MappedRegion) Unmap() error {
	if r == nil || r.Addr == nil {
		return nil
	}
	var err error
	if r.unmap != nil {
		err = r.unmap()
	}
	r.Addr = nil
	return err
}
