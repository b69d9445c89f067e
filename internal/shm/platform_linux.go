//go:build linux

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
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a file-backed shared memory region (Linux implementation).
// When opening an existing region a zero Size maps the whole file.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := RegionPath(opts.Dir, opts.Name)
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("map %s: invalid size %d", path, opts.Size)
		}
		if !CanCreate(uint64(opts.Size), path) {
			return nil, fmt.Errorf("map %s: %w", path, ErrNotEnoughSpace)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, uint32(opts.mode()))
	if err != nil {
		switch {
		case errors.Is(err, unix.EEXIST):
			return nil, fmt.Errorf("open %s: %w", path, ErrRegionExists)
		case errors.Is(err, unix.ENOENT):
			return nil, fmt.Errorf("open %s: %w", path, ErrRegionNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = unix.Close(fd)
	}()

	size := opts.Size
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("fstat: %w", err)
		}
		if size <= 0 || int64(size) > st.Size {
			size = int(st.Size)
		}
		if size <= 0 {
			return nil, fmt.Errorf("map %s: %w", path, ErrRegionNotExist)
		}
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if opts.Create {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		Path: path,
		unmap: func() error {
			if err := unix.Munmap(addr); err != nil {
				return fmt.Errorf("munmap: %w", err)
			}
			return nil
		},
	}, nil
}

// MapAnonymous maps a shared anonymous region. It is visible to the calling process and
// to children forked after the call, and the futex words inside it work like those of a
// file-backed region.
func MapAnonymous(size int) (*MappedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map anonymous: invalid size %d", size)
	}
	addr, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		unmap: func() error {
			if err := unix.Munmap(addr); err != nil {
				return fmt.Errorf("munmap: %w", err)
			}
			return nil
		},
	}, nil
}
