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
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MapRegion maps or creates a file-backed shared memory region through mmap-go.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := RegionPath(opts.Dir, opts.Name)
	flags := os.O_RDWR
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("map %s: invalid size %d", path, opts.Size)
		}
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, opts.mode())
	if err != nil {
		switch {
		case errors.Is(err, os.ErrExist):
			return nil, fmt.Errorf("open %s: %w", path, ErrRegionExists)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("open %s: %w", path, ErrRegionNotExist)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	size := opts.Size
	if opts.Create {
		if err := f.Truncate(int64(size)); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("truncate: %w", err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat: %w", err)
		}
		if size <= 0 || int64(size) > info.Size() {
			size = int(info.Size())
		}
		if size <= 0 {
			return nil, fmt.Errorf("map %s: %w", path, ErrRegionNotExist)
		}
	}

	m, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		if opts.Create {
			_ = os.Remove(path)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr:  m,
		Path:  path,
		unmap: m.Unmap,
	}, nil
}

// MapAnonymous maps an anonymous region private to this process.
func MapAnonymous(size int) (*MappedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map anonymous: invalid size %d", size)
	}
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous: %w", err)
	}
	return &MappedRegion{
		Addr:  m,
		unmap: m.Unmap,
	}, nil
}
