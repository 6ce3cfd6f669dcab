// Copyright 2026 The HostBridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/hostbridge/hostbridge/internal/tenant"
)

// ErrNoFreePort means the configured port range is exhausted.
var ErrNoFreePort = errors.New("no free port in range")

// PortAllocator hands out engine ports that no other tenant currently
// holds. The store is the source of truth for held ports; the
// supervisor's bind probe catches anything the store does not know
// about, in which case the caller retries with the port excluded.
type PortAllocator struct {
	repo tenant.Repository
	min  int
	max  int
}

// NewPortAllocator creates an allocator over [min, max].
func NewPortAllocator(repo tenant.Repository, min, max int) (*PortAllocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &PortAllocator{repo: repo, min: min, max: max}, nil
}

// Allocate returns the lowest in-range port that is neither held by a
// tenant nor in the exclude set.
func (a *PortAllocator) Allocate(ctx context.Context, exclude map[int]bool) (int, error) {
	held, err := a.repo.ListActivePorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active ports: %w", err)
	}

	used := make(map[int]bool, len(held)+len(exclude))
	for _, p := range held {
		used[p] = true
	}
	for p := range exclude {
		used[p] = true
	}

	for p := a.min; p <= a.max; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, ErrNoFreePort
}
