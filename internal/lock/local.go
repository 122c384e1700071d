// Reel is a media transcoding service.
// Copyright (C) 2025 The Reel Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package lock

import (
	"context"
	"sync"
	"time"
)

// Local is a process-local Locker for deployments without a remote
// store. Correct only when a single process runs the critical sections
// it guards.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocal constructs a Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]chan struct{})}
}

func (l *Local) channel(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return ch
}

// WithLock runs fn while holding the named in-process lock. The ttl is
// ignored: a local holder cannot crash without taking the process down
// with it.
func (l *Local) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	ch := l.channel(name)

	wait := time.NewTimer(DefaultWait)
	defer wait.Stop()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-wait.C:
		return ErrNotAcquired
	}
	defer func() { <-ch }()
	return fn(ctx)
}
