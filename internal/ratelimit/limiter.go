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

// Package ratelimit implements a process-local sliding-window counter
// keyed by credential id or caller IP. It is best effort: a gateway
// restart resets all windows, and counters are not shared across
// gateway processes.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the oldest event leaves the window.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
	// Reset is when the current window fully drains.
	Reset time.Time
}

type window struct {
	mu sync.Mutex
	// dur is the window duration of the most recent Allow call; the
	// sweep uses it to decide when the key's events have all expired.
	dur    time.Duration
	events []time.Time
}

// Limiter tracks sliding windows per key.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     func() time.Time
	stop    chan struct{}
}

// NewLimiter creates a limiter and starts the idle-key sweep.
func NewLimiter(sweepInterval time.Duration) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweep(sweepInterval)
	return l
}

// Allow records an event for key unless the window is full.
// Events older than window are pruned on every call.
func (l *Limiter) Allow(key string, limit int, windowDur time.Duration) Decision {
	w := l.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-windowDur)
	w.dur = windowDur

	// Prune expired events in place. Events are appended in order, so
	// the first retained index bounds the rest.
	keep := 0
	for keep < len(w.events) && !w.events[keep].After(cutoff) {
		keep++
	}
	w.events = append(w.events[:0], w.events[keep:]...)

	if len(w.events) >= limit {
		oldest := w.events[0]
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: oldest.Add(windowDur).Sub(now),
			Reset:      w.events[len(w.events)-1].Add(windowDur),
		}
	}

	w.events = append(w.events, now)
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(w.events),
		Reset:     now.Add(windowDur),
	}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// sweep periodically drops keys whose windows have fully drained,
// bounding memory for one-off callers.
func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.removeDrained()
		}
	}
}

// removeDrained deletes keys with no events still inside their own
// window. A key with live events survives regardless of how often the
// sweep runs, so configuring a short sweep interval never resets an
// active counter.
func (l *Limiter) removeDrained() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		w.mu.Lock()
		drained := len(w.events) == 0 || !w.events[len(w.events)-1].Add(w.dur).After(now)
		w.mu.Unlock()
		if drained {
			delete(l.windows, key)
		}
	}
}
