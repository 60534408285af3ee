// Copyright 2025 The fawa Authors
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

// Package ratelimit caps how often a client may perform an action within a
// rolling window.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Day is the window of the upload and download limits.
const Day = 24 * time.Hour

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter allows each key Limit events per window. The budget refills
// continuously, so a client that used it up regains one event every
// window/limit. The zero limit allows everything.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

// New returns a limiter allowing limit events per window and key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether key may perform one more event now and records it.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	v, ok := l.visitors[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		v = &visitor{limiter: rate.NewLimiter(every, l.limit)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// prune forgets clients idle for a whole window; their budget is full again
// anyway. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.window {
			delete(l.visitors, key)
		}
	}
	l.lastPrune = now
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
