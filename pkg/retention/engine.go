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

// Package retention evicts files that have not been read for a configured
// number of days.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fawa-io/keydrop/pkg/fwlog"
	"github.com/fawa-io/keydrop/pkg/metadata"
	"github.com/fawa-io/keydrop/pkg/storage"
)

// DefaultSchedule runs the sweep every day at 03:00 local time.
const DefaultSchedule = "0 3 * * *"

var (
	// ErrSweepInProgress is returned when a sweep is triggered while another
	// one is still running.
	ErrSweepInProgress = errors.New("retention: sweep in progress")
	// ErrPartialFailure marks a record whose bytes could not be purged. The
	// record is kept and retried by the next sweep.
	ErrPartialFailure = errors.New("retention: partial failure")
)

// State of an Engine.
type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// Target is what the engine sweeps. storage.Provider implements it.
type Target interface {
	Retain(ctx context.Context, keep func(metadata.FileRecord) bool) (int, error)
	AccessTime(ctx context.Context, rec metadata.FileRecord) (time.Time, error)
	Purge(ctx context.Context, rec metadata.FileRecord) error
}

// Config holds the retention policy.
type Config struct {
	MaxAgeDays int
	// Schedule is a standard 5-field cron expression. Empty means DefaultSchedule.
	Schedule string
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	// Evicted counts records dropped for being idle too long.
	Evicted int
	// Missing counts records dropped because their bytes were gone.
	Missing int
	// Failed counts records kept because their bytes could not be purged.
	Failed int
}

// Engine runs retention sweeps over a Target.
type Engine struct {
	target   Target
	maxAge   time.Duration
	schedule string
	now      func() time.Time

	state atomic.Int32

	mu   sync.Mutex
	cron *cron.Cron
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New validates cfg and returns an idle engine.
func New(target Target, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxAgeDays <= 0 {
		return nil, fmt.Errorf("retention: max age must be positive, got %d days", cfg.MaxAgeDays)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", cfg.Schedule, err)
	}
	e := &Engine{
		target:   target,
		maxAge:   time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		schedule: cfg.Schedule,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State reports whether a sweep is running.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Start sweeps once, then schedules the sweep. Scheduled sweeps run with ctx
// until Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return errors.New("retention: already started")
	}

	e.run(ctx)

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(e.schedule, func() { e.run(ctx) }); err != nil {
		return fmt.Errorf("retention: schedule %q: %w", e.schedule, err)
	}
	c.Start()
	e.cron = c
	fwlog.Infof("retention: evicting files idle for %s, schedule %q", e.maxAge, e.schedule)
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// run sweeps and logs the outcome; it never fails.
func (e *Engine) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	report, err := e.Sweep(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		fwlog.Warn("retention: previous sweep still running, skipping")
	case err != nil:
		fwlog.Errorf("retention: sweep failed: %v", err)
	default:
		fwlog.Infof("retention: scanned=%d evicted=%d missing=%d failed=%d in %s",
			report.Scanned, report.Evicted, report.Missing, report.Failed, time.Since(start).Round(time.Millisecond))
	}
}

// Sweep runs one retention pass. Records whose effective last access is
// older than the cutoff, and records whose bytes are gone, are dropped;
// everything else is kept.
func (e *Engine) Sweep(ctx context.Context) (report Report, err error) {
	if !e.state.CompareAndSwap(int32(Idle), int32(Sweeping)) {
		return Report{}, ErrSweepInProgress
	}
	defer e.state.Store(int32(Idle))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retention: sweep panicked: %v", r)
		}
	}()

	cutoff := e.now().Add(-e.maxAge)
	_, err = e.target.Retain(ctx, func(rec metadata.FileRecord) bool {
		report.Scanned++
		return e.keep(ctx, rec, cutoff, &report)
	})
	return report, err
}

func (e *Engine) keep(ctx context.Context, rec metadata.FileRecord, cutoff time.Time, report *Report) bool {
	effective := rec.LastAccess
	if effective.IsZero() {
		effective = rec.CreatedAt
	}

	at, err := e.target.AccessTime(ctx, rec)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fwlog.Infof("retention: dropping %s, bytes are gone", rec.PublicKey)
		report.Missing++
		return false
	case err != nil:
		fwlog.Debugf("retention: access time of %s: %v", rec.PublicKey, err)
	case at.After(effective):
		effective = at
	}

	if !effective.Before(cutoff) {
		return true
	}
	if err := e.target.Purge(ctx, rec); err != nil {
		fwlog.Error(fmt.Errorf("%w: purge %s: %w", ErrPartialFailure, rec.PublicKey, err))
		report.Failed++
		return true
	}
	fwlog.Debugf("retention: evicted %s, last access %s", rec.PublicKey, effective.Format(time.RFC3339))
	report.Evicted++
	return false
}

// cronLogger routes scheduler messages to fwlog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	fwlog.Debugf("retention: cron %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fwlog.Errorf("retention: cron %s: %v %v", msg, err, keysAndValues)
}
