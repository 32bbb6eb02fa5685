// Package ratelimit enforces per-provider RPM and daily caps. State is a
// JSON file per provider guarded by an OS file lock, so a CLI invocation and
// a long-running server on the same host share one budget.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"receiptwise/internal/receipt"
)

const (
	window          = 60 * time.Second
	lockTimeout     = 10 * time.Second
	lockPollEvery   = 50 * time.Millisecond
	maxAdmitRetries = 3 // bounds total wait to roughly one window past first call
)

// State is the persisted limiter state for one provider.
type State struct {
	// Timestamps of admissions within the last minute, oldest first.
	Timestamps []time.Time `json:"timestamps"`
	// Day is the day string in the reference zone paired with DayCount.
	Day      string `json:"day"`
	DayCount int    `json:"day_count"`
}

// Limiter admits calls for a single provider.
type Limiter struct {
	provider  string
	statePath string
	lockPath  string
	rpm       int
	rpd       int
	loc       *time.Location
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter. zone is the reference zone for the daily reset;
// invalid zone names fall back to America/Los_Angeles.
func New(dataDir, provider string, rpm, rpd int, zone string, logger *zap.Logger) *Limiter {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		loc, _ = time.LoadLocation("America/Los_Angeles")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		provider:  provider,
		statePath: filepath.Join(dataDir, "rate_limiter_"+provider+".json"),
		lockPath:  filepath.Join(dataDir, "rate_limiter_"+provider+".lock"),
		rpm:       rpm,
		rpd:       rpd,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckAndWait blocks until the call is admitted or fails. RPM saturation
// sleeps until the oldest in-window admission ages out and retries a bounded
// number of times; RPD saturation fails with ErrDailyQuotaExceeded.
func (l *Limiter) CheckAndWait(ctx context.Context) error {
	for attempt := 0; attempt <= maxAdmitRetries; attempt++ {
		delay, err := l.tryAdmit(ctx)
		if err != nil {
			return err
		}
		if delay <= 0 {
			return nil
		}
		l.logger.Debug("rate limited, waiting",
			zap.String("provider", l.provider),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1))
		if err := l.sleep(ctx, delay); err != nil {
			return fmt.Errorf("rate limit wait: %w", receipt.ErrCanceled)
		}
	}
	return fmt.Errorf("provider %s: admission not granted after %d waits: %w",
		l.provider, maxAdmitRetries, receipt.ErrUpstreamUnavailable)
}

// tryAdmit performs one locked check. It returns a positive delay when the
// minute window is full, zero on admission.
func (l *Limiter) tryAdmit(ctx context.Context) (time.Duration, error) {
	lock := flock.New(l.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(lockCtx, lockPollEvery)
	if err != nil || !ok {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("provider %s: acquire state lock: %w", l.provider, receipt.ErrCanceled)
		}
		return 0, fmt.Errorf("provider %s: acquire state lock: %w", l.provider, receipt.ErrUpstreamUnavailable)
	}
	defer lock.Unlock()

	state := l.loadState()
	now := l.now()

	// Daily reset in the reference zone.
	today := now.In(l.loc).Format("2006-01-02")
	if state.Day != today {
		state.Day = today
		state.DayCount = 0
	}
	if state.DayCount >= l.rpd {
		return 0, fmt.Errorf("provider %s: %d of %d daily requests used: %w",
			l.provider, state.DayCount, l.rpd, receipt.ErrDailyQuotaExceeded)
	}

	// Prune the rolling minute window.
	cutoff := now.Add(-window)
	pruned := state.Timestamps[:0]
	for _, ts := range state.Timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	state.Timestamps = pruned

	if len(state.Timestamps) >= l.rpm {
		oldest := state.Timestamps[0]
		return oldest.Add(window).Sub(now) + 10*time.Millisecond, nil
	}

	state.Timestamps = append(state.Timestamps, now)
	state.DayCount++
	l.saveState(state)
	return 0, nil
}

func (l *Limiter) loadState() *State {
	state := &State{}
	data, err := os.ReadFile(l.statePath)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, state); err != nil {
		l.logger.Warn("rate limiter state unreadable, resetting", zap.String("provider", l.provider), zap.Error(err))
		return &State{}
	}
	return state
}

// saveState persists best-effort: a full disk must not deny all calls.
func (l *Limiter) saveState(state *State) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := os.WriteFile(l.statePath, data, 0o644); err != nil {
		l.logger.Warn("rate limiter state not persisted", zap.String("provider", l.provider), zap.Error(err))
	}
}

// Usage reports today's persisted counter for the status command.
func (l *Limiter) Usage() (day string, count, cap int) {
	state := l.loadState()
	return state.Day, state.DayCount, l.rpd
}

// Registry hands out one limiter per provider key.
type Registry struct {
	dataDir string
	zone    string
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty registry rooted at dataDir.
func NewRegistry(dataDir, zone string, logger *zap.Logger) *Registry {
	return &Registry{
		dataDir:  dataDir,
		zone:     zone,
		logger:   logger,
		limiters: make(map[string]*Limiter),
	}
}

// Get returns the singleton limiter for a provider, creating it on first use.
func (r *Registry) Get(provider string, rpm, rpd int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l := New(r.dataDir, provider, rpm, rpd, r.zone, r.logger)
	r.limiters[provider] = l
	return l
}
