// Package scheduler ticks lockstep controllers from a single goroutine.
package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/rs/zerolog"
)

var _ lockstep.Scheduler = (*Scheduler)(nil)

// Scheduler calls Tick on every registered updateable at a fixed interval. All ticks and posted
// functions run on the goroutine executing Run, so the controllers it drives never see concurrent
// calls. Add, Remove and Post are safe to call from any goroutine, including from inside a tick.
type Scheduler struct {
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	items  []lockstep.Updateable
	posted []func()
}

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(interval time.Duration, opts ...Option) *Scheduler {
	assert.That(interval > 0, "scheduler interval must be positive, got %s", interval)
	s := &Scheduler{interval: interval, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers u. Adding an updateable twice has no effect.
func (s *Scheduler) Add(u lockstep.Updateable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.items, u) {
		return
	}
	s.items = append(s.items, u)
}

func (s *Scheduler) Remove(u lockstep.Updateable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = slices.DeleteFunc(slices.Clone(s.items), func(it lockstep.Updateable) bool { return it == u })
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Post queues fn to run on the scheduler goroutine before the next round of ticks.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, fn)
}

// TickOnce runs the posted functions, then ticks every updateable once in registration order.
func (s *Scheduler) TickOnce() {
	s.mu.Lock()
	posted := s.posted
	s.posted = nil
	items := s.items
	s.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
	for _, u := range items {
		u.Tick()
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug().Dur("interval", s.interval).Msg("scheduler running")
	for {
		select {
		case <-ticker.C:
			s.TickOnce()
		case <-ctx.Done():
			s.logger.Debug().Msg("scheduler stopped")
			return ctx.Err()
		}
	}
}
