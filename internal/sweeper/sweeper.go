// Package sweeper periodically purges expired entries from in-memory stores
// that otherwise only expire lazily on read.
package sweeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Target drops stale entries and reports how many it removed.
type Target interface {
	Sweep() int
}

// TargetFunc adapts a function to Target.
type TargetFunc func() int

// Sweep calls f.
func (f TargetFunc) Sweep() int { return f() }

type named struct {
	name   string
	target Target
}

// Scheduler runs every registered target on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	targets []named
	logger  *zap.Logger
}

// New builds a Scheduler for spec, a standard cron expression or descriptor
// such as "@every 5m".
func New(spec string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{cron: cron.New(), logger: logger}
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	return s, nil
}

// Add registers a target. Targets added after Start run from the next tick.
func (s *Scheduler) Add(name string, t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, named{name: name, target: t})
}

// RunOnce sweeps every target immediately.
func (s *Scheduler) RunOnce() {
	s.mu.Lock()
	targets := append([]named(nil), s.targets...)
	s.mu.Unlock()

	for _, t := range targets {
		removed := t.target.Sweep()
		if removed > 0 {
			s.logger.Debug("swept expired entries", zap.String("target", t.name), zap.Int("removed", removed))
		}
	}
}

// Start begins the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sweeper: %w", ctx.Err())
	}
}
