// Package scheduler runs periodic maintenance jobs: pruning idle rate limit
// buckets, sweeping expired idempotency records and purging delivered outbox
// rows past retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/metrics"
)

// Job is one periodic task. Run returns how many items it removed.
type Job struct {
	Name   string
	Every  time.Duration
	Jitter time.Duration
	Run    func(ctx context.Context) (int, error)
}

// Result is the outcome of one job run.
type Result struct {
	Job     string
	Removed int
	Err     error
}

// Scheduler runs each job on its own jittered ticker.
type Scheduler struct {
	jobs   []Job
	events *events.Hub
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a Scheduler. A nil hub gets a private one.
func New(jobs []Job, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(16)
	}
	return &Scheduler{
		jobs:   jobs,
		events: hub,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start validates the jobs and starts one loop per job. It returns
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	seen := map[string]bool{}
	for _, j := range s.jobs {
		if j.Name == "" || j.Run == nil {
			return errors.New("scheduler job needs a name and a run func")
		}
		if j.Every <= 0 {
			return fmt.Errorf("job %s: interval must be positive", j.Name)
		}
		if seen[j.Name] {
			return fmt.Errorf("job %s registered twice", j.Name)
		}
		seen[j.Name] = true
	}
	s.started = true

	s.logger.Info("starting scheduler", "jobs", len(s.jobs))
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

// Stop stops every loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	timer := time.NewTimer(jitteredInterval(j.Every, j.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.run(ctx, j)
			timer.Reset(jitteredInterval(j.Every, j.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce runs every job once, in registration order.
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	out := make([]Result, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.run(ctx, j))
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, j Job) Result {
	n, err := j.Run(ctx)
	res := Result{Job: j.Name, Removed: n, Err: err}
	if err != nil {
		s.logger.Error("maintenance job failed", "job", j.Name, "error", err)
		return res
	}
	if n > 0 {
		metrics.MaintenanceRemovedTotal.WithLabelValues(j.Name).Add(float64(n))
		s.events.Publish(events.MaintenanceRan, map[string]any{"job": j.Name, "removed": n})
		s.logger.Info("maintenance job removed items", "job", j.Name, "removed", n)
	} else {
		s.logger.Debug("maintenance job ran", "job", j.Name)
	}
	return res
}

// jitteredInterval adds up to jitter of random delay to base.
func jitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)+1))
}
