// Package jobs runs periodic housekeeping next to the hub.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Pruner deletes stored events older than a cutoff
type Pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Summarizer writes a status line to the log
type Summarizer interface {
	LogSummary(ctx context.Context) error
}

// Config controls which jobs run. A zero duration disables that job.
type Config struct {
	Retention    time.Duration
	PruneEvery   time.Duration
	SummaryEvery time.Duration
}

// Scheduler owns the housekeeping jobs
type Scheduler struct {
	sched     gocron.Scheduler
	pruner    Pruner
	summary   Summarizer
	retention time.Duration
	now       func() time.Time
}

// Start schedules the configured jobs. pruner may be nil when there is no
// durable store.
func Start(cfg Config, pruner Pruner, summary Summarizer) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	s := &Scheduler{
		sched:     sched,
		pruner:    pruner,
		summary:   summary,
		retention: cfg.Retention,
		now:       time.Now,
	}

	if pruner != nil && cfg.Retention > 0 {
		every := cfg.PruneEvery
		if every <= 0 {
			every = time.Hour
		}
		_, err := sched.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				s.PruneOnce(ctx)
			}),
			gocron.WithName("prune-events"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			sched.Shutdown()
			return nil, fmt.Errorf("scheduling event pruning: %w", err)
		}
	}

	if summary != nil && cfg.SummaryEvery > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(cfg.SummaryEvery),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := summary.LogSummary(ctx); err != nil {
					log.Printf("Error writing status summary: %v", err)
				}
			}),
			gocron.WithName("status-summary"),
		)
		if err != nil {
			sched.Shutdown()
			return nil, fmt.Errorf("scheduling status summary: %w", err)
		}
	}

	sched.Start()
	return s, nil
}

// PruneOnce removes events older than the retention window
func (s *Scheduler) PruneOnce(ctx context.Context) (int64, error) {
	if s.pruner == nil || s.retention <= 0 {
		return 0, nil
	}
	n, err := s.pruner.PruneEvents(ctx, s.now().Add(-s.retention))
	if err != nil {
		log.Printf("Error pruning events: %v", err)
		return 0, err
	}
	if n > 0 {
		log.Printf("Pruned %d events older than %s", n, s.retention)
	}
	return n, nil
}

// Jobs returns the names of the scheduled jobs
func (s *Scheduler) Jobs() []string {
	var names []string
	for _, j := range s.sched.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

// Shutdown stops the scheduler and waits for running jobs
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
