package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - periodic jobs with non-overlap guards
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every job runs on its own ticker, and each iteration runs in its own
// goroutine guarded by a busy flag: a tick that arrives while the previous
// iteration is still running is dropped instead of overlapping. Overlapping
// a reconcile cycle, for example, would double-count missing positions.
// Wait drains in-flight iterations after cancellation.
//
// ═══════════════════════════════════════════════════════════════════════════════

type job struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	busy     atomic.Bool
}

type Scheduler struct {
	jobs []*job
	wg   sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{}
}

// Every registers a periodic job. Must be called before Start.
func (s *Scheduler) Every(interval time.Duration, name string, fn func(context.Context)) {
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Start launches all jobs and returns. Jobs stop when ctx is canceled;
// Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j)
	}
	log.Info().Int("jobs", len(s.jobs)).Msg("⏰ Scheduler started")
}

// Wait blocks until all jobs have returned after cancellation
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !j.busy.CompareAndSwap(false, true) {
				log.Debug().Str("job", j.name).Msg("Previous iteration still running, tick dropped")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.busy.Store(false)
				j.fn(ctx)
			}()
		}
	}
}

// DailyAt runs fn at every UTC-midnight boundary via a one-shot timer that
// re-arms itself after each firing.
func (s *Scheduler) DailyAt(ctx context.Context, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := untilNextUTCMidnight(time.Now().UTC())
			log.Info().Dur("in", wait).Msg("⏰ Daily reset armed")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				fn(ctx)
			}
		}
	}()
}

func untilNextUTCMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next.Sub(now)
}
