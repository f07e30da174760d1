package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
)

// dueJobLimit bounds how many jobs one tick hands to the worker pool.
const dueJobLimit = 50

// Submitter accepts claimed jobs for execution.
type Submitter interface {
	Submit(job *storage.Job) bool
}

// Scheduler moves due SCHEDULED jobs to QUEUED and hands them to the pool.
// Jobs stuck QUEUED or IN_PROGRESS for longer than staleAfter, left behind by
// a crashed process, go back to SCHEDULED first.
type Scheduler struct {
	store      storage.JobStore
	workerPool Submitter
	log        logrus.FieldLogger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	stopChan   chan struct{}
	done       chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(store storage.JobStore, workerPool Submitter, interval, staleAfter time.Duration, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		store:      store,
		workerPool: workerPool,
		log:        log,
		interval:   interval,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx := context.Background()
				s.recoverStaleJobs(ctx)
				s.processScheduledJobs(ctx)
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stopChan)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// recoverStaleJobs puts abandoned jobs back to SCHEDULED so the next pass
// claims them again. Their sendAt is already past, so they run right away.
func (s *Scheduler) recoverStaleJobs(ctx context.Context) int {
	if s.staleAfter <= 0 {
		return 0
	}
	jobs, err := s.store.GetStaleJobs(ctx, s.now().Add(-s.staleAfter), dueJobLimit)
	if err != nil {
		s.log.WithError(err).Error("Error fetching stale jobs")
		return 0
	}

	recovered := 0
	for _, job := range jobs {
		log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "status": job.Status})
		if err := s.store.ClaimJob(ctx, job.ID, job.Status, storage.JobScheduled); err != nil {
			if !errors.Is(err, storage.Errors.Conflict) {
				log.WithError(err).Error("Error recovering stale job")
			}
			continue
		}
		log.Warn("Recovered stale job")
		recovered++
	}
	return recovered
}

func (s *Scheduler) processScheduledJobs(ctx context.Context) int {
	jobs, err := s.store.GetDueJobs(ctx, s.now(), dueJobLimit)
	if err != nil {
		s.log.WithError(err).Error("Error fetching scheduled jobs")
		return 0
	}

	submitted := 0
	for i := range jobs {
		job := &jobs[i]
		log := s.log.WithField("job_id", job.ID)

		if err := s.store.ClaimJob(ctx, job.ID, storage.JobScheduled, storage.JobQueued); err != nil {
			if !errors.Is(err, storage.Errors.Conflict) {
				log.WithError(err).Error("Error claiming scheduled job")
			}
			continue
		}
		job.Status = storage.JobQueued

		if !s.workerPool.Submit(job) {
			// Put it back so the next tick retries.
			if err := s.store.ClaimJob(ctx, job.ID, storage.JobQueued, storage.JobScheduled); err != nil {
				log.WithError(err).Error("Error releasing scheduled job")
			}
			continue
		}
		submitted++
	}
	return submitted
}
