package worker

import (
	"context"
	"sync"

	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
)

// Runner executes one dispatch job.
type Runner interface {
	RunJob(ctx context.Context, job *storage.Job) error
}

type Pool struct {
	runner     Runner
	jobChan    chan *storage.Job
	numWorkers int
	log        logrus.FieldLogger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	mu         sync.RWMutex
}

func NewPool(runner Runner, numWorkers, queueSize int, log logrus.FieldLogger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner:     runner,
		jobChan:    make(chan *storage.Job, queueSize),
		numWorkers: numWorkers,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker", id)

	for job := range p.jobChan {
		log.WithField("job_id", job.ID).Info("Processing job")
		if err := p.runner.RunJob(p.ctx, job); err != nil {
			log.WithError(err).WithField("job_id", job.ID).Error("Error processing job")
		}
	}

	log.Debug("Worker exiting")
}

// Submit queues a job. It returns false when the pool is stopped or the
// queue is full; the job stays QUEUED in the store either way.
func (p *Pool) Submit(job *storage.Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.WithField("job_id", job.ID).Warn("Worker pool is closed, rejecting job")
		return false
	}
	select {
	case p.jobChan <- job:
		return true
	default:
		p.log.WithField("job_id", job.ID).Warn("Worker queue is full, rejecting job")
		return false
	}
}

// Stop drains queued jobs and waits for running ones. Jobs still running
// when ctx expires are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.jobChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
