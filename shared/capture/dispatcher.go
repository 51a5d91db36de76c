package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("capture queue full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("capture dispatcher stopped")
)

// Stats are running totals since the dispatcher started.
type Stats struct {
	Queued    int   `json:"queued"`
	Stored    int64 `json:"stored"`
	NoFrames  int64 `json:"no_frames"`
	Failed    int64 `json:"failed"`
	Submitted int64 `json:"submitted"`
}

// Dispatcher runs capture jobs in the background on a fixed set of workers.
// Submit never blocks the caller; jobs are decoupled from the request that
// brought them in and bounded only by JobTimeout.
type Dispatcher struct {
	proc       *Processor
	jobs       chan Job
	jobTimeout time.Duration
	log        *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	stored    atomic.Int64
	noFrames  atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher starts workers goroutines consuming a queue of queueSize jobs.
func NewDispatcher(proc *Processor, workers, queueSize int, jobTimeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	d := &Dispatcher{
		proc:       proc,
		jobs:       make(chan Job, queueSize),
		jobTimeout: jobTimeout,
		log:        proc.logger(),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// Submit queues job for background processing.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.jobs <- job:
		d.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits for queued and in-flight jobs to finish,
// or for ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current totals.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.jobs),
		Submitted: d.submitted.Load(),
		Stored:    d.stored.Load(),
		NoFrames:  d.noFrames.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for job := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
		start := time.Now()
		res, err := d.proc.Process(ctx, job)
		cancel()

		switch {
		case err != nil:
			d.failed.Add(1)
			d.log.Error("capture job failed",
				"request_id", job.ID,
				"worker", n,
				"frames", res.Frames,
				"err", err,
				"elapsed", time.Since(start),
			)
		case res.NoFrames:
			d.noFrames.Add(1)
		default:
			d.stored.Add(1)
			d.log.Debug("capture job done", "request_id", job.ID, "key", res.Key, "elapsed", time.Since(start))
		}
	}
}
