package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/clipstore"
)

// DefaultReportKey is where Runner keeps the last run's summary. It sits
// outside the clip prefix so it never shows up in a clip listing.
const DefaultReportKey = "_meta/last-compaction.json"

// Runner serialises compaction runs and keeps the last summary in the store.
// Triggers that arrive while a run is in progress get ErrAlreadyRunning; the
// in-flight run will see any clips they were about.
type Runner struct {
	Compactor        *Compactor
	DefaultThreshold time.Duration // used when Run gets threshold <= 0
	ReportKey        string        // default DefaultReportKey
	// RunTimeout bounds a run launched by Start. Zero means no bound.
	RunTimeout time.Duration

	mu sync.Mutex
	wg sync.WaitGroup
}

func (r *Runner) reportKey() string {
	if r.ReportKey == "" {
		return DefaultReportKey
	}
	return r.ReportKey
}

// Run performs one compaction unless another is already running.
func (r *Runner) Run(ctx context.Context, threshold time.Duration) (Summary, error) {
	if !r.mu.TryLock() {
		return Summary{}, ErrAlreadyRunning
	}
	defer r.mu.Unlock()
	return r.run(ctx, threshold)
}

// Start launches a compaction in the background and returns when it has been
// claimed, with the time it was accepted. The run keeps ctx's values but not
// its cancellation, so it outlives the request that asked for it. Its summary
// becomes the last report once it finishes.
func (r *Runner) Start(ctx context.Context, threshold time.Duration) (time.Time, error) {
	if !r.mu.TryLock() {
		return time.Time{}, ErrAlreadyRunning
	}
	accepted := time.Now().UTC()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.mu.Unlock()

		runCtx := context.WithoutCancel(ctx)
		if r.RunTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, r.RunTimeout)
			defer cancel()
		}
		if _, err := r.run(runCtx, threshold); err != nil {
			r.Compactor.logger().Error("background compaction failed", "err", err)
		}
	}()
	return accepted, nil
}

// Wait blocks until every run launched by Start has finished, or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, threshold time.Duration) (Summary, error) {
	if threshold <= 0 {
		threshold = r.DefaultThreshold
	}
	if threshold <= 0 {
		threshold = DefaultGap
	}
	sum, err := r.Compactor.Compact(ctx, threshold)
	if err != nil {
		return sum, err
	}
	if err := r.saveReport(context.WithoutCancel(ctx), sum); err != nil {
		r.Compactor.logger().Warn("save compaction report failed", "key", r.reportKey(), "err", err)
	}
	return sum, nil
}

func (r *Runner) saveReport(ctx context.Context, sum Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return r.Compactor.Store.Put(ctx, r.reportKey(), data, clipstore.ContentTypeFor("json"))
}

// LastReport returns the summary of the most recent successful run. ok is
// false when no run has been recorded yet.
func (r *Runner) LastReport(ctx context.Context) (sum Summary, ok bool, err error) {
	data, err := r.Compactor.Store.Get(ctx, r.reportKey())
	if clipstore.IsNotFound(err) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		return Summary{}, false, fmt.Errorf("decode compaction report: %w", err)
	}
	return sum, true, nil
}

// Trigger counts stored clips and fires every Nth one. It is the ingest
// service's cue to request a compaction run.
type Trigger struct {
	every int64
	n     atomic.Int64
}

// NewTrigger fires once per every observations. every <= 0 never fires.
func NewTrigger(every int) *Trigger {
	return &Trigger{every: int64(every)}
}

// Observe records one stored clip and reports whether a compaction should be
// requested now.
func (t *Trigger) Observe() bool {
	if t == nil || t.every <= 0 {
		return false
	}
	return t.n.Add(1)%t.every == 0
}

// Count returns the number of observations so far.
func (t *Trigger) Count() int64 {
	if t == nil {
		return 0
	}
	return t.n.Load()
}
