package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/valamuri2020/FYDP-2025-G55/shared/compact"
	"github.com/valamuri2020/FYDP-2025-G55/shared/router"
)

type countingRunner struct {
	mu         sync.Mutex
	thresholds []time.Duration
}

func (c *countingRunner) Run(_ context.Context, threshold time.Duration) (compact.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = append(c.thresholds, threshold)
	return compact.Summary{}, nil
}

func (c *countingRunner) calls() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.thresholds...)
}

func TestConsumeRequests(t *testing.T) {
	ch := make(chan *router.Message, 4)
	ch <- &router.Message{Subject: router.SubjectCompact}
	ch <- &router.Message{Subject: router.SubjectCompact, Data: []byte(`{"threshold_s": 30}`)}
	ch <- &router.Message{Subject: router.SubjectCompact, Data: []byte(`not json`)}
	close(ch)

	r := &countingRunner{}
	consumeRequests(context.Background(), ch, r)

	got := r.calls()
	if len(got) != 2 || got[0] != 0 || got[1] != 30*time.Second {
		t.Fatalf("thresholds %v", got)
	}
}

func TestSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &countingRunner{}
	done := make(chan struct{})
	go func() {
		schedule(ctx, 5*time.Millisecond, r)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.calls()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never ran twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRunOnceSurvivesErrors(t *testing.T) {
	// Neither outcome may panic or stop the trigger loop.
	runOnce(context.Background(), failingRunner{compact.ErrAlreadyRunning}, 0, "test")
	runOnce(context.Background(), failingRunner{context.DeadlineExceeded}, 0, "test")
}

type failingRunner struct{ err error }

func (f failingRunner) Run(context.Context, time.Duration) (compact.Summary, error) {
	return compact.Summary{}, f.err
}

func TestConsumeRequests_RejectsOutOfRangeThreshold(t *testing.T) {
	ch := make(chan *router.Message, 4)
	ch <- &router.Message{Subject: router.SubjectCompact, Data: []byte(`{"threshold_s": 1e300}`)}
	ch <- &router.Message{Subject: router.SubjectCompact, Data: []byte(`{"threshold_s": -5}`)}
	ch <- &router.Message{Subject: router.SubjectCompact, Data: []byte(`{"threshold_s": 604800}`)}
	close(ch)

	r := &countingRunner{}
	consumeRequests(context.Background(), ch, r)

	got := r.calls()
	if len(got) != 1 || got[0] != compact.MaxThreshold {
		t.Fatalf("thresholds %v, want only %v", got, compact.MaxThreshold)
	}
}
