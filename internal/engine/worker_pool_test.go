package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_ProcessesEverythingSubmitted(t *testing.T) {
	var sum atomic.Int64
	p := NewPool[int](context.Background(), 4, 100, func(_ context.Context, n int) {
		sum.Add(int64(n))
	})
	for i := 1; i <= 100; i++ {
		if !p.Submit(i) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	p.Drain()
	if got := sum.Load(); got != 5050 {
		t.Errorf("sum = %d, want 5050", got)
	}
}

func TestPool_SubmitFailsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	var once sync.Once
	p := NewPool[int](context.Background(), 1, 1, func(_ context.Context, _ int) {
		once.Do(started.Done)
		<-release
	})

	if !p.Submit(1) {
		t.Fatal("first submit rejected")
	}
	started.Wait() // worker holds job 1
	if !p.Submit(2) {
		t.Fatal("second submit should fill the queue")
	}
	if p.Submit(3) {
		t.Error("third submit should be rejected, queue is full")
	}
	if u := p.Utilization(); u != 1 {
		t.Errorf("utilization = %v, want 1", u)
	}
	close(release)
	p.Drain()
}

func TestPool_DrainRunsQueuedWorkAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var done atomic.Int32
	p := NewPool[int](ctx, 1, 10, func(_ context.Context, _ int) {
		time.Sleep(time.Millisecond)
		done.Add(1)
	})
	for i := 0; i < 5; i++ {
		p.Submit(i)
	}
	cancel()
	p.Drain()
	if done.Load() != 5 {
		t.Errorf("processed %d of 5 queued jobs", done.Load())
	}
	if p.Submit(6) {
		t.Error("submit after drain should be rejected")
	}
}
