package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := NewPool("test", 4, 16)

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	if got := atomic.LoadInt64(&count); got != 16 {
		t.Fatalf("ran %d tasks, want 16", got)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestPool_SubmitRejectsWhenFull(t *testing.T) {
	p := NewPool("test", 1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	// Queue slot.
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("queued submit failed: %v", err)
	}
	// Worker busy, queue full.
	if err := p.Submit(func() {}); err == nil {
		t.Fatal("expected rejection on full queue")
	}

	close(release)
	p.Stop(context.Background())
}

func TestPool_SubmitAfterStopFails(t *testing.T) {
	p := NewPool("test", 1, 1)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := p.Submit(func() {}); err == nil {
		t.Fatal("expected error submitting to stopped pool")
	}
}

func TestPool_StopHonorsContext(t *testing.T) {
	p := NewPool("test", 1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err == nil {
		t.Fatal("expected timeout stopping pool with a stuck task")
	}
	close(release)
}

func TestSemaphore_Bounds(t *testing.T) {
	s := NewSemaphore(2)

	if !s.TryAcquire() || !s.TryAcquire() {
		t.Fatal("acquire under capacity failed")
	}
	if s.TryAcquire() {
		t.Fatal("acquired over capacity")
	}

	s.Release()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if got := s.InFlight(); got != 2 {
		t.Fatalf("in flight = %d, want 2", got)
	}
}

func TestSemaphore_AcquireRespectsContext(t *testing.T) {
	s := NewSemaphore(1)
	s.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Fatal("expected context error acquiring a held semaphore")
	}
}

func TestFuture_FirstWriteWins(t *testing.T) {
	f := NewFuture[int]()
	f.Complete(7)
	f.Complete(8)
	f.Fail(nil)

	got, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got != 7 {
		t.Fatalf("value = %d, want 7", got)
	}
}

func TestFuture_WaitTimesOut(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatal("expected timeout on incomplete future")
	}
}
