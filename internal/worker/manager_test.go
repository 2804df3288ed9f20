package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunSerializesSameChat(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Run(context.Background(), 7, func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("expected tasks for one chat to run one at a time, saw %d concurrently", got)
	}
}

func TestShortQueueBlocksInsteadOfDropping(t *testing.T) {
	m := NewManager(WithQueueLen(1))
	defer m.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.Run(context.Background(), 3, func(ctx context.Context) error {
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("run %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if len(order) != 5 {
		t.Fatalf("expected every task to run, got %d", len(order))
	}
}

func TestRunDifferentChatsConcurrently(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(context.Background(), 1, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = m.Run(context.Background(), 2, func(ctx context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("chat 2 blocked behind chat 1")
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("chat 1: %v", err)
	}
}

func TestRunReturnsTaskError(t *testing.T) {
	m := NewManager()
	defer m.Stop()
	want := errors.New("nope")
	if err := m.Run(context.Background(), 1, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected task error, got %v", err)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	m := NewManager()
	defer m.Stop()
	err := m.Run(context.Background(), 3, func(context.Context) error { panic("kaboom") })
	if err == nil {
		t.Fatalf("expected error from panicking task")
	}
	// lane still usable
	if err := m.Run(context.Background(), 3, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lane unusable after panic: %v", err)
	}
}

func TestCancelledCallerTaskStillCompletes(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := make(chan error, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx, 9, func(taskCtx context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			finished <- taskCtx.Err()
			return nil
		})
	}()
	<-started
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller to see cancellation, got %v", err)
	}
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("task context should not be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task never finished")
	}
}

func TestIdleLanesAreReaped(t *testing.T) {
	m := NewManager(WithIdleTimeout(10 * time.Millisecond))
	defer m.Stop()

	for key := int64(1); key <= 3; key++ {
		if err := m.Run(context.Background(), key, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveLanes() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("lanes not reaped, %d still active", m.ActiveLanes())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// a reaped lane is recreated on demand
	if err := m.Run(context.Background(), 1, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("run after reap: %v", err)
	}
}

func TestStoppedManagerRejectsWork(t *testing.T) {
	m := NewManager()
	m.Stop()
	m.Stop()
	if err := m.Run(context.Background(), 1, func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
