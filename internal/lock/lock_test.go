package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWithSerialises(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var inside, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.With(ctx, "sess-1", "test", func() error {
				mu.Lock()
				inside++
				if inside > max {
					max = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Errorf("max concurrent holders = %d, want 1", max)
	}
}

func TestDifferentSessionsRunConcurrently(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = r.With(ctx, "sess-1", "holder", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = r.With(ctx, "sess-2", "other", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on sess-1 blocked sess-2")
	}
	close(release)
}

func TestTryWithSkipsWhenHeld(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = r.With(ctx, "sess-1", "treatment", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ran, err := r.TryWith("sess-1", "tick", func() error {
		t.Error("fn ran while lock was held")
		return nil
	})
	if err != nil {
		t.Fatalf("TryWith: %v", err)
	}
	if ran {
		t.Error("TryWith reported ran=true while lock was held")
	}
	close(release)

	// Once free, the next TryWith must run.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ran, err = r.TryWith("sess-1", "tick", func() error { return nil })
		if err != nil {
			t.Fatalf("TryWith: %v", err)
		}
		if ran {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("TryWith never ran after release")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPanicReleasesLock(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	err := r.With(ctx, "sess-1", "explode", func() error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("panic was not surfaced as an error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry the panic value", err)
	}

	// The lock must be free again.
	ran, err := r.TryWith("sess-1", "after", func() error { return nil })
	if err != nil || !ran {
		t.Fatalf("lock not released after panic: ran=%v err=%v", ran, err)
	}
}

func TestWithHonoursContext(t *testing.T) {
	r := NewRegistry()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = r.With(context.Background(), "sess-1", "holder", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.With(ctx, "sess-1", "waiter", func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestErrorPassthrough(t *testing.T) {
	r := NewRegistry()
	sentinel := errors.New("treatment failed")
	err := r.With(context.Background(), "sess-1", "treat", func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
}
