package state

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryIncr(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		count, err := m.Incr(ctx, "key", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
	}

	// Different key starts its own window.
	count, err := m.Incr(ctx, "other", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if count != 1 {
		t.Fatalf("independent key count = %d, want 1", count)
	}
}

func TestMemoryIncrWindowExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	if count, _ := m.Incr(ctx, "key", time.Minute); count != 1 {
		t.Fatalf("first count = %d, want 1", count)
	}
	if count, _ := m.Incr(ctx, "key", time.Minute); count != 2 {
		t.Fatalf("second count = %d, want 2", count)
	}

	now = now.Add(61 * time.Second)
	if count, _ := m.Incr(ctx, "key", time.Minute); count != 1 {
		t.Fatalf("count after window = %d, want fresh 1", count)
	}
}

func TestMemorySeenOnce(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	seen, err := m.SeenOnce(ctx, "fp", time.Hour)
	if err != nil {
		t.Fatalf("SeenOnce: %v", err)
	}
	if seen {
		t.Fatal("first observation should not be seen")
	}

	seen, _ = m.SeenOnce(ctx, "fp", time.Hour)
	if !seen {
		t.Fatal("second observation should be seen")
	}
}

func TestMemorySeenOnceHorizonExpiry(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	m.SeenOnce(ctx, "fp", time.Hour)

	now = now.Add(2 * time.Hour)
	seen, _ := m.SeenOnce(ctx, "fp", time.Hour)
	if seen {
		t.Fatal("entry past its horizon should read as unseen")
	}
}

func TestMemoryIncrConcurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := m.Incr(ctx, "shared", time.Minute); err != nil {
				t.Errorf("Incr: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := m.Incr(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if count != workers+1 {
		t.Fatalf("count = %d, want %d: updates were lost or doubled", count, workers+1)
	}
}

func TestMemorySeenOnceConcurrent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	const workers = 50
	firsts := make(chan bool, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			seen, err := m.SeenOnce(ctx, "shared", time.Hour)
			if err != nil {
				t.Errorf("SeenOnce: %v", err)
				return
			}
			if !seen {
				firsts <- true
			}
		}()
	}
	wg.Wait()
	close(firsts)

	if got := len(firsts); got != 1 {
		t.Fatalf("exactly one caller should observe first-seen, got %d", got)
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	m.Incr(ctx, "key", time.Minute)
	m.SeenOnce(ctx, "fp", time.Minute)

	now = now.Add(2 * time.Minute)
	m.sweep()

	s := m.shardFor("key")
	s.mu.Lock()
	_, hasCounter := s.counters["key"]
	s.mu.Unlock()
	if hasCounter {
		t.Error("sweep should evict expired counters")
	}

	s = m.shardFor("fp")
	s.mu.Lock()
	_, hasSeen := s.seen["fp"]
	s.mu.Unlock()
	if hasSeen {
		t.Error("sweep should evict expired seen entries")
	}
}
