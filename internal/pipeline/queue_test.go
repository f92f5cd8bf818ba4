package pipeline

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedQueueFIFOPerKey(t *testing.T) {
	q := NewKeyedQueue()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		i := i
		q.Enqueue("conv-a", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Wait()

	if len(order) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, tasks ran out of order", i, got)
		}
	}
}

func TestKeyedQueueKeysRunInParallel(t *testing.T) {
	q := NewKeyedQueue()

	// Key A blocks until key B has run; only cross-key parallelism lets
	// this finish.
	bDone := make(chan struct{})
	q.Enqueue("conv-a", func() {
		select {
		case <-bDone:
		case <-time.After(5 * time.Second):
			t.Error("key A task timed out waiting for key B")
		}
	})
	q.Enqueue("conv-b", func() { close(bDone) })
	q.Wait()
}

func TestKeyedQueueEnqueueDuringDrain(t *testing.T) {
	q := NewKeyedQueue()

	var mu sync.Mutex
	var order []string
	q.Enqueue("conv-a", func() {
		q.Enqueue("conv-a", func() {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
		})
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	q.Wait()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestKeyedQueueReleasesIdleKeys(t *testing.T) {
	q := NewKeyedQueue()
	keys := []string{"conv-a", "conv-b", "conv-c", "conv-d"}
	for _, key := range keys {
		q.Enqueue(key, func() {})
	}
	q.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.active) != 0 {
		t.Errorf("active keys after drain = %d, want 0 (map must not grow per conversation)", len(q.active))
	}
	if len(q.pending) != 0 {
		t.Errorf("pending keys after drain = %d, want 0", len(q.pending))
	}
}

func TestKeyedQueueReuseAfterDrain(t *testing.T) {
	q := NewKeyedQueue()

	ran := make(chan struct{}, 2)
	q.Enqueue("conv-a", func() { ran <- struct{}{} })
	q.Wait()
	q.Enqueue("conv-a", func() { ran <- struct{}{} })
	q.Wait()

	if len(ran) != 2 {
		t.Errorf("ran %d tasks, want 2", len(ran))
	}
}
