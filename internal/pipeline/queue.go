package pipeline

import "sync"

// KeyedQueue serializes tasks per key while letting different keys run in
// parallel. Tasks enqueued under the same key execute strictly in enqueue
// order; each active key is drained by a single goroutine.
type KeyedQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	active  map[string]bool
	wg      sync.WaitGroup
}

func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{
		pending: make(map[string][]func()),
		active:  make(map[string]bool),
	}
}

// Enqueue schedules task under key. It never blocks the caller.
func (q *KeyedQueue) Enqueue(key string, task func()) {
	q.mu.Lock()
	q.pending[key] = append(q.pending[key], task)
	if q.active[key] {
		q.mu.Unlock()
		return
	}
	q.active[key] = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain(key)
}

func (q *KeyedQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		tasks := q.pending[key]
		if len(tasks) == 0 {
			delete(q.pending, key)
			delete(q.active, key)
			q.mu.Unlock()
			return
		}
		task := tasks[0]
		q.pending[key] = tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Wait blocks until every enqueued task has finished. Used on shutdown.
func (q *KeyedQueue) Wait() {
	q.wg.Wait()
}
