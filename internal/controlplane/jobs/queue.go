package jobs

import "sync"

// Queue is an unbounded FIFO of job ids awaiting assignment. Producers
// never block; a backlog simply grows.
type Queue struct {
	mu    sync.Mutex
	items []string
}

func NewQueue() *Queue { return &Queue{} }

// Enqueue appends id at the tail.
func (q *Queue) Enqueue(id string) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
}

// PushFront puts id back at the head, used when a dequeued job finds no
// idle worker.
func (q *Queue) PushFront(id string) {
	q.mu.Lock()
	q.items = append([]string{id}, q.items...)
	q.mu.Unlock()
}

// TryDequeue pops the head if the queue is non-empty.
func (q *Queue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return id, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the pending ids, head first.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}
