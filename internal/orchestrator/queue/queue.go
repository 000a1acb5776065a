// Package queue holds spawn requests that could not start immediately
// because the host was at its concurrent-agent cap. Debug runs spawn
// several siblings at once, so overflow is expected there.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("spawn queue is full")
	// ErrSpawnExists is returned when the session is already queued.
	ErrSpawnExists = errors.New("spawn already queued")
)

// QueuedSpawn is one deferred spawn. Payload carries the caller's
// request untouched; the queue orders on Priority then arrival.
type QueuedSpawn struct {
	SessionID string
	Priority  int // higher first
	QueuedAt  time.Time
	Payload   interface{}
	index     int
}

type spawnHeap []*QueuedSpawn

func (h spawnHeap) Len() int { return len(h) }

func (h spawnHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h spawnHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *spawnHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedSpawn)
	item.index = n
	*h = append(*h, item)
}

func (h *spawnHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// SpawnQueue is a bounded priority queue of deferred spawns.
type SpawnQueue struct {
	mu      sync.RWMutex
	heap    spawnHeap
	byID    map[string]*QueuedSpawn
	maxSize int
}

// NewSpawnQueue creates a queue. maxSize 0 means unbounded.
func NewSpawnQueue(maxSize int) *SpawnQueue {
	q := &SpawnQueue{
		heap:    make(spawnHeap, 0),
		byID:    make(map[string]*QueuedSpawn),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a deferred spawn.
func (q *SpawnQueue) Enqueue(sessionID string, priority int, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[sessionID]; exists {
		return ErrSpawnExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}
	qs := &QueuedSpawn{
		SessionID: sessionID,
		Priority:  priority,
		QueuedAt:  time.Now(),
		Payload:   payload,
	}
	heap.Push(&q.heap, qs)
	q.byID[sessionID] = qs
	return nil
}

// Dequeue removes and returns the highest priority spawn, or nil.
func (q *SpawnQueue) Dequeue() *QueuedSpawn {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qs := heap.Pop(&q.heap).(*QueuedSpawn)
	delete(q.byID, qs.SessionID)
	return qs
}

// Peek returns the head without removing it.
func (q *SpawnQueue) Peek() *QueuedSpawn {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove drops a queued spawn by session id.
func (q *SpawnQueue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qs, exists := q.byID[sessionID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, qs.index)
	delete(q.byID, sessionID)
	return true
}

// Contains reports whether a session is queued.
func (q *SpawnQueue) Contains(sessionID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.byID[sessionID]
	return exists
}

// Len returns the number of queued spawns.
func (q *SpawnQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
