package zigbee

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetryEntry is a deferred message waiting for the next drain.
type RetryEntry struct {
	ID         uuid.UUID
	Message    Message
	Reason     Reason
	EnqueuedAt time.Time
}

// RetryQueue is an unbounded FIFO of deferred messages.
//
// Duplicates are kept: a message deferred once per failing slot appears
// once per failure.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type RetryQueue struct {
	mu      sync.Mutex
	entries []RetryEntry
	now     func() time.Time
}

// NewRetryQueue creates an empty queue.
func NewRetryQueue() *RetryQueue {
	return &RetryQueue{now: time.Now}
}

// Enqueue appends a copy of msg and returns the new entry.
func (q *RetryQueue) Enqueue(msg Message, reason Reason) RetryEntry {
	entry := RetryEntry{
		ID:         uuid.New(),
		Message:    msg.clone(),
		Reason:     reason,
		EnqueuedAt: q.now(),
	}
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	return entry
}

// Detach swaps the live queue for an empty one and returns the old contents.
// Entries enqueued afterwards land in the new live queue.
func (q *RetryQueue) Detach() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	detached := q.entries
	q.entries = nil
	return detached
}

// Restore puts entries back at the head of the queue, ahead of anything
// enqueued since they were detached.
func (q *RetryQueue) Restore(entries []RetryEntry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := make([]RetryEntry, 0, len(entries)+len(q.entries))
	restored = append(restored, entries...)
	q.entries = append(restored, q.entries...)
}

// Len returns the number of queued entries.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queued entries in order.
func (q *RetryQueue) Snapshot() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryEntry(nil), q.entries...)
}

// Clear drops every entry.
func (q *RetryQueue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}
