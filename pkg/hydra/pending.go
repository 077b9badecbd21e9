package hydra

import (
	"time"

	"metastate/pkg/future"
	"metastate/pkg/types"
)

type pendingMutation struct {
	version    types.Version
	request    MutationRequest
	timestamp  time.Time
	randomSeed uint64
	// nil on followers
	promise *future.Promise[MutationResponse]
}

// pendingQueue is a FIFO of logged but not yet applied mutations.
type pendingQueue struct {
	items []pendingMutation
	head  int
}

func (q *pendingQueue) push(m pendingMutation) {
	q.items = append(q.items, m)
}

func (q *pendingQueue) front() (*pendingMutation, bool) {
	if q.head == len(q.items) {
		return nil, false
	}
	return &q.items[q.head], true
}

func (q *pendingQueue) pop() pendingMutation {
	m := q.items[q.head]
	q.items[q.head] = pendingMutation{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return m
}

func (q *pendingQueue) len() int {
	return len(q.items) - q.head
}

// drain pops every mutation, oldest first.
func (q *pendingQueue) drain(fn func(pendingMutation)) {
	for q.len() > 0 {
		fn(q.pop())
	}
}
