// Package txqueue provides the unbounded, ordered outbound frame queue that
// sits between packet producers and a connection's single send loop.
//
// Unbounded is a deliberate policy: a stalled peer only grows its own queue
// and never blocks the goroutine that is relaying to everyone else.
package txqueue

import "sync"

// Queue is a FIFO of encoded frames. Push never blocks; Pop blocks until a
// frame is available or the queue is closed and drained.
type Queue struct {
	mu     sync.Mutex
	ready  chan struct{}
	frames [][]byte
	closed bool
}

func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push enqueues a frame. It reports false if the queue is already closed,
// in which case the frame is dropped.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop dequeues the oldest frame, blocking while the queue is open and empty.
// It reports false once the queue is closed and fully drained.
func (q *Queue) Pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}
		<-q.ready
	}
}

// Close marks the queue closed. Frames already queued remain poppable so
// the send loop can flush them before exiting.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len reports the number of frames waiting to be sent.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
