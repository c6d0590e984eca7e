package realtime

import (
	"context"
	"sync"
)

// clientFrame is one websocket message bound for the client.
type clientFrame struct {
	binary bool
	data   []byte
}

// outboundQueue keeps frames in order. Audio frames are bounded and the
// oldest one is evicted on overflow; control frames are never dropped.
type outboundQueue struct {
	mu     sync.Mutex
	frames []clientFrame
	audio  int
	limit  int
	closed bool
	notify chan struct{}
	onDrop func()
}

func newOutboundQueue(limit int, onDrop func()) *outboundQueue {
	if limit < 1 {
		limit = 1
	}
	return &outboundQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// push enqueues f and reports whether an older audio frame was evicted.
func (q *outboundQueue) push(f clientFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	dropped := false
	if f.binary {
		if q.audio >= q.limit {
			for i, old := range q.frames {
				if old.binary {
					q.frames = append(q.frames[:i], q.frames[i+1:]...)
					q.audio--
					dropped = true
					break
				}
			}
		}
		q.audio++
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	return dropped
}

// pop blocks until a frame is available. It returns false once the queue is
// closed and drained, or ctx is done.
func (q *outboundQueue) pop(ctx context.Context) (clientFrame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = clientFrame{}
			q.frames = q.frames[1:]
			if f.binary {
				q.audio--
			}
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return clientFrame{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return clientFrame{}, false
		}
	}
}

// close stops accepting frames; queued frames can still be popped.
func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
