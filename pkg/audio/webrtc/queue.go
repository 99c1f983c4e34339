package webrtc

import "sync"

// messageQueue hands data channel messages to a consumer without ever
// blocking or dropping on the producer side. The SCTP read loop must not
// stall, and transcript finals and turn events must not be lost, so the
// backlog grows instead.
type messageQueue struct {
	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}
	out     chan []byte
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan []byte, peerChannelBuffer),
	}
}

// push appends msg to the backlog.
func (q *messageQueue) push(msg []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *messageQueue) backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// run moves the backlog to out in arrival order until done is closed.
func (q *messageQueue) run(done <-chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-done:
				return
			}
		}
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-done:
			return
		}
	}
}
