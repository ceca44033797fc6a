package scard

import "sync"

// NotificationQueue hands device notifications to the reader list without
// ever dropping one. Push never blocks: notifications wait in an unbounded
// queue while the reader list is busy with a command.
type NotificationQueue struct {
	mu      sync.Mutex
	pending []Notification
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan Notification
}

func NewNotificationQueue() *NotificationQueue {
	q := &NotificationQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Notification),
	}
	go q.pump()
	return q
}

// C returns the channel notifications are delivered on, in push order. It is
// closed after Close.
func (q *NotificationQueue) C() <-chan Notification {
	return q.out
}

// Push queues a notification. It reports false once the queue is closed.
func (q *NotificationQueue) Push(n Notification) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, n)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of notifications not yet received.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops delivery. Notifications still queued are discarded.
func (q *NotificationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	close(q.done)
}

func (q *NotificationQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		n := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- n:
		case <-q.done:
			return
		}
	}
}
