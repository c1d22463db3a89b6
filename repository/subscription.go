package repository

import (
	"sync"

	"disasterRelief/models"
)

// queue is an unbounded FIFO drained by one goroutine into an output channel.
// Close stops the goroutine and closes the channel before returning, so nothing
// is delivered once Close has returned.
type queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	closed  bool
	err     error
	notify  chan struct{}
	out     chan T
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	onClose func()
}

func newQueue[T any](onClose func()) *queue[T] {
	q := &queue[T]{
		notify:  make(chan struct{}, 1),
		out:     make(chan T),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		onClose: onClose,
	}
	go q.run()
	return q
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, v)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue[T]) run() {
	defer close(q.stopped)
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		v := q.buf[0]
		var zero T
		q.buf[0] = zero
		q.buf = q.buf[1:]
		q.mu.Unlock()
		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}

func (q *queue[T]) close(err error) {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.err = err
		q.buf = nil
		q.mu.Unlock()
		close(q.done)
		<-q.stopped
		if q.onClose != nil {
			q.onClose()
		}
	})
}

func (q *queue[T]) error() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Subscription is a scoped live view of one record.
type Subscription struct {
	ID string
	q  *queue[*models.User]
}

// Updates yields the current record first and then every committed version in
// commit order. The channel is closed when the subscription ends.
func (s *Subscription) Updates() <-chan *models.User { return s.q.out }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.q.close(nil) }

// Err reports why the subscription ended, nil after a normal Close.
func (s *Subscription) Err() error { return s.q.error() }

// QuerySubscription is a scoped live view of a query result set.
type QuerySubscription struct {
	Query Query
	q     *queue[[]*models.User]
}

// Updates yields the current result set and a new set on every membership or
// member change.
func (s *QuerySubscription) Updates() <-chan []*models.User { return s.q.out }

// Close unsubscribes. It is safe to call more than once.
func (s *QuerySubscription) Close() { s.q.close(nil) }

// Err reports why the subscription ended, nil after a normal Close.
func (s *QuerySubscription) Err() error { return s.q.error() }

// ChangeSubscription streams every committed record across the store.
type ChangeSubscription struct {
	q        *queue[*models.User]
	snapshot []*models.User
}

// Snapshot is every record as of the moment the subscription started. Updates
// carries exactly the commits made after that moment.
func (s *ChangeSubscription) Snapshot() []*models.User {
	out := make([]*models.User, len(s.snapshot))
	for i, u := range s.snapshot {
		out[i] = u.Clone()
	}
	return out
}

func (s *ChangeSubscription) setSnapshot(us []*models.User) {
	s.snapshot = make([]*models.User, len(us))
	for i, u := range us {
		s.snapshot[i] = u.Clone()
	}
	SortByRequestTime(s.snapshot)
}

// Updates yields committed records in commit order.
func (s *ChangeSubscription) Updates() <-chan *models.User { return s.q.out }

// Close unsubscribes. It is safe to call more than once.
func (s *ChangeSubscription) Close() { s.q.close(nil) }

// Err reports why the subscription ended, nil after a normal Close.
func (s *ChangeSubscription) Err() error { return s.q.error() }
