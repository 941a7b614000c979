// Package memory provides an in-process job queue for single-instance
// deployments and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/ports"
)

// DefaultPollInterval bounds how long Dequeue waits for a job.
const DefaultPollInterval = time.Second

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// Queue is an in-memory implementation of ports.JobQueue.
// Jobs handed back with Retry become ready once their delay has passed.
type Queue struct {
	mu       sync.Mutex
	ready    []job.Job
	delayed  []job.Job // sorted by NotBefore
	inflight map[string]job.Job
	notify   chan struct{}
	closed   bool

	poll time.Duration
	now  func() time.Time
}

// NewQueue creates a new in-memory queue.
func NewQueue() *Queue {
	return NewQueueWithPoll(DefaultPollInterval)
}

// NewQueueWithPoll creates a queue whose Dequeue gives up after poll.
func NewQueueWithPoll(poll time.Duration) *Queue {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Queue{
		inflight: make(map[string]job.Job),
		notify:   make(chan struct{}, 1),
		poll:     poll,
		now:      time.Now,
	}
}

var _ ports.JobQueue = (*Queue)(nil)

// Enqueue adds a job to the back of the ready list.
func (q *Queue) Enqueue(ctx context.Context, j job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.ready = append(q.ready, j)
	q.signal()
	return nil
}

// Dequeue returns the next ready job, waiting up to the poll interval.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	deadline := time.NewTimer(q.poll)
	defer deadline.Stop()

	for {
		j, wait, err := q.take()
		if err != nil || j != nil {
			return j, err
		}

		var (
			wake  <-chan time.Time
			timer *time.Timer
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, nil
		case <-q.notify:
		case <-wake:
		}
		stopTimer(timer)
	}
}

// take pops the next ready job. When none is ready it reports how long until
// the earliest delayed job matures (zero when there is none).
func (q *Queue) take() (*job.Job, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrClosed
	}

	now := q.now()
	for len(q.delayed) > 0 && !q.delayed[0].NotBefore.After(now) {
		q.ready = append(q.ready, q.delayed[0])
		q.delayed = q.delayed[1:]
	}

	if len(q.ready) == 0 {
		if len(q.delayed) > 0 {
			return nil, q.delayed[0].NotBefore.Sub(now), nil
		}
		return nil, 0, nil
	}

	j := q.ready[0]
	q.ready = q.ready[1:]
	q.inflight[j.ID] = j
	if len(q.ready) > 0 {
		q.signal()
	}
	return &j, 0, nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// Ack drops a delivered job.
func (q *Queue) Ack(ctx context.Context, j job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, j.ID)
	return nil
}

// Retry schedules a delivered job to become ready again after delay.
func (q *Queue) Retry(ctx context.Context, j job.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	delete(q.inflight, j.ID)

	j.NotBefore = q.now().Add(delay)
	i := sort.Search(len(q.delayed), func(i int) bool {
		return q.delayed[i].NotBefore.After(j.NotBefore)
	})
	q.delayed = append(q.delayed, job.Job{})
	copy(q.delayed[i+1:], q.delayed[i:])
	q.delayed[i] = j
	q.signal()
	return nil
}

// Len returns the number of ready, delayed and in-flight jobs.
func (q *Queue) Len() (ready, delayed, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.delayed), len(q.inflight)
}

// Close stops the queue. Pending jobs are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()
	return nil
}

// signal wakes one waiting Dequeue. Caller holds q.mu.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
