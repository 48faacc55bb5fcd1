// Package events is a cooperative, single-threaded event queue.
//
// Work is posted from any goroutine with Call, CallIn or CallEvery and runs
// one task at a time, in submission order, on whichever goroutine is inside
// DispatchForever. State touched only by queued tasks needs no locking.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrNilFunc   = errors.New("nil task")
)

// ID identifies a timed task so it can be cancelled. Zero is never issued.
type ID uint64

type timed struct {
	timer  *time.Timer
	period time.Duration
	fn     func()
}

type Queue struct {
	mu      sync.Mutex
	tasks   chan func()
	brk     chan struct{}
	timers  map[ID]*timed
	nextID  ID
	pending int // queued + armed, never above cap(tasks)
}

// New returns a queue holding at most capacity tasks, counting both tasks
// waiting to run and timers that have not fired yet.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10
	}
	return &Queue{
		tasks:  make(chan func(), capacity),
		brk:    make(chan struct{}, 1),
		timers: make(map[ID]*timed),
	}
}

// reserve claims a slot. The channel send that follows can never block
// because pending never exceeds the channel capacity.
func (q *Queue) reserve() bool {
	if q.pending >= cap(q.tasks) {
		return false
	}
	q.pending++
	return true
}

// Call posts fn to run as soon as the dispatcher reaches it.
func (q *Queue) Call(fn func()) error {
	if fn == nil {
		return ErrNilFunc
	}
	q.mu.Lock()
	ok := q.reserve()
	q.mu.Unlock()
	if !ok {
		return ErrQueueFull
	}
	q.tasks <- func() {
		q.release()
		fn()
	}
	return nil
}

// CallIn posts fn once, after d.
func (q *Queue) CallIn(d time.Duration, fn func()) (ID, error) {
	return q.schedule(d, 0, fn)
}

// CallEvery posts fn every period until cancelled. The next run is armed
// after the current one finishes, so runs never overlap or pile up.
func (q *Queue) CallEvery(period time.Duration, fn func()) (ID, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	return q.schedule(period, period, fn)
}

func (q *Queue) schedule(d, period time.Duration, fn func()) (ID, error) {
	if fn == nil {
		return 0, ErrNilFunc
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.reserve() {
		return 0, ErrQueueFull
	}
	q.nextID++
	id := q.nextID
	t := &timed{period: period, fn: fn}
	q.timers[id] = t
	t.timer = time.AfterFunc(d, func() { q.tasks <- func() { q.fire(id) } })
	return id, nil
}

// fire runs on the dispatch goroutine when a timer's task is dequeued. A
// one-shot task gives its slot back before running; a periodic task keeps
// its slot across runs, so a full queue never stops it.
func (q *Queue) fire(id ID) {
	q.mu.Lock()
	t, ok := q.timers[id]
	if !ok {
		// cancelled after the timer had already posted
		q.pending--
		q.mu.Unlock()
		return
	}
	if t.period == 0 {
		delete(q.timers, id)
		q.pending--
	}
	q.mu.Unlock()

	t.fn()

	if t.period == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.timers[id]; !ok {
		// cancelled by fn
		q.pending--
		return
	}
	t.timer = time.AfterFunc(t.period, func() { q.tasks <- func() { q.fire(id) } })
}

// Cancel stops a timed task. It reports whether the task was still
// scheduled. A cancelled task never runs, even if its timer already fired.
func (q *Queue) Cancel(id ID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.timers[id]
	if !ok {
		return false
	}
	delete(q.timers, id)
	if t.timer.Stop() {
		q.pending--
	}
	return true
}

// Pending is the number of queued tasks plus armed timers.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// BreakDispatch makes DispatchForever return after the task it is running.
// A break requested outside DispatchForever, e.g. from a task run by
// DispatchPending, is discarded when DispatchForever next starts.
func (q *Queue) BreakDispatch() {
	select {
	case q.brk <- struct{}{}:
	default:
	}
}

// DispatchForever runs tasks until BreakDispatch is called (returns nil) or
// ctx is done (returns ctx.Err()). Timers still armed at that point are
// left alone.
func (q *Queue) DispatchForever(ctx context.Context) error {
	select {
	case <-q.brk:
	default:
	}
	for {
		// a break requested by the previous task wins over queued work
		select {
		case <-q.brk:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.brk:
			return nil
		case fn := <-q.tasks:
			fn()
		}
	}
}

// DispatchPending runs every task that is queued right now and returns how
// many ran. It does not wait for timers.
func (q *Queue) DispatchPending() int {
	n := 0
	for {
		select {
		case fn := <-q.tasks:
			fn()
			n++
		default:
			return n
		}
	}
}

func (q *Queue) release() {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
}
