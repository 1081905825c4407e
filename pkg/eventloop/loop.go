package eventloop

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned by Call when the loop stopped before the task ran.
var ErrClosed = errors.New("event loop closed")

// Loop runs tasks and timers serially on one goroutine.
type Loop struct {
	clock clock.Clock

	mu     sync.Mutex
	queue  []func()
	timers timerHeap
	seq    uint64
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates a loop using the given clock. A nil clock means the wall clock.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Clock returns the loop's clock.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Now returns the current time of the loop's clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn to run on the loop as soon as possible.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

// After schedules fn to run on the loop once d has elapsed.
// The returned timer can be stopped before it fires.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop:  l,
		due:   l.clock.Now().Add(d),
		seq:   l.seq,
		fn:    fn,
		index: -1,
	}
	if !l.closed {
		heap.Push(&l.timers, t)
	}
	l.mu.Unlock()
	l.signal()
	return t
}

// Call runs fn on the loop and waits for it to finish.
// It must not be called from a loop task.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks and armed timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + l.timers.Len()
}

// NextDue returns when the earliest armed timer fires.
func (l *Loop) NextDue() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timers.Len() == 0 {
		return time.Time{}, false
	}
	return l.timers[0].due, true
}

// RunDue runs queued tasks and expired timers on the calling goroutine until
// nothing runnable is left. It returns the number of callbacks executed.
func (l *Loop) RunDue() int {
	ran := 0
	for {
		fn := l.next()
		if fn == nil {
			return ran
		}
		fn()
		ran++
	}
}

// next pops the next runnable callback: queued tasks first, then due timers
// in (due, seq) order.
func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		return fn
	}
	if l.timers.Len() > 0 && !l.timers[0].due.After(l.clock.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		t.fired = true
		return t.fn
	}
	return nil
}

// Run executes tasks until ctx is cancelled. Only one goroutine may run a
// loop at a time.
func (l *Loop) Run(ctx context.Context) error {
	defer l.close()

	for {
		l.RunDue()

		var timerC <-chan time.Time
		var wait *clock.Timer
		if due, ok := l.NextDue(); ok {
			d := due.Sub(l.clock.Now())
			if d <= 0 {
				continue
			}
			wait = l.clock.Timer(d)
			timerC = wait.C
		}

		select {
		case <-ctx.Done():
			if wait != nil {
				wait.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if wait != nil {
			wait.Stop()
		}
	}
}

func (l *Loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	for _, t := range l.timers {
		t.index = -1
	}
	l.timers = nil
	close(l.done)
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a callback scheduled with After.
type Timer struct {
	loop  *Loop
	due   time.Time
	seq   uint64
	fn    func()
	index int
	fired bool
}

// Due returns when the timer fires.
func (t *Timer) Due() time.Time {
	return t.due
}

// Stop prevents the timer from firing. It returns false if the timer already
// fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.fired || t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// timerHeap orders timers by due time, then by scheduling order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
