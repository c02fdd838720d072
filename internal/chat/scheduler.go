package chat

import (
	"sort"
	"sync"
	"time"
)

// Scheduler serializes engine tasks. All state mutation happens inside
// scheduler tasks, so ordering between handlers is explicit rather than an
// accident of goroutine timing.
//
// Ordering guarantees:
//   - Post runs tasks strictly in submission order.
//   - A task posted from within a running task runs after every task that was
//     already queued; posting from inside a handler is therefore a one-tick
//     deferral (used for tool-start inserts, see router.go).
//   - After fires on the scheduler loop, never concurrently with a task.
type Scheduler interface {
	Post(fn func())
	After(d time.Duration, fn func()) (cancel func())
}

// loopScheduler is the production scheduler: a single goroutine draining an
// ordered task queue.
type loopScheduler struct {
	tasks chan func()
	stop  chan struct{}
	once  sync.Once
	done  chan struct{}
}

func NewLoopScheduler() *loopScheduler {
	s := &loopScheduler{
		tasks: make(chan func(), 4096),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *loopScheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case fn := <-s.tasks:
			if fn != nil {
				fn()
			}
		}
	}
}

func (s *loopScheduler) Post(fn func()) {
	if s == nil || fn == nil {
		return
	}
	select {
	case <-s.stop:
	case s.tasks <- fn:
	}
}

func (s *loopScheduler) After(d time.Duration, fn func()) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	t := time.AfterFunc(d, func() { s.Post(fn) })
	return func() { t.Stop() }
}

func (s *loopScheduler) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// StepScheduler is a deterministic scheduler for tests and offline replay.
// Nothing runs until Drain or Advance is called from the driving goroutine.
type StepScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	timers []*stepTimer
	seq    int
}

type stepTimer struct {
	deadline time.Duration
	seq      int
	fn       func()
	stopped  bool
}

func NewStepScheduler() *StepScheduler {
	return &StepScheduler{}
}

func (s *StepScheduler) Post(fn func()) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

func (s *StepScheduler) After(d time.Duration, fn func()) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.seq++
	t := &stepTimer{deadline: s.now + d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		t.stopped = true
		s.mu.Unlock()
	}
}

// Drain runs queued tasks, including tasks they enqueue, until the queue is
// empty.
func (s *StepScheduler) Drain() {
	if s == nil {
		return
	}
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Advance moves the virtual clock forward, firing due timers in deadline
// order and draining the task queue after each one.
func (s *StepScheduler) Advance(d time.Duration) {
	if s == nil {
		return
	}
	s.Drain()
	s.mu.Lock()
	s.now += d
	now := s.now
	s.mu.Unlock()

	for {
		s.mu.Lock()
		due := make([]*stepTimer, 0)
		rest := s.timers[:0]
		for _, t := range s.timers {
			if !t.stopped && t.deadline <= now {
				due = append(due, t)
				continue
			}
			if !t.stopped {
				rest = append(rest, t)
			}
		}
		s.timers = rest
		s.mu.Unlock()
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].deadline == due[j].deadline {
				return due[i].seq < due[j].seq
			}
			return due[i].deadline < due[j].deadline
		})
		for _, t := range due {
			t.fn()
			s.Drain()
		}
	}
}
