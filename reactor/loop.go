// File: reactor/loop.go
//
// Reactor is the public readiness-driven event loop: a single goroutine owns
// the OS backend and dispatches readiness callbacks, a small task queue lets
// other goroutines register/unregister without touching the backend
// directly, and a bounded Executor runs user handlers so a slow handler
// never stalls the loop.

package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Handler is invoked on the reactor's Executor, not on the loop goroutine,
// when fd becomes ready.
type Handler func(Event)

// Executor runs handler callbacks off the reactor's loop goroutine.
type Executor interface {
	Submit(task func())
}

// boundedExecutor is a fixed-size goroutine pool backed by a buffered
// channel, the simplest worker-pool shape that keeps a burst of ready
// events from spawning unbounded goroutines.
type boundedExecutor struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewBoundedExecutor starts workers goroutines draining a queue of size
// queueLen.
func NewBoundedExecutor(workers, queueLen int) *boundedExecutor {
	e := &boundedExecutor{tasks: make(chan func(), queueLen), done: make(chan struct{})}
	for i := 0; i < workers; i++ {
		go e.run()
	}
	return e
}

func (e *boundedExecutor) run() {
	for {
		select {
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			task()
		case <-e.done:
			return
		}
	}
}

func (e *boundedExecutor) Submit(task func()) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.tasks <- task:
	case <-e.done:
	}
}

// Stop releases the pool's worker goroutines. Submit after Stop is a no-op.
// Idempotent: a second Stop call is a no-op rather than a double-close panic.
func (e *boundedExecutor) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Metrics snapshots reactor operability counters.
type Metrics struct {
	RegisteredChannels int
	PendingTasks       int
	PendingTimers      int
}

type registration struct {
	fd       uintptr
	interest Interest
	handler  Handler
}

// Reactor is the public selector-thread abstraction: register a channel's
// readiness interest, schedule or submit work to run on the loop's
// executor, and destroy to release every OS resource.
type Reactor struct {
	backend  backend
	executor Executor

	mu    sync.Mutex
	regs  map[uintptr]*registration
	queue []func()

	pendingTimers atomic.Int64
	pendingTasks  atomic.Int64

	stopped  chan struct{}
	loopDone chan struct{}
	closeErr error
	once     sync.Once
}

// New starts a Reactor using the platform backend and a default bounded
// executor (runtime.NumCPU workers would over-provision a single-connection
// client; a small fixed pool is enough to keep handlers off the loop).
func New() (*Reactor, error) {
	return NewWithExecutor(NewBoundedExecutor(4, 64))
}

// NewWithExecutor starts a Reactor using an injected Executor, e.g. to share
// a worker pool across multiple Reactors or sessions.
func NewWithExecutor(executor Executor) (*Reactor, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		backend:  b,
		executor: executor,
		regs:     make(map[uintptr]*registration),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Register adds fd to the reactor with the given interest; handler is
// invoked (via the Executor) on readiness notifications until Unregister is
// called. While an earlier invocation for the same fd is still queued or
// running, further notifications for that fd are skipped.
func (r *Reactor) Register(fd uintptr, interest Interest, handler Handler) error {
	return r.enqueue(func() error {
		reg := &registration{fd: fd, interest: interest, handler: handler}
		r.regs[fd] = reg
		return r.backend.Add(fd, fd, interest)
	})
}

// ModifyInterest changes the readiness conditions fd is watched for, e.g.
// dropping InterestWrite once a pending send buffer drains.
func (r *Reactor) ModifyInterest(fd uintptr, interest Interest) error {
	return r.enqueue(func() error {
		reg, ok := r.regs[fd]
		if !ok {
			return errors.New("reactor: fd not registered")
		}
		reg.interest = interest
		return r.backend.Modify(fd, fd, interest)
	})
}

// Unregister removes fd from the reactor.
func (r *Reactor) Unregister(fd uintptr) error {
	return r.enqueue(func() error {
		delete(r.regs, fd)
		return r.backend.Remove(fd)
	})
}

// enqueue hands a backend mutation to the loop goroutine, since epoll_ctl
// and the Wait call must not race across goroutines, and blocks until it
// has run. The loop only drains the queue between Wait calls, so this can
// take up to pollTimeoutMillis to apply.
func (r *Reactor) enqueue(op func() error) error {
	resultCh := make(chan error, 1)
	r.mu.Lock()
	r.queue = append(r.queue, func() { resultCh <- op() })
	r.mu.Unlock()
	select {
	case err := <-resultCh:
		return err
	case <-r.stopped:
		return ErrReactorClosed
	}
}

// ErrReactorClosed is returned by Reactor operations issued after Destroy.
var ErrReactorClosed = errors.New("reactor: destroyed")

// Submit runs task on the Executor without going through the backend;
// useful for work that doesn't wait on any fd (e.g. a deferred callback).
func (r *Reactor) Submit(task func()) {
	r.pendingTasks.Add(1)
	r.executor.Submit(func() {
		defer r.pendingTasks.Add(-1)
		task()
	})
}

// Schedule runs task on the Executor after delay elapses. The returned
// cancel func prevents the task from running if called before it fires;
// it has no effect afterward.
func (r *Reactor) Schedule(delay time.Duration, task func()) (cancel func()) {
	r.pendingTimers.Add(1)
	var fired atomic.Bool
	timer := time.AfterFunc(delay, func() {
		if fired.CompareAndSwap(false, true) {
			r.pendingTimers.Add(-1)
			r.Submit(task)
		}
	})
	return func() {
		if fired.CompareAndSwap(false, true) {
			r.pendingTimers.Add(-1)
			timer.Stop()
		}
	}
}

// Metrics reports current operability counters.
func (r *Reactor) Metrics() Metrics {
	r.mu.Lock()
	n := len(r.regs)
	r.mu.Unlock()
	return Metrics{
		RegisteredChannels: n,
		PendingTasks:       int(r.pendingTasks.Load()),
		PendingTimers:      int(r.pendingTimers.Load()),
	}
}

// Destroy stops the loop goroutine, closes the backend, and stops the
// executor. Idempotent.
func (r *Reactor) Destroy() error {
	r.once.Do(func() {
		close(r.stopped)
	})
	<-r.loopDone
	return r.closeErr
}

const pollTimeoutMillis = 200 // bounds registration-queue latency; see loop()

func (r *Reactor) loop() {
	events := make([]Event, 0, 128)
	// busy holds registrations with a handler task queued or running, so a
	// level-triggered fd whose handler is slow cannot fill the executor's
	// queue and block the loop in Submit.
	var busy sync.Map
	for {
		select {
		case <-r.stopped:
			r.drainQueue()
			r.closeErr = r.backend.Close()
			if pool, ok := r.executor.(*boundedExecutor); ok {
				pool.Stop()
			}
			close(r.loopDone)
			return
		default:
		}

		r.drainQueue()

		events = events[:0]
		var err error
		events, err = r.backend.Wait(events, pollTimeoutMillis)
		if err != nil {
			continue
		}
		for _, ev := range events {
			r.mu.Lock()
			reg := r.regs[ev.Fd]
			r.mu.Unlock()
			if reg == nil {
				continue
			}
			if _, running := busy.LoadOrStore(reg, struct{}{}); running {
				continue
			}
			ev := ev
			handler := reg.handler
			r.Submit(func() {
				defer busy.Delete(reg)
				handler(ev)
			})
		}
	}
}

func (r *Reactor) drainQueue() {
	r.mu.Lock()
	ops := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, op := range ops {
		op()
	}
}
