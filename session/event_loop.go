package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-netsession/internal/queue"
	"github.com/arloliu/go-netsession/logger"
)

// Task is a unit of work run by an Executor.
type Task func()

// Executor runs submitted tasks. Tasks submitted to the same executor never run concurrently
// with each other and run in submission order.
type Executor interface {
	// Submit schedules task for execution. It returns ErrExecutorClosed if the executor
	// does not accept tasks anymore.
	Submit(task Task) error
}

// IdleScheduler is implemented by executors that can defer work until their task queue drains.
type IdleScheduler interface {
	// RunWhenIdle schedules task to run once every currently queued task has run.
	// It must only be called from a task running on the executor.
	RunWhenIdle(task Task)
}

// EventLoop is an Executor backed by a single goroutine.
//
// Tasks are kept in a lock-free queue; producers wake the loop goroutine through a one-slot
// channel. Idle tasks registered with RunWhenIdle run each time the queue drains, which the
// session uses to batch transport flushes.
type EventLoop struct {
	name    string
	tasks   *queue.LockFreeQueue[Task]
	idle    []Task
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	mu      sync.RWMutex // protects closed against concurrent Submit
	closed  bool
	pending atomic.Int64
	logger  logger.Logger
}

var (
	_ Executor      = (*EventLoop)(nil)
	_ IdleScheduler = (*EventLoop)(nil)
)

// NewEventLoop creates an EventLoop and starts its goroutine.
func NewEventLoop(name string, l logger.Logger) *EventLoop {
	if l == nil {
		l = logger.GetLogger()
	}

	el := &EventLoop{
		name:   name,
		tasks:  queue.NewLockFreeQueue[Task](),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: l.With("event_loop", name),
	}

	go el.run()

	return el
}

// Name returns the event loop name.
func (el *EventLoop) Name() string {
	return el.name
}

// Submit schedules task on the loop goroutine.
func (el *EventLoop) Submit(task Task) error {
	if task == nil {
		return nil
	}

	el.mu.RLock()
	defer el.mu.RUnlock()

	if el.closed {
		return ErrExecutorClosed
	}

	el.pending.Add(1)
	el.tasks.Enqueue(task)

	select {
	case el.wake <- struct{}{}:
	default:
	}

	return nil
}

// RunWhenIdle schedules task to run after the task queue drains.
func (el *EventLoop) RunWhenIdle(task Task) {
	el.idle = append(el.idle, task)
}

// Pending returns the number of queued tasks.
func (el *EventLoop) Pending() int {
	return int(el.pending.Load())
}

// Close stops accepting tasks. Already queued tasks still run before the loop goroutine exits.
// Close does not wait for the goroutine, so it is safe to call from a task.
func (el *EventLoop) Close() {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.closed {
		return
	}
	el.closed = true
	close(el.stop)
}

// IsClosed returns true if the event loop does not accept tasks anymore.
func (el *EventLoop) IsClosed() bool {
	el.mu.RLock()
	defer el.mu.RUnlock()

	return el.closed
}

// Done returns a channel that is closed once the loop goroutine exited.
func (el *EventLoop) Done() <-chan struct{} {
	return el.done
}

func (el *EventLoop) run() {
	defer close(el.done)
	defer el.logger.Debug("event loop terminated")

	for {
		el.drain()

		select {
		case <-el.wake:
		case <-el.stop:
			// tasks submitted before Close returned are in the queue already
			el.drain()
			return
		}
	}
}

func (el *EventLoop) drain() {
	for {
		for {
			task, ok := el.tasks.Dequeue()
			if !ok {
				break
			}
			el.pending.Add(-1)
			el.runTask(task)
		}

		if len(el.idle) == 0 {
			return
		}

		idle := el.idle
		el.idle = nil
		for _, task := range idle {
			el.runTask(task)
		}
	}
}

func (el *EventLoop) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			el.logger.Error("panic in event loop task", "panic", fmt.Sprint(r))
		}
	}()

	task()
}

// EventLoopGroup is a fixed set of event loops shared by many sessions.
type EventLoopGroup struct {
	loops []*EventLoop
	next  atomic.Uint32
}

// NewEventLoopGroup creates a group of size event loops. A size below 1 creates one loop.
func NewEventLoopGroup(size int, l logger.Logger) *EventLoopGroup {
	if size < 1 {
		size = 1
	}

	g := &EventLoopGroup{loops: make([]*EventLoop, size)}
	for i := range g.loops {
		g.loops[i] = NewEventLoop(fmt.Sprintf("loop-%d", i), l)
	}

	return g
}

// Next returns the next event loop in round-robin order.
func (g *EventLoopGroup) Next() *EventLoop {
	idx := g.next.Add(1) - 1
	return g.loops[idx%uint32(len(g.loops))] //nolint:gosec
}

// Size returns the number of event loops in the group.
func (g *EventLoopGroup) Size() int {
	return len(g.loops)
}

// Close closes every event loop and waits for their goroutines to exit.
func (g *EventLoopGroup) Close() {
	for _, el := range g.loops {
		el.Close()
	}
	for _, el := range g.loops {
		<-el.Done()
	}
}
