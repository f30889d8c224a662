// Package pool provides a fixed-size pool of executors fed from a priority
// queue.
//
// Tasks are addressed by id. At most one task per id is queued or in flight
// at any time:
//
//   - Submit on a queued id replaces its payload and priority in place and
//     returns the existing Future.
//   - Submit on an in-flight id returns a new Future attached to the running
//     invocation; the executor's single reply settles every attached Future.
//   - Abort rejects queued and in-flight Futures with ErrAborted. Executors
//     are never interrupted: an aborted invocation runs to completion and its
//     reply is dropped.
//
// Every dispatch is stamped with a generation number. A reply is only
// accepted when the id's current in-flight record carries the same
// generation, so a late reply for an aborted (and possibly resubmitted) id can
// never settle a newer Future.
//
// Each executor owns a single goroutine and handles one message at a time.
// Handlers must not call back into the pool.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/raster-tiles/viewer/internal/logging"
)

var (
	// ErrAborted rejects Futures of aborted tasks.
	ErrAborted = errors.New("task aborted")
	// ErrClosed rejects Futures of tasks still pending when the pool closes.
	ErrClosed = errors.New("pool closed")
	// ErrExecutorCrashed rejects the Future of a task whose handler panicked.
	ErrExecutorCrashed = errors.New("executor crashed")
	// ErrPending is returned by Future.Result before the Future settles.
	ErrPending = errors.New("task pending")
)

// Handler runs messages on one executor. Each executor has its own Handler,
// so per-executor state needs no locking.
type Handler[P, R any] interface {
	Handle(ctx context.Context, msg P) (R, error)
}

// Config contains pool configuration.
type Config struct {
	MaxExecutors int // Upper bound on executors; <= 0 means GOMAXPROCS
	InboxSize    int // Per-executor mailbox depth (default 8)
}

// QueuedTask is a snapshot of one queued task.
type QueuedTask struct {
	ID       string
	Priority float64
}

// Pool schedules prioritized, deduplicated tasks onto executors.
type Pool[P, R any] struct {
	mu        sync.Mutex
	queue     taskQueue[P, R]
	queued    map[string]*task[P, R]
	inflight  map[string]*flight[R]
	executors []*executor[P, R]
	seq       uint64
	gen       uint64
	closed    bool

	replies   chan reply[R]
	ctx       context.Context
	cancel    context.CancelFunc
	execWG    sync.WaitGroup
	collected chan struct{}
	log       *slog.Logger
}

type flight[R any] struct {
	gen      uint64
	executor int
	waiters  []*Future[R]
}

type executor[P, R any] struct {
	idx     int
	inbox   chan envelope[P]
	busy    bool
	handler Handler[P, R]
}

type envelope[P any] struct {
	id        string
	gen       uint64
	payload   P
	broadcast bool
}

type reply[R any] struct {
	executor int
	id       string
	gen      uint64
	val      R
	err      error
}

// New starts a pool of min(GOMAXPROCS, cfg.MaxExecutors) executors.
// newHandler is called once per executor.
func New[P, R any](cfg Config, newHandler func(idx int) Handler[P, R]) *Pool[P, R] {
	n := runtime.GOMAXPROCS(0)
	if cfg.MaxExecutors > 0 && cfg.MaxExecutors < n {
		n = cfg.MaxExecutors
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[P, R]{
		queued:    make(map[string]*task[P, R]),
		inflight:  make(map[string]*flight[R]),
		executors: make([]*executor[P, R], n),
		replies:   make(chan reply[R], n),
		ctx:       ctx,
		cancel:    cancel,
		collected: make(chan struct{}),
		log:       logging.Component("pool"),
	}

	for i := range n {
		p.executors[i] = &executor[P, R]{
			idx:     i,
			inbox:   make(chan envelope[P], cfg.InboxSize),
			handler: newHandler(i),
		}
	}

	p.execWG.Add(n)
	for _, e := range p.executors {
		go p.run(e)
	}
	go p.collect()

	return p
}

// Submit enqueues a task, or updates the queued task with the same id.
// See the package documentation for in-flight ids.
func (p *Pool[P, R]) Submit(id string, payload P, priority float64) *Future[R] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return rejected[R](id, ErrClosed)
	}

	if t, ok := p.queued[id]; ok {
		t.payload = payload
		t.priority = priority
		heap.Fix(&p.queue, t.index)
		return t.future
	}

	if f, ok := p.inflight[id]; ok {
		fut := newFuture[R](id)
		f.waiters = append(f.waiters, fut)
		return fut
	}

	p.seq++
	t := &task[P, R]{
		id:       id,
		payload:  payload,
		priority: priority,
		seq:      p.seq,
		future:   newFuture[R](id),
	}
	heap.Push(&p.queue, t)
	p.queued[id] = t
	p.dispatch()
	return t.future
}

// Update changes the payload and priority of a queued task. It returns false
// (and does nothing) when id is not queued.
func (p *Pool[P, R]) Update(id string, payload P, priority float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.queued[id]
	if !ok {
		return false
	}
	t.payload = payload
	t.priority = priority
	heap.Fix(&p.queue, t.index)
	return true
}

// Abort rejects the task's Futures with ErrAborted. A queued task is removed
// without reaching an executor; an in-flight task keeps running and its reply
// is discarded. Returns false if id is unknown.
func (p *Pool[P, R]) Abort(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.queued[id]; ok {
		heap.Remove(&p.queue, t.index)
		delete(p.queued, id)
		t.future.settle(*new(R), ErrAborted)
		return true
	}

	if f, ok := p.inflight[id]; ok {
		delete(p.inflight, id)
		for _, w := range f.waiters {
			w.settle(*new(R), ErrAborted)
		}
		return true
	}
	return false
}

// Broadcast delivers msg to every executor regardless of busy state and
// outside the priority queue. Each executor handles it after its current
// message. Replies to broadcasts are discarded.
func (p *Pool[P, R]) Broadcast(msg P) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	for _, e := range p.executors {
		e.inbox <- envelope[P]{payload: msg, broadcast: true}
	}
	return nil
}

// Queued returns the queued tasks in dispatch order.
func (p *Pool[P, R]) Queued() []QueuedTask {
	p.mu.Lock()
	snapshot := make(taskQueue[P, R], len(p.queue))
	copy(snapshot, p.queue)
	p.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot.Less(i, j) })
	out := make([]QueuedTask, len(snapshot))
	for i, t := range snapshot {
		out[i] = QueuedTask{ID: t.id, Priority: t.priority}
	}
	return out
}

// Len returns the number of queued tasks.
func (p *Pool[P, R]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InFlight returns the number of dispatched tasks whose Futures are still
// pending.
func (p *Pool[P, R]) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Workers returns the number of executors.
func (p *Pool[P, R]) Workers() int {
	return len(p.executors)
}

// Close rejects queued tasks with ErrClosed, lets running invocations finish
// and stops all executors. Safe to call multiple times.
func (p *Pool[P, R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.collected
		return
	}
	p.closed = true
	for p.queue.Len() > 0 {
		t := heap.Pop(&p.queue).(*task[P, R])
		delete(p.queued, t.id)
		t.future.settle(*new(R), ErrClosed)
	}
	for _, e := range p.executors {
		close(e.inbox)
	}
	p.mu.Unlock()

	p.execWG.Wait()
	close(p.replies)
	<-p.collected
	p.cancel()

	p.mu.Lock()
	for id, f := range p.inflight {
		for _, w := range f.waiters {
			w.settle(*new(R), ErrClosed)
		}
		delete(p.inflight, id)
	}
	p.mu.Unlock()
}

// dispatch hands queued tasks to free executors. Caller holds p.mu.
func (p *Pool[P, R]) dispatch() {
	for p.queue.Len() > 0 {
		e := p.freeExecutor()
		if e == nil {
			return
		}
		t := heap.Pop(&p.queue).(*task[P, R])
		delete(p.queued, t.id)

		p.gen++
		p.inflight[t.id] = &flight[R]{
			gen:      p.gen,
			executor: e.idx,
			waiters:  []*Future[R]{t.future},
		}
		e.busy = true
		e.inbox <- envelope[P]{id: t.id, gen: p.gen, payload: t.payload}
	}
}

func (p *Pool[P, R]) freeExecutor() *executor[P, R] {
	for _, e := range p.executors {
		if !e.busy {
			return e
		}
	}
	return nil
}

func (p *Pool[P, R]) run(e *executor[P, R]) {
	defer p.execWG.Done()
	for env := range e.inbox {
		val, err := p.invoke(e, env.payload)
		if env.broadcast {
			if err != nil {
				p.log.Warn("broadcast failed", "executor", e.idx, "error", err)
			}
			continue
		}
		p.replies <- reply[R]{executor: e.idx, id: env.id, gen: env.gen, val: val, err: err}
	}
}

func (p *Pool[P, R]) invoke(e *executor[P, R], msg P) (val R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero R
			val = zero
			err = fmt.Errorf("%w: executor %d: %v", ErrExecutorCrashed, e.idx, r)
		}
	}()
	return e.handler.Handle(p.ctx, msg)
}

func (p *Pool[P, R]) collect() {
	defer close(p.collected)
	for r := range p.replies {
		p.finish(r)
	}
}

func (p *Pool[P, R]) finish(r reply[R]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.executors[r.executor].busy = false

	f, ok := p.inflight[r.id]
	if ok && f.gen == r.gen {
		delete(p.inflight, r.id)
		for _, w := range f.waiters {
			w.settle(r.val, r.err)
		}
	} else {
		p.log.Debug("discarding stale reply", "id", r.id, "gen", r.gen)
	}

	if !p.closed {
		p.dispatch()
	}
}
