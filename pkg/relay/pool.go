package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/C12AK/TCP-chat/pkg/registry"
)

// ErrPoolStopped is returned by pool.submit once the pool has been told to
// stop.
var ErrPoolStopped = errors.New("relay: worker pool stopped")

// taskKind tags a task so the pool's FIFO queue can carry a single
// concrete type instead of arbitrary closures — per spec.md §9's
// guidance to keep callable erasure to "one tagged variant for send_task
// vs route_task", which is both faster and easier to reason about than a
// queue of func() values.
type taskKind uint8

const (
	taskRoute taskKind = iota
	taskSend
)

// routeTask carries one just-reassembled frame to be parsed, decrypted,
// and routed by a worker.
type routeTask struct {
	from *registry.Entry
	raw  []byte
}

// sendTask carries one fully-encoded, already-sealed frame to be written
// to a single recipient.
type sendTask struct {
	to   *registry.Entry
	wire []byte
}

type task struct {
	kind  taskKind
	route routeTask
	send  sendTask
}

// pool is a fixed-size worker pool draining a bounded FIFO queue of
// tasks, mirroring spec.md §4.3: workers block on the queue, parse
// frames, make routing decisions, and perform all writes. Submitting to a
// stopped pool is an error; stopping drains whatever is already queued
// before the pool's goroutines exit.
type pool struct {
	tasks    chan task
	logger   zerolog.Logger
	metrics  *Metrics
	registry *registry.Registry

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// newPool creates a pool of n workers backed by a queue of the given
// capacity. n is typically runtime.GOMAXPROCS(0), matching spec.md's
// "bounded by hardware concurrency."
func newPool(n, queueCap int, logger zerolog.Logger, m *Metrics, reg *registry.Registry) *pool {
	if n < 1 {
		n = 1
	}
	if queueCap < 1 {
		queueCap = 1
	}
	p := &pool{
		tasks:    make(chan task, queueCap),
		logger:   logger,
		metrics:  m,
		registry: reg,
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

// run executes one task. It never panics out to the worker loop: a
// failure in one routing decision must not be able to kill the pool, so
// any unexpected panic is recovered and logged as a dropped task.
func (p *pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("worker task panicked, dropping")
		}
	}()

	switch t.kind {
	case taskRoute:
		p.route(t.route)
	case taskSend:
		p.sendOne(t.send)
	}
}

// submit enqueues t. It fails with ErrPoolStopped if the pool has been
// stopped.
//
// The stopped check and the send onto tasks happen under the same lock
// stop() uses to close tasks, so a submit that observes the pool still
// running is guaranteed to finish its send before stop() can close the
// channel out from under it — closing a channel a concurrent sender is
// still writing to would panic, which a producer goroutine with no
// recover (Server.readLoop, in particular) would take down the process.
// Consumers never need this lock, so a submit blocked on a full queue
// still drains normally while holding it.
func (p *pool) submit(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}

	p.tasks <- t
	if p.metrics != nil {
		p.metrics.init().queueDepth.Set(float64(len(p.tasks)))
	}
	return nil
}

// stop marks the pool as no longer accepting new tasks, drains whatever
// is already queued, then waits for every worker to exit.
func (p *pool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
