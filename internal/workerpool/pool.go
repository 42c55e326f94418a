// Package workerpool runs work requests on a fixed set of persistent
// worker goroutines and hands their results back to a single polling
// goroutine, which dispatches each request's callback exactly once.
package workerpool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrNoResultsPending   = errors.New("no results pending")
	ErrNoWorkersAvailable = errors.New("no workers available")
	ErrClosed             = errors.New("worker pool closed")
)

const (
	// pollTimeout bounds how long an idle worker waits on the request
	// queue before rechecking for dismissal.
	pollTimeout = 100 * time.Millisecond

	// resultPollInterval bounds how long a blocking Poll waits before
	// rechecking worker availability.
	resultPollInterval = 100 * time.Millisecond
)

// Request is one unit of work.
type Request struct {
	ID       string
	Callable func() (any, error)

	// OnComplete is called with the value when Callable succeeds.
	OnComplete func(req *Request, value any)

	// OnError is called when Callable returns an error or panics.
	OnError func(req *Request, err error)
}

// Result is the outcome of running a Request.
type Result struct {
	Request  *Request
	WorkerID int
	Value    any
	Err      error
}

type worker struct {
	id   int
	done chan struct{}
}

// Pool is a set of persistent workers sharing one FIFO request queue.
//
// Requests, results, the pending count and dismissal bookkeeping are all
// guarded by mu. Callbacks run on the goroutine that calls Poll.
type Pool struct {
	logger *slog.Logger

	mu         sync.Mutex
	queue      []*Request
	results    []Result
	pending    int
	live       int
	nextID     int
	toDismiss  int
	dismissed  []*worker
	closed     bool
	wakeWork   chan struct{}
	wakeResult chan struct{}
}

// New creates a pool with n workers.
func New(n int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pool{
		logger:     logger,
		wakeWork:   make(chan struct{}, 1),
		wakeResult: make(chan struct{}, 1),
	}
	p.CreateWorkers(n)
	return p
}

// CreateWorkers adds n workers.
func (p *Pool) CreateWorkers(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		w := &worker{id: p.nextID, done: make(chan struct{})}
		p.nextID++
		p.live++
		go p.run(w)
	}
	p.logger.Debug("workers_created", "count", n, "workers", p.live)
}

// DismissWorkers asks up to n workers to stop once their current request
// is finished. With wait set it blocks until they have stopped.
func (p *Pool) DismissWorkers(n int, wait bool) {
	p.mu.Lock()
	if avail := p.live - p.toDismiss; n > avail {
		n = avail
	}
	p.toDismiss += n
	p.mu.Unlock()

	p.logger.Debug("workers_dismissing", "count", n)
	if wait {
		p.JoinDismissed()
	}
}

// JoinDismissed waits for every dismissed worker to stop.
func (p *Pool) JoinDismissed() {
	for {
		p.mu.Lock()
		if p.toDismiss == 0 {
			dismissed := p.dismissed
			p.dismissed = nil
			p.mu.Unlock()
			for _, w := range dismissed {
				<-w.done
			}
			return
		}
		p.mu.Unlock()
		time.Sleep(pollTimeout / 10)
	}
}

// Put enqueues req. A request without an ID gets a random one.
func (p *Pool) Put(req *Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, req)
	p.pending++
	p.mu.Unlock()

	signal(p.wakeWork)
	return nil
}

// Poll takes one result and dispatches its callback. Without block it
// returns (nil, nil) when no result is ready yet.
func (p *Pool) Poll(block bool) (*Result, error) {
	for {
		p.mu.Lock()
		if len(p.results) > 0 {
			res := p.results[0]
			p.results = p.results[1:]
			p.pending--
			p.mu.Unlock()

			dispatch(&res)
			return &res, nil
		}
		if p.pending == 0 {
			p.mu.Unlock()
			return nil, ErrNoResultsPending
		}
		if p.live-p.toDismiss <= 0 && len(p.queue) > 0 && p.inFlightLocked() == 0 {
			p.mu.Unlock()
			return nil, ErrNoWorkersAvailable
		}
		p.mu.Unlock()

		if !block {
			return nil, nil
		}

		timer := time.NewTimer(resultPollInterval)
		select {
		case <-p.wakeResult:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// inFlightLocked is the number of requests taken by a worker whose result
// has not been queued yet.
func (p *Pool) inFlightLocked() int {
	return p.pending - len(p.queue) - len(p.results)
}

// Wait polls until every submitted request has been dispatched.
func (p *Pool) Wait() error {
	for {
		if _, err := p.Poll(true); err != nil {
			if errors.Is(err, ErrNoResultsPending) {
				return nil
			}
			return err
		}
	}
}

// Workers returns the number of live workers, including any that are
// dismissed but still finishing a request.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Pending returns the number of requests whose callback has not run.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// CancelQueued removes every request no worker has started and returns
// them in queue order. Their callbacks are never called.
func (p *Pool) CancelQueued() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancelled := p.queue
	p.queue = nil
	p.pending -= len(cancelled)
	if len(cancelled) > 0 {
		p.logger.Info("requests_cancelled", "count", len(cancelled))
	}
	signal(p.wakeResult)
	return cancelled
}

// Close rejects further requests, dismisses every worker and waits for
// them. Results not yet polled are kept.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	n := p.live
	p.mu.Unlock()

	p.DismissWorkers(n, true)
}

// run is the worker loop.
func (p *Pool) run(w *worker) {
	defer close(w.done)
	p.logger.Debug("worker_started", "worker_id", w.id)

	for {
		if p.takeDismissal(w) {
			return
		}

		req, ok := p.dequeue()
		if !ok {
			continue
		}

		// Dismissed while waiting: hand the request back untouched.
		if p.takeDismissal(w) {
			p.pushFront(req)
			return
		}

		res := execute(w.id, req)

		p.mu.Lock()
		p.results = append(p.results, res)
		p.mu.Unlock()
		signal(p.wakeResult)
	}
}

// takeDismissal claims one pending dismissal for w, if any.
func (p *Pool) takeDismissal(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toDismiss == 0 {
		return false
	}
	p.toDismiss--
	p.live--
	p.dismissed = append(p.dismissed, w)
	p.logger.Debug("worker_dismissed", "worker_id", w.id, "workers", p.live)
	return true
}

// dequeue pops the next request, waiting up to pollTimeout for one.
func (p *Pool) dequeue() (*Request, bool) {
	if req, ok := p.pop(); ok {
		return req, true
	}

	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()
	select {
	case <-p.wakeWork:
	case <-timer.C:
	}
	return p.pop()
}

func (p *Pool) pop() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	req := p.queue[0]
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		signal(p.wakeWork)
	}
	return req, true
}

func (p *Pool) pushFront(req *Request) {
	p.mu.Lock()
	p.queue = append([]*Request{req}, p.queue...)
	p.mu.Unlock()
	signal(p.wakeWork)
}

// execute runs req.Callable, converting a panic into an error.
func execute(workerID int, req *Request) (res Result) {
	res = Result{Request: req, WorkerID: workerID}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic in request %s: %v\n%s", req.ID, r, debug.Stack())
		}
	}()
	res.Value, res.Err = req.Callable()
	return res
}

func dispatch(res *Result) {
	req := res.Request
	if res.Err != nil {
		if req.OnError != nil {
			req.OnError(req, res.Err)
		}
		return
	}
	if req.OnComplete != nil {
		req.OnComplete(req, res.Value)
	}
}

// signal performs a non-blocking send on a wake channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
