// Package queue implements the bounded multi-lane dispatch queue feeding
// the worker pool. Admission is backpressured: a full queue rejects new
// work instead of buffering it.
package queue

import (
	"context"
	"sync"

	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// Outcome is the terminal result of one queued request.
type Outcome struct {
	Result domain.Result
	Err    error
}

// Item is one queued request plus the future its caller is awaiting.
// The Result channel is buffered so a worker never blocks completing an
// item whose caller has already abandoned it.
type Item struct {
	Ctx      context.Context
	Envelope domain.RequestEnvelope
	Result   chan Outcome
}

// Handler executes one dequeued request.
type Handler func(ctx context.Context, env domain.RequestEnvelope) (domain.Result, error)

// Config tunes the dispatch queue.
type Config struct {
	// Capacity bounds the total number of queued items across all lanes.
	Capacity int
	// Workers is the number of concurrent worker goroutines.
	Workers int
	// FairnessCap is how many consecutive Urgent/High items a worker may
	// service before it must check the lower lanes once.
	FairnessCap int
}

// DispatchQueue is the five-lane strict-priority queue. Within a lane
// items are FIFO; across lanes priority order applies, modulated by the
// fairness cap so batch traffic is never starved indefinitely.
type DispatchQueue struct {
	config  Config
	handler Handler
	logger  *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	lanes   [domain.NumPriorities][]*Item
	depth   int
	stopped bool

	wg sync.WaitGroup
}

// New creates a DispatchQueue. Workers are not started until Start.
func New(config Config, handler Handler, log *logger.Logger) *DispatchQueue {
	if config.Capacity <= 0 {
		config.Capacity = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.FairnessCap <= 0 {
		config.FairnessCap = 8
	}
	q := &DispatchQueue{
		config:  config,
		handler: handler,
		logger:  log.QueueLogger(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker goroutines.
func (q *DispatchQueue) Start() {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Infof("Dispatch queue started with %d workers", q.config.Workers)
}

// Enqueue admits an item or fails fast with QueueSaturated when the
// queue is at capacity.
func (q *DispatchQueue) Enqueue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return errors.New(errors.KindBackendUnavailable, "dispatch_queue", "queue is stopped")
	}
	if q.depth >= q.config.Capacity {
		return errors.NewQueueSaturatedError(q.depth, q.config.Capacity)
	}

	p := item.Envelope.Priority
	if p < 0 || p >= domain.NumPriorities {
		p = domain.PriorityNormal
	}
	q.lanes[p] = append(q.lanes[p], item)
	q.depth++
	q.cond.Signal()
	return nil
}

// Depth returns the total number of queued items.
func (q *DispatchQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Capacity returns the configured admission bound.
func (q *DispatchQueue) Capacity() int { return q.config.Capacity }

// DepthByLane returns per-priority queue depths.
func (q *DispatchQueue) DepthByLane() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, domain.NumPriorities)
	for p := 0; p < domain.NumPriorities; p++ {
		out[domain.Priority(p).String()] = len(q.lanes[p])
	}
	return out
}

// worker pulls from the highest non-empty lane, yielding to the lower
// lanes after FairnessCap consecutive Urgent/High items.
func (q *DispatchQueue) worker() {
	defer q.wg.Done()

	hiStreak := 0
	for {
		item, fromHigh := q.pop(hiStreak >= q.config.FairnessCap)
		if item == nil {
			return
		}
		if fromHigh {
			hiStreak++
		} else {
			hiStreak = 0
		}
		q.run(item)
	}
}

// pop blocks until an item is available or the queue stops. When
// preferLow is set the lower lanes are scanned first, discharging the
// fairness debt. The second return reports whether the item came from
// an Urgent or High lane.
func (q *DispatchQueue) pop(preferLow bool) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if item, high, ok := q.takeLocked(preferLow); ok {
			return item, high
		}
		if q.stopped {
			return nil, false
		}
		q.cond.Wait()
	}
}

func (q *DispatchQueue) takeLocked(preferLow bool) (*Item, bool, bool) {
	order := []domain.Priority{
		domain.PriorityUrgent, domain.PriorityHigh,
		domain.PriorityNormal, domain.PriorityLow, domain.PriorityBatch,
	}
	if preferLow {
		order = []domain.Priority{
			domain.PriorityNormal, domain.PriorityLow, domain.PriorityBatch,
			domain.PriorityUrgent, domain.PriorityHigh,
		}
	}

	for _, p := range order {
		if len(q.lanes[p]) == 0 {
			continue
		}
		item := q.lanes[p][0]
		q.lanes[p] = q.lanes[p][1:]
		q.depth--
		high := p == domain.PriorityUrgent || p == domain.PriorityHigh
		return item, high, true
	}
	return nil, false, false
}

// run executes one item unless its caller's deadline already passed.
func (q *DispatchQueue) run(item *Item) {
	if err := item.Ctx.Err(); err != nil {
		item.Result <- Outcome{Err: errors.NewTimeoutError("dispatch_queue", err)}
		return
	}

	result, err := q.handler(item.Ctx, item.Envelope)
	item.Result <- Outcome{Result: result, Err: err}
}

// Stop shuts the queue down: no new admissions, workers drain, and any
// still-queued items complete with a queue-stopped error.
func (q *DispatchQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	var pending []*Item
	for p := 0; p < domain.NumPriorities; p++ {
		pending = append(pending, q.lanes[p]...)
		q.lanes[p] = nil
	}
	q.depth = 0
	q.mu.Unlock()

	for _, item := range pending {
		item.Result <- Outcome{Err: errors.New(errors.KindBackendUnavailable, "dispatch_queue", "queue stopped before execution")}
	}

	q.logger.Info("Dispatch queue stopped")
}
