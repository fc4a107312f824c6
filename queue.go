package courier

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

const (
	queueAgent      = "agent"
	queueSync       = "sync"
	queueTimer      = "timer"
	queueBackground = "background"
)

// workQueue runs tasks on a fixed set of workers. Tasks submitted before
// `Close` are all run.
//
// Submitting never blocks: once the buffer is full, tasks spill into an
// unbounded overflow list which workers move back into the buffer, in
// order, after each task they run. A non-empty overflow implies a full
// buffer, hence a worker bound to refill it.
type workQueue struct {
	name   string
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	tasks    chan func()
	lk       sync.Mutex
	closed   bool
	overflow []func()
	workers  errgroup.Group
}

func newWorkQueue(name string, depth, workers int, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *workQueue {
	q := &workQueue{
		name:   name,
		logger: logger.With(LabelQueue.L(name)),
		msink:  msink,
		labels: append(append([]metrics.Label(nil), labels...), LabelQueue.M(name)),
		tasks:  make(chan func(), max(depth, 1)),
	}
	for range max(workers, 1) {
		q.workers.Go(q.work)
	}
	return q
}

func (q *workQueue) work() error {
	for task := range q.tasks {
		q.run(task)
		q.refill()
	}
	// The buffer is closed, what is left in overflow runs here.
	for {
		task, ok := q.spilled()
		if !ok {
			return nil
		}
		q.run(task)
	}
}

func (q *workQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(
				"task panicked",
				LabelError.L(fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task()
}

// refill moves overflowed tasks into the buffer while it has room.
func (q *workQueue) refill() {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return
	}
	for len(q.overflow) > 0 {
		select {
		case q.tasks <- q.overflow[0]:
			q.overflow[0] = nil
			q.overflow = q.overflow[1:]
		default:
			return
		}
	}
	q.overflow = nil
}

func (q *workQueue) spilled() (func(), bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.overflow) == 0 {
		return nil, false
	}
	task := q.overflow[0]
	q.overflow[0] = nil
	q.overflow = q.overflow[1:]
	return task, true
}

// push must be called with lk held.
func (q *workQueue) push(task func()) bool {
	if len(q.overflow) > 0 {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		return false
	}
}

// Submit queues the task, spilling it to the overflow list when the buffer
// is full.
func (q *workQueue) Submit(task func()) error {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.push(task) {
		q.overflow = append(q.overflow, task)
		q.msink.IncrCounterWithLabels(MetricQueueSpilledCount, 1.0, q.labels)
	}
	return nil
}

// TrySubmit queues the task only if the buffer has room for it.
func (q *workQueue) TrySubmit(task func()) (bool, error) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	if !q.push(task) {
		q.msink.IncrCounterWithLabels(MetricQueueSaturatedCount, 1.0, q.labels)
		return false, nil
	}
	return true, nil
}

// Close stops accepting tasks and waits for the queued ones to run.
func (q *workQueue) Close() error {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.lk.Unlock()

	return q.workers.Wait()
}
