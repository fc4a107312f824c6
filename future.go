package courier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	_ Channel  = (*Future[int])(nil)
	_ Resource = (*Future[int])(nil)
)

// Future sends a single request to its target and yields the first reply.
//
// Only one request is in flight at a time: envelopes sent while the reply
// is awaited are held back and released to the target, in order, as soon
// as the reply arrives. Once completed, envelopes go straight through.
type Future[R any] struct {
	ResourceBase
	node    *Node
	target  Channel
	timeout time.Duration

	inFlight  atomic.Bool
	completed atomic.Bool

	lk       sync.Mutex
	released bool
	pending  []*Envelope

	// written once before done is closed.
	result R
	ok     bool
	done   chan struct{}
}

// NewFuture returns a future on target. The future is admitted in the
// registry of n on its first `Send` and expires once completed or timed
// out.
func NewFuture[R any](n *Node, target Channel, timeout time.Duration) *Future[R] {
	if timeout <= 0 {
		timeout = n.config.defaultTimeout
	}
	return &Future[R]{
		node:    n,
		target:  target,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (f *Future[R]) TargetID() string {
	return f.target.TargetID()
}

func (f *Future[R]) Timeout() time.Duration {
	return f.timeout
}

func (f *Future[R]) Send(env *Envelope) error {
	if f.inFlight.CompareAndSwap(false, true) {
		return f.request(env)
	}

	f.lk.Lock()
	if !f.released {
		f.pending = append(f.pending, env)
		f.lk.Unlock()
		return nil
	}
	f.lk.Unlock()
	return f.target.Send(env)
}

func (f *Future[R]) request(env *Envelope) error {
	if _, err := f.node.registry.Add(f); err != nil {
		f.complete(false)
		return err
	}
	env.Source = f.node.Local(f.ID())
	if err := f.target.Send(env); err != nil {
		f.complete(false)
		return err
	}
	return nil
}

// Post receives the reply. Only the first one completes the future.
func (f *Future[R]) Post(env *Envelope) error {
	res, ok := env.Message.(R)
	if !f.completed.CompareAndSwap(false, true) {
		f.node.lateReply(f.ID(), env)
		return nil
	}

	f.result, f.ok = res, ok
	f.finish()
	if !ok {
		return fmt.Errorf("%w: future expected %T, got %T", ErrTypeMismatch, res, env.Message)
	}
	return nil
}

// WaitUntilCompleted blocks until the reply arrives or timeout elapses. It
// reports whether a reply of the expected type was received. A timeout
// expires the future.
func (f *Future[R]) WaitUntilCompleted(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		if f.complete(false) {
			f.node.msink.IncrCounterWithLabels(MetricFutureTimeoutCount, 1.0, f.node.mlabels())
		}
		<-f.done
	}
	return f.ok
}

// Get waits, within the future timeout, for the reply.
func (f *Future[R]) Get() (R, bool) {
	ok := f.WaitUntilCompleted(f.timeout)
	return f.result, ok
}

// Done is closed once the future is completed.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// complete completes the future without a result. It reports whether this
// call won the completion.
func (f *Future[R]) complete(ok bool) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}
	f.ok = ok
	f.finish()
	return true
}

// finish must only be called by the winner of the completion.
func (f *Future[R]) finish() {
	f.release()
	close(f.done)
	if id := f.ID(); id != "" {
		f.node.registry.Delete(id)
	}
}

// release delivers the held back envelopes outside of lk, so the target
// may send through the future meanwhile. Those sends are held back too and
// delivered by the same loop, after the ones already pending.
func (f *Future[R]) release() {
	for {
		f.lk.Lock()
		batch := f.pending
		f.pending = nil
		if len(batch) == 0 {
			f.released = true
			f.lk.Unlock()
			return
		}
		f.lk.Unlock()

		for _, env := range batch {
			var err error
			if inline, ok := f.target.(inlineSender); ok {
				err = inline.sendInline(env)
			} else {
				err = f.target.Send(env)
			}
			if err != nil {
				f.node.logger.Warn(
					"failed to release a held back envelope",
					LabelResourceID.L(f.target.TargetID()),
					LabelError.L(err),
				)
			}
		}
	}
}
