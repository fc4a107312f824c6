package courier

import (
	"sync/atomic"
)

var _ Channel = (*FutureJoin[int])(nil)

// FutureJoin sends the same envelope through several futures and waits for
// all of them, each within its own timeout. It succeeds only if every
// future does. It has no `Post`: sending is the only operation.
type FutureJoin[R any] struct {
	futures []*Future[R]

	started   atomic.Bool
	remaining atomic.Int32
	failed    atomic.Bool
	done      chan struct{}
}

func NewFutureJoin[R any](futures ...*Future[R]) *FutureJoin[R] {
	return &FutureJoin[R]{
		futures: futures,
		done:    make(chan struct{}),
	}
}

func (fj *FutureJoin[R]) TargetID() string {
	if len(fj.futures) == 0 {
		return ""
	}
	return fj.futures[0].TargetID()
}

func (fj *FutureJoin[R]) Len() int {
	return len(fj.futures)
}

// Send dispatches env to every future concurrently. A join can only be
// dispatched once.
func (fj *FutureJoin[R]) Send(env *Envelope) error {
	if !fj.started.CompareAndSwap(false, true) {
		return ErrJoinStarted
	}

	fj.remaining.Store(int32(len(fj.futures)))
	if len(fj.futures) == 0 {
		close(fj.done)
		return nil
	}

	for _, f := range fj.futures {
		go func() {
			ok := f.Send(env.clone()) == nil && f.WaitUntilCompleted(f.timeout)
			if !ok {
				fj.failed.Store(true)
			}
			if fj.remaining.Add(-1) == 0 {
				close(fj.done)
			}
		}()
	}
	return nil
}

// Get blocks until every future completed and returns the result of the
// first one, along with whether all of them succeeded. It returns at once,
// without success, when the join was never dispatched.
func (fj *FutureJoin[R]) Get() (R, bool) {
	if !fj.started.Load() {
		var zero R
		return zero, false
	}
	<-fj.done
	if len(fj.futures) == 0 {
		var zero R
		return zero, true
	}
	res, _ := fj.futures[0].Get()
	return res, !fj.failed.Load()
}

// At returns the result of the i-th future.
func (fj *FutureJoin[R]) At(i int) (R, bool) {
	return fj.futures[i].Get()
}

// Succeeded reports whether every future succeeded. It must be called once
// the join is done.
func (fj *FutureJoin[R]) Succeeded() bool {
	return !fj.failed.Load()
}

func (fj *FutureJoin[R]) Done() <-chan struct{} {
	return fj.done
}
