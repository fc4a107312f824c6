package courier

import (
	"sync"
	"time"
)

var (
	_ Channel  = (*TimeoutChannel)(nil)
	_ Resource = (*TimeoutChannel)(nil)
)

// TimeoutChannel forwards to a local target and shuts it down once no
// envelope went through it for its timeout. It then expires itself.
type TimeoutChannel struct {
	ResourceBase
	node     *Node
	targetID string

	lk         sync.Mutex
	timeout    time.Duration
	timer      *time.Timer
	generation uint64
	closed     bool
}

// NewTimeoutChannel admits a timeout channel on targetID and arms its
// timer.
func NewTimeoutChannel(n *Node, targetID string, timeout time.Duration) (*TimeoutChannel, error) {
	tc := &TimeoutChannel{
		node:     n,
		targetID: targetID,
		timeout:  timeout,
	}
	if err := n.registry.Store(tc, n.registry.NewID()); err != nil {
		return nil, err
	}

	tc.lk.Lock()
	tc.schedule()
	tc.lk.Unlock()
	return tc, nil
}

func (tc *TimeoutChannel) TargetID() string {
	return tc.targetID
}

func (tc *TimeoutChannel) Timeout() time.Duration {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	return tc.timeout
}

// SetTimeout cancels the running timer and arms a new one.
func (tc *TimeoutChannel) SetTimeout(timeout time.Duration) {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	tc.timeout = timeout
	tc.schedule()
}

func (tc *TimeoutChannel) Send(env *Envelope) error {
	tc.reset()
	return tc.node.Local(tc.targetID).Send(env)
}

func (tc *TimeoutChannel) Post(env *Envelope) error {
	return tc.Send(env)
}

// Close disarms the timer, the target is left untouched.
func (tc *TimeoutChannel) Close() error {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	tc.closed = true
	if tc.timer != nil {
		tc.timer.Stop()
	}
	return nil
}

func (tc *TimeoutChannel) reset() {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	tc.schedule()
}

// must be called with lk held.
func (tc *TimeoutChannel) schedule() {
	if tc.closed {
		return
	}
	if tc.timer != nil {
		tc.timer.Stop()
	}
	tc.generation++
	gen := tc.generation
	tc.timer = time.AfterFunc(tc.timeout, func() {
		fire := func() { tc.expire(gen) }
		if err := tc.node.timerQ.Submit(fire); err != nil {
			fire()
		}
	})
}

func (tc *TimeoutChannel) expire(gen uint64) {
	tc.lk.Lock()
	if tc.closed || gen != tc.generation {
		tc.lk.Unlock()
		return
	}
	tc.closed = true
	tc.timer.Stop()
	tc.lk.Unlock()

	if target, ok := tc.node.registry.Get(tc.targetID); ok {
		target.Shutdown()
	}
	tc.Shutdown()
	tc.node.msink.IncrCounterWithLabels(
		MetricTimeoutChannelFiredCount,
		1.0,
		tc.node.mlabels(LabelResourceID.M(tc.targetID)),
	)
	tc.node.logger.Debug("timeout channel fired", LabelResourceID.L(tc.targetID))
	tc.node.registry.Delete(tc.ID())
}
