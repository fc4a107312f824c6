package courier

import "fmt"

// Channel carries envelopes toward a resource, wherever it lives.
type Channel interface {
	// TargetID is the id of the resource the channel points at. It is
	// empty for channels without a single target.
	TargetID() string
	Send(env *Envelope) error
}

// inlineSender is implemented by channels able to deliver on the caller
// goroutine, preserving the order of successive sends.
type inlineSender interface {
	sendInline(env *Envelope) error
}

var (
	_ Channel      = (*LocalChannel)(nil)
	_ inlineSender = (*LocalChannel)(nil)
	_ Channel      = (*SynchronousChannel)(nil)
)

// LocalChannel points at a resource of the same `Node`. Envelopes are
// delivered on the agent work queue.
type LocalChannel struct {
	node     *Node
	targetID string
}

func (lc *LocalChannel) TargetID() string {
	return lc.targetID
}

func (lc *LocalChannel) Send(env *Envelope) error {
	target, err := lc.node.lookup(lc.targetID)
	if err != nil {
		return err
	}
	return lc.node.agentQ.Submit(func() {
		lc.node.deliver(target, env)
	})
}

func (lc *LocalChannel) sendInline(env *Envelope) error {
	target, err := lc.node.lookup(lc.targetID)
	if err != nil {
		return err
	}
	return lc.node.deliver(target, env)
}

func (lc *LocalChannel) String() string {
	return fmt.Sprintf("local(%s)", lc.targetID)
}

// SynchronousChannel delivers on the caller goroutine: `Send` returns once
// the target has processed the envelope, with the error of its `Post`.
type SynchronousChannel struct {
	node     *Node
	targetID string
}

func (sc *SynchronousChannel) TargetID() string {
	return sc.targetID
}

func (sc *SynchronousChannel) Send(env *Envelope) error {
	target, err := sc.node.lookup(sc.targetID)
	if err != nil {
		return err
	}
	env.Synchronous = true
	return sc.node.deliver(target, env)
}

func (sc *SynchronousChannel) sendInline(env *Envelope) error {
	return sc.Send(env)
}
