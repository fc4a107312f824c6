package courier

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/wire"
)

var (
	_ Channel  = (*RemoteChannel)(nil)
	_ Resource = (*RemoteChannel)(nil)
)

// RemoteChannel ships envelopes to a resource of another node, addressed
// either by id or by destination type.
type RemoteChannel struct {
	ResourceBase
	node            *Node
	destinationID   string
	destinationType string
	endpoint        string
	nodeName        Hostname
	timeout         time.Duration

	syncInFlight atomic.Bool
	acked        atomic.Bool
	lk           sync.Mutex
	signal       chan struct{}
	replyTo      Channel
}

func (rc *RemoteChannel) TargetID() string {
	if rc.destinationID != "" {
		return rc.destinationID
	}
	return rc.destinationType
}

// Endpoint returns where the channel delivers, resolving the node name
// through gossip if needed.
func (rc *RemoteChannel) Endpoint() (string, error) {
	if rc.endpoint != "" {
		return rc.endpoint, nil
	}
	endpoint, ok := rc.node.cache.ResolveNode(rc.nodeName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, rc.nodeName)
	}
	return endpoint, nil
}

func (rc *RemoteChannel) Timeout() time.Duration {
	return rc.timeout
}

func (rc *RemoteChannel) Send(env *Envelope) error {
	endpoint, err := rc.Endpoint()
	if err != nil {
		return err
	}
	wenv, err := rc.node.exportEnvelope(env, rc.destinationID, rc.destinationType)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.timeout)
	defer cancel()
	_, err = rc.node.cache.Send(ctx, endpoint, wenv.Marshal(), nil)
	return err
}

// SendSync sends env and waits until the remote node processed it. It
// reports false without error when the timeout elapsed first, and a
// `*DeliveryError` when the peer rejected the envelope. After a timeout,
// `Acknowledged` tells whether the peer received the envelope at all.
//
// Replies sent by the remote resource are forwarded to the source of env.
// A channel supports one synchronous send at a time.
func (rc *RemoteChannel) SendSync(env *Envelope) (bool, error) {
	if !rc.syncInFlight.CompareAndSwap(false, true) {
		return false, ErrConcurrentSyncSend
	}
	defer rc.syncInFlight.Store(false)
	rc.acked.Store(false)

	endpoint, err := rc.Endpoint()
	if err != nil {
		return false, err
	}

	signal := make(chan struct{})
	rc.lk.Lock()
	rc.signal = signal
	rc.replyTo = env.Source
	rc.lk.Unlock()

	if _, err := rc.node.registry.Add(rc); err != nil {
		return false, err
	}
	defer rc.node.registry.Delete(rc.ID())

	exported := env.clone()
	exported.Source = rc.node.Local(rc.ID())
	exported.Synchronous = true
	wenv, err := rc.node.exportEnvelope(exported, rc.destinationID, rc.destinationType)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.timeout)
	defer cancel()
	op := newPendingOp()
	msgID, err := rc.node.cache.Send(ctx, endpoint, wenv.Marshal(), op)
	if err != nil {
		return false, err
	}
	defer rc.node.cache.forget(msgID)

	select {
	case <-signal:
		rc.acked.Store(true)
		return true, nil
	case derr := <-op.faults:
		rc.acked.Store(op.acked.Load())
		return false, derr
	case <-ctx.Done():
		acked := op.acked.Load()
		rc.acked.Store(acked)
		rc.node.msink.IncrCounterWithLabels(
			MetricFutureTimeoutCount,
			1.0,
			rc.node.mlabels(
				LabelPeerAddr.M(endpoint),
				LabelResourceID.M(rc.TargetID()),
				LabelAcked.M(strconv.FormatBool(acked)),
			),
		)
		if !acked {
			rc.node.instr.Error(Event{
				Method:         "remote.send_sync",
				Message:        "envelope never acknowledged",
				ResourceID:     rc.TargetID(),
				Node:           rc.node.name,
				RemoteEndpoint: endpoint,
				Err:            ErrNotAcknowledged,
			})
		}
		return false, nil
	}
}

// Acknowledged reports whether the peer acknowledged the envelope of the
// last `SendSync`. A timed out send which was acknowledged reached the
// remote node but was not processed in time.
func (rc *RemoteChannel) Acknowledged() bool {
	return rc.acked.Load()
}

// Post receives the continuation of a synchronous send, and the replies of
// the remote resource.
func (rc *RemoteChannel) Post(env *Envelope) error {
	rc.lk.Lock()
	if _, ok := env.Message.(continuation); ok {
		if rc.signal != nil {
			close(rc.signal)
			rc.signal = nil
		}
		rc.lk.Unlock()
		return nil
	}
	replyTo := rc.replyTo
	rc.lk.Unlock()

	if replyTo == nil {
		rc.node.lateReply(rc.ID(), env)
		return nil
	}
	return replyTo.Send(env)
}

// exportEnvelope builds the wire envelope of env.
func (n *Node) exportEnvelope(env *Envelope, destinationID, destinationType string) (*wire.Envelope, error) {
	typ := env.messageType()
	if typ == nil {
		return nil, fmt.Errorf("%w: nil message", ErrTypeMismatch)
	}
	typeName, err := n.serializer.SerializeType(typ)
	if err != nil {
		return nil, err
	}
	text, err := n.serializer.Serialize(env.Message)
	if err != nil {
		return nil, err
	}
	payload, err := codec.EncodeText(text)
	if err != nil {
		return nil, err
	}

	wenv := &wire.Envelope{
		MessageType:     typeName,
		Payload:         payload,
		DestinationID:   destinationID,
		DestinationType: destinationType,
		Synchronous:     env.Synchronous,
	}
	wenv.ReturnID, wenv.ReturnEndpoint, wenv.ReturnNode = n.exportSource(env.Source)
	if wenv.Synchronous && wenv.ReturnID == "" {
		// a synchronous send needs a return address for its continuation.
		wenv.Synchronous = false
	}
	if err := wenv.Validate(); err != nil {
		return nil, err
	}
	return wenv, nil
}

// exportSource returns the address a remote node must reply to.
func (n *Node) exportSource(ch Channel) (id, endpoint, node string) {
	switch src := ch.(type) {
	case nil:
		return "", "", ""
	case *RemoteChannel:
		if src.destinationID == "" {
			return "", "", ""
		}
		endpoint, err := src.Endpoint()
		if err != nil {
			return "", "", ""
		}
		return src.destinationID, endpoint, string(src.nodeName)
	case Resource:
		if src.ID() != "" {
			return src.ID(), n.endpoint, n.name
		}
	}
	return ch.TargetID(), n.endpoint, n.name
}
