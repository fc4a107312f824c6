package courier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/wire"
)

const readBufferSize = 32 << 10

// Listener accepts inbound connections and runs one read loop per
// connection, inbound or dialed, reassembling envelopes and routing them
// to the node.
type Listener struct {
	node   *Node
	tr     Transport
	logger *slog.Logger

	lk     sync.Mutex
	closed bool
	conns  map[*connEntry]struct{}
	wg     sync.WaitGroup
}

func newListener(n *Node, tr Transport) *Listener {
	return &Listener{
		node:   n,
		tr:     tr,
		logger: n.logger,
		conns:  make(map[*connEntry]struct{}),
	}
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.tr.Accept(ctx)
		if err != nil {
			if !errors.Is(err, ErrShutdown) && ctx.Err() == nil {
				l.logger.Error("stop accepting connections", LabelError.L(err))
			}
			return
		}
		l.logger.Debug("connection accepted", LabelPeerAddr.L(conn.RemoteAddr().String()))
		l.serve(newConnEntry(conn, true))
	}
}

// serve starts the read loop of entry.
func (l *Listener) serve(entry *connEntry) {
	l.lk.Lock()
	if l.closed {
		l.lk.Unlock()
		entry.close()
		return
	}
	l.conns[entry] = struct{}{}
	l.wg.Add(1)
	l.lk.Unlock()

	go l.readLoop(entry)
}

func (l *Listener) readLoop(entry *connEntry) {
	defer l.wg.Done()
	defer func() {
		l.lk.Lock()
		delete(l.conns, entry)
		l.lk.Unlock()
		l.node.cache.evict(entry)
	}()

	peer := entry.conn.RemoteAddr().String()
	h := &connHandler{
		node:   l.node,
		entry:  entry,
		peer:   peer,
		logger: l.logger.With(LabelPeerAddr.L(peer)),
	}
	r := wire.NewReassembler(l.node.config.maxPayload)
	buf := make([]byte, readBufferSize)
	for {
		n, err := entry.conn.Read(buf)
		if n > 0 {
			r.Feed(buf[:n], h)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !entry.closed.Load() {
				h.logger.Debug("connection broken", LabelError.L(err))
			}
			return
		}
	}
}

// Close closes every connection and waits for the read loops.
func (l *Listener) Close() {
	l.lk.Lock()
	l.closed = true
	for entry := range l.conns {
		entry.close()
	}
	l.lk.Unlock()
	l.wg.Wait()
}

var _ wire.Visitor = (*connHandler)(nil)

// connHandler reacts to the records read on one connection.
type connHandler struct {
	node   *Node
	entry  *connEntry
	peer   string
	logger *slog.Logger
}

func (h *connHandler) reply(buf []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), h.node.config.trCfg.DialTimeout)
	defer cancel()
	if err := h.entry.write(ctx, buf); err != nil {
		h.logger.Debug("failed to answer peer", LabelError.L(err))
	}
}

func (h *connHandler) fault(code wire.FaultCode, msgID int32, wenv *wire.Envelope, err error) {
	h.node.msink.IncrCounterWithLabels(
		MetricProtocolFaultCount,
		1.0,
		h.node.mlabels(LabelPeerAddr.M(h.peer), LabelFaultCode.M(code.String())),
	)
	h.node.instr.Error(Event{
		Method:         "listener.fault",
		Message:        code.String(),
		Wire:           wenv,
		Node:           h.node.name,
		RemoteEndpoint: h.peer,
		Err:            err,
	})
	h.reply(wire.Fault(code, msgID))
}

func (h *connHandler) OnPacket(msgID int32, payload []byte) {
	labels := h.node.mlabels(LabelPeerAddr.M(h.peer))
	h.node.msink.IncrCounterWithLabels(MetricEnvelopeInCount, 1.0, labels)
	h.node.msink.IncrCounterWithLabels(MetricEnvelopeInBytes, float32(len(payload)+wire.HeaderLen+wire.EndLen), labels)

	wenv, err := wire.UnmarshalEnvelope(payload)
	if err != nil {
		h.fault(wire.FaultDeserialization, msgID, nil, err)
		return
	}
	h.node.dispatch(h, msgID, wenv)
}

func (h *connHandler) OnFault(code wire.FaultCode, msgID int32) {
	endpoint := h.node.cache.endpointOf(h.entry, h.peer)
	if !h.node.cache.fail(msgID, code, endpoint) {
		h.logger.Warn("peer reported a fault", LabelFaultCode.L(code.String()), LabelMessageID.L(msgID))
	}
	h.node.instr.Error(Event{
		Method:         "listener.remote_fault",
		Message:        code.String(),
		Node:           h.node.name,
		RemoteEndpoint: endpoint,
	})
}

func (h *connHandler) OnAck(msgID int32) {
	h.node.cache.acknowledge(msgID)
}

func (h *connHandler) OnWaitTime(d time.Duration) {
	h.logger.Debug("peer asked to slow down", LabelDuration.L(d))
	h.entry.pause(d)
}

func (h *connHandler) OnProtocolError(code wire.FaultCode, msgID int32) {
	h.fault(code, msgID, nil, nil)
}

// dispatch routes a decoded envelope to local resources.
func (n *Node) dispatch(h *connHandler, msgID int32, wenv *wire.Envelope) {
	if wenv.ReturnEndpoint != "" {
		n.cache.adopt(h.entry, wenv.ReturnEndpoint, Hostname(wenv.ReturnNode))
	}

	if wenv.Kind == wire.KindContinuation {
		target, ok := n.registry.Get(wenv.DestinationID)
		if !ok {
			n.lateReply(wenv.DestinationID, nil)
			return
		}
		n.deliver(target, &Envelope{Message: continuation{}})
		return
	}

	env, err := n.importEnvelope(wenv)
	if err != nil {
		h.fault(wire.FaultDeserialization, msgID, wenv, err)
		return
	}

	targets := n.targetsFor(wenv)
	if len(targets) == 0 {
		h.fault(wire.FaultUnknownDestination, msgID, wenv, ErrResourceNotFound)
		return
	}
	n.instr.Trace(Event{
		Method:         "listener.dispatch",
		Message:        "envelope received",
		Wire:           wenv,
		Node:           n.name,
		RemoteEndpoint: h.peer,
		ReceiverID:     wenv.DestinationID,
	})

	if wenv.Synchronous {
		h.reply(wire.Ack(msgID))
		err := n.syncQ.Submit(func() {
			for _, target := range targets {
				n.deliver(target, env.clone())
			}
			n.sendContinuation(wenv)
		})
		if err != nil {
			h.fault(wire.FaultTransport, msgID, wenv, err)
		}
		return
	}

	for _, target := range targets {
		task := func() { n.deliver(target, env.clone()) }
		queued, err := n.agentQ.TrySubmit(task)
		if err != nil {
			h.fault(wire.FaultTransport, msgID, wenv, err)
			return
		}
		if !queued {
			h.reply(wire.WaitTimeFor(n.config.backoffHint))
			if err := n.agentQ.Submit(task); err != nil {
				h.fault(wire.FaultTransport, msgID, wenv, err)
				return
			}
		}
	}
}

func (n *Node) targetsFor(wenv *wire.Envelope) []Resource {
	if wenv.DestinationID != "" {
		target, ok := n.registry.Get(wenv.DestinationID)
		if !ok || target.ShuttingDown() {
			return nil
		}
		return []Resource{target}
	}

	var targets []Resource
	for _, r := range n.registry.Scan("") {
		if !r.ShuttingDown() && resourceType(r) == wenv.DestinationType {
			targets = append(targets, r)
		}
	}
	return targets
}

// importEnvelope rebuilds the routing envelope of wenv. Replies go back to
// the origin node.
func (n *Node) importEnvelope(wenv *wire.Envelope) (*Envelope, error) {
	typ, err := n.serializer.DeserializeType(wenv.MessageType)
	if err != nil {
		return nil, err
	}
	text, err := codec.DecodeText(wenv.Payload)
	if err != nil {
		return nil, err
	}
	msg, err := n.serializer.Deserialize(text, typ)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Message:     msg,
		Type:        typ,
		Synchronous: wenv.Synchronous,
	}
	if wenv.ReturnID != "" && wenv.ReturnEndpoint != "" {
		env.Source = &RemoteChannel{
			node:          n,
			destinationID: wenv.ReturnID,
			endpoint:      wenv.ReturnEndpoint,
			nodeName:      Hostname(wenv.ReturnNode),
			timeout:       n.config.defaultTimeout,
		}
	}
	return env, nil
}

func (n *Node) sendContinuation(wenv *wire.Envelope) {
	cont := &wire.Envelope{
		Kind:          wire.KindContinuation,
		DestinationID: wenv.ReturnID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.defaultTimeout)
	defer cancel()
	if _, err := n.cache.Send(ctx, wenv.ReturnEndpoint, cont.Marshal(), nil); err != nil {
		n.instr.Error(Event{
			Method:         "listener.continuation",
			Message:        "failed to send continuation",
			Wire:           wenv,
			Node:           n.name,
			RemoteEndpoint: wenv.ReturnEndpoint,
			ReceiverID:     wenv.ReturnID,
			Err:            err,
		})
	}
}
