package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/wire"
	"golang.org/x/time/rate"
)

// connEntry is a live connection to a peer. Writes are serialised so
// records never interleave.
type connEntry struct {
	conn     Conn
	inbound  bool
	peerName Hostname

	// endpoint is the key of the entry in the cache, guarded by the cache
	// lock. It is empty for inbound connections not adopted yet.
	endpoint string

	wlk         sync.Mutex
	pausedUntil atomic.Int64
	closed      atomic.Bool
}

func newConnEntry(conn Conn, inbound bool) *connEntry {
	entry := &connEntry{conn: conn, inbound: inbound}
	if named, ok := conn.(peerNamer); ok {
		entry.peerName = named.PeerName()
	}
	return entry
}

func (ce *connEntry) write(ctx context.Context, buf []byte) error {
	if until := ce.pausedUntil.Load(); until > 0 {
		if wait := time.Until(time.Unix(0, until)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	ce.wlk.Lock()
	defer ce.wlk.Unlock()
	if ce.closed.Load() {
		return ErrShutdown
	}
	_, err := ce.conn.Write(buf)
	return err
}

// pause delays the next writes, following a wait-time hint of the peer.
func (ce *connEntry) pause(d time.Duration) {
	ce.pausedUntil.Store(time.Now().Add(d).UnixNano())
}

func (ce *connEntry) close() {
	if ce.closed.CompareAndSwap(false, true) {
		ce.conn.Close()
	}
}

// pendingOp is a synchronous send waiting for the peer.
type pendingOp struct {
	faults chan *DeliveryError
	acked  atomic.Bool
}

func newPendingOp() *pendingOp {
	return &pendingOp{faults: make(chan *DeliveryError, 1)}
}

// ConnectionCache holds at most one outbound connection per remote
// endpoint and dials lazily. It is owned by a single `Node`.
type ConnectionCache struct {
	tr          Transport
	logger      *slog.Logger
	msink       metrics.MetricSink
	labels      []metrics.Label
	dialTimeout time.Duration
	maxPayload  int

	// serve hands a connection to the read loop of the listener.
	serve func(*connEntry)

	lk         sync.RWMutex
	closed     bool
	byEndpoint map[string]*connEntry
	byNode     map[Hostname]*connEntry
	directory  map[Hostname]string
	limiters   map[string]*rate.Limiter
	reconnect  rate.Limit
	burst      int

	dialLk sync.Mutex

	pendingLk sync.Mutex
	pending   map[int32]*pendingOp
	nextID    atomic.Int32
}

func newConnectionCache(tr Transport, cfg *config, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *ConnectionCache {
	return &ConnectionCache{
		tr:          tr,
		logger:      logger,
		msink:       msink,
		labels:      labels,
		dialTimeout: cfg.trCfg.DialTimeout,
		maxPayload:  cfg.maxPayload,
		byEndpoint:  make(map[string]*connEntry),
		byNode:      make(map[Hostname]*connEntry),
		directory:   make(map[Hostname]string),
		limiters:    make(map[string]*rate.Limiter),
		reconnect:   cfg.reconnectLimit,
		burst:       cfg.reconnectBurst,
		pending:     make(map[int32]*pendingOp),
	}
}

func (c *ConnectionCache) mlabels(extra ...metrics.Label) []metrics.Label {
	return append(append(make([]metrics.Label, 0, len(c.labels)+len(extra)), c.labels...), extra...)
}

// Resolve returns the live connection cached for endpoint.
func (c *ConnectionCache) Resolve(endpoint string) (*connEntry, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	entry, ok := c.byEndpoint[endpoint]
	if !ok || entry.closed.Load() {
		return nil, false
	}
	return entry, true
}

// Cache stores entry under its endpoint, replacing and closing the
// previous connection if any.
func (c *ConnectionCache) Cache(endpoint string, entry *connEntry) {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		entry.close()
		return
	}
	old := c.byEndpoint[endpoint]
	entry.endpoint = endpoint
	c.byEndpoint[endpoint] = entry
	c.lk.Unlock()

	if old != nil && old != entry {
		old.close()
	}
}

// Register binds a node name to a cached connection.
func (c *ConnectionCache) Register(name Hostname, entry *connEntry) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.byNode[name] = entry
	if entry.endpoint != "" {
		c.directory[name] = entry.endpoint
	}
}

// Learn records where a node accepts envelopes.
func (c *ConnectionCache) Learn(name Hostname, endpoint string) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.directory[name] = endpoint
}

// Forget drops what is known about a node, its connection is kept until
// it breaks.
func (c *ConnectionCache) Forget(name Hostname) {
	c.lk.Lock()
	defer c.lk.Unlock()
	delete(c.directory, name)
	delete(c.byNode, name)
}

// ResolveNode returns the endpoint of a node.
func (c *ConnectionCache) ResolveNode(name Hostname) (string, bool) {
	c.lk.RLock()
	defer c.lk.RUnlock()
	if endpoint, ok := c.directory[name]; ok {
		return endpoint, true
	}
	if entry, ok := c.byNode[name]; ok && entry.endpoint != "" && !entry.closed.Load() {
		return entry.endpoint, true
	}
	return "", false
}

// Send frames payload and writes it to endpoint. On a transport failure,
// the connection is re-established once and the write retried. When op is
// not nil, it is tracked until `forget` is called so faults sent back by
// the peer can reach it.
func (c *ConnectionCache) Send(ctx context.Context, endpoint string, payload []byte, op *pendingOp) (int32, error) {
	msgID := c.nextID.Add(1)
	if len(payload) > c.maxPayload {
		return msgID, fmt.Errorf("%w: %w", ErrTooLargeFrame, wire.ErrPayloadTooLarge)
	}
	packet, err := wire.Packet(msgID, payload)
	if err != nil {
		return msgID, fmt.Errorf("%w: %w", ErrTooLargeFrame, err)
	}

	if op != nil {
		c.pendingLk.Lock()
		c.pending[msgID] = op
		c.pendingLk.Unlock()
	}

	entry, err := c.connect(ctx, endpoint, false)
	if err == nil {
		err = entry.write(ctx, packet)
	}
	if err != nil && !errors.Is(err, ErrShutdown) && ctx.Err() == nil {
		if entry != nil {
			c.evict(entry)
		}
		c.logger.Debug("reconnecting", LabelPeerAddr.L(endpoint), LabelError.L(err))
		entry, err = c.connect(ctx, endpoint, true)
		if err == nil {
			c.msink.IncrCounterWithLabels(MetricConnReconnectCount, 1.0, c.mlabels(LabelPeerAddr.M(endpoint)))
			err = entry.write(ctx, packet)
		}
	}

	if err != nil {
		c.forget(msgID)
		c.msink.IncrCounterWithLabels(
			MetricDeliveryErrorCount,
			1.0,
			c.mlabels(LabelPeerAddr.M(endpoint), LabelFaultCode.M(wire.FaultTransport.String())),
		)
		return msgID, &DeliveryError{
			Code:      wire.FaultTransport,
			Endpoint:  endpoint,
			MessageID: msgID,
			Err:       err,
		}
	}

	labels := c.mlabels(LabelPeerAddr.M(endpoint))
	c.msink.IncrCounterWithLabels(MetricEnvelopeOutCount, 1.0, labels)
	c.msink.IncrCounterWithLabels(MetricEnvelopeOutBytes, float32(len(packet)), labels)
	return msgID, nil
}

// connect resolves or dials endpoint. A reconnection is rate limited per
// endpoint.
func (c *ConnectionCache) connect(ctx context.Context, endpoint string, reconnect bool) (*connEntry, error) {
	if entry, ok := c.Resolve(endpoint); ok {
		return entry, nil
	}

	c.dialLk.Lock()
	defer c.dialLk.Unlock()

	// another sender may have dialed while we were waiting.
	if entry, ok := c.Resolve(endpoint); ok {
		return entry, nil
	}

	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		return nil, ErrShutdown
	}
	limiter, ok := c.limiters[endpoint]
	if !ok {
		limiter = rate.NewLimiter(c.reconnect, c.burst)
		c.limiters[endpoint] = limiter
	}
	c.lk.Unlock()

	if reconnect && !limiter.Allow() {
		return nil, fmt.Errorf("transport: reconnection to %s is rate limited", endpoint)
	}

	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	conn, err := c.tr.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	entry := newConnEntry(conn, false)
	c.Cache(endpoint, entry)
	if entry.peerName != "" {
		c.Register(entry.peerName, entry)
	}
	c.logger.Debug("connection established", LabelPeerAddr.L(endpoint), LabelPeerName.L(entry.peerName))
	if c.serve != nil {
		c.serve(entry)
	}
	return entry, nil
}

// adopt caches an inbound connection so replies to the peer reuse it. An
// existing connection to the same endpoint is kept.
func (c *ConnectionCache) adopt(entry *connEntry, endpoint string, name Hostname) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closed || entry.closed.Load() {
		return
	}
	if entry.endpoint == "" {
		if existing, ok := c.byEndpoint[endpoint]; !ok || existing.closed.Load() {
			entry.endpoint = endpoint
			c.byEndpoint[endpoint] = entry
		}
	}
	if name != "" {
		c.directory[name] = endpoint
		if _, ok := c.byNode[name]; !ok {
			c.byNode[name] = entry
		}
	}
}

func (c *ConnectionCache) endpointOf(entry *connEntry, fallback string) string {
	c.lk.RLock()
	defer c.lk.RUnlock()
	if entry.endpoint != "" {
		return entry.endpoint
	}
	return fallback
}

// evict closes entry and removes it from the cache.
func (c *ConnectionCache) evict(entry *connEntry) {
	c.lk.Lock()
	if entry.endpoint != "" && c.byEndpoint[entry.endpoint] == entry {
		delete(c.byEndpoint, entry.endpoint)
	}
	for name, cached := range c.byNode {
		if cached == entry {
			delete(c.byNode, name)
		}
	}
	c.lk.Unlock()
	entry.close()
}

// fail delivers a fault to the pending operation of msgID, if any.
func (c *ConnectionCache) fail(msgID int32, code wire.FaultCode, endpoint string) bool {
	c.pendingLk.Lock()
	op, ok := c.pending[msgID]
	delete(c.pending, msgID)
	c.pendingLk.Unlock()

	c.msink.IncrCounterWithLabels(
		MetricDeliveryErrorCount,
		1.0,
		c.mlabels(LabelPeerAddr.M(endpoint), LabelFaultCode.M(code.String())),
	)
	if !ok {
		return false
	}
	select {
	case op.faults <- &DeliveryError{Code: code, Endpoint: endpoint, MessageID: msgID}:
	default:
	}
	return true
}

func (c *ConnectionCache) acknowledge(msgID int32) {
	c.pendingLk.Lock()
	op, ok := c.pending[msgID]
	c.pendingLk.Unlock()
	if ok {
		op.acked.Store(true)
	}
}

func (c *ConnectionCache) forget(msgID int32) {
	c.pendingLk.Lock()
	delete(c.pending, msgID)
	c.pendingLk.Unlock()
}

// Len returns how many endpoints have a cached connection.
func (c *ConnectionCache) Len() int {
	c.lk.RLock()
	defer c.lk.RUnlock()
	return len(c.byEndpoint)
}

// Close closes every cached connection.
func (c *ConnectionCache) Close() {
	c.lk.Lock()
	c.closed = true
	entries := c.byEndpoint
	c.byEndpoint = make(map[string]*connEntry)
	c.byNode = make(map[Hostname]*connEntry)
	c.lk.Unlock()

	for _, entry := range entries {
		entry.close()
	}
}
