package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
)

// DefaultPort is where nodes listen for envelopes unless told otherwise.
const DefaultPort = 6174

// Node is a runtime node: it owns a `Registry` of resources, the work
// queues delivering envelopes to them, and the data-plane used to reach
// resources of other nodes.
type Node struct {
	config     config
	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
	instr      *safeInstrumentation
	serializer codec.Serializer

	name     string
	endpoint string
	registry *Registry

	agentQ      *workQueue
	syncQ       *workQueue
	timerQ      *workQueue
	backgroundQ *workQueue

	tr       Transport
	listener *Listener
	cache    *ConnectionCache
	gossip   *gossip

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, queues are drained.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func Create(opts ...Option) (*Node, error) {
	n := &Node{
		config:     defaultConfig(),
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&n.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	cfg := &n.config

	// Logging implementations.
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNodeName.L(cfg.name))

	// Metrics implementations.
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	n.msink = cfg.msink
	cfg.trCfg.MetricSink = cfg.msink
	n.labels = append(append([]metrics.Label(nil), cfg.metricLabels...), LabelNodeName.M(cfg.name))
	cfg.trCfg.MetricLabels = n.labels

	n.name = cfg.name
	n.serializer = cfg.serializer
	n.instr = &safeInstrumentation{inner: cfg.instr, logger: n.logger}

	tr, err := NewTransport(&cfg.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.tr = tr
	n.endpoint = cfg.advertise
	if n.endpoint == "" {
		n.endpoint = advertisable(tr.Addr(), cfg.trCfg.BindAddr)
	}

	n.registry = NewRegistry(n.name+"/", cfg.capacity)
	n.registry.msink = n.msink
	n.registry.labels = n.labels

	n.agentQ = newWorkQueue(queueAgent, cfg.queueDepth, cfg.workers, n.logger, n.msink, n.labels)
	n.syncQ = newWorkQueue(queueSync, cfg.queueDepth, cfg.workers, n.logger, n.msink, n.labels)
	n.timerQ = newWorkQueue(queueTimer, cfg.queueDepth, 1, n.logger, n.msink, n.labels)
	n.backgroundQ = newWorkQueue(queueBackground, cfg.queueDepth, cfg.workers, n.logger, n.msink, n.labels)

	n.cache = newConnectionCache(tr, cfg, n.logger, n.msink, n.labels)
	n.listener = newListener(n, tr)
	n.cache.serve = n.listener.serve

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.listener.acceptLoop(ctx)
	}()

	if cfg.mlCfg != nil {
		g, err := newGossip(n)
		if err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.gossip = g
	}

	n.logger.Info("node started", LabelPeerAddr.L(n.endpoint))
	return n, nil
}

// advertisable turns the bound address into one peers can dial.
func advertisable(addr net.Addr, bindAddr string) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
		if bindAddr != "" && net.ParseIP(bindAddr) == nil {
			host = bindAddr
		}
	}
	return net.JoinHostPort(host, port)
}

func (n *Node) Name() string {
	return n.name
}

// Endpoint is the data-plane address of the node.
func (n *Node) Endpoint() string {
	return n.endpoint
}

// Address returns the node address `courier://<name>@<host:port>`.
func (n *Node) Address() string {
	return "courier://" + n.name + "@" + n.endpoint
}

func (n *Node) Registry() *Registry {
	return n.registry
}

// Spawn admits r in the registry and returns a channel to it.
func (n *Node) Spawn(r Resource) (*LocalChannel, error) {
	if n.closing() {
		return nil, ErrNodeClosed
	}
	id, err := n.registry.Add(r)
	if err != nil {
		return nil, err
	}
	n.instr.Trace(Event{
		Method:     "node.spawn",
		Message:    "resource admitted",
		ResourceID: id,
		Node:       n.name,
	})
	return n.Local(id), nil
}

// Terminate shuts the resource down and removes it from the registry.
func (n *Node) Terminate(id string) bool {
	r, ok := n.registry.Get(id)
	if !ok {
		return false
	}
	r.Shutdown()
	return n.registry.Delete(id)
}

// Local returns a channel delivering to id on the agent work queue. The
// resource is looked up at send time.
func (n *Node) Local(id string) *LocalChannel {
	return &LocalChannel{node: n, targetID: id}
}

// Synchronous returns a channel delivering to id on the caller goroutine.
func (n *Node) Synchronous(id string) *SynchronousChannel {
	return &SynchronousChannel{node: n, targetID: id}
}

// Remote returns a channel to the resource id of the node listening on
// endpoint. A timeout of 0 uses the default timeout of the node.
func (n *Node) Remote(id, endpoint string, timeout time.Duration) *RemoteChannel {
	return &RemoteChannel{
		node:          n,
		destinationID: id,
		endpoint:      endpoint,
		timeout:       n.timeoutOrDefault(timeout),
	}
}

// RemoteByType returns a channel broadcasting to every resource of type
// resourceType of the node listening on endpoint.
func (n *Node) RemoteByType(resourceType, endpoint string, timeout time.Duration) *RemoteChannel {
	return &RemoteChannel{
		node:            n,
		destinationType: resourceType,
		endpoint:        endpoint,
		timeout:         n.timeoutOrDefault(timeout),
	}
}

// RemoteOn returns a channel to the resource id of the node named
// nodeName. The endpoint is resolved at send time from the gossip
// membership.
func (n *Node) RemoteOn(nodeName, id string, timeout time.Duration) *RemoteChannel {
	return &RemoteChannel{
		node:          n,
		destinationID: id,
		nodeName:      Hostname(nodeName),
		timeout:       n.timeoutOrDefault(timeout),
	}
}

// Join contacts the neighbours to join a gossip cluster. When none are
// given, the neighbours passed with `WithNeighbours` are used.
func (n *Node) Join(neighbours ...string) (int, error) {
	if n.closing() {
		return 0, ErrNodeClosed
	}
	if n.gossip == nil {
		return 0, ErrGossipDisabled
	}
	if len(neighbours) == 0 {
		neighbours = n.config.neighbours
	}
	return n.gossip.join(neighbours)
}

// Members returns the nodes known through gossip, the local one included.
func (n *Node) Members() []Host {
	if n.gossip == nil {
		return []Host{{Name: Hostname(n.name), Endpoint: n.endpoint}}
	}
	return n.gossip.members()
}

func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	if n.gossip != nil {
		n.logger.Info("shutdown: leave cluster")
		if err := n.gossip.leave(n.config.trCfg.DialTimeout); err != nil {
			n.logger.Warn("failed to leave cluster", LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: drain work queues")
	var errs []error
	for _, q := range []*workQueue{n.agentQ, n.syncQ, n.timerQ, n.backgroundQ} {
		if q != nil {
			errs = append(errs, q.Close())
		}
	}

	// Phase 2: Drop all resources.
	close(n.dropCh)
	n.logger.Info("shutdown: release data-plane")
	if n.cancel != nil {
		n.cancel()
	}
	if n.tr != nil {
		errs = append(errs, n.tr.Close())
	}
	if n.listener != nil {
		n.listener.Close()
	}
	if n.cache != nil {
		n.cache.Close()
	}
	if n.gossip != nil {
		errs = append(errs, n.gossip.shutdown())
	}
	if n.registry != nil {
		n.registry.Clear()
	}

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return errors.Join(errs...)
}

func (n *Node) closing() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.shutdown
}

func (n *Node) timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return n.config.defaultTimeout
	}
	return timeout
}

func (n *Node) lookup(id string) (Resource, error) {
	r, ok := n.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return r, nil
}

// deliver hands env to target on the calling goroutine.
func (n *Node) deliver(target Resource, env *Envelope) error {
	target.base().touch()
	n.instr.Trace(Event{
		Method:     "node.deliver",
		Message:    "envelope delivered",
		Envelope:   env,
		ResourceID: target.ID(),
		Node:       n.name,
	})
	err := target.Post(env)
	if err != nil {
		n.instr.Error(Event{
			Method:     "node.deliver",
			Message:    "resource failed to process envelope",
			Envelope:   env,
			ResourceID: target.ID(),
			Node:       n.name,
			Err:        err,
		})
		n.logger.Debug("resource failed to process envelope", LabelResourceID.L(target.ID()), LabelError.L(err))
	}
	return err
}

// lateReply accounts for an envelope reaching a reply channel that already
// completed or expired. It is dropped.
func (n *Node) lateReply(id string, env *Envelope) {
	n.msink.IncrCounterWithLabels(MetricFutureLateReplyCount, 1.0, n.mlabels(LabelResourceID.M(id)))
	n.instr.Trace(Event{
		Method:     "node.late_reply",
		Message:    "late reply dropped",
		Envelope:   env,
		ResourceID: id,
		Node:       n.name,
	})
	n.logger.Debug("late reply dropped", LabelResourceID.L(id))
}

func (n *Node) mlabels(extra ...metrics.Label) []metrics.Label {
	return append(append(make([]metrics.Label, 0, len(n.labels)+len(extra)), n.labels...), extra...)
}

func defaultName() string {
	return "node-" + uuid.NewString()[:8]
}
