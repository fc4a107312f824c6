package courier

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"strconv"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/wire"
	"golang.org/x/time/rate"
)

type config struct {
	name         string
	advertise    string
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	capacity   int
	serializer codec.Serializer
	instr      Instrumentation

	queueDepth     int
	workers        int
	maxPayload     int
	reconnectLimit rate.Limit
	reconnectBurst int
	defaultTimeout time.Duration
	backoffHint    time.Duration
}

func defaultConfig() config {
	return config{
		name: defaultName(),
		trCfg: TransportConfig{
			BindAddr:    "127.0.0.1",
			BindPort:    DefaultPort,
			DialTimeout: 10 * time.Second,
		},
		capacity:       DefaultCapacity,
		serializer:     codec.NewJSONSerializer(),
		instr:          nopInstrumentation{},
		queueDepth:     1024,
		workers:        runtime.GOMAXPROCS(0),
		maxPayload:     wire.MaxPayloadSize,
		reconnectLimit: rate.Every(100 * time.Millisecond),
		reconnectBurst: 1,
		defaultTimeout: 30 * time.Second,
		backoffHint:    50 * time.Millisecond,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithName specifies the name of the node. It prefixes the ids of its
// resources and, when gossip is enabled, MUST be unique in the cluster.
func WithName(name string) Option {
	return func(c *config) error {
		if name == "" {
			return errors.New("node name must not be empty")
		}
		c.name = name
		if c.mlCfg != nil {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithListenOn specifies which interface the data-plane listens on. A port
// of 0 picks an ephemeral one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidAddr
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr specifies the endpoint peers must use to reach the
// node, when it differs from the listening one.
func WithAdvertiseAddr(addr string, port int) Option {
	return func(c *config) error {
		if addr == "" {
			return ErrInvalidAddr
		}
		c.advertise = net.JoinHostPort(addr, strconv.Itoa(port))
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		if c.mlCfg != nil {
			c.mlCfg.MetricLabels = legacyLabels(labels)
		}
		return nil
	}
}

// TODO(raskyld): Wait for the buildflag to always use the
// hashicorp version so we don't need to do the translation.
func legacyLabels(labels []metrics.Label) []leg_metrics.Label {
	legacy := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		legacy[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return legacy
}

// WithCapacity bounds how many resources the registry holds.
func WithCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity <= 0 {
			capacity = DefaultCapacity
		}
		c.capacity = capacity
		return nil
	}
}

// WithSerializer chooses how messages are encoded on the wire. Both ends
// must agree on it.
func WithSerializer(s codec.Serializer) Option {
	return func(c *config) error {
		if s == nil {
			return errors.New("serializer must not be nil")
		}
		c.serializer = s
		return nil
	}
}

// WithInstrumentation sets the sink receiving trace and error events.
func WithInstrumentation(instr Instrumentation) Option {
	return func(c *config) error {
		if instr == nil {
			instr = nopInstrumentation{}
		}
		c.instr = instr
		return nil
	}
}

// WithTlsConfig set the `tls.Config` which should be used by the
// data-plane, which then runs over QUIC. It is REALLY important that you
// use mTLS in production since the peer certificate names the remote node.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHostnameResolver overrides how node names are read from peer
// certificates.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		c.trCfg.HostnameResolver = resolver
		return nil
	}
}

// WithGossip enables node discovery with memberlist on the given UDP and
// TCP interface.
func WithGossip(addr string, port int) Option {
	return func(c *config) error {
		if c.mlCfg == nil {
			c.mlCfg = memberlist.DefaultLANConfig()
			c.mlCfg.ProbeTimeout = 2 * time.Second
			c.mlCfg.LogOutput = nil
			c.mlCfg.MetricLabels = legacyLabels(c.metricLabels)
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithQueueDepth sets how many tasks each work queue buffers.
func WithQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return errors.New("queue depth must not be negative")
		}
		c.queueDepth = depth
		return nil
	}
}

// WithWorkers sets how many workers drain each work queue, the timer
// queue excepted.
func WithWorkers(workers int) Option {
	return func(c *config) error {
		if workers <= 0 {
			workers = runtime.GOMAXPROCS(0)
		}
		c.workers = workers
		return nil
	}
}

// WithReconnectLimit bounds how often a broken connection to the same
// endpoint is re-established.
func WithReconnectLimit(every time.Duration, burst int) Option {
	return func(c *config) error {
		if burst <= 0 {
			burst = 1
		}
		c.reconnectLimit = rate.Every(every)
		c.reconnectBurst = burst
		return nil
	}
}

// WithDefaultTimeout is used by futures and remote channels created
// without a timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return errors.New("default timeout must be positive")
		}
		c.defaultTimeout = timeout
		return nil
	}
}

// WithMaxPayload lowers the size of the biggest envelope accepted.
func WithMaxPayload(size int) Option {
	return func(c *config) error {
		if size <= 0 || size > wire.MaxPayloadSize {
			return wire.ErrPayloadTooLarge
		}
		c.maxPayload = size
		return nil
	}
}

// WithBackoffHint is the wait time asked to peers when the agent queue is
// saturated.
func WithBackoffHint(d time.Duration) Option {
	return func(c *config) error {
		c.backoffHint = d
		return nil
	}
}
