package courier

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Conn is a reliable, ordered byte stream to a peer. Envelopes are framed
// on top of it.
type Conn interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// peerNamer is implemented by connections authenticating the peer.
type peerNamer interface {
	PeerName() Hostname
}

// Transport accepts and dials `Conn`s.
type Transport interface {
	Accept(ctx context.Context) (Conn, error)
	Dial(ctx context.Context, endpoint string) (Conn, error)
	Addr() net.Addr
	Close() error
}

// TransportConfig represents the configuration of the data-plane.
type TransportConfig struct {
	// TlsConfig, when set, switches the data-plane to QUIC. It should be
	// configured to ensure mTLS is enabled between the peers.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the node listens for envelopes.
	BindAddr string
	BindPort int

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for connection
	// establishment.
	DialTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// bindAddr uses an ephemeral port when BindPort is 0.
func (cfg *TransportConfig) bindAddr() string {
	return net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort))
}

func (cfg *TransportConfig) defaults() (*slog.Logger, metrics.MetricSink) {
	logger := slog.Default()
	if cfg.LogHandler != nil {
		logger = slog.New(cfg.LogHandler)
	}
	var msink metrics.MetricSink = metrics.Default()
	if cfg.MetricSink != nil {
		msink = cfg.MetricSink
	}
	return logger, msink
}

// NewTransport returns a QUIC transport when a TLS configuration is
// provided, a TCP one otherwise.
func NewTransport(cfg *TransportConfig) (Transport, error) {
	if cfg.TlsConfig != nil {
		return NewQUICTransport(cfg)
	}
	return NewTCPTransport(cfg)
}

var _ Transport = (*TCPTransport)(nil)

// TCPTransport is the default data-plane.
type TCPTransport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	ln           net.Listener
	dialer       net.Dialer
	gracefulTerm atomic.Bool
}

func NewTCPTransport(cfg *TransportConfig) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", cfg.bindAddr())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}
	logger, msink := cfg.defaults()
	return &TCPTransport{
		cfg:    cfg,
		logger: logger,
		msink:  msink,
		ln:     ln,
		dialer: net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second},
	}, nil
}

func (t *TCPTransport) Accept(_ context.Context) (Conn, error) {
	conn, err := t.ln.Accept()
	if err != nil {
		if t.gracefulTerm.Load() {
			return nil, ErrShutdown
		}
		return nil, err
	}
	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(append([]metrics.Label(nil), t.cfg.MetricLabels...), LabelPeerAddr.M(conn.RemoteAddr().String())),
	)
	return conn, nil
}

func (t *TCPTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(append([]metrics.Label(nil), t.cfg.MetricLabels...), LabelPeerAddr.M(endpoint)),
	)
	return conn, nil
}

func (t *TCPTransport) Addr() net.Addr {
	return t.ln.Addr()
}

func (t *TCPTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	return t.ln.Close()
}
