package courier

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const quicALPN = "courier/1"

var _ Transport = (*QUICTransport)(nil)

// QUICTransport carries the framed protocol over QUIC streams, one stream
// per `Conn`. Peers are authenticated with mTLS and named after their
// certificate.
type QUICTransport struct {
	cfg      *TransportConfig
	logger   *slog.Logger
	msink    metrics.MetricSink
	tlsConf  *tls.Config
	quicConf *quic.Config
	resolver HostnameResolver

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	acceptCh     chan Conn
	closeCh      chan struct{}

	lk    sync.Mutex
	conns map[quic.Connection]struct{}
	wg    sync.WaitGroup

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

func NewQUICTransport(cfg *TransportConfig) (t *QUICTransport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	logger, msink := cfg.defaults()
	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{quicALPN}
	}
	resolver := cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	t = &QUICTransport{
		cfg:      cfg,
		logger:   logger,
		msink:    msink,
		tlsConf:  tlsConf,
		resolver: resolver,
		quicConf: &quic.Config{
			Versions:        []quic.Version{quic.Version2, quic.Version1},
			MaxIdleTimeout:  1 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
		acceptCh: make(chan Conn),
		closeCh:  make(chan struct{}),
		conns:    make(map[quic.Connection]struct{}),
	}

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.bindAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn
	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

func (t *QUICTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptCh:
		return conn, nil
	case <-t.closeCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *QUICTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	cx, err := t.tr.Dial(ctx, addr, t.tlsConf, t.quicConf)
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	peer, err := t.identify(cx)
	if err != nil {
		return nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(cx, "could not open stream")
		return nil, err
	}

	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, t.labels(cx, peer))
	return &quicConn{Stream: stream, cx: cx, peer: peer, release: func() { t.forget(cx) }}, nil
}

func (t *QUICTransport) Addr() net.Addr {
	return t.udpLn.LocalAddr()
}

func (t *QUICTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.closeCh)

	t.lk.Lock()
	for cx := range t.conns {
		QErrShutdown.Close(cx, "we are shutting down! bye!")
	}
	t.lk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *QUICTransport) acceptCx() {
	defer t.wg.Done()
	for {
		cx, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB(raskyld): atm, the implementation only return errors if
				// Close() has been called, that's why we make assumptions but
				// that's not a good design.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		peer, err := t.identify(cx)
		if err != nil {
			continue
		}
		t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, t.labels(cx, peer))

		t.wg.Add(1)
		go t.handleStreams(cx, peer)
	}
}

func (t *QUICTransport) handleStreams(cx quic.Connection, peer Hostname) {
	defer t.wg.Done()
	defer t.forget(cx)
	logger := t.logger.With(LabelPeerAddr.L(cx.RemoteAddr().String()), LabelPeerName.L(peer))

	for {
		stream, err := cx.AcceptStream(cx.Context())
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if cx.Context().Err() == nil {
				logger.Warn("error accepting stream", LabelError.L(err))
			}
			return
		}

		select {
		case t.acceptCh <- &quicConn{Stream: stream, cx: cx, peer: peer}:
		case <-t.closeCh:
			stream.CancelRead(0)
			stream.Close()
			return
		}
	}
}

// identify resolves the peer name and tracks the connection.
func (t *QUICTransport) identify(cx quic.Connection) (Hostname, error) {
	peer, err, uerr := t.resolver(cx.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		t.logger.Error(
			"failed to resolve hostname",
			LabelPeerAddr.L(cx.RemoteAddr().String()),
			LabelError.L(err),
		)
		t.msink.IncrCounterWithLabels(
			MetricConnEstCount,
			1.0,
			append(t.labels(cx, ""), LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(cx, "unexpected error during hostname resolution")
		} else {
			QErrHostname.Close(cx, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return "", ErrHostnameResolve
	}

	t.lk.Lock()
	t.conns[cx] = struct{}{}
	t.lk.Unlock()
	return peer, nil
}

func (t *QUICTransport) forget(cx quic.Connection) {
	t.lk.Lock()
	delete(t.conns, cx)
	t.lk.Unlock()
}

func (t *QUICTransport) labels(cx quic.Connection, peer Hostname) []metrics.Label {
	labels := append([]metrics.Label(nil), t.cfg.MetricLabels...)
	labels = append(labels, LabelPeerAddr.M(cx.RemoteAddr().String()))
	if peer != "" {
		labels = append(labels, LabelPeerName.M(string(peer)))
	}
	return labels
}

// quicConn adapts a QUIC stream to a `Conn`.
type quicConn struct {
	quic.Stream
	cx   quic.Connection
	peer Hostname
	// release is set on connections dialed for this stream only.
	release func()
}

func (qc *quicConn) LocalAddr() net.Addr {
	return qc.cx.LocalAddr()
}

func (qc *quicConn) RemoteAddr() net.Addr {
	return qc.cx.RemoteAddr()
}

func (qc *quicConn) PeerName() Hostname {
	return qc.peer
}

func (qc *quicConn) Close() error {
	qc.Stream.CancelRead(0)
	err := qc.Stream.Close()
	if qc.release != nil {
		QErrShutdown.Close(qc.cx, "connection released")
		qc.release()
	}
	return err
}
