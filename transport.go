package courier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// Transport opens the byte streams mailboxes frame requests on, and accepts
// them on the server side.
type Transport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// TCPTransport is the default transport.
type TCPTransport struct {
	// KeepAlive period of dialed connections, zero uses the OS default.
	KeepAlive time.Duration
}

func (tr TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: tr.KeepAlive}
	return d.DialContext(ctx, "tcp", addr)
}

func (tr TCPTransport) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// DefaultALPN is negotiated when the TLS config sets no NextProtos.
const DefaultALPN = "courier-rpc"

// QUICTransport carries every mailbox on its own QUIC connection, using
// one bidirectional stream. It requires TLS, mTLS being strongly advised.
type QUICTransport struct {
	cfg    TransportConfig
	tlsCfg *tls.Config
	logger *slog.Logger
	msink  metrics.MetricSink
}

func NewQUICTransport(cfg *TransportConfig) (*QUICTransport, error) {
	if cfg == nil || cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsCfg := cfg.TlsConfig.Clone()
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{DefaultALPN}
	}

	return &QUICTransport{
		cfg:    *cfg,
		tlsCfg: tlsCfg,
		logger: loggerFor(cfg.LogHandler),
		msink:  sinkFor(cfg.MetricSink),
	}, nil
}

func (tr *QUICTransport) quicConfig() *quic.Config {
	idle := tr.cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}
	return &quic.Config{
		Versions:             []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout: tr.cfg.HandshakeTimeout,
		MaxIdleTimeout:       idle,
		KeepAlivePeriod:      idle / 2,
	}
}

func (tr *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tr.tlsCfg, tr.quicConfig())
	if err != nil {
		tr.msink.IncrCounterWithLabels(
			MetricTransportStreamErrors,
			1.0,
			withLabels(tr.cfg.MetricLabels, LabelPeerAddr.M(addr), LabelError.M("dial")),
		)
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		tr.msink.IncrCounterWithLabels(
			MetricTransportStreamErrors,
			1.0,
			withLabels(tr.cfg.MetricLabels, LabelPeerAddr.M(addr), LabelError.M("cannot_open_stream")),
		)
		QErrInternal.Close(conn, "could not open stream")
		return nil, err
	}

	return &streamWrapper{
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
		conn:       conn,
		Stream:     stream,
	}, nil
}

func (tr *QUICTransport) Listen(addr string) (net.Listener, error) {
	ln, err := quic.ListenAddr(addr, tr.tlsCfg, tr.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	qln := &quicListener{
		tr:       tr,
		ln:       ln,
		ctx:      ctx,
		cancel:   cancel,
		streamCh: make(chan *streamWrapper),
		conns:    make(map[quic.Connection]struct{}),
	}
	go qln.acceptCx()
	return qln, nil
}

// quicListener exposes the streams opened by remote mailboxes as a
// net.Listener.
type quicListener struct {
	tr     *QUICTransport
	ln     *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	streamCh chan *streamWrapper
	lk       sync.Mutex
	conns    map[quic.Connection]struct{}
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case s := <-l.streamCh:
		return s, nil
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	if !l.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	err := l.ln.Close()

	l.lk.Lock()
	for conn := range l.conns {
		QErrShutdown.Close(conn, "listener closed")
	}
	l.conns = nil
	l.lk.Unlock()
	return err
}

func (l *quicListener) acceptCx() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if !l.gracefulTerm.Load() {
				l.tr.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		l.lk.Lock()
		if l.conns == nil {
			l.lk.Unlock()
			QErrShutdown.Close(conn, "listener closed")
			return
		}
		l.conns[conn] = struct{}{}
		l.lk.Unlock()

		go l.handleStreams(conn)
	}
}

func (l *quicListener) handleStreams(conn quic.Connection) {
	remoteAddr := conn.RemoteAddr()
	logger := l.tr.logger.With(LabelPeerAddr.L(remoteAddr.String()))
	mLabels := withLabels(l.tr.cfg.MetricLabels, LabelPeerAddr.M(remoteAddr.String()))

	defer func() {
		l.lk.Lock()
		if l.conns != nil {
			delete(l.conns, conn)
		}
		l.lk.Unlock()
	}()

	for {
		stream, err := conn.AcceptStream(conn.Context())
		if l.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) || conn.Context().Err() != nil {
				logger.Debug("connection closed", LabelError.L(err))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			l.tr.msink.IncrCounterWithLabels(
				MetricTransportStreamErrors,
				1.0,
				withLabels(mLabels, LabelError.M("accept_stream")),
			)
			return
		}

		swrap := &streamWrapper{
			localAddr:  conn.LocalAddr(),
			remoteAddr: remoteAddr,
			conn:       conn,
			Stream:     stream,
		}

		select {
		case l.streamCh <- swrap:
		case <-l.ctx.Done():
			swrap.Close()
			return
		}
	}
}
