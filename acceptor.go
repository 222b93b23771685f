package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/composer"
)

// RequestHandler processes one decoded request and calls reply exactly
// once. Replies to notifications are discarded.
type RequestHandler func(ctx context.Context, tracer *Tracer, msg *codec.Message, reply func(err error, value any))

// Acceptor is the server side of mailboxes: it decodes framed requests,
// hands them to a RequestHandler and frames the responses back.
type Acceptor struct {
	cfg       *serverConfig
	codec     codec.Codec
	handshake []byte
	handler   RequestHandler
	transport Transport
	logger    *slog.Logger
	msink     metrics.MetricSink
	mLabels   []metrics.Label

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	lk    sync.Mutex
	ln    net.Listener
	conns map[*acceptorConn]struct{}
	wg    sync.WaitGroup
}

// newAcceptor serves handler with cd. A non-nil table is pushed to every
// client in a handshake frame.
func newAcceptor(cfg *serverConfig, cd codec.Codec, table *codec.CodeTable, handler RequestHandler, logger *slog.Logger, msink metrics.MetricSink) (*Acceptor, error) {
	a := &Acceptor{
		cfg:       cfg,
		codec:     cd,
		handler:   handler,
		transport: cfg.transport,
		logger:    logger.With("component", "acceptor"),
		msink:     msink,
		mLabels:   withLabels(cfg.metricLabels, LabelCodec.M(cd.Name())),
		conns:     make(map[*acceptorConn]struct{}),
	}
	if a.transport == nil {
		a.transport = TCPTransport{}
	}
	if table != nil {
		raw, err := json.Marshal(table)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		a.handshake = raw
	}
	return a, nil
}

// Listen binds the acceptor, Serve must be called afterwards.
func (a *Acceptor) Listen(addr string) error {
	ln, err := a.transport.Listen(addr)
	if err != nil {
		return err
	}
	a.lk.Lock()
	a.ln = ln
	a.lk.Unlock()
	a.logger.Info("listening", LabelPeerAddr.L(ln.Addr().String()))
	return nil
}

func (a *Acceptor) Addr() net.Addr {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Serve accepts connections until Close is called or ctx is done.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.lk.Lock()
	ln := a.ln
	a.lk.Unlock()
	if ln == nil {
		return fmt.Errorf("%w: acceptor is not listening", ErrInvalidCfg)
	}

	stop := context.AfterFunc(ctx, func() { a.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.gracefulTerm.Load() {
				return nil
			}
			a.msink.IncrCounterWithLabels(MetricAcceptorConnErrors, 1.0, a.mLabels)
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrShutdown, err)
			}
			a.logger.Warn("error accepting connection", LabelError.L(err))
			continue
		}

		ac := a.track(conn)
		if ac == nil {
			conn.Close()
			return nil
		}
		a.msink.IncrCounterWithLabels(MetricAcceptorConnCount, 1.0, a.mLabels)
		go ac.serve()
	}
}

func (a *Acceptor) track(conn net.Conn) *acceptorConn {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.gracefulTerm.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	peer := conn.RemoteAddr().String()
	ac := &acceptorConn{
		a:        a,
		conn:     conn,
		composer: composer.New(a.cfg.maxFrameLength),
		ctx:      ctx,
		cancel:   cancel,
		logger:   a.logger.With(LabelPeerAddr.L(peer)),
		mLabels:  withLabels(a.mLabels, LabelPeerAddr.M(peer)),
	}
	a.conns[ac] = struct{}{}
	a.wg.Add(1)
	return ac
}

func (a *Acceptor) untrack(ac *acceptorConn) {
	a.lk.Lock()
	delete(a.conns, ac)
	a.lk.Unlock()
	a.wg.Done()
}

// Close stops accepting and closes every connection.
func (a *Acceptor) Close() error {
	if !a.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	a.lk.Lock()
	ln := a.ln
	conns := make([]*acceptorConn, 0, len(a.conns))
	for ac := range a.conns {
		conns = append(conns, ac)
	}
	a.lk.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, ac := range conns {
		ac.close()
	}
	a.wg.Wait()
	a.logger.Info("acceptor closed")
	return err
}

// acceptorConn serves one client connection.
type acceptorConn struct {
	a        *Acceptor
	conn     net.Conn
	composer *composer.Composer
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	mLabels  []metrics.Label

	writeLk   sync.Mutex
	queueLk   sync.Mutex
	queue     []*codec.Response
	closeOnce sync.Once
}

func (ac *acceptorConn) serve() {
	defer ac.a.untrack(ac)
	defer ac.close()

	if ac.a.handshake != nil {
		if err := ac.writeFrame(composer.FrameHandshake, ac.a.handshake); err != nil {
			ac.logger.Warn("cannot send handshake", LabelError.L(err))
			return
		}
	}

	if ac.a.cfg.bufferMsg {
		go ac.flushLoop()
	}

	heartbeat := ac.a.cfg.heartbeat
	buf := make([]byte, 64*1024)
	for {
		if heartbeat > 0 {
			ac.conn.SetReadDeadline(time.Now().Add(heartbeat + heartbeatGrace))
		}
		n, err := ac.conn.Read(buf)
		if n > 0 {
			ac.a.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(n), ac.mLabels)
			if ferr := ac.composer.Feed(buf[:n], ac.onFrame); ferr != nil {
				ac.logger.Warn("protocol violation, closing connection", LabelError.L(ferr))
				ac.a.msink.IncrCounterWithLabels(MetricAcceptorConnErrors, 1.0, withLabels(ac.mLabels, LabelError.M("protocol")))
				return
			}
		}
		if err != nil {
			var nerr net.Error
			switch {
			case errors.As(err, &nerr) && nerr.Timeout():
				ac.logger.Info("heartbeat timed out, closing connection")
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ac.ctx.Err() != nil:
				ac.logger.Debug("connection closed")
			default:
				ac.logger.Debug("read failed", LabelError.L(err))
			}
			return
		}
	}
}

func (ac *acceptorConn) onFrame(frame composer.Frame) {
	switch frame.Type {
	case composer.FramePing:
		if err := ac.writeFrame(composer.FramePong, nil); err != nil {
			ac.close()
		}
	case composer.FramePong:
	case composer.FrameMessage:
		reqs, err := ac.a.codec.DecodeRequests(frame.Payload)
		if err != nil {
			ac.logger.Warn("undecodable request, closing connection", LabelError.L(err))
			ac.close()
			return
		}
		for _, req := range reqs {
			ac.a.msink.IncrCounterWithLabels(MetricAcceptorRequestCount, 1.0, ac.mLabels)
			go ac.handle(req)
		}
	default:
		ac.logger.Warn("unexpected frame, closing connection", LabelFrameType.L(frame.Type.String()))
		ac.close()
	}
}

func (ac *acceptorConn) handle(req *codec.Request) {
	tracer := tracerFromWire(ac.logger, ac.a.cfg.rpcDebugLog, req.Trace, &req.Msg)
	tracer.Debug("server", "acceptor", "handle", "request received")

	ac.a.handler(ac.ctx, tracer, &req.Msg, func(err error, value any) {
		if req.ID == 0 {
			if err != nil {
				ac.logger.Debug("notification failed", LabelMethod.L(req.Msg.Path()), LabelError.L(err))
			}
			return
		}

		resp := &codec.Response{ID: req.ID, Resp: []any{nil, value}}
		if err != nil {
			resp.Resp = []any{codec.CloneError(err)}
		}
		if ac.a.cfg.rpcDebugLog {
			resp.Trace = req.Trace
		}
		tracer.Debug("server", "acceptor", "reply", "response sent")
		ac.respond(resp)
	})
}

func (ac *acceptorConn) respond(resp *codec.Response) {
	if ac.a.cfg.bufferMsg {
		ac.queueLk.Lock()
		ac.queue = append(ac.queue, resp)
		ac.queueLk.Unlock()
		return
	}

	payload, err := ac.a.codec.EncodeResponse(resp)
	if err != nil {
		ac.logger.Warn("cannot encode response", LabelRequestID.L(resp.ID), LabelError.L(err))
		return
	}
	if err := ac.writeFrame(composer.FrameResponse, payload); err != nil {
		ac.logger.Debug("cannot write response", LabelRequestID.L(resp.ID), LabelError.L(err))
		ac.close()
	}
}

func (ac *acceptorConn) flushLoop() {
	ticker := time.NewTicker(ac.a.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ac.ctx.Done():
			return
		case <-ticker.C:
			ac.flush()
		}
	}
}

func (ac *acceptorConn) flush() {
	ac.queueLk.Lock()
	queue := ac.queue
	ac.queue = nil
	ac.queueLk.Unlock()
	if len(queue) == 0 {
		return
	}

	var payloads [][]byte
	if batcher, ok := ac.a.codec.(codec.Batcher); ok {
		if payload, err := batcher.EncodeResponses(queue); err == nil {
			payloads = append(payloads, payload)
			queue = nil
		}
	}
	for _, resp := range queue {
		payload, err := ac.a.codec.EncodeResponse(resp)
		if err != nil {
			ac.logger.Warn("cannot encode response", LabelRequestID.L(resp.ID), LabelError.L(err))
			continue
		}
		payloads = append(payloads, payload)
	}

	var out []byte
	for _, payload := range payloads {
		frame, err := ac.composer.Compose(composer.FrameResponse, payload)
		if err != nil {
			ac.logger.Warn("cannot frame response", LabelError.L(err))
			continue
		}
		out = append(out, frame...)
	}
	if len(out) > 0 {
		if err := ac.write(out); err != nil {
			ac.close()
		}
	}
}

func (ac *acceptorConn) writeFrame(ft composer.FrameType, payload []byte) error {
	frame, err := ac.composer.Compose(ft, payload)
	if err != nil {
		return err
	}
	return ac.write(frame)
}

func (ac *acceptorConn) write(buf []byte) error {
	ac.writeLk.Lock()
	defer ac.writeLk.Unlock()
	if _, err := ac.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	ac.a.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(buf)), ac.mLabels)
	return nil
}

func (ac *acceptorConn) close() {
	ac.closeOnce.Do(func() {
		ac.cancel()
		ac.conn.Close()
	})
}
