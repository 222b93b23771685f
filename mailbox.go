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
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/composer"
)

// ResponseFunc receives the outcome of a request: a transport level error,
// or the response arguments, by convention [error, value].
type ResponseFunc func(tracer *Tracer, err error, resp []any)

// SendOptions travel with a message through the filters and the mailbox.
type SendOptions struct {
	// Timeout overrides the mailbox request timeout when positive.
	Timeout time.Duration
}

// Mailbox is the client end of a connection to one server.
type Mailbox interface {
	ID() string
	Connect(ctx context.Context) error
	// Send fails immediately when the mailbox cannot take the request. A nil
	// cb sends a notification, no response being expected.
	Send(tracer *Tracer, msg codec.Message, opts SendOptions, cb ResponseFunc) error
	Close() error
	// Done is closed once the mailbox is closed, whatever the reason.
	Done() <-chan struct{}
}

// MailboxFactory creates the mailbox of a server.
type MailboxFactory func(server ServerInfo, env MailboxEnv) Mailbox

// MailboxEnv is what a client hands to the mailboxes it creates.
type MailboxEnv struct {
	Config       MailboxConfig
	Transport    Transport
	RPCDebugLog  bool
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type mailboxState uint8

const (
	mailboxUnconnected mailboxState = iota
	mailboxConnecting
	mailboxConnected
	mailboxClosed
)

type inflightRequest struct {
	tracer *Tracer
	cb     ResponseFunc
	timer  *time.Timer
}

type streamMailbox struct {
	server    ServerInfo
	cfg       MailboxConfig
	transport Transport
	tracing   bool
	logger    *slog.Logger
	msink     metrics.MetricSink
	mLabels   []metrics.Label

	// only touched by the reader goroutine, or during Connect
	composer *composer.Composer

	lk        sync.Mutex
	state     mailboxState
	conn      net.Conn
	codec     codec.Codec
	nextID    uint32
	inflight  map[uint32]*inflightRequest
	queue     []*codec.Request
	pingTimer *time.Timer
	pongTimer *time.Timer

	writeLk   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStreamMailbox is the default MailboxFactory: one framed byte stream
// per server, opened with the env's Transport.
func NewStreamMailbox(server ServerInfo, env MailboxEnv) Mailbox {
	cfg := env.Config
	cfg.fillDefaults()

	tr := env.Transport
	if tr == nil {
		tr = TCPTransport{}
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &streamMailbox{
		server:    server,
		cfg:       cfg,
		transport: tr,
		tracing:   env.RPCDebugLog,
		logger:    logger.With("mailbox", server),
		msink:     sinkFor(env.MetricSink),
		mLabels:   withLabels(env.MetricLabels, LabelServerID.M(server.ID), LabelServerType.M(server.ServerType)),
		composer:  composer.New(cfg.MaxFrameLength),
		codec:     cfg.Codec,
		inflight:  make(map[uint32]*inflightRequest),
		done:      make(chan struct{}),
	}
}

func (mb *streamMailbox) ID() string {
	return mb.server.ID
}

func (mb *streamMailbox) Done() <-chan struct{} {
	return mb.done
}

func (mb *streamMailbox) Connect(ctx context.Context) error {
	mb.lk.Lock()
	if mb.state != mailboxUnconnected {
		state := mb.state
		mb.lk.Unlock()
		if state == mailboxClosed {
			return ErrMailboxClosed
		}
		return fmt.Errorf("%w: connect called twice", ErrInvalidCfg)
	}
	mb.state = mailboxConnecting
	mb.lk.Unlock()

	ctx, cancel := context.WithTimeout(ctx, mb.cfg.ConnectTimeout)
	defer cancel()

	conn, err := mb.transport.Dial(ctx, mb.server.Addr())
	if err != nil {
		mb.msink.IncrCounterWithLabels(MetricMailboxConnectErrors, 1.0, mb.mLabels)
		mb.closeWith(err)
		return fmt.Errorf("mailbox: dial %s: %w", mb.server.Addr(), err)
	}

	mb.lk.Lock()
	if mb.state == mailboxClosed {
		mb.lk.Unlock()
		conn.Close()
		return ErrMailboxClosed
	}
	mb.conn = conn
	mb.lk.Unlock()

	// the ping makes the stream visible to the acceptor on every transport
	if err := mb.writeFrame(composer.FramePing, nil); err != nil {
		mb.closeWith(err)
		return err
	}

	leftovers, err := mb.handshake(ctx, conn)
	if err != nil {
		mb.msink.IncrCounterWithLabels(MetricMailboxConnectErrors, 1.0, mb.mLabels)
		mb.closeWith(err)
		return err
	}

	mb.lk.Lock()
	if mb.state == mailboxClosed {
		mb.lk.Unlock()
		return ErrMailboxClosed
	}
	mb.state = mailboxConnected
	mb.armPingLocked()
	mb.lk.Unlock()

	mb.msink.IncrCounterWithLabels(MetricMailboxConnectCount, 1.0, mb.mLabels)
	mb.logger.Debug("mailbox connected")

	for _, frame := range leftovers {
		mb.onFrame(frame)
	}

	mb.wg.Add(1)
	go mb.readLoop(conn)
	if mb.cfg.BufferMsg {
		mb.wg.Add(1)
		go mb.flushLoop()
	}
	return nil
}

// handshake waits for the code table when the codec needs one. Frames read
// past the handshake are returned to be processed once connected.
func (mb *streamMailbox) handshake(ctx context.Context, conn net.Conn) ([]composer.Frame, error) {
	tc, ok := mb.codec.(codec.TableCodec)
	if !ok || tc.HasTable() {
		return nil, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}

	var (
		table     *codec.CodeTable
		leftovers []composer.Frame
		parseErr  error
	)
	buf := make([]byte, 4096)
	for table == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			ferr := mb.composer.Feed(buf[:n], func(f composer.Frame) {
				switch {
				case table == nil && f.Type == composer.FrameHandshake:
					t := &codec.CodeTable{}
					if err := json.Unmarshal(f.Payload, t); err != nil {
						parseErr = err
						return
					}
					table = t
				case table != nil:
					leftovers = append(leftovers, f)
				}
			})
			if ferr != nil {
				return nil, fmt.Errorf("%w: %w", ErrHandshake, ferr)
			}
			if parseErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrHandshake, parseErr)
			}
		}
		if err != nil && table == nil {
			return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
	}

	mb.lk.Lock()
	mb.codec = tc.WithTable(table)
	mb.lk.Unlock()
	return leftovers, nil
}

func (mb *streamMailbox) Send(tracer *Tracer, msg codec.Message, opts SendOptions, cb ResponseFunc) error {
	mb.lk.Lock()
	switch mb.state {
	case mailboxClosed:
		mb.lk.Unlock()
		return ErrMailboxClosed
	case mailboxConnected:
	default:
		mb.lk.Unlock()
		return ErrNotConnected
	}

	req := &codec.Request{Msg: msg}
	if mb.tracing {
		req.Trace = tracer.wire()
		if req.Trace != nil {
			req.Trace.Remote = mb.server.ID
		}
	}

	if cb != nil {
		req.ID = mb.allocIDLocked()
		timeout := mb.cfg.Timeout
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		id := req.ID
		mb.inflight[id] = &inflightRequest{
			tracer: tracer,
			cb:     cb,
			timer:  time.AfterFunc(timeout, func() { mb.expire(id, timeout) }),
		}
	}

	if mb.cfg.BufferMsg {
		mb.queue = append(mb.queue, req)
		mb.lk.Unlock()
		return nil
	}
	cd := mb.codec
	mb.lk.Unlock()

	payload, err := cd.EncodeRequest(req)
	if err != nil {
		mb.forget(req.ID)
		return err
	}
	if err := mb.writeFrame(composer.FrameMessage, payload); err != nil {
		mb.forget(req.ID)
		mb.closeWith(err)
		return err
	}
	tracer.Debug("client", "mailbox", "send", "request written")
	return nil
}

func (mb *streamMailbox) Close() error {
	mb.closeWith(ErrMailboxClosed)
	mb.wg.Wait()
	return nil
}

// allocIDLocked skips 0, reserved for notifications, and ids still in
// flight after a wrap around.
func (mb *streamMailbox) allocIDLocked() uint32 {
	for {
		mb.nextID++
		if mb.nextID == 0 {
			continue
		}
		if _, taken := mb.inflight[mb.nextID]; !taken {
			return mb.nextID
		}
	}
}

func (mb *streamMailbox) forget(id uint32) {
	if id == 0 {
		return
	}
	mb.lk.Lock()
	entry, ok := mb.inflight[id]
	delete(mb.inflight, id)
	mb.lk.Unlock()
	if ok {
		entry.timer.Stop()
	}
}

func (mb *streamMailbox) expire(id uint32, after time.Duration) {
	mb.lk.Lock()
	entry, ok := mb.inflight[id]
	delete(mb.inflight, id)
	mb.lk.Unlock()
	if !ok {
		return
	}

	mb.msink.IncrCounterWithLabels(MetricMailboxTimeoutCount, 1.0, mb.mLabels)
	mb.logger.Warn("request timed out", LabelRequestID.L(id), "after", after)
	entry.tracer.Error("client", "mailbox", "expire", "request timed out")
	entry.cb(entry.tracer, &TimeoutError{ServerID: mb.server.ID, RequestID: id, After: after}, nil)
}

func (mb *streamMailbox) writeFrame(ft composer.FrameType, payload []byte) error {
	frame, err := mb.composer.Compose(ft, payload)
	if err != nil {
		return err
	}
	return mb.write(frame)
}

func (mb *streamMailbox) write(buf []byte) error {
	mb.lk.Lock()
	conn := mb.conn
	mb.lk.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	mb.writeLk.Lock()
	defer mb.writeLk.Unlock()
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	mb.msink.IncrCounterWithLabels(MetricFrameOutBytes, float32(len(buf)), mb.mLabels)
	return nil
}

func (mb *streamMailbox) flushLoop() {
	defer mb.wg.Done()
	ticker := time.NewTicker(mb.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-mb.done:
			return
		case <-ticker.C:
			mb.flush()
		}
	}
}

func (mb *streamMailbox) flush() {
	mb.lk.Lock()
	queue := mb.queue
	mb.queue = nil
	cd := mb.codec
	mb.lk.Unlock()
	if len(queue) == 0 {
		return
	}

	var out []byte
	if batcher, ok := cd.(codec.Batcher); ok {
		if payload, err := batcher.EncodeRequests(queue); err == nil {
			frame, err := mb.composer.Compose(composer.FrameMessage, payload)
			if err == nil {
				out = frame
				queue = nil
			}
		}
	}
	for _, req := range queue {
		payload, err := cd.EncodeRequest(req)
		if err == nil {
			var frame []byte
			frame, err = mb.composer.Compose(composer.FrameMessage, payload)
			out = append(out, frame...)
		}
		if err != nil {
			mb.failRequest(req.ID, err)
		}
	}
	if len(out) == 0 {
		return
	}

	if err := mb.write(out); err != nil {
		mb.closeWith(err)
	}
}

func (mb *streamMailbox) failRequest(id uint32, err error) {
	mb.lk.Lock()
	entry, ok := mb.inflight[id]
	delete(mb.inflight, id)
	mb.lk.Unlock()
	if !ok {
		mb.logger.Warn("dropping notification which cannot be encoded", LabelError.L(err))
		return
	}
	entry.timer.Stop()
	entry.cb(entry.tracer, err, nil)
}

func (mb *streamMailbox) readLoop(conn net.Conn) {
	defer mb.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			mb.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(n), mb.mLabels)
			if ferr := mb.composer.Feed(buf[:n], mb.onFrame); ferr != nil {
				mb.logger.Warn("protocol violation, closing", LabelError.L(ferr))
				mb.closeWith(fmt.Errorf("%w: %w", ErrProtocolViolation, ferr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				mb.logger.Debug("read failed", LabelError.L(err))
			}
			mb.closeWith(err)
			return
		}
	}
}

func (mb *streamMailbox) onFrame(frame composer.Frame) {
	mb.lk.Lock()
	if mb.pongTimer != nil {
		mb.pongTimer.Stop()
		mb.pongTimer = nil
		mb.armPingLocked()
	}
	cd := mb.codec
	mb.lk.Unlock()

	switch frame.Type {
	case composer.FrameResponse:
		resps, err := cd.DecodeResponses(frame.Payload)
		if err != nil {
			mb.logger.Warn("dropping undecodable response", LabelError.L(err))
			return
		}
		for _, resp := range resps {
			mb.resolve(resp)
		}
	case composer.FramePing:
		if err := mb.writeFrame(composer.FramePong, nil); err != nil {
			mb.closeWith(err)
		}
	case composer.FramePong, composer.FrameHandshake:
	default:
		mb.logger.Debug("ignoring unexpected frame", LabelFrameType.L(frame.Type.String()))
	}
}

func (mb *streamMailbox) resolve(resp *codec.Response) {
	mb.lk.Lock()
	entry, ok := mb.inflight[resp.ID]
	delete(mb.inflight, resp.ID)
	mb.lk.Unlock()
	if !ok {
		mb.msink.IncrCounterWithLabels(MetricMailboxOrphanCount, 1.0, mb.mLabels)
		mb.logger.Debug("dropping response for an unknown request", LabelRequestID.L(resp.ID))
		return
	}

	entry.timer.Stop()
	entry.tracer.Debug("client", "mailbox", "resolve", "response received")
	entry.cb(entry.tracer, nil, resp.Resp)
}

func (mb *streamMailbox) armPingLocked() {
	if mb.cfg.Ping < 0 || mb.state != mailboxConnected {
		return
	}
	if mb.pingTimer != nil {
		mb.pingTimer.Stop()
	}
	mb.pingTimer = time.AfterFunc(mb.cfg.Ping, mb.sendPing)
}

func (mb *streamMailbox) sendPing() {
	mb.lk.Lock()
	if mb.state != mailboxConnected || mb.pongTimer != nil {
		mb.lk.Unlock()
		return
	}
	mb.pongTimer = time.AfterFunc(mb.cfg.Pong, func() {
		mb.logger.Warn("heartbeat timed out")
		mb.closeWith(ErrHeartbeatTimeout)
	})
	mb.lk.Unlock()

	if err := mb.writeFrame(composer.FramePing, nil); err != nil {
		mb.closeWith(err)
	}
}

// closeWith shuts the mailbox down once and fails every request in flight.
func (mb *streamMailbox) closeWith(cause error) {
	mb.closeOnce.Do(func() {
		mb.lk.Lock()
		mb.state = mailboxClosed
		if mb.pingTimer != nil {
			mb.pingTimer.Stop()
		}
		if mb.pongTimer != nil {
			mb.pongTimer.Stop()
		}
		inflight := mb.inflight
		mb.inflight = make(map[uint32]*inflightRequest)
		mb.queue = nil
		conn := mb.conn
		mb.lk.Unlock()

		if conn != nil {
			conn.Close()
		}
		close(mb.done)

		mb.msink.IncrCounterWithLabels(MetricMailboxCloseCount, 1.0, mb.mLabels)
		if errors.Is(cause, ErrMailboxClosed) {
			mb.logger.Debug("mailbox closed")
		} else {
			mb.logger.Info("mailbox closed", LabelError.L(cause))
		}

		err := fmt.Errorf("%w: %s: %w", ErrDisconnected, mb.server.ID, cause)
		for _, entry := range inflight {
			entry.timer.Stop()
			entry.cb(entry.tracer, err, nil)
		}
	})
}
