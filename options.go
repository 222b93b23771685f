package courier

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/raskyld/courier/pkg/hashring"
)

const (
	DefaultPendingSize      = 10000
	DefaultRetryTimes       = 3
	DefaultRetryConnectTime = 5 * time.Second
	DefaultGracePeriod      = 3 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultListenOn         = ":3050"

	DefaultFlushInterval  = 50 * time.Millisecond
	DefaultRequestTimeout = 10 * time.Second
	DefaultPingInterval   = 25 * time.Second
	DefaultPongTimeout    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	// heartbeatGrace is added to the ping interval before an acceptor
	// gives up on a silent connection.
	heartbeatGrace = 5 * time.Second
)

// MailboxConfig tunes the client side of every connection.
type MailboxConfig struct {
	// BufferMsg queues requests and writes them every Interval.
	BufferMsg bool
	Interval  time.Duration

	// Timeout bounds how long a request waits for its response.
	Timeout time.Duration

	// Ping is the idle time after which a ping is sent, Pong how long the
	// mailbox waits for any inbound frame afterwards. A negative Ping
	// disables heartbeats.
	Ping time.Duration
	Pong time.Duration

	// ConnectTimeout bounds dialing plus handshake.
	ConnectTimeout time.Duration

	// MaxFrameLength refuses larger inbound frames, 0 means unlimited.
	MaxFrameLength int

	// Codec defaults to JSON. It must match the server's codec.
	Codec codec.Codec
}

func (mc *MailboxConfig) fillDefaults() {
	if mc.Interval <= 0 {
		mc.Interval = DefaultFlushInterval
	}
	if mc.Timeout <= 0 {
		mc.Timeout = DefaultRequestTimeout
	}
	if mc.Ping == 0 {
		mc.Ping = DefaultPingInterval
	}
	if mc.Pong <= 0 {
		mc.Pong = DefaultPongTimeout
	}
	if mc.ConnectTimeout <= 0 {
		mc.ConnectTimeout = DefaultConnectTimeout
	}
	if mc.Codec == nil {
		mc.Codec = codec.JSON{}
	}
}

type clientConfig struct {
	clientID       string
	routerType     RouterType
	routeFunc      RouteFunc
	hashFieldIndex int
	ringOpts       []hashring.Option

	failMode         FailMode
	retryTimes       int
	retryConnectTime time.Duration

	pendingSize int
	gracePeriod time.Duration
	callTimeout time.Duration

	mailbox        MailboxConfig
	transport      Transport
	mailboxFactory MailboxFactory

	rpcDebugLog  bool
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// ClientOption to pass to `NewClient`.
type ClientOption func(*clientConfig) error

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		clientID:         "courier-client",
		routerType:       RouterDefault,
		failMode:         FailFast,
		retryTimes:       DefaultRetryTimes,
		retryConnectTime: DefaultRetryConnectTime,
		pendingSize:      DefaultPendingSize,
		gracePeriod:      DefaultGracePeriod,
		callTimeout:      DefaultCallTimeout,
	}
}

// WithClientID names the client in traces.
func WithClientID(id string) ClientOption {
	return func(c *clientConfig) error {
		if id == "" {
			return fmt.Errorf("%w: empty client id", ErrInvalidCfg)
		}
		c.clientID = id
		return nil
	}
}

// WithRouterType selects one of the built-in routing strategies.
func WithRouterType(rt RouterType) ClientOption {
	return func(c *clientConfig) error {
		if rt > RouterConsistentHash {
			return fmt.Errorf("%w: %d", ErrUnknownRouter, rt)
		}
		c.routerType = rt
		return nil
	}
}

// WithRouteFunc installs a custom router, taking precedence over the
// router type.
func WithRouteFunc(fn RouteFunc) ClientOption {
	return func(c *clientConfig) error {
		c.routeFunc = fn
		return nil
	}
}

// WithHashFieldIndex selects which argument feeds the consistent-hash
// router. When the message has no such argument the whole message is hashed.
func WithHashFieldIndex(idx int) ClientOption {
	return func(c *clientConfig) error {
		if idx < 0 {
			return fmt.Errorf("%w: negative hash field index", ErrInvalidCfg)
		}
		c.hashFieldIndex = idx
		return nil
	}
}

// WithHashRing configures the rings built by the consistent-hash router.
func WithHashRing(opts ...hashring.Option) ClientOption {
	return func(c *clientConfig) error {
		if _, err := hashring.New(opts...); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		c.ringOpts = opts
		return nil
	}
}

// WithFailMode selects how transport failures are handled.
func WithFailMode(mode FailMode) ClientOption {
	return func(c *clientConfig) error {
		if mode > FailSafe {
			return fmt.Errorf("%w: %d", ErrUnknownFailMode, mode)
		}
		c.failMode = mode
		return nil
	}
}

// WithRetry bounds the fail-safe mode: at most `times` retries, the n-th
// one waiting n*delay.
func WithRetry(times int, delay time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if times < 0 || delay < 0 {
			return fmt.Errorf("%w: negative retry settings", ErrInvalidCfg)
		}
		c.retryTimes = times
		c.retryConnectTime = delay
		return nil
	}
}

// WithPendingSize bounds how many calls may wait for one server to connect.
func WithPendingSize(size int) ClientOption {
	return func(c *clientConfig) error {
		if size <= 0 {
			return fmt.Errorf("%w: pending size must be positive", ErrInvalidCfg)
		}
		c.pendingSize = size
		return nil
	}
}

// WithGracePeriod controls how long a non-forced Stop waits before closing
// mailboxes.
func WithGracePeriod(period time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if period < 0 {
			period = 0
		}
		c.gracePeriod = period
		return nil
	}
}

// WithCallTimeout bounds calls whose context has no deadline.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if timeout <= 0 {
			timeout = DefaultCallTimeout
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithMailbox tunes the connections opened by the client.
func WithMailbox(cfg MailboxConfig) ClientOption {
	return func(c *clientConfig) error {
		if cfg.MaxFrameLength < 0 {
			return fmt.Errorf("%w: negative max frame length", ErrInvalidCfg)
		}
		c.mailbox = cfg
		return nil
	}
}

// WithTransport replaces the default TCP transport, e.g. with a
// `QUICTransport`.
func WithTransport(tr Transport) ClientOption {
	return func(c *clientConfig) error {
		c.transport = tr
		return nil
	}
}

// WithMailboxFactory replaces how mailboxes are created.
func WithMailboxFactory(factory MailboxFactory) ClientOption {
	return func(c *clientConfig) error {
		c.mailboxFactory = factory
		return nil
	}
}

// WithRPCDebugLog traces every call and puts trace fields on the wire.
func WithRPCDebugLog(enabled bool) ClientOption {
	return func(c *clientConfig) error {
		c.rpcDebugLog = enabled
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) ClientOption {
	return func(c *clientConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Client`.
func WithMetricSink(ms metrics.MetricSink) ClientOption {
	return func(c *clientConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the client.
func WithMetricLabels(labels []metrics.Label) ClientOption {
	return func(c *clientConfig) error {
		c.metricLabels = labels
		return nil
	}
}

type serverConfig struct {
	listenOn       string
	bufferMsg      bool
	interval       time.Duration
	heartbeat      time.Duration
	maxFrameLength int
	codec          codec.Codec
	transport      Transport
	rpcDebugLog    bool
	logHandler     slog.Handler
	metricSink     metrics.MetricSink
	metricLabels   []metrics.Label
}

// ServerOption to pass to `NewServer`.
type ServerOption func(*serverConfig) error

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		listenOn:  DefaultListenOn,
		interval:  DefaultFlushInterval,
		heartbeat: DefaultPingInterval,
		codec:     codec.JSON{},
	}
}

// WithListenOn sets the address the server listens on.
func WithListenOn(addr string) ServerOption {
	return func(c *serverConfig) error {
		if addr == "" {
			addr = DefaultListenOn
		}
		c.listenOn = addr
		return nil
	}
}

// WithBufferMsg queues responses per connection and writes them every
// interval.
func WithBufferMsg(interval time.Duration) ServerOption {
	return func(c *serverConfig) error {
		if interval <= 0 {
			interval = DefaultFlushInterval
		}
		c.bufferMsg = true
		c.interval = interval
		return nil
	}
}

// WithHeartbeat is the ping interval clients are expected to honour. A
// connection silent for longer than the interval plus a grace of five
// seconds is closed. A negative interval disables the check.
func WithHeartbeat(interval time.Duration) ServerOption {
	return func(c *serverConfig) error {
		if interval == 0 {
			interval = DefaultPingInterval
		}
		c.heartbeat = interval
		return nil
	}
}

// WithMaxFrameLength refuses larger inbound frames.
func WithMaxFrameLength(n int) ServerOption {
	return func(c *serverConfig) error {
		if n < 0 {
			return fmt.Errorf("%w: negative max frame length", ErrInvalidCfg)
		}
		c.maxFrameLength = n
		return nil
	}
}

// WithServerCodec selects the payload codec. Clients must use the same.
func WithServerCodec(cd codec.Codec) ServerOption {
	return func(c *serverConfig) error {
		if cd == nil {
			return fmt.Errorf("%w: nil codec", ErrInvalidCfg)
		}
		c.codec = cd
		return nil
	}
}

// WithServerTransport replaces the default TCP transport.
func WithServerTransport(tr Transport) ServerOption {
	return func(c *serverConfig) error {
		c.transport = tr
		return nil
	}
}

// WithServerDebugLog traces every request received.
func WithServerDebugLog(enabled bool) ServerOption {
	return func(c *serverConfig) error {
		c.rpcDebugLog = enabled
		return nil
	}
}

// WithServerLog specifies which `slog.Handler` to use.
func WithServerLog(handler slog.Handler) ServerOption {
	return func(c *serverConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithServerMetricSink allows you to chose how to collect the metrics
// emitted by your `Server`.
func WithServerMetricSink(ms metrics.MetricSink) ServerOption {
	return func(c *serverConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithServerMetricLabels adds static labels to all metrics produced by the
// server.
func WithServerMetricLabels(labels []metrics.Label) ServerOption {
	return func(c *serverConfig) error {
		c.metricLabels = labels
		return nil
	}
}

// TransportConfig represents configuration for the QUIC transport.
type TransportConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// HandshakeTimeout bounds QUIC connection establishment.
	HandshakeTimeout time.Duration

	// MaxIdleTimeout closes QUIC connections without any traffic.
	MaxIdleTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func loggerFor(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

func sinkFor(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}
