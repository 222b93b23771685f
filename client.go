package courier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/courier/pkg/codec"
	"golang.org/x/sync/errgroup"
)

// Client proxies method calls to the servers it has been told about.
type Client struct {
	cfg     *clientConfig
	logger  *slog.Logger
	msink   metrics.MetricSink
	dir     *serverDirectory
	router  *router
	station *mailStation
}

func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := loggerFor(cfg.logHandler).With("client", cfg.clientID)
	msink := sinkFor(cfg.metricSink)
	dir := newServerDirectory()

	return &Client{
		cfg:     cfg,
		logger:  logger,
		msink:   msink,
		dir:     dir,
		router:  newRouter(cfg, dir),
		station: newMailStation(cfg, dir, logger, msink),
	}, nil
}

// Start allows calls to be dispatched. Calls issued before fail with
// ErrServerNotStarted.
func (cl *Client) Start() error {
	if err := cl.station.start(); err != nil {
		return err
	}
	cl.logger.Info("client started",
		slog.String("router", cl.cfg.routerType.String()),
		slog.String("fail_mode", cl.cfg.failMode.String()),
	)
	return nil
}

// Stop closes every mailbox. Unless force is set, it first waits for the
// grace period so in-flight calls may complete.
func (cl *Client) Stop(force bool) error {
	err := cl.station.shutdown(force)
	cl.logger.Info("client stopped")
	return err
}

func (cl *Client) AddServer(info ServerInfo) error {
	return cl.AddServers(info)
}

// AddServers marks the servers online. Servers already known with another
// descriptor are replaced, and their mailbox is closed when the address
// changed.
func (cl *Client) AddServers(infos ...ServerInfo) error {
	for _, info := range infos {
		if err := info.validate(); err != nil {
			return err
		}
	}

	var result error
	for _, prev := range cl.dir.add(infos...) {
		cl.logger.Info("server moved, reconnecting", slog.Any("server", prev))
		if err := cl.station.closeMailbox(prev.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (cl *Client) RemoveServer(id string) error {
	return cl.RemoveServers(id)
}

// RemoveServers marks the servers offline and closes their mailboxes.
func (cl *Client) RemoveServers(ids ...string) error {
	var result error
	for _, info := range cl.dir.remove(ids...) {
		if err := cl.station.closeMailbox(info.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// ReplaceServers swaps the whole membership, closing the mailboxes of
// servers not part of it anymore or whose address changed.
func (cl *Client) ReplaceServers(infos ...ServerInfo) error {
	for _, info := range infos {
		if err := info.validate(); err != nil {
			return err
		}
	}

	var result error
	for _, info := range cl.dir.replace(infos) {
		if err := cl.station.closeMailbox(info.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// Servers lists the online servers ordered by id.
func (cl *Client) Servers() []ServerInfo {
	return cl.dir.all()
}

func (cl *Client) ServersByType(serverType string) []ServerInfo {
	return cl.dir.ServersByType(serverType)
}

// Before registers filters run before every request is sent, in order.
func (cl *Client) Before(filters ...Filter) {
	cl.station.filters.addBefore(filters...)
}

// After registers filters run on every response, in order.
func (cl *Client) After(filters ...Filter) {
	cl.station.filters.addAfter(filters...)
}

// Filter registers filters on both chains.
func (cl *Client) Filter(filters ...Filter) {
	cl.Before(filters...)
	cl.After(filters...)
}

// SetErrorHandler routes filter errors to h instead of the failure policy.
func (cl *Client) SetErrorHandler(h ErrorHandler) {
	cl.station.filters.setErrorHandler(h)
}

// Route picks the server msg would be sent to.
func (cl *Client) Route(ctx context.Context, routeParam any, msg *codec.Message) (string, error) {
	return cl.router.route(ctx, routeParam, msg, cl.dir)
}

// Call routes msg and waits for its response.
func (cl *Client) Call(ctx context.Context, routeParam any, msg codec.Message) (any, error) {
	serverID, err := cl.Route(ctx, routeParam, &msg)
	if err != nil {
		return nil, err
	}
	defer cl.router.done(serverID)
	return cl.Invoke(ctx, serverID, msg)
}

// Invoke sends msg to serverID and waits for the response. The remote
// method's error is returned as a *codec.RemoteError.
func (cl *Client) Invoke(ctx context.Context, serverID string, msg codec.Message) (any, error) {
	resp, err := cl.do(ctx, serverID, msg, false)
	if err != nil {
		return nil, err
	}
	return unpackResponse(resp)
}

// Notify sends msg to serverID without expecting any response. It returns
// once the request has been handed to the connection.
func (cl *Client) Notify(ctx context.Context, serverID string, msg codec.Message) error {
	_, err := cl.do(ctx, serverID, msg, true)
	return err
}

// Broadcast invokes msg on every online server of msg.ServerType and
// returns the values by server id. The first error cancels the rest.
func (cl *Client) Broadcast(ctx context.Context, msg codec.Message) (map[string]any, error) {
	servers := cl.dir.ServersByType(msg.ServerType)
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoServers, msg.ServerType)
	}

	var (
		lk      sync.Mutex
		results = make(map[string]any, len(servers))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			val, err := cl.Invoke(gctx, s.ID, msg)
			if err != nil {
				return fmt.Errorf("%s: %w", s.ID, err)
			}
			lk.Lock()
			results[s.ID] = val
			lk.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// NotifyAll notifies every online server of msg.ServerType.
func (cl *Client) NotifyAll(ctx context.Context, msg codec.Message) error {
	servers := cl.dir.ServersByType(msg.ServerType)
	if len(servers) == 0 {
		return fmt.Errorf("%w: %q", ErrNoServers, msg.ServerType)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			return cl.Notify(gctx, s.ID, msg)
		})
	}
	return g.Wait()
}

type callResult struct {
	err  error
	resp []any
}

func (cl *Client) do(ctx context.Context, serverID string, msg codec.Message, notify bool) ([]any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.cfg.callTimeout)
		defer cancel()
	}

	done := make(chan callResult, 1)
	c := &call{
		tracer:   newTracer(cl.logger, cl.cfg.rpcDebugLog, cl.cfg.clientID, serverID, &msg),
		serverID: serverID,
		msg:      msg,
		notify:   notify,
		cb: func(_ *Tracer, err error, resp []any) {
			done <- callResult{err: err, resp: resp}
		},
	}
	c.tracer.Info("client", "client", "do", "dispatching")
	cl.station.dispatch(c)

	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// unpackResponse applies the [error, value] convention.
func unpackResponse(resp []any) (any, error) {
	if len(resp) == 0 {
		return nil, nil
	}
	if err := codec.ErrorFromWire(resp[0]); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, nil
	}
	return resp[1], nil
}
